package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestScheduler_RegisterRejectsBadSpec(t *testing.T) {
	s := New(zerolog.Nop(), time.Second)
	err := s.Register(Entry{Name: "bad", Spec: "not a spec", Job: func(context.Context) (int64, error) { return 0, nil }})
	if err == nil {
		t.Fatalf("expected spec error")
	}
}

func TestScheduler_RunsJobs(t *testing.T) {
	s := New(zerolog.Nop(), time.Second)
	var calls atomic.Int32
	fired := make(chan struct{}, 4)
	job := func(ctx context.Context) (int64, error) {
		if _, ok := ctx.Deadline(); !ok {
			t.Errorf("job context has no deadline")
		}
		calls.Add(1)
		select {
		case fired <- struct{}{}:
		default:
		}
		return 1, nil
	}
	if err := s.Register(Entry{Name: "tick", Spec: "@every 1s", Job: job}); err != nil {
		t.Fatalf("Register: %v", err)
	}
	s.Start()
	select {
	case <-fired:
	case <-time.After(5 * time.Second):
		t.Fatalf("job never fired")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if calls.Load() == 0 {
		t.Fatalf("no calls recorded")
	}
}

func TestScheduler_RunNowSurvivesFailures(t *testing.T) {
	s := New(zerolog.Nop(), time.Second)
	var ran []string
	s.RunNow(
		Entry{Name: "a", Job: func(context.Context) (int64, error) { ran = append(ran, "a"); return 0, errors.New("x") }},
		Entry{Name: "b", Job: func(context.Context) (int64, error) { ran = append(ran, "b"); return 3, nil }},
	)
	if len(ran) != 2 {
		t.Fatalf("ran = %v", ran)
	}
}
