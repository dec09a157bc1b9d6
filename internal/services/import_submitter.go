package services

import (
	"context"
	"errors"
	"fmt"
	"strings"

	json "github.com/goccy/go-json"
	"github.com/rs/zerolog/log"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/tbourn/go-loyalty-backend/internal/domain"
	"github.com/tbourn/go-loyalty-backend/internal/observability"
	"github.com/tbourn/go-loyalty-backend/internal/repo"

	// OpenTelemetry
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// JobQueue hands a persisted import run to a background worker.
type JobQueue interface {
	Enqueue(ctx context.Context, runID string) error
}

// Submission is the response to an import request: either the finished
// result, or the job id to poll.
type Submission struct {
	JobID  string        `json:"job_id"`
	Async  bool          `json:"async"`
	Result *ImportResult `json:"result,omitempty"`
}

// ImportSubmitter chooses between running an import inline and queueing it.
// Small files complete within the request; larger ones return a job id.
// Welcome messages for an inline run go out after the response.
type ImportSubmitter struct {
	DB      *gorm.DB
	Imports *ImportService
	Queue   JobQueue

	// SyncMaxRows is the largest file run inline.
	SyncMaxRows int
}

// Submit validates the file, persists it as an import run and either runs
// or enqueues it.
func (s *ImportSubmitter) Submit(ctx context.Context, slug string, rows [][]string, opts ImportOptions) (*Submission, error) {
	tr := otel.Tracer("services/ImportSubmitter")
	ctx, span := tr.Start(ctx, "Submit",
		trace.WithAttributes(attribute.String("business.slug", slug)),
	)
	defer span.End()

	biz, err := repo.GetBusinessBySlug(ctx, s.DB, strings.TrimSpace(slug))
	if errors.Is(err, repo.ErrNotFound) {
		return nil, ErrBusinessNotFound
	}
	if err != nil {
		return nil, err
	}

	n := s.Imports.CountDataRows(rows)
	if n == 0 {
		return nil, ErrEmptyFile
	}
	if ceiling := s.Imports.MaxRows; ceiling > 0 && n > ceiling {
		return nil, fmt.Errorf("%w: %d rows, limit %d", ErrTooManyRows, n, ceiling)
	}
	span.SetAttributes(attribute.Int("import.rows", n))

	payload, err := json.Marshal(rows)
	if err != nil {
		return nil, err
	}
	run, err := repo.CreateImportRun(ctx, s.DB, biz.ID, datatypes.JSON(payload), n, opts.SendWelcome)
	if err != nil {
		return nil, err
	}

	if s.Queue == nil || n <= s.SyncMaxRows {
		// The inline run is not tied to the caller: a client that hangs up
		// mid-import must not leave a half-applied run behind.
		res, err := s.Imports.Apply(context.WithoutCancel(ctx), run.ID)
		if err != nil {
			return nil, err
		}
		if res.WelcomePending {
			s.welcomeLater(ctx, run.ID)
		}
		return &Submission{JobID: run.ID, Result: res}, nil
	}

	if err := s.Queue.Enqueue(ctx, run.ID); err != nil {
		s.Imports.Fail(ctx, run.ID, fmt.Errorf("enqueue: %w", err))
		return nil, err
	}
	observability.ImportRuns.WithLabelValues(string(domain.ImportQueued)).Inc()
	return &Submission{JobID: run.ID, Async: true}, nil
}

// welcomeLater hands the welcome pass of an inline run to the worker queue,
// or to a detached goroutine when there is no queue. Its batch delays would
// otherwise hold the request open.
func (s *ImportSubmitter) welcomeLater(ctx context.Context, runID string) {
	ctx = context.WithoutCancel(ctx)
	if s.Queue != nil {
		err := s.Queue.Enqueue(ctx, runID)
		if err == nil {
			return
		}
		log.Warn().Err(err).Str("import_id", runID).Msg("enqueue import welcomes")
	}
	go func() {
		if _, err := s.Imports.Welcome(ctx, runID); err != nil {
			log.Error().Err(err).Str("import_id", runID).Msg("send import welcomes")
		}
	}()
}

// Status returns a run's current state and tally.
func (s *ImportSubmitter) Status(ctx context.Context, runID string) (*domain.ImportRun, error) {
	run, err := repo.GetImportRun(ctx, s.DB, runID)
	if errors.Is(err, repo.ErrNotFound) {
		return nil, ErrImportNotFound
	}
	return run, err
}

// Resume re-enqueues runs left queued or processing by a previous process,
// and completed runs whose welcomes were never sent.
func (s *ImportSubmitter) Resume(ctx context.Context) (int, error) {
	if s.Queue == nil {
		return 0, nil
	}
	runs, err := repo.ListPendingImportRuns(ctx, s.DB)
	if err != nil {
		return 0, err
	}
	for _, r := range runs {
		if err := s.Queue.Enqueue(ctx, r.ID); err != nil {
			return 0, err
		}
	}
	return len(runs), nil
}
