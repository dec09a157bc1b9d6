package repo

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestGetIdempotency_EmptyKey_ReturnsNotFound(t *testing.T) {
	db := newTestDB(t)
	if _, err := GetIdempotency(context.Background(), db, "cafe", "  ", time.Now()); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestIdempotency_CreateGetDuplicate(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	rec, err := CreateIdempotency(ctx, db, "cafe", "k1", "fp-1", 200, []byte(`{"checkin_count":1}`), time.Hour)
	if err != nil {
		t.Fatalf("CreateIdempotency: %v", err)
	}
	if rec.Status != 200 || rec.Fingerprint != "fp-1" {
		t.Fatalf("record = %+v", rec)
	}

	got, err := GetIdempotency(ctx, db, "cafe", "k1", time.Now())
	if err != nil {
		t.Fatalf("GetIdempotency: %v", err)
	}
	if string(got.Body) != `{"checkin_count":1}` {
		t.Fatalf("body = %s", got.Body)
	}

	if _, err := CreateIdempotency(ctx, db, "cafe", "k1", "", 200, nil, time.Hour); !errors.Is(err, ErrDuplicate) {
		t.Fatalf("expected ErrDuplicate, got %v", err)
	}
	if _, err := GetIdempotency(ctx, db, "bakery", "k1", time.Now()); !errors.Is(err, ErrNotFound) {
		t.Fatalf("scope must isolate keys, got %v", err)
	}
}

func TestIdempotency_ExpiredIsReplacedAndPurged(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	if _, err := CreateIdempotency(ctx, db, "cafe", "old", "", 200, nil, -time.Minute); err != nil {
		t.Fatalf("create expired: %v", err)
	}
	if _, err := GetIdempotency(ctx, db, "cafe", "old", time.Now()); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expired record should be invisible, got %v", err)
	}
	if _, err := CreateIdempotency(ctx, db, "cafe", "old", "", 201, nil, time.Hour); err != nil {
		t.Fatalf("re-create over expired: %v", err)
	}

	if _, err := CreateIdempotency(ctx, db, "cafe", "gone", "", 200, nil, -time.Minute); err != nil {
		t.Fatalf("create expired: %v", err)
	}
	n, err := PurgeExpiredIdempotency(ctx, db, time.Now())
	if err != nil {
		t.Fatalf("purge: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 purged, got %d", n)
	}
}

func TestIdempotencyKeyExists(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	now := time.Now()

	if ok, err := IdempotencyKeyExists(ctx, db, "", now); ok || err != nil {
		t.Fatalf("blank key: ok=%v err=%v", ok, err)
	}
	if ok, err := IdempotencyKeyExists(ctx, db, "k-live", now); ok || err != nil {
		t.Fatalf("missing key: ok=%v err=%v", ok, err)
	}

	if _, err := CreateIdempotency(ctx, db, "cafe", "k-live", "", 200, nil, time.Hour); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := CreateIdempotency(ctx, db, "bakery", "k-old", "", 200, nil, -time.Minute); err != nil {
		t.Fatalf("create expired: %v", err)
	}

	if ok, err := IdempotencyKeyExists(ctx, db, "k-live", now); !ok || err != nil {
		t.Fatalf("live key: ok=%v err=%v", ok, err)
	}
	if ok, _ := IdempotencyKeyExists(ctx, db, "k-old", now); ok {
		t.Fatalf("expired key must not count")
	}
}
