package domain

import (
	"fmt"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	return db
}

func TestIdempotency_ScopedUniqueness(t *testing.T) {
	db := newTestDB(t)
	if err := db.AutoMigrate(&Idempotency{}); err != nil {
		t.Fatalf("automigrate: %v", err)
	}
	m := db.Migrator()
	for _, idx := range []string{"ux_scope_key", "ix_idem_key"} {
		if !m.HasIndex(&Idempotency{}, idx) {
			t.Fatalf("missing index %s", idx)
		}
	}

	exp := time.Now().UTC().Add(time.Hour)
	rows := []struct {
		rec     Idempotency
		wantErr bool
	}{
		{Idempotency{ID: "1", Scope: "corner-cafe", Key: "kiosk-1:0001", Fingerprint: "fp", Status: 200, Body: []byte(`{"checkin_count":1}`), ExpiresAt: exp}, false},
		{Idempotency{ID: "2", Scope: "bakery", Key: "kiosk-1:0001", Status: 200, ExpiresAt: exp}, false},
		{Idempotency{ID: "3", Scope: "corner-cafe", Key: "kiosk-1:0001", Status: 200, ExpiresAt: exp}, true},
	}
	for _, row := range rows {
		rec := row.rec
		err := db.Create(&rec).Error
		if (err != nil) != row.wantErr {
			t.Fatalf("insert %s: err=%v wantErr=%v", rec.ID, err, row.wantErr)
		}
	}

	var got Idempotency
	if err := db.First(&got, "id = ?", "2").Error; err != nil {
		t.Fatalf("readback: %v", err)
	}
	if got.Fingerprint != "" || got.CreatedAt.IsZero() {
		t.Fatalf("defaults not applied: %+v", got)
	}
}

func TestIdempotency_Matches(t *testing.T) {
	rec := Idempotency{Fingerprint: "abc"}

	if !rec.Matches("abc") || rec.Matches("def") {
		t.Fatalf("fingerprint matching broken")
	}
	if !(Idempotency{}).Matches("anything") {
		t.Fatalf("legacy record without fingerprint should match")
	}
}
