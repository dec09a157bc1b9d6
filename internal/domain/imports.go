package domain

import (
	"time"

	"gorm.io/datatypes"
)

// ImportStatus is the lifecycle state of an ImportRun.
type ImportStatus string

const (
	ImportQueued     ImportStatus = "queued"
	ImportProcessing ImportStatus = "processing"
	ImportCompleted  ImportStatus = "completed"
	ImportFailed     ImportStatus = "failed"
)

// Terminal reports whether no further transitions are expected.
func (s ImportStatus) Terminal() bool {
	return s == ImportCompleted || s == ImportFailed
}

// RowError describes why a single import row was skipped. Row is the 1-based
// line number in the submitted file, header included.
type RowError struct {
	Row    int    `json:"row"`
	Value  string `json:"value"`
	Reason string `json:"reason"`
}

// ImportRun tracks one bulk import from submission to completion.
//
// Rows holds the raw submitted records until the run finishes so a worker can
// pick the job up after a restart; it is cleared on completion. Errors holds a
// JSON array of RowError. ProcessedRows counts the data rows already applied,
// so an interrupted run continues after them.
//
// WelcomePending marks a completed run whose welcome messages have not gone
// out yet. The run stays pending for a worker until they have.
type ImportRun struct {
	ID             string         `json:"id"                       gorm:"type:char(36);primaryKey"`
	BusinessID     string         `json:"business_id"              gorm:"type:char(36);not null;index"`
	Status         ImportStatus   `json:"status"                   gorm:"type:varchar(16);not null;index"`
	SendWelcome    bool           `json:"send_welcome"             gorm:"not null;default:false"`
	TotalRows      int            `json:"total_rows"               gorm:"not null;default:0"`
	ProcessedRows  int            `json:"processed_rows"           gorm:"not null;default:0"`
	Progress       int            `json:"progress"                 gorm:"not null;default:0"`
	Created        int            `json:"created"                  gorm:"not null;default:0"`
	Updated        int            `json:"updated"                  gorm:"not null;default:0"`
	Skipped        int            `json:"skipped"                  gorm:"not null;default:0"`
	WelcomeSent    int            `json:"welcome_sent"             gorm:"not null;default:0"`
	WelcomeFailed  int            `json:"welcome_failed"           gorm:"not null;default:0"`
	WelcomePending bool           `json:"welcome_pending"          gorm:"not null;default:false"`
	Errors         datatypes.JSON `json:"errors,omitempty"`
	Rows           datatypes.JSON `json:"-"`
	Attempts       int            `json:"attempts"                 gorm:"not null;default:0"`
	FailureReason  string         `json:"failure_reason,omitempty" gorm:"type:text"`
	StartedAt      *time.Time     `json:"started_at,omitempty"`
	CompletedAt    *time.Time     `json:"completed_at,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
}

// TableName returns the database table name for ImportRun.
func (ImportRun) TableName() string { return "import_runs" }
