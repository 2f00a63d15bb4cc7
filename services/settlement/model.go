package settlement

import (
	"time"

	"creator-earnings/pkg/money"

	"gorm.io/datatypes"
)

type RunStatus string

const (
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
)

// CanTransition allows running -> completed | failed and the retry
// failed -> running. A completed run is final.
func (s RunStatus) CanTransition(to RunStatus) bool {
	switch s {
	case RunRunning:
		return to == RunCompleted || to == RunFailed
	case RunFailed:
		return to == RunRunning
	default:
		return false
	}
}

type Trigger string

const (
	TriggerScheduled Trigger = "scheduled"
	TriggerManual    Trigger = "manual"
)

// SettlementRun is both the audit record of a settlement date and its lock:
// run_date is unique, so only one invocation per date can hold it.
type SettlementRun struct {
	ID                     string         `gorm:"column:id;primaryKey" json:"id"`
	RunDate                string         `gorm:"column:run_date;size:10;not null;uniqueIndex" json:"run_date"`
	Status                 RunStatus      `gorm:"column:status;size:16;not null" json:"status"`
	Trigger                Trigger        `gorm:"column:trigger_type;size:16" json:"trigger"`
	Attempt                int            `gorm:"column:attempt;not null;default:1" json:"attempt"`
	CreatorsProcessed      int64          `gorm:"column:creators_processed;not null;default:0" json:"creators_processed"`
	CreatorsFailed         int64          `gorm:"column:creators_failed;not null;default:0" json:"creators_failed"`
	AutoPayoutsCreated     int64          `gorm:"column:auto_payouts_created;not null;default:0" json:"auto_payouts_created"`
	TotalPendingMovedCents money.Cents    `gorm:"column:total_pending_moved_cents;not null;default:0" json:"total_pending_moved"`
	DurationMs             int64          `gorm:"column:duration_ms;not null;default:0" json:"duration_ms"`
	ErrorMessage           string         `gorm:"column:error_message" json:"error_message,omitempty"`
	Failures               datatypes.JSON `gorm:"column:failures" json:"failures,omitempty"`
	StartedAt              time.Time      `gorm:"column:started_at" json:"started_at"`
	CompletedAt            *time.Time     `gorm:"column:completed_at" json:"completed_at,omitempty"`
	CreatedAt              time.Time      `gorm:"column:created_at" json:"created_at"`
	UpdatedAt              time.Time      `gorm:"column:updated_at" json:"updated_at"`
}

func (SettlementRun) TableName() string { return "settlement_runs" }

type CreatorFailure struct {
	CreatorID string `json:"creator_id"`
	Error     string `json:"error"`
}

type RunResult struct {
	Run *SettlementRun `json:"run"`
	// Skipped is set when the date was already settled.
	Skipped bool `json:"skipped"`
}

type creatorOutcome struct {
	moved      money.Cents
	autoPayout bool
}

type PreviewItem struct {
	CreatorID          string      `json:"creator_id"`
	Pending            money.Cents `json:"pending"`
	Available          money.Cents `json:"available"`
	ProjectedAvailable money.Cents `json:"projected_available"`
	HasDefaultAccount  bool        `json:"has_default_account"`
	AutoPayoutEligible bool        `json:"auto_payout_eligible"`
}

type Preview struct {
	RunDate          string         `json:"run_date"`
	AlreadySettled   bool           `json:"already_settled"`
	Creators         []*PreviewItem `json:"creators"`
	TotalPending     money.Cents    `json:"total_pending"`
	AutoPayoutCount  int            `json:"auto_payout_count"`
	AutoPayoutAmount money.Cents    `json:"auto_payout_amount"`
}
