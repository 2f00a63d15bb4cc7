package ledger

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"time"

	"creator-earnings/pkg/money"

	"gorm.io/datatypes"
)

type EntryType string

const (
	EntryCreditPending   EntryType = "credit_pending"
	EntryReleasePending  EntryType = "release_pending"
	EntryDebitAvailable  EntryType = "debit_available"
	EntryCreditAvailable EntryType = "credit_available"
)

// CreatorBalance is the running total per creator.
// available + pending + withdrawn == lifetime holds after every posting.
type CreatorBalance struct {
	ID             string      `gorm:"column:id;primaryKey" json:"id"`
	CreatorID      string      `gorm:"column:creator_id;uniqueIndex;not null" json:"creator_id"`
	AvailableCents money.Cents `gorm:"column:available_cents;not null;default:0" json:"available"`
	PendingCents   money.Cents `gorm:"column:pending_cents;not null;default:0" json:"pending"`
	LifetimeCents  money.Cents `gorm:"column:lifetime_cents;not null;default:0" json:"lifetime"`
	WithdrawnCents money.Cents `gorm:"column:withdrawn_cents;not null;default:0" json:"withdrawn"`
	LastPayoutDate *time.Time  `gorm:"column:last_payout_date" json:"last_payout_date,omitempty"`
	NextPayoutDate *time.Time  `gorm:"column:next_payout_date" json:"next_payout_date,omitempty"`
	CreatedAt      time.Time   `gorm:"column:created_at" json:"created_at"`
	UpdatedAt      time.Time   `gorm:"column:updated_at" json:"updated_at"`
}

func (CreatorBalance) TableName() string { return "creator_balances" }

func (b *CreatorBalance) Balanced() bool {
	return b.AvailableCents+b.PendingCents+b.WithdrawnCents == b.LifetimeCents
}

// LedgerEntry is one append-only posting. Entries of a creator form a hash
// chain ordered by Sequence.
type LedgerEntry struct {
	ID            string         `gorm:"column:id;primaryKey" json:"id"`
	CreatorID     string         `gorm:"column:creator_id;not null;uniqueIndex:idx_ledger_entries_creator_seq,priority:1" json:"creator_id"`
	Sequence      int64          `gorm:"column:sequence;not null;uniqueIndex:idx_ledger_entries_creator_seq,priority:2" json:"sequence"`
	Type          EntryType      `gorm:"column:type;size:32;not null" json:"type"`
	AmountCents   money.Cents    `gorm:"column:amount_cents;not null" json:"amount"`
	TransactionID string         `gorm:"column:transaction_id;size:64;index" json:"transaction_id"`
	ReferenceID   string         `gorm:"column:reference_id;size:128;index" json:"reference_id"`
	Description   string         `gorm:"column:description" json:"description,omitempty"`
	PreviousHash  string         `gorm:"column:previous_hash;size:64" json:"previous_hash"`
	Hash          string         `gorm:"column:hash;size:64;not null" json:"hash"`
	Metadata      datatypes.JSON `gorm:"column:metadata" json:"metadata,omitempty"`
	CreatedAt     time.Time      `gorm:"column:created_at;precision:6" json:"created_at"`
}

func (LedgerEntry) TableName() string { return "ledger_entries" }

// Posting describes one balance movement requested by a caller.
type Posting struct {
	CreatorID     string
	Amount        money.Cents
	ReferenceID   string
	TransactionID string
	Description   string
	Metadata      map[string]any
}

func (m *LedgerEntry) hashFields() map[string]string {
	return map[string]string{
		"id":             m.ID,
		"creator_id":     m.CreatorID,
		"sequence":       fmt.Sprintf("%d", m.Sequence),
		"type":           string(m.Type),
		"amount":         fmt.Sprintf("%d", m.AmountCents),
		"transaction_id": m.TransactionID,
		"reference_id":   m.ReferenceID,
		"description":    m.Description,
		"created_at":     m.CreatedAt.UTC().Format(time.RFC3339Nano),
		"previous_hash":  m.PreviousHash,
	}
}

// GenerateHash must run after CreatedAt is set; databases keep microseconds,
// so CreatedAt is truncated before hashing.
func (m *LedgerEntry) GenerateHash() string {
	fields := m.hashFields()
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%s", k, fields[k]))
	}

	hash := sha256.Sum256([]byte(strings.Join(parts, "|")))
	return hex.EncodeToString(hash[:])
}

// Totals are balance fields recomputed from the journal.
type Totals struct {
	Available money.Cents `json:"available"`
	Pending   money.Cents `json:"pending"`
	Lifetime  money.Cents `json:"lifetime"`
	Withdrawn money.Cents `json:"withdrawn"`
}

func totalsOf(b *CreatorBalance) Totals {
	return Totals{
		Available: b.AvailableCents,
		Pending:   b.PendingCents,
		Lifetime:  b.LifetimeCents,
		Withdrawn: b.WithdrawnCents,
	}
}

type ReconcileResult struct {
	CreatorID string `json:"creator_id"`
	Before    Totals `json:"before"`
	After     Totals `json:"after"`
	Drift     bool   `json:"drift"`
}

type ChainReport struct {
	CreatorID string `json:"creator_id"`
	Entries   int64  `json:"entries"`
	Valid     bool   `json:"valid"`
	BrokenAt  int64  `json:"broken_at,omitempty"`
	Reason    string `json:"reason,omitempty"`
}

// NextPayoutDate returns the payout day of the month after from. Days past
// the end of a short month are clamped to its last day.
func NextPayoutDate(from time.Time, day int) time.Time {
	if day < 1 {
		day = 1
	}
	firstOfNext := time.Date(from.Year(), from.Month()+1, 1, 0, 0, 0, 0, from.Location())
	lastDay := firstOfNext.AddDate(0, 1, -1).Day()
	if day > lastDay {
		day = lastDay
	}
	return time.Date(firstOfNext.Year(), firstOfNext.Month(), day, 0, 0, 0, 0, from.Location())
}
