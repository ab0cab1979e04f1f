package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// ProviderName identifies a video generation backend.
type ProviderName string

const (
	ProviderVeo3 ProviderName = "veo3"
	ProviderLuma ProviderName = "luma"
)

// Mode selects the speed/quality trade-off of a generation.
type Mode string

const (
	ModeFast    Mode = "fast"
	ModeQuality Mode = "quality"
)

// JobStatus is the lifecycle state of a generation job.
type JobStatus string

const (
	JobCreated   JobStatus = "created"
	JobReserved  JobStatus = "reserved"
	JobSubmitted JobStatus = "submitted"
	JobPolling   JobStatus = "polling"
	JobSucceeded JobStatus = "succeeded"
	JobFailed    JobStatus = "failed"
	JobTimedOut  JobStatus = "timed_out"
)

// IsTerminal reports whether no further transition can occur.
func (s JobStatus) IsTerminal() bool {
	switch s {
	case JobSucceeded, JobFailed, JobTimedOut:
		return true
	default:
		return false
	}
}

type User struct {
	ID        int64
	TgUserID  int64
	Username  string
	Balance   decimal.Decimal
	IsBanned  bool
	CreatedAt time.Time
	UpdatedAt time.Time
}

type PromoCode struct {
	ID        int64
	Code      string
	Tokens    decimal.Decimal
	MaxUses   int
	Uses      int
	ExpiresAt *time.Time
	CreatedBy int64
	CreatedAt time.Time
}

// Expired reports whether the code is past its expiry at the given instant.
// Codes without an expiry never expire.
func (p PromoCode) Expired(now time.Time) bool {
	return p.ExpiresAt != nil && now.After(*p.ExpiresAt)
}

type Job struct {
	ID             string // ULID
	UserID         int64
	ChatID         int64
	Provider       ProviderName
	Mode           Mode
	Prompt         string
	NegativePrompt string
	AspectRatio    string
	Resolution     string
	ReferenceURL   string
	Cost           decimal.Decimal
	Status         JobStatus
	ProviderJobID  string
	ResultPath     string
	FailReason     string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}
