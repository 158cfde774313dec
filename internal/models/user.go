package models

import (
	"time"
)

// AuthState is the authorization state of a user as seen at query time.
type AuthState string

const (
	StateAuthorized   AuthState = "authorized"
	StateDeauthorized AuthState = "deauthorized"
	StateUnknown      AuthState = "unknown"
)

// Outcome records what the deauthorization worker decided for a candidate.
type Outcome string

const (
	OutcomePending              Outcome = "pending"
	OutcomeDeauthorized         Outcome = "deauthorized"
	OutcomeSkippedProtected     Outcome = "skipped_protected"
	OutcomeSkippedNotAuthorized Outcome = "skipped_not_authorized"
)

// AuditUserRecord is one user produced by the audit query: the latest recorded
// activity and the authorization state observed while scanning. A zero
// LastActive means the user has no recorded activity at all.
type AuditUserRecord struct {
	Username   string
	LastActive time.Time
	State      AuthState
}

// DeauthorizationCandidate wraps a record selected for the apply stage.
// Outcome is written exactly once, by the worker, during processing.
type DeauthorizationCandidate struct {
	Record  AuditUserRecord
	Outcome Outcome
}

func NewCandidate(rec AuditUserRecord) *DeauthorizationCandidate {
	return &DeauthorizationCandidate{Record: rec, Outcome: OutcomePending}
}

// UserResult is the per-user entry of a run summary.
type UserResult struct {
	Username       string `json:"username"`
	WasAuthorized  bool   `json:"wasAuthorised"`
	Deauthorized   bool   `json:"deauthorised"`
	LastActive     string `json:"lastActive,omitempty"`
	SkippedBecause string `json:"skipped,omitempty"`
}

// RunSummary is the result of one deauthorization run.
type RunSummary struct {
	RunID            string       `json:"runId"`
	DryRun           bool         `json:"dryRun"`
	AuthorizedBefore int64        `json:"authorisedUsersBefore"`
	AuthorizedAfter  int64        `json:"authorisedUsersAfter"`
	Deauthorized     int64        `json:"deauthorised"`
	Users            []UserResult `json:"users"`
	StartedAt        time.Time    `json:"startedAt"`
	Duration         string       `json:"duration"`
}
