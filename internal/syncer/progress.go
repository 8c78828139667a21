// Package syncer drives mailbox sync runs: the orchestrator state machine,
// the in-flight run registry, and the events published around a run.
package syncer

import "time"

// State is the lifecycle state of a run. Transitions are one-directional:
// pending -> running -> {completed, failed, cancelled}.
type State string

const (
	StatePending   State = "pending"
	StateRunning   State = "running"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
	StateCancelled State = "cancelled"
)

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateCancelled
}

// Config is the immutable input to a run.
type Config struct {
	AccountID string `json:"account_id"`
	UserID    string `json:"user_id"`
	// Provider selects the mail backend for the account, "google" or
	// "microsoft".
	Provider string `json:"provider"`
	// Folders restricts the run to these display names; empty means the
	// default set (Inbox, Sent Items, Drafts).
	Folders []string `json:"folders,omitempty"`
	// MaxEmails caps both the requested page size and the run's total
	// processed count. Zero means unbounded.
	MaxEmails          int  `json:"max_emails,omitempty"`
	IncludeAttachments bool `json:"include_attachments,omitempty"`
	AutoAnalyze        bool `json:"auto_analyze,omitempty"`
	// Incremental selects delta sync, resuming from the cursors stored by
	// the previous run.
	Incremental bool `json:"incremental,omitempty"`
}

// OperationType names the run kind for bookkeeping.
func (c Config) OperationType() string {
	if c.Incremental {
		return "delta"
	}
	return "full"
}

// Progress is a point-in-time snapshot of a run, safe to hand to pollers.
type Progress struct {
	RunID               string    `json:"run_id"`
	AccountID           string    `json:"account_id"`
	State               State     `json:"state"`
	TotalItems          int       `json:"total_items"`
	ProcessedItems      int       `json:"processed_items"`
	CurrentFolder       string    `json:"current_folder,omitempty"`
	StartedAt           time.Time `json:"started_at"`
	EstimatedCompletion time.Time `json:"estimated_completion,omitempty"`
	Error               string    `json:"error,omitempty"`
}

// Result is the immutable summary of a finished run.
type Result struct {
	Success   bool          `json:"success"`
	Processed int           `json:"processed"`
	Created   int           `json:"created"`
	Updated   int           `json:"updated"`
	Errors    int           `json:"errors"`
	Duration  time.Duration `json:"duration"`
	// ErrorDetails is bounded; the count above is authoritative.
	ErrorDetails []string `json:"error_details,omitempty"`
	// DeltaCursors seed the next incremental run, keyed by folder id.
	DeltaCursors map[string]string `json:"delta_cursors,omitempty"`
}
