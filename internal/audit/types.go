package audit

import "time"

const (
	ActionBackupCreate  = "backup.create"
	ActionBackupRestore = "backup.restore"
	ActionBackupVerify  = "backup.verify"
	ActionBackupPrune   = "backup.prune"
)

var AllActionTypes = []string{
	ActionBackupCreate,
	ActionBackupRestore,
	ActionBackupVerify,
	ActionBackupPrune,
}

const (
	ResultSuccess = "success"
	ResultFailure = "failure"
)

type Event struct {
	Timestamp  time.Time
	Action     string
	TargetType string
	TargetID   string
	Result     string
	// Details must marshal to a JSON object. Keys that look like secrets are
	// dropped before hashing.
	Details any
}

type Filter struct {
	Action   string
	TargetID string
	Since    *time.Time
	Until    *time.Time
	// Limit keeps only the most recent events; zero keeps all.
	Limit int
}

type RecordedEvent struct {
	ID          string    `json:"id"`
	Timestamp   time.Time `json:"timestamp"`
	Action      string    `json:"action"`
	TargetType  string    `json:"target_type,omitempty"`
	TargetID    string    `json:"target_id,omitempty"`
	Result      string    `json:"result"`
	DetailsJSON string    `json:"details"`
	PrevHash    string    `json:"prev_hash"`
	EventHash   string    `json:"event_hash"`
}

type VerifyResult struct {
	Valid      bool   `json:"valid"`
	EventCount int    `json:"event_count"`
	ChainTip   string `json:"chain_tip"`
	Error      string `json:"error,omitempty"`
}
