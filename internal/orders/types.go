// Package orders owns every broker-side order mutation: the atomic
// per-symbol order sequencer, the fill detection engine, deterministic
// client order IDs, and the offline operation queue. Nothing outside this
// package submits or cancels orders directly.
package orders

import "time"

// FillStatus is the terminal classification of a monitored order.
type FillStatus string

const (
	FillStatusFilled   FillStatus = "FILLED"
	FillStatusPartial  FillStatus = "PARTIAL"
	FillStatusRejected FillStatus = "REJECTED"
	FillStatusTimeout  FillStatus = "TIMEOUT"
	FillStatusError    FillStatus = "ERROR"
)

// DetectionMethod names the verification path that confirmed a fill.
type DetectionMethod string

const (
	MethodStatusField       DetectionMethod = "status_field"
	MethodQuantityMatch     DetectionMethod = "quantity_match"
	MethodFillPrice         DetectionMethod = "fill_price"
	MethodTimestampCheck    DetectionMethod = "timestamp_check"
	MethodFinalVerification DetectionMethod = "final_verification"
	MethodCancelRace        DetectionMethod = "cancel_race_detection"
	MethodPositionReconcile DetectionMethod = "position_reconciliation"
	MethodNone              DetectionMethod = ""
)

// StatusTransition records one observed order-status change.
type StatusTransition struct {
	Status string    `json:"status"`
	At     time.Time `json:"at"`
}

// FillResult is the definitive outcome of monitoring one order.
type FillResult struct {
	OrderID          string             `json:"order_id"`
	Filled           bool               `json:"filled"`
	Status           FillStatus         `json:"status"`
	FillPrice        float64            `json:"fill_price"`
	FillQuantity     int64              `json:"fill_quantity"`
	FillTimestamp    time.Time          `json:"fill_timestamp,omitempty"`
	DetectionMethod  DetectionMethod    `json:"detection_method"`
	Confidence       float64            `json:"confidence"`
	ChecksPerformed  int                `json:"checks_performed"`
	ElapsedTime      time.Duration      `json:"elapsed_time"`
	APICallsMade     int                `json:"api_calls_made"`
	RetriesAttempted int                `json:"retries_attempted"`
	StatusHistory    []StatusTransition `json:"status_history"`
	LastKnownStatus  string             `json:"last_known_status"`
	Error            string             `json:"error,omitempty"`
}

// ConflictType enumerates the conditions that can block an order sequence.
type ConflictType string

const (
	ConflictConcurrentModification ConflictType = "CONCURRENT_MODIFICATION"
	ConflictDuplicateOrder         ConflictType = "DUPLICATE_ORDER"
	ConflictInsufficientShares     ConflictType = "INSUFFICIENT_SHARES"
	ConflictSharesLocked           ConflictType = "SHARES_LOCKED"
	ConflictInvalidPrice           ConflictType = "INVALID_PRICE"
	ConflictBrokerRejection        ConflictType = "BROKER_REJECTION"
)

// OrderConflict is one detected conflict, with the order IDs involved.
// Blocking conflicts abort the sequence unless the resolution policy clears
// them first.
type OrderConflict struct {
	Type        ConflictType `json:"type"`
	Description string       `json:"description"`
	OrderIDs    []string     `json:"order_ids,omitempty"`
	Blocking    bool         `json:"blocking"`
}

// SequenceOp records one step attempted inside a sequence, in order.
type SequenceOp struct {
	Name    string    `json:"name"`
	OrderID string    `json:"order_id,omitempty"`
	Success bool      `json:"success"`
	Error   string    `json:"error,omitempty"`
	At      time.Time `json:"at"`
}

// SequenceResult is the full trace of one atomic order sequence.
type SequenceResult struct {
	Success             bool            `json:"success"`
	SequenceID          string          `json:"sequence_id"`
	Symbol              string          `json:"symbol"`
	OperationsCompleted []SequenceOp    `json:"operations_completed"`
	ConflictsDetected   []OrderConflict `json:"conflicts_detected"`
	RollbackPerformed   bool            `json:"rollback_performed"`
	ExecutionTimeMS     int64           `json:"execution_time_ms"`
	Message             string          `json:"message"`

	// Fill details, populated by sequences that execute a market exit.
	FillPrice    float64 `json:"fill_price,omitempty"`
	FillQuantity int64   `json:"fill_quantity,omitempty"`
}

// SharesCheck reports share availability for a sell-side operation.
type SharesCheck struct {
	Available   int64 `json:"available"`
	Locked      int64 `json:"locked"`
	IsAvailable bool  `json:"is_available"`
}

// Sequence operation types for conflict detection.
const (
	OpTypeStopUpdate  = "stop_update"
	OpTypePartialExit = "partial_exit"
	OpTypeEntry       = "entry"
	OpTypeFlatten     = "flatten"
)
