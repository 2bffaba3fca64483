package wal

// ============================================================================
// WAL Type Definitions
// Responsibility: Define the run journal's event records
// ============================================================================

// EventType defines journal event types
type EventType string

const (
	EventRunStart        EventType = "RUN_START"        // Run started or resumed at Index
	EventRetry           EventType = "RETRY"            // Retries spent on a record, written just before its decision
	EventRecordSucceeded EventType = "RECORD_SUCCEEDED" // Record submitted
	EventRecordFailed    EventType = "RECORD_FAILED"    // Record exhausted its attempts
	EventRunPaused       EventType = "RUN_PAUSED"       // Loop suspended, Index is the cursor
	EventRunStopped      EventType = "RUN_STOPPED"      // Loop ended by Stop
	EventRunCompleted    EventType = "RUN_COMPLETED"    // Sequence exhausted
)

// Event represents one journal line
type Event struct {
	Seq       uint64    `json:"seq"`               // Event sequence number (monotonically increasing)
	Type      EventType `json:"type"`              // Event type
	RunID     string    `json:"run_id"`            // Run the event belongs to
	Index     int       `json:"index"`             // Record index or cursor
	Attempt   int       `json:"attempt,omitempty"` // Attempt count for record events, retry count for RETRY
	Message   string    `json:"message,omitempty"` // Last error, total, or other detail
	Timestamp int64     `json:"timestamp"`         // Unix millisecond timestamp
	Checksum  uint32    `json:"checksum"`          // CRC32 checksum
}

// EventHandler is the function type for processing journal events during Replay
type EventHandler func(event Event) error
