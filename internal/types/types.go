// Package types provides common type definitions for the revenue tracker.
package types

// SyncType names a row in the sync_status table
type SyncType string

const (
	SyncTypeRevenue       SyncType = "revenue"
	SyncTypeCloud         SyncType = "cloud"
	SyncTypeGaming        SyncType = "gaming"
	SyncTypeWordPress     SyncType = "wordpress"
	SyncTypeNodes         SyncType = "nodes"
	SyncTypeCrypto        SyncType = "crypto"
	SyncTypeDailySnapshot SyncType = "daily_snapshot"
)

// AllSyncTypes lists the sync types seeded on first start.
var AllSyncTypes = []SyncType{
	SyncTypeRevenue,
	SyncTypeCloud,
	SyncTypeGaming,
	SyncTypeWordPress,
	SyncTypeNodes,
	SyncTypeCrypto,
	SyncTypeDailySnapshot,
}

// SyncState is the outcome recorded for the last sync attempt
type SyncState string

const (
	// SyncStatePending means the sync type has never completed
	SyncStatePending SyncState = "pending"
	// SyncStateCompleted means the last attempt succeeded
	SyncStateCompleted SyncState = "completed"
	// SyncStateFailed means the last attempt failed; see the error message
	SyncStateFailed SyncState = "failed"
)

// Valid reports whether s is one of the known states.
func (s SyncState) Valid() bool {
	switch s {
	case SyncStatePending, SyncStateCompleted, SyncStateFailed:
		return true
	}
	return false
}

// ServiceError represents a structured error response
type ServiceError struct {
	Code    string                 `json:"code"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
}

func (e *ServiceError) Error() string {
	return e.Message
}

// DateLayout is the calendar-day format used for date columns.
const DateLayout = "2006-01-02"
