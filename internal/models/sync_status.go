package models

import (
	"time"

	"github.com/revenue-tracker/internal/types"
)

// SyncStatus is the last outcome recorded for one sync type
type SyncStatus struct {
	SyncType      types.SyncType  `json:"syncType" db:"sync_type"`
	LastSync      *time.Time      `json:"lastSync,omitempty" db:"last_sync"`
	LastSyncBlock *int64          `json:"lastSyncBlock,omitempty" db:"last_sync_block"`
	NextSync      *time.Time      `json:"nextSync,omitempty" db:"next_sync"`
	Status        types.SyncState `json:"status" db:"status"`
	ErrorMessage  *string         `json:"errorMessage,omitempty" db:"error_message"`
}

// SyncStatusUpdate overwrites the row for SyncType. A nil LastSyncBlock keeps
// the stored watermark; ErrorMessage is cleared unless set.
type SyncStatusUpdate struct {
	SyncType      types.SyncType
	Status        types.SyncState
	At            time.Time
	LastSyncBlock *int64
	NextSync      *time.Time
	ErrorMessage  *string
}
