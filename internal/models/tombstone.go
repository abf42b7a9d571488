package models

import "time"

// Tombstone records a local deletion so sync does not re-adopt the remote copy.
type Tombstone struct {
	Collection Collection
	ID         string
	DeletedAt  time.Time
}
