package domain

import "time"

// GroupMetadata is the denormalized snapshot the cache serves. FromCache
// flags provenance so callers can tell a fresh fetch from a cached copy.
type GroupMetadata struct {
	GroupID      string    `json:"group_id"`
	Subject      string    `json:"subject"`
	Participants int       `json:"participants"`
	FetchedAt    time.Time `json:"fetched_at"`
	FromCache    bool      `json:"from_cache"`
}
