package store

import (
	"encoding/json"
	"time"
)

// Document is the unit of storage: one versioned, typed, identified JSON
// record. Version starts at 1 and increases strictly with every
// successful write; a document is never physically removed, only marked
// deleted by a new version.
type Document struct {
	Type      string                 `json:"type"`
	ID        string                 `json:"id"`
	Version   int                    `json:"version"`
	Deleted   bool                   `json:"deleted,omitempty"`
	Body      map[string]interface{} `json:"body"`
	UpdatedAt time.Time              `json:"updated_at"`
}

// Key returns the storage key "Type/id".
func (d *Document) Key() string { return d.Type + "/" + d.ID }

// HistoryEntry is one version ever written, owned by the store and
// created synchronously with the write it records. Entries are never
// mutated after creation.
type HistoryEntry struct {
	Type      string          `json:"type"`
	ID        string          `json:"id"`
	Version   int             `json:"version"`
	Operation string          `json:"operation"` // create | update | delete
	Body      json.RawMessage `json:"body"`
	WrittenAt time.Time       `json:"written_at"`
}

const (
	OpCreate = "create"
	OpUpdate = "update"
	OpDelete = "delete"
)
