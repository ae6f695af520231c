package store

import "time"

// Operation is one applied edit, persisted append-only as the audit history
// for an asset. Position/Length/Content/Path are populated depending on Type.
type Operation struct {
	ID        int64
	AssetID   string
	UserID    string
	Type      string // insert, delete, replace, move
	Position  int
	Length    int
	Content   string
	Path      string
	Target    int
	CreatedAt time.Time
}

// Lock is the persisted edit lock for an asset. At most one row per asset;
// an expired row counts as no lock.
type Lock struct {
	AssetID   string
	UserID    string
	ExpiresAt time.Time
}

// Change is one entry in a version's change set.
type Change struct {
	Type            string         `json:"type"` // add, modify, delete
	Path            string         `json:"path"`
	Content         string         `json:"content,omitempty"`
	PreviousContent string         `json:"previousContent,omitempty"`
	Metadata        map[string]any `json:"metadata,omitempty"`
}

// Version is an immutable snapshot of changes against an asset. Only Tags
// may change after creation.
type Version struct {
	ID          string
	AssetID     string
	UserID      string
	Branch      string
	Description string
	Changes     []Change
	Tags        []string
	CreatedAt   time.Time
}

type Branch struct {
	AssetID       string
	Name          string
	BaseVersionID string
	CreatedAt     time.Time
}

// VersionFilter narrows ListVersions. Zero values mean "no constraint";
// Tags require every listed tag to be present.
type VersionFilter struct {
	Limit    int
	Offset   int
	FromDate *time.Time
	ToDate   *time.Time
	Tags     []string
	Branch   string
}
