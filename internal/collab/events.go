package collab

import "time"

type EventType string

const (
	EventUsers     EventType = "users"
	EventCursor    EventType = "cursor-update"
	EventSelection EventType = "selection-update"
	EventOperation EventType = "operation"
	EventLockState EventType = "lock-state"
)

// Point is a presence cursor position.
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Range is a presence text selection.
type Range struct {
	Start int `json:"start"`
	End   int `json:"end"`
}

// Member is one user participating in a session.
type Member struct {
	UserID      string `json:"userId"`
	DisplayName string `json:"displayName"`
	Cursor      *Point `json:"cursor,omitempty"`
	Selection   *Range `json:"selection,omitempty"`
}

// Operation is one edit intent, stamped with the server timestamp when
// applied.
type Operation struct {
	Type      string    `json:"type"` // insert, delete, replace, move
	Position  int       `json:"position,omitempty"`
	Length    int       `json:"length,omitempty"`
	Content   string    `json:"content,omitempty"`
	Path      string    `json:"path,omitempty"`
	Target    int       `json:"target,omitempty"`
	UserID    string    `json:"userId"`
	Timestamp time.Time `json:"timestamp"`
}

// LockInfo is the in-memory view of an asset's edit lock.
type LockInfo struct {
	UserID    string    `json:"userId"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// SessionState is the snapshot returned to a joining user.
type SessionState struct {
	AssetID    string      `json:"assetId"`
	Members    []Member    `json:"members"`
	Lock       *LockInfo   `json:"lock,omitempty"`
	Operations []Operation `json:"operations"`
}

// Event is a broadcast emitted by the registry after a successful mutation.
// From names the originating user so subscribers can skip echoing presence
// back to the sender. Remote marks events injected by the relay; they must
// not be re-published.
type Event struct {
	Type      EventType  `json:"type"`
	AssetID   string     `json:"assetId"`
	From      string     `json:"from,omitempty"`
	Users     []Member   `json:"users,omitempty"`
	Cursor    *Point     `json:"cursor,omitempty"`
	Selection *Range     `json:"selection,omitempty"`
	Operation *Operation `json:"operation,omitempty"`
	Lock      *LockInfo  `json:"lock,omitempty"`
	Remote    bool       `json:"-"`
}
