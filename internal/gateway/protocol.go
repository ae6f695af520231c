package gateway

import (
	"encoding/json"

	"atelier/api/internal/collab"
)

// Inbound client events.
const (
	eventJoin            = "join"
	eventCursorMove      = "cursor-move"
	eventSelectionChange = "selection-change"
	eventOperation       = "operation"
	eventRequestLock     = "request-lock"
	eventReleaseLock     = "release-lock"
)

// Outbound server events.
const (
	eventSessionState    = "session-state"
	eventUsers           = "users"
	eventCursorUpdate    = "cursor-update"
	eventSelectionUpdate = "selection-update"
	eventOperationOut    = "operation"
	eventLockState       = "lock-state"
	eventError           = "error"
)

type frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

type joinPayload struct {
	AssetID string `json:"assetId"`
}

type operationPayload struct {
	Type     string `json:"type"`
	Position int    `json:"position"`
	Length   int    `json:"length"`
	Content  string `json:"content"`
	Path     string `json:"path"`
	Target   int    `json:"target"`
}

type errorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func encodeFrame(event string, data any) ([]byte, error) {
	var raw json.RawMessage
	if data != nil {
		encoded, err := json.Marshal(data)
		if err != nil {
			return nil, err
		}
		raw = encoded
	}
	return json.Marshal(frame{Event: event, Data: raw})
}

// outboundEvent maps a registry broadcast to its wire event name and payload.
func outboundEvent(event collab.Event) (string, any) {
	switch event.Type {
	case collab.EventUsers:
		return eventUsers, map[string]any{"users": event.Users}
	case collab.EventCursor:
		return eventCursorUpdate, map[string]any{"userId": event.From, "cursor": event.Cursor}
	case collab.EventSelection:
		return eventSelectionUpdate, map[string]any{"userId": event.From, "selection": event.Selection}
	case collab.EventOperation:
		return eventOperationOut, event.Operation
	case collab.EventLockState:
		return eventLockState, map[string]any{"lock": event.Lock}
	}
	return "", nil
}
