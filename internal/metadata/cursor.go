package metadata

import (
	"encoding/base64"
	"encoding/json"
	"time"

	"github.com/apphub-core/platform/internal/apherr"
)

// cursorPayload is the opaque (updatedAt, id) tuple encoded into listing cursors.
type cursorPayload struct {
	UpdatedAt time.Time `json:"u"`
	ID        string    `json:"i"`
}

// encodeCursor base64-encodes a (updatedAt, id) tuple.
func encodeCursor(updatedAt time.Time, id string) string {
	raw, _ := json.Marshal(cursorPayload{UpdatedAt: updatedAt, ID: id})
	return base64.URLEncoding.EncodeToString(raw)
}

// decodeCursor reverses encodeCursor, rejecting tampered input with apherr.KindInvalidCursor.
func decodeCursor(cursor string) (cursorPayload, error) {
	if cursor == "" {
		return cursorPayload{}, nil
	}
	raw, err := base64.URLEncoding.DecodeString(cursor)
	if err != nil {
		return cursorPayload{}, apherr.New(apherr.KindInvalidCursor, "cursor is not valid base64")
	}
	var p cursorPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return cursorPayload{}, apherr.New(apherr.KindInvalidCursor, "cursor payload is malformed")
	}
	return p, nil
}
