package history

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"
)

// Cursor is the position of the oldest message a page has reached.
type Cursor struct {
	BeforeID string    `json:"before_id"`
	BeforeTS time.Time `json:"before_ts"`
}

// EncodeCursor renders c as an opaque token. The zero cursor encodes as "".
func EncodeCursor(c Cursor) string {
	if c.BeforeID == "" && c.BeforeTS.IsZero() {
		return ""
	}
	b, _ := json.Marshal(c)
	return base64.URLEncoding.EncodeToString(b)
}

// DecodeCursor parses a token produced by EncodeCursor. "" decodes to the zero
// cursor, meaning "start from the newest message".
func DecodeCursor(token string) (Cursor, error) {
	var c Cursor
	if token == "" {
		return c, nil
	}
	data, err := base64.URLEncoding.DecodeString(token)
	if err != nil {
		return c, fmt.Errorf("decode base64: %w", err)
	}
	if err := json.Unmarshal(data, &c); err != nil {
		return c, fmt.Errorf("unmarshal cursor: %w", err)
	}
	return c, nil
}
