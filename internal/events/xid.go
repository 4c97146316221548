// Package events holds the payloads and shared records exchanged by the release gate services.
package events

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/xid"
)

// RunID identifies one assessment run. It is an xid: 20 characters,
// sortable by creation time and safe to embed in URLs and queue headers.
type RunID struct {
	id xid.ID
}

// NewRunID generates a new run ID.
func NewRunID() RunID {
	return RunID{id: xid.New()}
}

// ParseRunID parses a run ID from string.
func ParseRunID(s string) (RunID, error) {
	id, err := xid.FromString(s)
	if err != nil {
		return RunID{}, fmt.Errorf("invalid run ID %q: %w", s, err)
	}
	return RunID{id: id}, nil
}

// String returns the string representation.
func (r RunID) String() string {
	if r.id.IsNil() {
		return ""
	}
	return r.id.String()
}

// Short returns the first 8 characters for log lines and notifications.
func (r RunID) Short() string {
	s := r.String()
	if len(s) >= 8 {
		return s[:8]
	}
	return s
}

// Time returns the timestamp embedded in the ID.
func (r RunID) Time() time.Time {
	return r.id.Time()
}

// IsZero returns true if this is the zero value.
func (r RunID) IsZero() bool {
	return r.id.IsNil()
}

// MarshalJSON implements json.Marshaler.
func (r RunID) MarshalJSON() ([]byte, error) {
	return json.Marshal(r.String())
}

// UnmarshalJSON implements json.Unmarshaler.
func (r *RunID) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	if s == "" {
		r.id = xid.NilID()
		return nil
	}
	id, err := xid.FromString(s)
	if err != nil {
		return err
	}
	r.id = id
	return nil
}
