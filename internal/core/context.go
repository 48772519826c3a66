package core

import (
	"crypto/rand"
	"time"

	"github.com/oklog/ulid/v2"
)

// entropy is the shared monotonic entropy source for context ids.
// LockedMonotonicReader makes it safe for concurrent use.
var entropy = &ulid.LockedMonotonicReader{
	MonotonicReader: ulid.Monotonic(rand.Reader, 0),
}

// NewULID returns a ULID based on the given time. Falls back to a
// fresh random ULID in the (practically unreachable) monotonic
// overflow case.
func NewULID(t time.Time) string {
	id, err := ulid.New(ulid.Timestamp(t), entropy)
	if err != nil {
		return ulid.Make().String()
	}
	return id.String()
}

// Context identifies the causality chain behind events and service
// calls. Every event carries one; related events and the service calls
// they trigger share ids through ParentID.
type Context struct {
	ID       string `json:"id"`
	ParentID string `json:"parent_id,omitempty"`
	UserID   string `json:"user_id,omitempty"`
}

// NewContext returns a context with a freshly generated id.
func NewContext() Context {
	return Context{ID: NewULID(time.Now())}
}

// NewContextAt returns a context whose id encodes the given time,
// keeping context ids sortable alongside the events they belong to.
func NewContextAt(t time.Time) Context {
	return Context{ID: NewULID(t)}
}

// Child returns a context derived from c for follow-up work.
func (c Context) Child() Context {
	return Context{ID: NewULID(time.Now()), ParentID: c.ID, UserID: c.UserID}
}

// IsZero reports whether the context was never populated.
func (c Context) IsZero() bool { return c.ID == "" }

// AsMap returns a map representation for event payloads and storage.
func (c Context) AsMap() map[string]any {
	m := map[string]any{"id": c.ID}
	if c.ParentID != "" {
		m["parent_id"] = c.ParentID
	}
	if c.UserID != "" {
		m["user_id"] = c.UserID
	}
	return m
}
