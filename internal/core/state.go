package core

import (
	"encoding/json"
	"sort"
	"strings"
	"time"
)

// State is one entity's current state snapshot. LastChanged moves only
// when the state value itself changes; LastUpdated moves on every
// write, attribute-only ones included.
type State struct {
	EntityID    string         `json:"entity_id"`
	State       string         `json:"state"`
	Attributes  map[string]any `json:"attributes"`
	LastChanged time.Time      `json:"last_changed"`
	LastUpdated time.Time      `json:"last_updated"`
	Context     Context        `json:"context"`

	domain   string
	objectID string
}

// NewState validates the entity id and state value and builds a
// snapshot. Attributes are copied so the caller's map stays detached.
func NewState(entityID, state string, attributes map[string]any, ctx Context) (*State, error) {
	entityID = strings.ToLower(entityID)
	if !ValidEntityID(entityID) {
		return nil, &InvalidEntityIDError{EntityID: entityID}
	}
	if len(state) > MaxLengthState {
		return nil, &InvalidStateError{EntityID: entityID}
	}

	attrs := make(map[string]any, len(attributes))
	for k, v := range attributes {
		attrs[k] = v
	}
	domain, objectID, _ := SplitEntityID(entityID)

	now := time.Now()
	if ctx.IsZero() {
		ctx = NewContext()
	}
	return &State{
		EntityID:    entityID,
		State:       state,
		Attributes:  attrs,
		LastChanged: now,
		LastUpdated: now,
		Context:     ctx,
		domain:      domain,
		objectID:    objectID,
	}, nil
}

// Domain returns the part of the entity id before the dot.
func (s *State) Domain() string { return s.domain }

// ObjectID returns the part of the entity id after the dot.
func (s *State) ObjectID() string { return s.objectID }

// Equal reports whether two snapshots carry the same state value and
// attributes, ignoring timestamps and context.
func (s *State) Equal(other *State) bool {
	if other == nil {
		return false
	}
	if s.EntityID != other.EntityID || s.State != other.State {
		return false
	}
	return attrsEqual(s.Attributes, other.Attributes)
}

func attrsEqual(a, b map[string]any) bool {
	if len(a) != len(b) {
		return false
	}
	aj, err := json.Marshal(a)
	if err != nil {
		return false
	}
	bj, err := json.Marshal(b)
	if err != nil {
		return false
	}
	return string(aj) == string(bj)
}

// UnmarshalJSON restores a snapshot and recomputes the cached entity
// id split.
func (s *State) UnmarshalJSON(data []byte) error {
	type alias State
	var a alias
	if err := json.Unmarshal(data, &a); err != nil {
		return err
	}
	*s = State(a)
	s.domain, s.objectID, _ = SplitEntityID(s.EntityID)
	return nil
}

func (s *State) String() string {
	return "<state " + s.EntityID + "=" + s.State + ">"
}

// ValidEntityID reports whether id has the form domain.object_id where
// both halves are slugs: lowercase letters, digits and single
// underscores, never leading or trailing.
func ValidEntityID(id string) bool {
	domain, objectID, ok := SplitEntityID(id)
	if !ok {
		return false
	}
	return validSlug(domain) && validSlug(objectID)
}

// SplitEntityID splits an entity id into domain and object id.
func SplitEntityID(id string) (domain, objectID string, ok bool) {
	i := strings.IndexByte(id, '.')
	if i < 0 || strings.IndexByte(id[i+1:], '.') >= 0 {
		return "", "", false
	}
	return id[:i], id[i+1:], true
}

func validSlug(s string) bool {
	if s == "" || s[0] == '_' || s[len(s)-1] == '_' {
		return false
	}
	prevUnderscore := false
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c == '_':
			if prevUnderscore {
				return false
			}
			prevUnderscore = true
		case c >= 'a' && c <= 'z', c >= '0' && c <= '9':
			prevUnderscore = false
		default:
			return false
		}
	}
	return true
}

// StateMachine tracks entity state snapshots and fires state_changed
// events on every transition. The table is loop-owned.
type StateMachine struct {
	loop *Loop
	bus  *EventBus
	log  Logger

	// Loop-owned.
	states       map[string]*State
	reservations map[string]struct{}
}

// NewStateMachine creates a state table bound to the loop and bus.
func NewStateMachine(loop *Loop, bus *EventBus, log Logger) *StateMachine {
	if log == nil {
		log = noopLogger{}
	}
	return &StateMachine{
		loop:         loop,
		bus:          bus,
		log:          log,
		states:       make(map[string]*State),
		reservations: make(map[string]struct{}),
	}
}

// Get returns the current snapshot for entityID, or nil when absent.
func (sm *StateMachine) Get(entityID string) *State {
	entityID = strings.ToLower(entityID)
	var out *State
	if err := sm.loop.Run(func() { out = sm.states[entityID] }); err != nil {
		return nil
	}
	return out
}

// IsState reports whether entityID currently holds the given state value.
func (sm *StateMachine) IsState(entityID, state string) bool {
	s := sm.Get(entityID)
	return s != nil && s.State == state
}

// EntityIDs returns all known entity ids, optionally filtered to one
// domain, sorted.
func (sm *StateMachine) EntityIDs(domain string) []string {
	domain = strings.ToLower(domain)
	var ids []string
	err := sm.loop.Run(func() {
		for id, s := range sm.states {
			if domain == "" || s.domain == domain {
				ids = append(ids, id)
			}
		}
	})
	if err != nil {
		return nil
	}
	sort.Strings(ids)
	return ids
}

// All returns snapshots of every entity, optionally filtered to one
// domain.
func (sm *StateMachine) All(domain string) []*State {
	domain = strings.ToLower(domain)
	var out []*State
	err := sm.loop.Run(func() {
		for _, s := range sm.states {
			if domain == "" || s.domain == domain {
				out = append(out, s)
			}
		}
	})
	if err != nil {
		return nil
	}
	sort.Slice(out, func(i, j int) bool { return out[i].EntityID < out[j].EntityID })
	return out
}

// Reserve marks an entity id as claimed before its first state write.
// A second reservation, or reserving an id that already has state,
// fails with ErrEntityReserved.
func (sm *StateMachine) Reserve(entityID string) error {
	entityID = strings.ToLower(entityID)
	if !ValidEntityID(entityID) {
		return &InvalidEntityIDError{EntityID: entityID}
	}
	var rerr error
	err := sm.loop.Run(func() {
		if _, taken := sm.states[entityID]; taken {
			rerr = ErrEntityReserved
			return
		}
		if _, taken := sm.reservations[entityID]; taken {
			rerr = ErrEntityReserved
			return
		}
		sm.reservations[entityID] = struct{}{}
	})
	if err != nil {
		return err
	}
	return rerr
}

// Available reports whether an entity id is neither reserved nor in
// the state table.
func (sm *StateMachine) Available(entityID string) bool {
	entityID = strings.ToLower(entityID)
	available := false
	err := sm.loop.Run(func() {
		_, hasState := sm.states[entityID]
		_, reserved := sm.reservations[entityID]
		available = !hasState && !reserved
	})
	if err != nil {
		return false
	}
	return available
}

// Set writes an entity's state and fires state_changed. A write with
// an unchanged state value and unchanged attributes is a no-op unless
// forceUpdate is set. An attribute-only change keeps LastChanged from
// the previous snapshot.
func (sm *StateMachine) Set(entityID, newState string, attributes map[string]any, forceUpdate bool, ctx Context) (*State, error) {
	next, err := NewState(entityID, newState, attributes, ctx)
	if err != nil {
		return nil, err
	}

	var out *State
	err = sm.loop.Run(func() {
		old := sm.states[next.EntityID]
		if old != nil {
			// force_update counts as a state change: the write always
			// happens and LastChanged moves with it.
			sameState := old.State == next.State && !forceUpdate
			sameAttrs := attrsEqual(old.Attributes, next.Attributes)
			if sameState && sameAttrs {
				out = old
				return
			}
			if sameState {
				next.LastChanged = old.LastChanged
			}
		}
		delete(sm.reservations, next.EntityID)
		sm.states[next.EntityID] = next
		out = next

		// Fired on the loop in the same turn as the table write so
		// interleaved writers cannot reorder their change events.
		data := map[string]any{
			AttrEntityID: next.EntityID,
			AttrOldState: old,
			AttrNewState: next,
		}
		if _, ferr := sm.bus.Fire(EventStateChanged, data, WithFireContext(next.Context)); ferr != nil {
			sm.log.Error("failed to fire state_changed",
				"entity_id", next.EntityID, "error", ferr)
		}
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Remove drops an entity from the table, clearing any reservation, and
// fires state_changed with a nil new state. Returns false when the
// entity was unknown.
func (sm *StateMachine) Remove(entityID string, ctx Context) bool {
	entityID = strings.ToLower(entityID)
	if ctx.IsZero() {
		ctx = NewContext()
	}
	removed := false
	err := sm.loop.Run(func() {
		old := sm.states[entityID]
		delete(sm.states, entityID)
		delete(sm.reservations, entityID)
		if old == nil {
			return
		}
		removed = true

		data := map[string]any{
			AttrEntityID: entityID,
			AttrOldState: old,
			AttrNewState: (*State)(nil),
		}
		if _, ferr := sm.bus.Fire(EventStateChanged, data, WithFireContext(ctx)); ferr != nil {
			sm.log.Error("failed to fire state_changed",
				"entity_id", entityID, "error", ferr)
		}
	})
	if err != nil {
		return false
	}
	return removed
}
