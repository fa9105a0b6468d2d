// ABOUTME: Owner table for advisory reservations, keyed by agent id.
// ABOUTME: Unsynchronized; the broker serializes all access under its own lock.

package reservation

import (
	"errors"

	"github.com/pi-hive/hive/internal/protocol"
)

// ErrNoPaths indicates a reserve request whose paths all normalized away.
var ErrNoPaths = errors.New("no valid paths provided")

// Table holds every agent's active reservation. The zero value is not usable;
// construct with NewTable.
type Table struct {
	byAgent map[string]*protocol.Reservation
	// ownerName resolves an agent id to its display name for conflict
	// messages. Set by the broker; defaults to echoing the id.
	ownerName func(id string) string
}

// NewTable creates an empty reservation table. ownerName may be nil.
func NewTable(ownerName func(id string) string) *Table {
	if ownerName == nil {
		ownerName = func(id string) string { return id }
	}
	return &Table{
		byAgent:   make(map[string]*protocol.Reservation),
		ownerName: ownerName,
	}
}

// Reserve normalizes and deduplicates the incoming paths, rejects any that
// overlap a different agent's claim, and merges the remainder into the
// caller's reservation. A non-empty reason replaces the stored one.
// Returns a *ConflictError on overlap; the table is unchanged on error.
func (t *Table) Reserve(agentID string, paths []string, reason string) error {
	normalized := normalizeSet(paths)
	if len(normalized) == 0 {
		return ErrNoPaths
	}

	for _, p := range normalized {
		for otherID, res := range t.byAgent {
			if otherID == agentID {
				continue
			}
			for _, held := range res.Paths {
				if Overlaps(p, held) {
					return &ConflictError{
						Path:    p,
						Owner:   t.ownerName(otherID),
						OwnerID: otherID,
						Reason:  res.Reason,
					}
				}
			}
		}
	}

	res, ok := t.byAgent[agentID]
	if !ok {
		res = &protocol.Reservation{}
		t.byAgent[agentID] = res
	}
	for _, p := range normalized {
		if !containsPath(res.Paths, p) {
			res.Paths = append(res.Paths, p)
		}
	}
	if reason != "" {
		res.Reason = reason
	}
	return nil
}

// Release removes the given normalized paths from the agent's reservation,
// or the whole reservation when paths is empty. Releasing paths that were
// never held is a no-op.
func (t *Table) Release(agentID string, paths []string) {
	if len(paths) == 0 {
		delete(t.byAgent, agentID)
		return
	}

	res, ok := t.byAgent[agentID]
	if !ok {
		return
	}

	drop := normalizeSet(paths)
	kept := res.Paths[:0]
	for _, held := range res.Paths {
		if !containsPath(drop, held) {
			kept = append(kept, held)
		}
	}
	res.Paths = kept

	if len(res.Paths) == 0 {
		delete(t.byAgent, agentID)
	}
}

// Drop deletes the agent's reservation entirely, reporting whether one
// existed. Used by disconnect cleanup.
func (t *Table) Drop(agentID string) bool {
	_, ok := t.byAgent[agentID]
	delete(t.byAgent, agentID)
	return ok
}

// Snapshot returns a copy of the table as a wire-format ReservationMap.
func (t *Table) Snapshot() protocol.ReservationMap {
	out := make(protocol.ReservationMap, len(t.byAgent))
	for id, res := range t.byAgent {
		paths := make([]string, len(res.Paths))
		copy(paths, res.Paths)
		out[id] = protocol.Reservation{Paths: paths, Reason: res.Reason}
	}
	return out
}

// normalizeSet normalizes each input, drops empties, and deduplicates while
// preserving first-seen order.
func normalizeSet(paths []string) []string {
	out := make([]string, 0, len(paths))
	for _, p := range paths {
		n := Normalize(p)
		if n == "" {
			continue
		}
		if !containsPath(out, n) {
			out = append(out, n)
		}
	}
	return out
}

func containsPath(paths []string, p string) bool {
	for _, have := range paths {
		if have == p {
			return true
		}
	}
	return false
}
