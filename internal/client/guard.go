// ABOUTME: Pre-flight write guard checking file-writing tool calls against the
// ABOUTME: cached reservation map before they touch disk.

package client

import (
	"fmt"

	"github.com/pi-hive/hive/internal/reservation"
)

// WriteBlockedError reports a write attempt against a path another agent has
// reserved. The reservation is advisory; the guard is only as strong as the
// cooperating clients that consult it.
type WriteBlockedError struct {
	Path   string
	Owner  string
	Reason string
}

func (e *WriteBlockedError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("write to %q blocked: reserved by %s (%s)", e.Path, e.Owner, e.Reason)
	}
	return fmt.Sprintf("write to %q blocked: reserved by %s", e.Path, e.Owner)
}

// CheckWrite returns a *WriteBlockedError if the given path overlaps a
// reservation held by a different agent, nil otherwise. Relative paths are
// resolved against this agent's working directory.
func (c *Client) CheckWrite(path string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	p := reservation.ResolveAgainst(c.self.CWD, path)
	if p == "" {
		return nil
	}

	for ownerID, res := range c.reservations {
		if ownerID == c.self.ID {
			continue
		}
		for _, held := range res.Paths {
			if reservation.Overlaps(p, held) {
				owner := ownerID
				if a, ok := c.agents[ownerID]; ok {
					owner = a.Name
				}
				return &WriteBlockedError{Path: p, Owner: owner, Reason: res.Reason}
			}
		}
	}
	return nil
}
