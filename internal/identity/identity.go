// ABOUTME: Agent identity inputs resolved from CLI flags and environment.
// ABOUTME: Flags win over environment; a missing id gets a generated UUID.

package identity

import (
	"os"
	"strconv"

	"github.com/google/uuid"
)

// Environment variable names carrying agent identity. Each mirrors a CLI
// flag with the same semantics; the flag wins when both are set. Interactive
// is the exception: a false flag is indistinguishable from an absent one, so
// a true environment value overrides it.
const (
	EnvBrokerURL   = "PI_HIVE_BROKER_URL"
	EnvName        = "PI_HIVE_NAME"
	EnvID          = "PI_HIVE_ID"
	EnvParentID    = "PI_HIVE_PARENT_ID"
	EnvRole        = "PI_HIVE_ROLE"
	EnvInteractive = "PI_HIVE_INTERACTIVE"
)

// Identity is the startup identity of one agent process.
type Identity struct {
	BrokerURL   string
	Name        string
	ID          string
	ParentID    string
	Role        string
	Interactive bool
}

// Resolve fills empty fields of the flag-provided identity from the
// environment and generates an id if neither source supplied one.
func Resolve(flags Identity) Identity {
	return resolve(flags, os.Getenv)
}

func resolve(flags Identity, getenv func(string) string) Identity {
	out := flags
	if out.BrokerURL == "" {
		out.BrokerURL = getenv(EnvBrokerURL)
	}
	if out.Name == "" {
		out.Name = getenv(EnvName)
	}
	if out.ID == "" {
		out.ID = getenv(EnvID)
	}
	if out.ParentID == "" {
		out.ParentID = getenv(EnvParentID)
	}
	if out.Role == "" {
		out.Role = getenv(EnvRole)
	}
	if !out.Interactive {
		if v, err := strconv.ParseBool(getenv(EnvInteractive)); err == nil {
			out.Interactive = v
		}
	}
	if out.ID == "" {
		out.ID = uuid.New().String()
	}
	return out
}
