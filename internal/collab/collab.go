// Package collab holds the units of work jobs invoke: shell commands,
// datastore backups, feed fetches and health probes. Each kind decodes
// its own options strictly, so config typos fail at startup instead of
// at 3am.
package collab

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"shopkeeper/internal/history"
	"shopkeeper/internal/job"
)

// Deps carries the subsystems some collaborators read from.
type Deps struct {
	Store history.Store
}

// Build constructs the runner for a configured collaborator kind.
func Build(kind string, raw json.RawMessage, deps Deps) (job.Runner, error) {
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case "command":
		return newCommand(raw)
	case "backup":
		return newBackup(raw)
	case "fetch":
		return newFetch(raw)
	case "health":
		return newHealth(raw, deps)
	default:
		return nil, fmt.Errorf("unknown collaborator kind %q", kind)
	}
}

// decodeStrict rejects unknown option keys. Empty raw decodes to the
// zero config; required-field checks stay with each kind.
func decodeStrict(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		return nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}
