package access

import "fmt"

// Stage is a point in session resolution.
type Stage int

const (
	StageIdle Stage = iota
	StageSession
	StageRoles
	StagePermissions
	StageComplete
	StageTimeout
	StageError
)

var stageNames = [...]string{
	StageIdle:        "idle",
	StageSession:     "session",
	StageRoles:       "roles",
	StagePermissions: "permissions",
	StageComplete:    "complete",
	StageTimeout:     "timeout",
	StageError:       "error",
}

func (s Stage) String() string {
	if s < 0 || int(s) >= len(stageNames) {
		return fmt.Sprintf("stage(%d)", int(s))
	}
	return stageNames[s]
}

// MarshalText renders the stage by name.
func (s Stage) MarshalText() ([]byte, error) {
	if s < 0 || int(s) >= len(stageNames) {
		return nil, fmt.Errorf("access: unknown stage %d", int(s))
	}
	return []byte(stageNames[s]), nil
}

// UnmarshalText parses a stage name.
func (s *Stage) UnmarshalText(text []byte) error {
	for i, name := range stageNames {
		if name == string(text) {
			*s = Stage(i)
			return nil
		}
	}
	return fmt.Errorf("access: unknown stage %q", text)
}

// Terminal reports whether nothing further happens without new input.
func (s Stage) Terminal() bool {
	return s == StageComplete || s.Failed()
}

// Failed reports the timeout and error stages, which only RetryLoading
// leaves.
func (s Stage) Failed() bool {
	return s == StageTimeout || s == StageError
}

// Decision is the outcome of an access check.
type Decision int

const (
	Deny Decision = iota
	Allow
	// Pending means the caller holds roles whose permission entries have
	// not arrived yet.
	Pending
)

func (d Decision) String() string {
	switch d {
	case Allow:
		return "allow"
	case Pending:
		return "pending"
	default:
		return "deny"
	}
}

// MarshalText renders the decision by name.
func (d Decision) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}
