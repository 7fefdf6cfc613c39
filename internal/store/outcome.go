package store

// UpdateOutcome is the typed result of the conditional-update primitive
// (apply_update, spec §4.1). Callers branch on outcome; only NOT_FOUND and
// a caller-detected schema violation are treated as failures — NOOP_TERMINAL
// and REJECTED_REGRESSION are expected, silent results of concurrent
// workers racing the same row (spec §7, Store Conflict policy).
type UpdateOutcome int

const (
	// Applied means the patch was written and the row was returned updated.
	Applied UpdateOutcome = iota
	// NoopTerminal means the row was already terminal; the patch was a
	// no-op re-assertion of the current terminal state (or was silently
	// dropped because it changed nothing about the terminal row).
	NoopTerminal
	// RejectedRegression means the patch would have regressed progress or
	// requested a status transition not in the allowlist.
	RejectedRegression
	// NotFound means the target row does not exist.
	NotFound
)

func (o UpdateOutcome) String() string {
	switch o {
	case Applied:
		return "APPLIED"
	case NoopTerminal:
		return "NOOP_TERMINAL"
	case RejectedRegression:
		return "REJECTED_REGRESSION"
	case NotFound:
		return "NOT_FOUND"
	default:
		return "UNKNOWN"
	}
}
