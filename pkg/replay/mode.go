// Package replay re-processes sealed frames in one of three modes:
// Verify recomputes and compares without executing anything, Simulate
// re-executes deterministically under relaxed limits, and Audit
// re-executes while collecting a full side-effect summary.
package replay

import "fmt"

// Mode selects the replay behavior. Each mode carries a fixed
// capability descriptor checked once at the engine entry point, so a
// mode can never perform an operation its descriptor forbids.
type Mode int

const (
	ModeVerify Mode = iota
	ModeSimulate
	ModeAudit
)

// Capabilities describes what a mode is allowed to do.
type Capabilities struct {
	CanExecute          bool
	CollectsSideEffects bool
}

var modeCapabilities = map[Mode]Capabilities{
	ModeVerify:   {CanExecute: false, CollectsSideEffects: false},
	ModeSimulate: {CanExecute: true, CollectsSideEffects: false},
	ModeAudit:    {CanExecute: true, CollectsSideEffects: true},
}

// Capabilities returns the mode's descriptor.
func (m Mode) Capabilities() (Capabilities, error) {
	caps, ok := modeCapabilities[m]
	if !ok {
		return Capabilities{}, fmt.Errorf("replay: unknown mode %d", int(m))
	}
	return caps, nil
}

func (m Mode) String() string {
	switch m {
	case ModeVerify:
		return "verify"
	case ModeSimulate:
		return "simulate"
	case ModeAudit:
		return "audit"
	default:
		return fmt.Sprintf("mode(%d)", int(m))
	}
}
