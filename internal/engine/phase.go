package engine

// Phase is the position of a Snapper in its run state machine.
type Phase string

const (
	PhaseInit        Phase = "INIT"
	PhaseReconciling Phase = "RECONCILING"
	PhaseRunning     Phase = "RUNNING"
	PhaseFlushing    Phase = "FLUSHING"
	PhaseDone        Phase = "DONE"
	PhaseInterrupted Phase = "INTERRUPTED"
	PhaseFailed      Phase = "FAILED"
)

// Terminal reports whether the phase ends a run.
func (p Phase) Terminal() bool {
	switch p {
	case PhaseDone, PhaseInterrupted, PhaseFailed:
		return true
	}
	return false
}
