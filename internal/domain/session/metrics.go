package session

import "time"

// Metrics receives session lifecycle events. telemetry.Provider implements
// it; the zero Options use a no-op.
type Metrics interface {
	SessionOpened(mode string)
	SessionClosed(reason string)
	FieldChanged(d time.Duration)
	Submitted(outcome string, d time.Duration)
}

// submission outcomes
const (
	submitOK      = "ok"
	submitInvalid = "invalid"
	submitFailed  = "failed"
)

type nopMetrics struct{}

func (nopMetrics) SessionOpened(string) {}
func (nopMetrics) SessionClosed(string) {}
func (nopMetrics) FieldChanged(time.Duration) {}
func (nopMetrics) Submitted(string, time.Duration) {}
