package actuator

import "botop/internal/control"

// TimeSource owns the advance of the shared control time. Every loop calls
// Advance while it holds the state for writing, once per tick.
type TimeSource interface {
	Advance(loopID string, st *control.State, dt float64)
}

// LeadTime lets exactly one loop advance control time. While the state
// reports a stall the lead decrements the stall counter instead of advancing.
type LeadTime struct {
	Lead string
}

// Advance implements TimeSource.
func (lt LeadTime) Advance(loopID string, st *control.State, dt float64) {
	if loopID != lt.Lead {
		return
	}
	if st.Stall > 0 {
		st.Stall--
		return
	}
	st.Time += dt
}
