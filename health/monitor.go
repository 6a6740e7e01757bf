package health

import (
	"context"
	"time"

	"harness/event"
)

// State is the health side of a service's state machine: Running and
// Unhealthy as seen from the health checker's perspective (spec §4.3's
// Running ↔ Unhealthy cycle).
type State string

const (
	StateHealthy   State = "running"
	StateUnhealthy State = "unhealthy"

	// statePending is the pre-probe seed state: neither Healthy nor
	// Unhealthy, so the very first successful probe is itself a
	// transition and fires OnStateChange(StateHealthy).
	statePending State = ""
)

// Monitor runs one service's probe loop: at most one probe outstanding at
// a time, at most once per Interval, debouncing transitions by Retries
// consecutive failures (to leave Running) and SuccessThreshold consecutive
// successes (to leave Unhealthy). StartPeriod failures don't count.
type Monitor struct {
	Checker Checker
	Config  Config

	// OnProbeFailed is called for every individual failed probe attempt,
	// including ones during StartPeriod and ones that don't yet cross the
	// Retries threshold.
	OnProbeFailed func(err error)

	// OnStateChange is called once per debounced transition.
	OnStateChange func(to State)

	// Events, if non-nil, receives a synthetic KindHealthChanged event on
	// every debounced transition so subscribers of the merged service
	// stream see health changes alongside output (spec §4.4).
	Events chan<- event.Event
}

// Run drives the probe loop until ctx is cancelled. It never returns an
// error — probe failures are reported via callbacks, not propagated.
func (m *Monitor) Run(ctx context.Context) {
	interval := m.Config.Interval
	if interval <= 0 {
		interval = time.Second
	}

	start := time.Now()
	state := statePending
	consecutiveFails := 0
	consecutiveSuccesses := 0

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		probeCtx := ctx
		var cancel context.CancelFunc
		if m.Config.Timeout > 0 {
			probeCtx, cancel = context.WithTimeout(ctx, m.Config.Timeout)
		}
		err := m.Checker.Check(probeCtx)
		if cancel != nil {
			cancel()
		}
		if ctx.Err() != nil {
			return
		}

		inStartPeriod := time.Since(start) < m.Config.StartPeriod

		if err != nil {
			consecutiveSuccesses = 0
			if m.OnProbeFailed != nil {
				m.OnProbeFailed(err)
			}
			if !inStartPeriod {
				consecutiveFails++
			}
			retries := m.Config.Retries
			if retries <= 0 {
				retries = 1
			}
			if state != StateUnhealthy && consecutiveFails >= retries {
				state = StateUnhealthy
				m.transition(state)
			}
			continue
		}

		consecutiveFails = 0
		if state == statePending {
			// The very first successful probe is itself the Running
			// transition — there's no prior Unhealthy state to debounce
			// out of, so SuccessThreshold doesn't apply here.
			state = StateHealthy
			m.transition(state)
		} else if state == StateUnhealthy {
			consecutiveSuccesses++
			threshold := m.Config.SuccessThreshold
			if threshold <= 0 {
				threshold = 1
			}
			if consecutiveSuccesses >= threshold {
				state = StateHealthy
				m.transition(state)
			}
		}
	}
}

func (m *Monitor) transition(to State) {
	if m.OnStateChange != nil {
		m.OnStateChange(to)
	}
	if m.Events != nil {
		m.Events <- event.Event{Kind: event.KindHealthChanged, Healthy: to == StateHealthy}
	}
}
