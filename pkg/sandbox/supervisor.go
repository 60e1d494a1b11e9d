package sandbox

import "errors"

// State is a window's position in the supervisor state machine:
// Running <-> Unresponsive, then Crashed or Closed, then Deregistered.
type State string

const (
	StateRunning      State = "running"
	StateUnresponsive State = "unresponsive"
	StateCrashed      State = "crashed"
	StateClosed       State = "closed"
	StateDeregistered State = "deregistered"
)

// supervise drives one window's lifecycle from its event stream until the
// window is gone. Unresponsiveness is logged only; a crash is an implicit close.
func (m *Manager) supervise(id string, inst *instance) {
	defer m.supervisors.Done()

	handle := inst.ctx.Handle
	log := m.logger.With().Str("plugin_id", id).Str("handle", handle).Logger()

	for ev := range inst.window.Events() {
		switch ev.Kind {
		case EventUnresponsive:
			if m.transition(id, handle, StateRunning, StateUnresponsive) {
				log.Warn().Msg("Plugin window is unresponsive")
			}

		case EventResponsive:
			if m.transition(id, handle, StateUnresponsive, StateRunning) {
				log.Info().Msg("Plugin window is responsive again")
			}

		case EventCrashed:
			log.Error().Err(ev.Err).Msg("Plugin window crashed")
			if m.deregister(id, handle, StateCrashed) {
				if err := inst.window.Close(); err != nil && !errors.Is(err, ErrWindowClosed) {
					log.Warn().Err(err).Msg("Failed to release crashed window")
				}
			}

		case EventClosed:
			m.deregister(id, handle, StateClosed)
		}
	}

	m.deregister(id, handle, StateClosed)
}

func (m *Manager) transition(id, handle string, from, to State) bool {
	m.mu.Lock()
	inst, ok := m.instances[id]
	if !ok || inst.ctx.Handle != handle || inst.state != from {
		m.mu.Unlock()
		return false
	}
	inst.state = to
	m.mu.Unlock()

	m.notify(id, to)
	return true
}
