package dispatch

// Chain tries each Notifier in order and returns the first success. It
// exists so the server can wire WSRegistry (fast path, live sessions) ahead
// of FCMDispatcher (fallback for a driver with no open socket) without the
// matcher knowing two transports exist.
type Chain []Notifier

func (c Chain) Notify(driverID string, event MatchEvent) error {
	var lastErr error
	for _, n := range c {
		if err := n.Notify(driverID, event); err == nil {
			return nil
		} else {
			lastErr = err
		}
	}
	return lastErr
}
