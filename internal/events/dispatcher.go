package events

// Dispatcher fans events out to an active list of subscribers. It is not
// thread-safe: subscription changes and dispatch must all happen on the
// session's main loop.
type Dispatcher struct {
	subscribers []Subscriber
}

// NewDispatcher returns an empty dispatcher.
func NewDispatcher() *Dispatcher {
	return &Dispatcher{}
}

// Subscribe adds s to the active list. Unsubscribe must be called before s
// is discarded.
func (d *Dispatcher) Subscribe(s Subscriber) {
	d.subscribers = append(d.subscribers, s)
}

// Unsubscribe removes s from the active list. Once it returns, s receives no
// further events.
func (d *Dispatcher) Unsubscribe(s Subscriber) {
	for i, sub := range d.subscribers {
		if sub == s {
			d.subscribers = append(d.subscribers[:i], d.subscribers[i+1:]...)
			return
		}
	}
}

// DispatchFrameEvent delivers e to every subscriber.
func (d *Dispatcher) DispatchFrameEvent(e *FrameEvent) {
	for _, s := range d.subscribers {
		s.OnFrameEvent(e)
	}
}

// DispatchPacketEvent delivers e to every subscriber.
func (d *Dispatcher) DispatchPacketEvent(e *PacketEvent) {
	for _, s := range d.subscribers {
		s.OnPacketEvent(e)
	}
}
