package ensemble

import (
	"encoding/json"
	"log/slog"
	"slices"
	"sync"

	"github.com/tidwall/gjson"
)

// subscriberBuffer is the per-subscription channel capacity. A full
// buffer drops the newest event for that subscriber rather than
// blocking the demux loop.
const subscriberBuffer = 16

// Subscription is one subscriber's view of an event kind. Events
// arrive on Events() in arrival order.
type Subscription struct {
	event    string
	playerID string
	ch       chan Event

	d    *Dispatcher
	once sync.Once
}

// Events returns the subscriber's delivery channel.
func (s *Subscription) Events() <-chan Event {
	return s.ch
}

// Close detaches the subscription. The delivery channel stays open (a
// concurrent dispatch may still hold a reference to it) but no later
// dispatch selects it.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.d.unsubscribe(s)
	})
}

// SubscribeOption configures a Subscription.
type SubscribeOption func(*Subscription)

// ForPlayer restricts delivery to events concerning the given playback
// endpoint. Events carrying a different player_id are discarded before
// delivery so one installation's playback activity is never applied to
// another's local state. Events without a player_id still pass.
func ForPlayer(playerID string) SubscribeOption {
	return func(s *Subscription) {
		s.playerID = playerID
	}
}

// Dispatcher routes server-pushed events to interested subscribers.
// Events with no matching subscriber are dropped without error.
type Dispatcher struct {
	logger *slog.Logger

	mu   sync.Mutex
	subs map[string][]*Subscription
}

// NewDispatcher creates an empty Dispatcher.
func NewDispatcher(logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		logger: logger,
		subs:   make(map[string][]*Subscription),
	}
}

// Subscribe registers interest in an event kind.
func (d *Dispatcher) Subscribe(event string, opts ...SubscribeOption) *Subscription {
	sub := &Subscription{
		event: event,
		ch:    make(chan Event, subscriberBuffer),
		d:     d,
	}

	for _, opt := range opts {
		opt(sub)
	}

	d.mu.Lock()
	d.subs[event] = append(d.subs[event], sub)
	d.mu.Unlock()

	return sub
}

func (d *Dispatcher) unsubscribe(sub *Subscription) {
	d.mu.Lock()
	defer d.mu.Unlock()

	list := d.subs[sub.event]
	for i, s := range list {
		if s == sub {
			d.subs[sub.event] = slices.Delete(list, i, i+1)
			break
		}
	}

	if len(d.subs[sub.event]) == 0 {
		delete(d.subs, sub.event)
	}
}

// Dispatch routes one inbound event frame. Delivery order to a given
// subscriber matches arrival order; no ordering exists between two
// independent subscribers.
func (d *Dispatcher) Dispatch(data []byte) {
	name := gjson.GetBytes(data, "event").String()
	if name == "" {
		d.logger.Debug("ignoring frame with no event name", slog.Int("bytes", len(data)))
		return
	}

	payload := json.RawMessage(gjson.GetBytes(data, "data").Raw)
	origin := gjson.GetBytes(data, "data.player_id").String()

	d.mu.Lock()
	subs := slices.Clone(d.subs[name])
	d.mu.Unlock()

	for _, sub := range subs {
		if sub.playerID != "" && origin != "" && origin != sub.playerID {
			continue
		}

		select {
		case sub.ch <- Event{Name: name, Data: payload}:
		default:
			d.logger.Warn("subscriber buffer full, dropping event",
				slog.String("event", name),
			)
		}
	}
}
