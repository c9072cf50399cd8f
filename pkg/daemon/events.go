package daemon

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/tmaxmax/go-sse"
)

// Event types published on the /events stream.
const (
	EventReady    = "ready"
	EventReload   = "reload"
	EventDegraded = "degraded"
	EventShutdown = "shutdown"
)

// Event is one lifecycle notification.
type Event struct {
	Type string    `json:"type"`
	At   time.Time `json:"at"`
	Data any       `json:"data,omitempty"`
}

// broker fans events out to /events subscribers. Slow subscribers lose
// events rather than block the publisher.
type broker struct {
	mu   sync.Mutex
	subs map[chan Event]struct{}
}

func newBroker() *broker {
	return &broker{subs: make(map[chan Event]struct{})}
}

func (b *broker) subscribe() (<-chan Event, func()) {
	ch := make(chan Event, 16)
	b.mu.Lock()
	b.subs[ch] = struct{}{}
	b.mu.Unlock()
	return ch, func() {
		b.mu.Lock()
		delete(b.subs, ch)
		b.mu.Unlock()
	}
}

func (b *broker) publish(ev Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for ch := range b.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

// handleEvents streams lifecycle events. The first event is always "ready",
// sent as soon as the daemon becomes ready.
func (d *Daemon) handleEvents(w http.ResponseWriter, r *http.Request) {
	events, unsubscribe := d.events.subscribe()
	defer unsubscribe()

	sess, err := sse.Upgrade(w, r)
	if err != nil {
		d.log.Error("failed to upgrade event stream", "error", err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	select {
	case <-d.Ready():
	case <-d.Done():
		return
	case <-r.Context().Done():
		return
	}
	if err := d.sendEvent(sess, Event{Type: EventReady, At: d.readyAt(), Data: d.Health()}); err != nil {
		return
	}

	for {
		select {
		case ev := <-events:
			if ev.Type == EventReady {
				continue
			}
			if err := d.sendEvent(sess, ev); err != nil {
				return
			}
			if ev.Type == EventShutdown {
				return
			}
		case <-d.Done():
			_ = d.sendEvent(sess, Event{Type: EventShutdown, At: time.Now()})
			return
		case <-r.Context().Done():
			return
		}
	}
}

func (d *Daemon) sendEvent(sess *sse.Session, ev Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	msg := &sse.Message{Type: sse.Type(ev.Type)}
	msg.AppendData(string(payload))
	if err := sess.Send(msg); err != nil {
		d.log.Debug("event stream send failed", "error", err)
		return err
	}
	if err := sess.Flush(); err != nil {
		d.log.Debug("event stream flush failed", "error", err)
		return err
	}
	return nil
}
