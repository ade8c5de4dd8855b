package gateway

import (
	"log/slog"
	"sync"

	"github.com/patchdeck/patchdeck-agent/internal/review"
)

const (
	hubQueueSize    = 1024
	clientQueueSize = 256
)

// hub fans committed store events out to every connected realtime client.
// Publish never blocks the store: events land on a buffered queue drained
// by the hub's own goroutine, and each client has its own ordered send
// queue so one slow connection cannot stall the rest.
type hub struct {
	log *slog.Logger

	mu      sync.Mutex
	clients map[*client]struct{}

	events chan []byte
	stop   chan struct{}
	once   sync.Once
	done   chan struct{}
}

func newHub(log *slog.Logger) *hub {
	h := &hub{
		log:     log,
		clients: make(map[*client]struct{}),
		events:  make(chan []byte, hubQueueSize),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	go h.run()
	return h
}

// Publish implements review.EventSink.
func (h *hub) Publish(ev review.Event) {
	if h == nil || ev == nil {
		return
	}
	frame, err := marshalEvent(ev)
	if err != nil {
		h.log.Warn("event encode failed", "event_type", ev.EventType(), "error", err)
		return
	}
	select {
	case <-h.stop:
	case h.events <- frame:
	default:
		h.log.Warn("event queue full, dropping broadcast", "event_type", ev.EventType())
	}
}

func (h *hub) run() {
	defer close(h.done)
	for {
		select {
		case <-h.stop:
			return
		case frame := <-h.events:
			h.mu.Lock()
			targets := make([]*client, 0, len(h.clients))
			for c := range h.clients {
				targets = append(targets, c)
			}
			h.mu.Unlock()

			for _, c := range targets {
				c.trySend(frame)
			}
		}
	}
}

func (h *hub) register(c *client) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	n := len(h.clients)
	h.mu.Unlock()
	h.log.Debug("realtime client connected", "clients", n)
}

func (h *hub) unregister(c *client) {
	h.mu.Lock()
	delete(h.clients, c)
	n := len(h.clients)
	h.mu.Unlock()
	c.close()
	h.log.Debug("realtime client disconnected", "clients", n)
}

func (h *hub) shutdown() {
	h.once.Do(func() { close(h.stop) })
	<-h.done

	h.mu.Lock()
	clients := make([]*client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.clients = make(map[*client]struct{})
	h.mu.Unlock()

	for _, c := range clients {
		c.close()
	}
}
