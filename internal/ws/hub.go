package ws

import (
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/chudopalovba/diplom/internal/domain"
)

const (
	broadcastBuffer  = 256
	subscriberBuffer = 32
)

// EventRunUpdated is the type of every pipeline snapshot frame.
const EventRunUpdated = "pipeline.run.updated"

// Subscriber abstracts a streaming client.
type Subscriber interface {
	Send([]byte) error
	Close()
}

// RunEvent is the frame delivered to stream subscribers.
type RunEvent struct {
	Type string             `json:"type"`
	Run  domain.PipelineRun `json:"run"`
}

// Hub fans pipeline snapshots out to subscribers grouped by project ID. Every
// subscriber gets its own queue and writer goroutine, so a slow connection never
// holds up publishers or the other subscribers.
type Hub struct {
	clients   map[string]map[Subscriber]*outbox
	register  chan subscription
	unreg     chan subscription
	broadcast chan message
	count     chan chan int
	done      chan struct{}
	once      sync.Once
	logger    *slog.Logger
}

// message couples payload with project identifier.
type message struct {
	projectID string
	payload   []byte
}

// subscription defines register/unregister requests. reply, when set, receives the
// channel closed once the subscriber's writer has stopped.
type subscription struct {
	projectID string
	client    Subscriber
	reply     chan (<-chan struct{})
}

// outbox is the per-subscriber send queue.
type outbox struct {
	client Subscriber
	frames chan []byte
	stop   chan struct{}
	done   chan struct{}
	once   sync.Once
}

func newOutbox(client Subscriber) *outbox {
	return &outbox{
		client: client,
		frames: make(chan []byte, subscriberBuffer),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
}

func (o *outbox) halt() {
	o.once.Do(func() { close(o.stop) })
}

var stopped = func() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}()

// NewHub creates an initialized Hub and starts its dispatch loop.
func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	h := &Hub{
		clients:   make(map[string]map[Subscriber]*outbox),
		register:  make(chan subscription),
		unreg:     make(chan subscription),
		broadcast: make(chan message, broadcastBuffer),
		count:     make(chan chan int),
		done:      make(chan struct{}),
		logger:    logger.With("component", "stream_hub"),
	}
	go h.run()
	return h
}

func (h *Hub) run() {
	for {
		select {
		case <-h.done:
			for _, clients := range h.clients {
				for c, o := range clients {
					o.halt()
					c.Close()
				}
			}
			h.clients = nil
			return
		case sub := <-h.register:
			if _, ok := h.clients[sub.projectID]; !ok {
				h.clients[sub.projectID] = make(map[Subscriber]*outbox)
			}
			if _, ok := h.clients[sub.projectID][sub.client]; ok {
				continue
			}
			o := newOutbox(sub.client)
			h.clients[sub.projectID][sub.client] = o
			go h.pump(sub.projectID, o)
		case sub := <-h.unreg:
			done := stopped
			if clients, ok := h.clients[sub.projectID]; ok {
				if o, ok := clients[sub.client]; ok {
					o.halt()
					done = o.done
					delete(clients, sub.client)
				}
				if len(clients) == 0 {
					delete(h.clients, sub.projectID)
				}
			}
			if sub.reply != nil {
				sub.reply <- done
			}
		case msg := <-h.broadcast:
			if clients, ok := h.clients[msg.projectID]; ok {
				for c, o := range clients {
					select {
					case o.frames <- msg.payload:
					default:
						h.logger.Warn("stream subscriber too slow, dropping", "project_id", msg.projectID)
						o.halt()
						c.Close()
						delete(clients, c)
					}
				}
				if len(clients) == 0 {
					delete(h.clients, msg.projectID)
				}
			}
		case reply := <-h.count:
			n := 0
			for _, clients := range h.clients {
				n += len(clients)
			}
			reply <- n
		}
	}
}

// pump writes queued frames to one subscriber until it is halted or a write fails.
func (h *Hub) pump(projectID string, o *outbox) {
	defer close(o.done)
	for {
		select {
		case <-o.stop:
			return
		case frame := <-o.frames:
			select {
			case <-o.stop:
				return
			default:
			}
			if err := o.client.Send(frame); err != nil {
				o.client.Close()
				select {
				case h.unreg <- subscription{projectID: projectID, client: o.client}:
				case <-h.done:
				}
				return
			}
		}
	}
}

// Register adds a client to a project stream.
func (h *Hub) Register(projectID string, client Subscriber) {
	select {
	case h.register <- subscription{projectID: projectID, client: client}:
	case <-h.done:
		client.Close()
	}
}

// Unregister removes a client and returns once the hub has stopped writing to it.
func (h *Hub) Unregister(projectID string, client Subscriber) {
	reply := make(chan (<-chan struct{}), 1)
	select {
	case h.unreg <- subscription{projectID: projectID, client: client, reply: reply}:
		<-<-reply
	case <-h.done:
	}
}

// Broadcast queues payload for all project clients. It never blocks: when the hub's
// queue is full the payload is dropped and Broadcast reports false.
func (h *Hub) Broadcast(projectID string, payload []byte) bool {
	select {
	case <-h.done:
		return false
	default:
	}
	select {
	case h.broadcast <- message{projectID: projectID, payload: payload}:
		return true
	default:
		h.logger.Warn("stream queue full, dropping snapshot", "project_id", projectID)
		return false
	}
}

// PublishRun broadcasts a run snapshot to the subscribers of its project. It is called
// with the project lock held and must not block.
func (h *Hub) PublishRun(run domain.PipelineRun) {
	payload, err := EncodeRun(run)
	if err != nil {
		h.logger.Error("encode run snapshot", "run_id", run.ID, "error", err)
		return
	}
	h.Broadcast(run.ProjectID, payload)
}

// Subscribers reports the number of connected clients across all projects.
func (h *Hub) Subscribers() int {
	reply := make(chan int, 1)
	select {
	case h.count <- reply:
		return <-reply
	case <-h.done:
		return 0
	}
}

// Close stops the dispatch loop and closes every subscriber.
func (h *Hub) Close() {
	h.once.Do(func() { close(h.done) })
}

// EncodeRun renders the frame sent for run.
func EncodeRun(run domain.PipelineRun) ([]byte, error) {
	return json.Marshal(RunEvent{Type: EventRunUpdated, Run: run})
}
