// Package broadcaster fans commands and system status out to external
// WebSocket subscribers (teleop consoles, dashboards, simulators).
package broadcaster

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/robfig/cron/v3"

	"github.com/haasonsaas/nexus/internal/errs"
	"github.com/haasonsaas/nexus/pkg/models"
)

const (
	subscriberSendBuffer = 64
	writeWait            = 10 * time.Second
	pongWait             = 45 * time.Second
	pingInterval         = 20 * time.Second
	portBindAttempts     = 3
)

// MessageType enumerates the broadcaster's wire message families.
type MessageType string

const (
	MessageWelcome      MessageType = "welcome"
	MessageBrainCommand MessageType = "brain_command"
	MessageSystemStatus MessageType = "system_status"
)

// Message is the wire envelope sent to every subscriber.
type Message struct {
	Type      MessageType    `json:"type"`
	Command   *models.Command `json:"command,omitempty"`
	Status    map[string]any `json:"status,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
	Seq       int64          `json:"seq"`
}

// Stats summarizes broadcaster activity, exposed via GetStats.
type Stats struct {
	TotalMessages    int64 `json:"total_messages"`
	ActiveSubscribers int   `json:"active_subscribers"`
	DroppedSubscribers int64 `json:"dropped_subscribers"`
	Port             int   `json:"port"`
}

type subscriber struct {
	id   string
	send chan []byte
	conn *websocket.Conn
}

// Broadcaster binds one WebSocket listener and fans broadcast messages out
// to every currently connected subscriber, dropping subscribers whose send
// buffer fills rather than blocking the producer.
type Broadcaster struct {
	mu          sync.RWMutex
	subscribers map[string]*subscriber
	upgrader    websocket.Upgrader
	logger      *slog.Logger

	seq               int64
	totalMessages     int64
	droppedSubscribers int64

	server *http.Server
	port   int

	cronRunner *cron.Cron
	cronID     cron.EntryID
}

// New creates a Broadcaster. logger may be nil (defaults to slog.Default()).
func New(logger *slog.Logger) *Broadcaster {
	if logger == nil {
		logger = slog.Default()
	}
	return &Broadcaster{
		subscribers: make(map[string]*subscriber),
		logger:      logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
}

// Start binds a WebSocket listener at path "/" on basePort, retrying at
// basePort+1 and basePort+2 (twice each, per the task's bind pattern) before
// giving up with a ResourceExhausted error. It also starts a cron-driven
// heartbeat that broadcasts a system_status message every heartbeatInterval.
func (b *Broadcaster) Start(ctx context.Context, basePort int, heartbeatInterval time.Duration) error {
	listener, port, err := bindWithRetry(basePort)
	if err != nil {
		return err
	}
	b.port = port

	mux := http.NewServeMux()
	mux.HandleFunc("/", b.handleUpgrade)
	b.server = &http.Server{Handler: mux}

	go func() {
		if err := b.server.Serve(listener); err != nil && err != http.ErrServerClosed {
			b.logger.Error("broadcaster listener stopped", "error", err)
		}
	}()

	if heartbeatInterval > 0 {
		b.cronRunner = cron.New()
		spec := fmt.Sprintf("@every %s", heartbeatInterval.String())
		id, err := b.cronRunner.AddFunc(spec, func() {
			b.BroadcastStatus(map[string]any{"heartbeat": true, "active_subscribers": b.SubscriberCount()})
		})
		if err != nil {
			return fmt.Errorf("schedule heartbeat: %w", err)
		}
		b.cronID = id
		b.cronRunner.Start()
	}

	go func() {
		<-ctx.Done()
		_ = b.Stop()
	}()

	return nil
}

// bindWithRetry tries basePort, basePort+1, basePort+2, each up to twice,
// before giving up.
func bindWithRetry(basePort int) (net.Listener, int, error) {
	var lastErr error
	for offset := 0; offset < portBindAttempts; offset++ {
		port := basePort + offset
		addr := fmt.Sprintf(":%d", port)
		for attempt := 0; attempt < 2; attempt++ {
			listener, err := net.Listen("tcp", addr)
			if err == nil {
				return listener, port, nil
			}
			lastErr = err
		}
	}
	return nil, 0, errs.New(errs.ResourceExhausted, fmt.Sprintf("bind broadcaster listener on ports %d-%d: %v", basePort, basePort+portBindAttempts-1, lastErr))
}

// Stop closes the listener, every subscriber connection, and the heartbeat
// scheduler.
func (b *Broadcaster) Stop() error {
	if b.cronRunner != nil {
		b.cronRunner.Stop()
	}
	b.mu.Lock()
	for id, sub := range b.subscribers {
		close(sub.send)
		_ = sub.conn.Close()
		delete(b.subscribers, id)
	}
	b.mu.Unlock()
	if b.server != nil {
		return b.server.Close()
	}
	return nil
}

func (b *Broadcaster) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	conn, err := b.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	sub := &subscriber{id: fmt.Sprintf("%p", conn), send: make(chan []byte, subscriberSendBuffer), conn: conn}
	b.mu.Lock()
	b.subscribers[sub.id] = sub
	b.mu.Unlock()

	welcome, _ := json.Marshal(Message{Type: MessageWelcome, Timestamp: time.Now(), Seq: atomic.LoadInt64(&b.seq)})
	sub.send <- welcome

	go b.writeLoop(sub)
	b.readLoop(sub)
}

func (b *Broadcaster) writeLoop(sub *subscriber) {
	for msg := range sub.send {
		_ = sub.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := sub.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			b.removeSubscriber(sub.id, true)
			return
		}
	}
}

func (b *Broadcaster) readLoop(sub *subscriber) {
	defer b.removeSubscriber(sub.id, false)
	sub.conn.SetReadLimit(1 << 20)
	_ = sub.conn.SetReadDeadline(time.Now().Add(pongWait))
	sub.conn.SetPongHandler(func(string) error {
		return sub.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := sub.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (b *Broadcaster) removeSubscriber(id string, dropped bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if sub, ok := b.subscribers[id]; ok {
		delete(b.subscribers, id)
		close(sub.send)
		_ = sub.conn.Close()
		if dropped {
			atomic.AddInt64(&b.droppedSubscribers, 1)
		}
	}
}

// BroadcastCommand sends a brain_command message to every subscriber,
// attaching the next sequence number. Subscribers whose send buffer is full
// are dropped rather than blocking this call.
func (b *Broadcaster) BroadcastCommand(cmd models.Command) {
	seq := atomic.AddInt64(&b.seq, 1)
	atomic.AddInt64(&b.totalMessages, 1)
	msg := Message{Type: MessageBrainCommand, Command: &cmd, Timestamp: time.Now(), Seq: seq}
	b.send(msg)
}

// BroadcastStatus sends a system_status message to every subscriber.
func (b *Broadcaster) BroadcastStatus(status map[string]any) {
	seq := atomic.AddInt64(&b.seq, 1)
	atomic.AddInt64(&b.totalMessages, 1)
	msg := Message{Type: MessageSystemStatus, Status: status, Timestamp: time.Now(), Seq: seq}
	b.send(msg)
}

func (b *Broadcaster) send(msg Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		b.logger.Error("marshal broadcast message", "error", err)
		return
	}

	b.mu.RLock()
	subs := make([]*subscriber, 0, len(b.subscribers))
	for _, sub := range b.subscribers {
		subs = append(subs, sub)
	}
	b.mu.RUnlock()

	for _, sub := range subs {
		select {
		case sub.send <- data:
		default:
			b.removeSubscriber(sub.id, true)
		}
	}
}

// SubscriberCount returns the number of currently connected subscribers.
func (b *Broadcaster) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

// GetStats returns current broadcaster statistics.
func (b *Broadcaster) GetStats() Stats {
	return Stats{
		TotalMessages:      atomic.LoadInt64(&b.totalMessages),
		ActiveSubscribers:  b.SubscriberCount(),
		DroppedSubscribers: atomic.LoadInt64(&b.droppedSubscribers),
		Port:               b.port,
	}
}
