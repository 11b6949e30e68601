// Package pgnotify provides a PostgreSQL NOTIFY/LISTEN based event bus.
// It is the transport for the indexer service's external request channel:
// reload/stop requests are published as JSON payloads on a well-known
// channel and consumed by whichever process instance is running the
// control loop, so operators are not tied to the server's own listener.
package pgnotify

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/lib/pq"

	"github.com/R3E-Network/chain-indexer/infrastructure/logging"
)

// Event represents a published event.
type Event struct {
	Channel   string          `json:"channel"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp time.Time       `json:"timestamp"`
}

// Handler is called when an event is received.
type Handler func(ctx context.Context, event Event) error

// Bus is a PostgreSQL NOTIFY/LISTEN based event bus.
type Bus struct {
	db       *sql.DB
	listener *pq.Listener
	log      *logging.Logger

	mu       sync.RWMutex
	handlers map[string][]Handler

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a new PostgreSQL event bus, opening its own connection.
func New(dsn string, log *logging.Logger) (*Bus, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("pgnotify: open db: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pgnotify: ping: %w", err)
	}
	return NewWithDB(db, dsn, log)
}

// NewWithDB creates a new PostgreSQL event bus reusing an existing connection
// for Publish, but opening a dedicated listener connection for Subscribe (as
// required by lib/pq: LISTEN sessions must not share a pooled connection).
func NewWithDB(db *sql.DB, dsn string, log *logging.Logger) (*Bus, error) {
	if log == nil {
		log = logging.NewFromEnv("pgnotify")
	}

	reportProblem := func(ev pq.ListenerEventType, err error) {
		if err != nil {
			log.WithError(err).Warn("pgnotify listener event")
		}
	}
	listener := pq.NewListener(dsn, 10*time.Second, time.Minute, reportProblem)

	ctx, cancel := context.WithCancel(context.Background())

	b := &Bus{
		db:       db,
		listener: listener,
		log:      log,
		handlers: make(map[string][]Handler),
		ctx:      ctx,
		cancel:   cancel,
	}

	b.wg.Add(1)
	go b.listen()

	return b, nil
}

// Publish sends an event to a channel via pg_notify.
func (b *Bus) Publish(ctx context.Context, channel string, payload interface{}) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("pgnotify: marshal payload: %w", err)
	}

	envelope := Event{
		Channel:   channel,
		Payload:   data,
		Timestamp: time.Now().UTC(),
	}
	envelopeData, err := json.Marshal(envelope)
	if err != nil {
		return fmt.Errorf("pgnotify: marshal envelope: %w", err)
	}

	if _, err := b.db.ExecContext(ctx, "SELECT pg_notify($1, $2)", channel, string(envelopeData)); err != nil {
		return fmt.Errorf("pgnotify: notify: %w", err)
	}
	return nil
}

// Subscribe registers a handler for a channel, issuing LISTEN on first subscriber.
func (b *Bus) Subscribe(channel string, handler Handler) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.handlers[channel]) == 0 {
		if err := b.listener.Listen(channel); err != nil {
			return fmt.Errorf("pgnotify: listen: %w", err)
		}
	}
	b.handlers[channel] = append(b.handlers[channel], handler)
	return nil
}

// Unsubscribe removes all handlers for a channel and issues UNLISTEN.
func (b *Bus) Unsubscribe(channel string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	delete(b.handlers, channel)
	if err := b.listener.Unlisten(channel); err != nil {
		return fmt.Errorf("pgnotify: unlisten: %w", err)
	}
	return nil
}

// Close shuts down the event bus.
func (b *Bus) Close() error {
	b.cancel()
	b.wg.Wait()
	return b.listener.Close()
}

// Channels returns all subscribed channel names.
func (b *Bus) Channels() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()

	channels := make([]string, 0, len(b.handlers))
	for ch := range b.handlers {
		channels = append(channels, ch)
	}
	return channels
}

func (b *Bus) listen() {
	defer b.wg.Done()

	for {
		select {
		case <-b.ctx.Done():
			return

		case notification := <-b.listener.Notify:
			if notification == nil {
				// Connection lost; the listener reconnects on its own.
				continue
			}

			var event Event
			if err := json.Unmarshal([]byte(notification.Extra), &event); err != nil {
				event = Event{
					Channel:   notification.Channel,
					Payload:   json.RawMessage(notification.Extra),
					Timestamp: time.Now().UTC(),
				}
			}

			b.mu.RLock()
			handlers := make([]Handler, len(b.handlers[notification.Channel]))
			copy(handlers, b.handlers[notification.Channel])
			b.mu.RUnlock()

			for _, h := range handlers {
				b.invokeHandler(h, event)
			}

		case <-time.After(90 * time.Second):
			b.ping()
		}
	}
}

func (b *Bus) invokeHandler(handler Handler, event Event) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := handler(ctx, event); err != nil {
			b.log.WithError(err).WithContext(ctx).Error("pgnotify handler error")
		}
	}()
}

func (b *Bus) ping() {
	go func() {
		if err := b.listener.Ping(); err != nil {
			b.log.WithError(err).Warn("pgnotify ping error")
		}
	}()
}
