// Package control is the service control loop (L7): the single reconciler
// that consumes reload/stop requests delivered over Postgres LISTEN/NOTIFY
// and mutates the executor supervisor, plus a housekeeping job that sweeps
// expired nonces and logs registry drift.
package control

import (
	"context"
	"encoding/json"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/R3E-Network/chain-indexer/infrastructure/logging"
	"github.com/R3E-Network/chain-indexer/internal/registry"
	"github.com/R3E-Network/chain-indexer/internal/supervisor"
	"github.com/R3E-Network/chain-indexer/pkg/pgnotify"
)

// RequestType identifies the two control messages the channel carries.
type RequestType string

const (
	RequestReload RequestType = "reload"
	RequestStop   RequestType = "stop"
)

// Request is the JSON payload published on the control channel.
type Request struct {
	Type       RequestType `json:"type"`
	Namespace  string      `json:"namespace"`
	Identifier string      `json:"identifier"`
}

// Controller is the single reconciler goroutine. It never runs concurrently
// with itself; pgnotify deliveries are buffered into an internal queue so
// the loop can poll it with a non-blocking receive, matching the reference
// implementation's try_recv shape (§4.6, §9).
type Controller struct {
	bus        *pgnotify.Bus
	supervisor *supervisor.Supervisor
	registry   *registry.Registry
	channel    string
	idleWait   time.Duration
	log        *logging.Logger

	queue chan Request
	cron  *cron.Cron
}

// Config bounds the control loop's idle pacing and housekeeping cadence.
type Config struct {
	Channel         string
	IdleWait        time.Duration
	HousekeepingCron string // robfig/cron/v3 spec, e.g. "*/5 * * * *"
}

// New builds a Controller and subscribes it to cfg.Channel on bus. The
// subscription handler only enqueues; all state mutation happens on Run's
// goroutine.
func New(bus *pgnotify.Bus, sup *supervisor.Supervisor, reg *registry.Registry, cfg Config, log *logging.Logger) (*Controller, error) {
	if cfg.IdleWait <= 0 {
		cfg.IdleWait = 2 * time.Second
	}
	if cfg.Channel == "" {
		cfg.Channel = "indexer_control"
	}
	if log == nil {
		log = logging.NewFromEnv("control")
	}

	c := &Controller{
		bus:        bus,
		supervisor: sup,
		registry:   reg,
		channel:    cfg.Channel,
		idleWait:   cfg.IdleWait,
		log:        log,
		queue:      make(chan Request, 64),
	}

	err := bus.Subscribe(cfg.Channel, func(ctx context.Context, event pgnotify.Event) error {
		var req Request
		if err := json.Unmarshal(event.Payload, &req); err != nil {
			c.log.WithError(err).Warn("discarding malformed control message")
			return nil
		}
		select {
		case c.queue <- req:
		default:
			c.log.WithField("uid", req.Namespace+"."+req.Identifier).Warn("control queue full, dropping request")
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if cfg.HousekeepingCron != "" {
		c.cron = cron.New()
		if _, err := c.cron.AddFunc(cfg.HousekeepingCron, c.runHousekeeping); err != nil {
			return nil, err
		}
		c.cron.Start()
	}

	return c, nil
}

// Run is the single control-loop goroutine. It drains the request queue with
// a non-blocking receive, processes one request per iteration, and sleeps a
// bounded idle interval when the queue is empty — so the same loop could, in
// a fuller implementation, also poll for executor retirements within one
// idle interval without starving either source (§9).
func (c *Controller) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}

		select {
		case req := <-c.queue:
			c.handle(ctx, req)
			continue
		default:
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(c.idleWait):
		}
	}
}

func (c *Controller) handle(ctx context.Context, req Request) {
	uid := req.Namespace + "." + req.Identifier
	switch req.Type {
	case RequestReload:
		if err := c.supervisor.Reload(ctx, req.Namespace, req.Identifier); err != nil {
			c.log.WithField("uid", uid).WithError(err).Error("reload failed")
		}
	case RequestStop:
		if err := c.supervisor.Stop(uid); err != nil {
			c.log.WithField("uid", uid).WithError(err).Error("stop failed")
		}
	default:
		c.log.WithField("uid", uid).WithField("type", req.Type).Warn("unrecognized control request type")
	}
}

// runHousekeeping sweeps expired nonces and logs any registry/supervisor
// drift: a persisted indexer with no supervisor entry, such as one that
// HydrateFromRegistry skipped, one that was stopped, or one that drained at
// its end_block. An executor that failed keeps its entry and is not reported.
func (c *Controller) runHousekeeping() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if n, err := c.registry.SweepExpiredNonces(ctx); err != nil {
		c.log.WithError(err).Warn("nonce sweep failed")
	} else if n > 0 {
		c.log.WithField("swept", n).Info("expired nonces removed")
	}

	rows, err := c.registry.ListAll(ctx)
	if err != nil {
		c.log.WithError(err).Warn("registry drift check failed")
		return
	}
	live := make(map[string]bool)
	for _, uid := range c.supervisor.LiveUIDs() {
		live[uid] = true
	}
	for _, row := range rows {
		if !live[row.UID()] {
			c.log.WithField("uid", row.UID()).Warn("registry drift: persisted indexer has no live executor")
		}
	}
}

// Stop halts the housekeeping scheduler. Run's goroutine exits on its own
// once ctx is cancelled.
func (c *Controller) Stop() {
	if c.cron != nil {
		c.cron.Stop()
	}
}
