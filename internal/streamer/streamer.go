// Package streamer is the block-stream engine (L5): it pulls contiguous
// block ranges from a node client starting at a resolved resume point, hands
// each batch to an executor inside one database transaction, and advances
// the persisted checkpoint only once that batch's handler has committed.
package streamer

import (
	"context"
	"database/sql"
	"math/rand"
	"time"

	"golang.org/x/time/rate"

	"github.com/R3E-Network/chain-indexer/infrastructure/logging"
	"github.com/R3E-Network/chain-indexer/infrastructure/metrics"
	"github.com/R3E-Network/chain-indexer/internal/errkind"
	"github.com/R3E-Network/chain-indexer/internal/manifest"
	"github.com/R3E-Network/chain-indexer/internal/nodeclient"
	"github.com/R3E-Network/chain-indexer/internal/registry"
	"github.com/R3E-Network/chain-indexer/internal/sandbox"
	"github.com/R3E-Network/chain-indexer/internal/storagemap"
)

// State is the executor's position in the block-stream lifecycle.
type State int

const (
	Created State = iota
	Resolving
	Streaming
	Paused
	Draining
	Stopped
	Failed
)

func (s State) String() string {
	switch s {
	case Created:
		return "created"
	case Resolving:
		return "resolving"
	case Streaming:
		return "streaming"
	case Paused:
		return "paused"
	case Draining:
		return "draining"
	case Stopped:
		return "stopped"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// Config bounds one executor's streaming behavior.
type Config struct {
	BatchSize       int
	IdleWait        time.Duration
	MaxBatchRetries int
}

// Engine drives one executor's block-stream loop from its resolved start
// height up to (optionally) an end height, committing one batch at a time.
type Engine struct {
	uid       string
	db        *sql.DB
	registry  *registry.Registry
	node      *nodeclient.Client
	exec      sandbox.Executor
	manifest  *manifest.Manifest
	cfg       Config
	log       *logging.Logger
	idleLimit *rate.Limiter

	state State
}

// New builds an Engine for one executor. node, registry and db are shared
// across all executors; exec is the freshly spawned per-indexer executor.
func New(uid string, db *sql.DB, reg *registry.Registry, node *nodeclient.Client, exec sandbox.Executor, m *manifest.Manifest, cfg Config, log *logging.Logger) *Engine {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 10
	}
	if cfg.IdleWait <= 0 {
		cfg.IdleWait = 2 * time.Second
	}
	if cfg.MaxBatchRetries <= 0 {
		cfg.MaxBatchRetries = 5
	}
	if log == nil {
		log = logging.NewFromEnv("streamer")
	}
	return &Engine{
		uid:       uid,
		db:        db,
		registry:  reg,
		node:      node,
		exec:      exec,
		manifest:  m,
		cfg:       cfg,
		log:       log,
		idleLimit: rate.NewLimiter(rate.Every(cfg.IdleWait), 1),
		state:     Created,
	}
}

// State reports the engine's current lifecycle state. The state field is
// written by Run's goroutine without synchronization, so a read from another
// goroutine is only race-free once Run has returned.
func (e *Engine) State() State { return e.state }

// Run drives the block-stream state machine until the executor is killed,
// its end_block is reached, or an error that is neither transient nor a module
// trap (or one that outlasts cfg.MaxBatchRetries) forces Failed. It never
// returns an error for a clean Stopped exit; only Failed returns one.
func (e *Engine) Run(ctx context.Context) error {
	e.state = Resolving
	cursor, err := e.resolveStartHeight(ctx)
	if err != nil {
		e.state = Failed
		return err
	}

	e.state = Streaming
	retries := 0

	for {
		if ctx.Err() != nil {
			e.state = Stopped
			return nil
		}
		if e.exec.Killed() {
			e.log.WithField("uid", e.uid).Info("kill flag observed, stopping stream")
			e.state = Stopped
			return nil
		}
		if e.manifest.EndBlock != nil && cursor > *e.manifest.EndBlock {
			e.state = Draining
			e.log.WithField("uid", e.uid).WithField("cursor", cursor).Info("reached end_block, draining")
			e.state = Stopped
			return nil
		}

		count := e.cfg.BatchSize
		if e.manifest.EndBlock != nil {
			remaining := *e.manifest.EndBlock - cursor + 1
			if uint64(count) > remaining {
				count = int(remaining)
			}
		}

		blocks, err := e.node.FetchRange(ctx, cursor, count)
		if err != nil {
			if !e.handleTransient(ctx, err, &retries) {
				e.state = Failed
				return err
			}
			continue
		}

		blocks = trimToEndBlock(blocks, e.manifest.EndBlock)
		if len(blocks) == 0 {
			e.idleWait(ctx)
			continue
		}

		if err := e.dispatchBatch(ctx, blocks); err != nil {
			if err == sandbox.ErrKilled {
				e.state = Stopped
				return nil
			}
			if !e.handleTransient(ctx, err, &retries) {
				e.state = Failed
				return err
			}
			continue
		}

		retries = 0
		cursor = blocks[len(blocks)-1].Height + 1
	}
}

func trimToEndBlock(blocks []nodeclient.Block, end *uint64) []nodeclient.Block {
	if end == nil {
		return blocks
	}
	for i, b := range blocks {
		if b.Height > *end {
			return blocks[:i]
		}
	}
	return blocks
}

// resolveStartHeight implements §4.4's Resolving state.
func (e *Engine) resolveStartHeight(ctx context.Context) (uint64, error) {
	checkpoint, err := e.registry.GetCheckpoint(ctx, e.manifest.Namespace, e.manifest.Identifier)
	if err != nil {
		return 0, err
	}
	return e.manifest.ResolveStartHeight(checkpoint), nil
}

// dispatchBatch runs one batch inside a single transaction: the user handler,
// then the checkpoint write, committing only if both succeed.
func (e *Engine) dispatchBatch(ctx context.Context, blocks []nodeclient.Block) error {
	tx, err := e.db.BeginTx(ctx, nil)
	if err != nil {
		return errkind.Wrap(errkind.StorageUnavailable, "begin batch transaction", err)
	}

	if err := e.exec.DispatchBatch(ctx, tx, blocks); err != nil {
		tx.Rollback()
		metrics.Global().RecordBatch(e.uid, "rolled_back")
		return err
	}

	height := blocks[len(blocks)-1].Height
	mapper := e.mapperOrNil()
	if mapper != nil {
		if err := mapper.SetBlockHeight(ctx, tx, height); err != nil {
			tx.Rollback()
			return err
		}
	}

	if err := e.registry.SetCheckpoint(ctx, tx, e.manifest.Namespace, e.manifest.Identifier, height); err != nil {
		tx.Rollback()
		return err
	}

	if err := tx.Commit(); err != nil {
		return errkind.Wrap(errkind.StorageUnavailable, "commit batch", err)
	}

	metrics.Global().RecordBatch(e.uid, "committed")
	metrics.Global().SetCheckpointHeight(e.uid, height)
	e.log.WithField("uid", e.uid).WithField("block_height", height).Info("batch committed")
	return nil
}

// mapperOrNil exists so the engine does not hard-depend on a concrete
// storagemap.Mapper type; SandboxExecutor and NativeExecutor both surface
// one, other Executor implementations may not.
func (e *Engine) mapperOrNil() *storagemap.Mapper {
	type mapperHolder interface {
		Mapper() *storagemap.Mapper
	}
	if holder, ok := e.exec.(mapperHolder); ok {
		return holder.Mapper()
	}
	return nil
}

// handleTransient classifies err: transient kinds and module traps sleep with
// backoff and report true (retry the same batch) until retries exceeds
// cfg.MaxBatchRetries.
func (e *Engine) handleTransient(ctx context.Context, err error, retries *int) bool {
	kindErr, ok := errkind.As(err)
	if !ok || !(kindErr.Kind.Transient() || kindErr.Kind == errkind.ModuleTrap) {
		return false
	}
	*retries++
	if *retries > e.cfg.MaxBatchRetries {
		e.log.WithField("uid", e.uid).WithField("retries", *retries).Warn("batch retry cap exceeded")
		return false
	}
	delay := batchBackoff(*retries)
	metrics.Global().RecordBatch(e.uid, "retried")
	e.log.WithField("uid", e.uid).WithField("attempt", *retries).WithField("delay", delay).Warn("retryable error, retrying batch")
	select {
	case <-ctx.Done():
	case <-time.After(delay):
	}
	return true
}

// idleWait paces empty-range polls: at most one poll per IdleWait interval,
// with an immediate first poll allowed by the limiter's burst of one.
func (e *Engine) idleWait(ctx context.Context) {
	if err := e.idleLimit.Wait(ctx); err != nil {
		return
	}
}

func batchBackoff(attempt int) time.Duration {
	base := time.Duration(1<<uint(attempt)) * 200 * time.Millisecond
	if base > 20*time.Second {
		base = 20 * time.Second
	}
	jitter := time.Duration(rand.Int63n(int64(base / 2)))
	return base + jitter
}
