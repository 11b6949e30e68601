// Package supervisor is the executor supervisor (L6): it owns the task
// handle and kill flag for every running indexer, keyed by uid
// ("namespace.identifier"), and is the only component that may add to or
// remove from those maps.
package supervisor

import (
	"context"
	"database/sql"
	"sync"
	"sync/atomic"

	"github.com/R3E-Network/chain-indexer/infrastructure/logging"
	"github.com/R3E-Network/chain-indexer/infrastructure/metrics"
	"github.com/R3E-Network/chain-indexer/internal/errkind"
	"github.com/R3E-Network/chain-indexer/internal/manifest"
	"github.com/R3E-Network/chain-indexer/internal/nodeclient"
	"github.com/R3E-Network/chain-indexer/internal/registry"
	"github.com/R3E-Network/chain-indexer/internal/sandbox"
	"github.com/R3E-Network/chain-indexer/internal/schema"
	"github.com/R3E-Network/chain-indexer/internal/storagemap"
	"github.com/R3E-Network/chain-indexer/internal/streamer"
)

// handle is what the supervisor keeps per live executor. The engine runs on
// its own goroutine; cancel stops it from the outside (process shutdown),
// kill is the one-shot flag the executor itself consults before each batch.
type handle struct {
	engine *streamer.Engine
	kill   *atomic.Bool
	cancel context.CancelFunc
	done   chan struct{}
}

// Supervisor keeps every executor's handle (engine, kill flag, cancel func) in
// one map guarded by mu. Writers are not confined to one goroutine: Register
// and RegisterNative run on HTTP handler goroutines, Reload and Stop on the
// control loop, and a drained engine removes its own entry; every read and
// write of the map takes mu.
type Supervisor struct {
	mu      sync.Mutex
	handles map[string]*handle

	db       *sql.DB
	registry *registry.Registry
	node     *nodeclient.Client
	cfg      streamer.Config
	log      *logging.Logger

	wg sync.WaitGroup
}

// New builds a Supervisor bound to the shared connection pool, registry and
// node client every executor streams from.
func New(db *sql.DB, reg *registry.Registry, node *nodeclient.Client, cfg streamer.Config, log *logging.Logger) *Supervisor {
	if log == nil {
		log = logging.NewFromEnv("supervisor")
	}
	return &Supervisor{
		handles:  make(map[string]*handle),
		db:       db,
		registry: reg,
		node:     node,
		cfg:      cfg,
		log:      log,
	}
}

// Live reports whether uid currently has a supervisor entry: a running
// executor, or one that failed and has not since been stopped or replaced.
// An executor that drained at its end_block has no entry.
func (s *Supervisor) Live(uid string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.handles[uid]
	return ok
}

// LiveUIDs returns a snapshot of every currently-supervised uid, for HTTP
// status endpoints.
func (s *Supervisor) LiveUIDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	uids := make([]string, 0, len(s.handles))
	for uid := range s.handles {
		uids = append(uids, uid)
	}
	return uids
}

// Register writes the registry row, compiles and applies the schema,
// persists the three assets, then spawns the sandboxed executor. If uid is
// already known, replacement must be explicitly requested.
func (s *Supervisor) Register(ctx context.Context, m *manifest.Manifest, opts manifest.RegisterOptions) error {
	uid := m.UID()

	existing, err := s.registry.GetByUID(ctx, m.Namespace, m.Identifier)
	if err != nil && !errkind.Is(err, errkind.NotFound) {
		return err
	}
	if existing != nil && !opts.ReplaceIndexer {
		return errkind.New(errkind.AlreadyExists, "Indexer("+uid+") already exists")
	}

	compiled, err := schema.Compile(m.Namespace, m.Identifier, m.SchemaText)
	if err != nil {
		return err
	}

	tx, err := s.registry.BeginTx(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if existing != nil {
		if err := s.registry.DeleteIndexer(ctx, tx, m.Namespace, m.Identifier, schema.DropSchemaStatement(m.Namespace, m.Identifier)); err != nil {
			return err
		}
		s.mu.Lock()
		s.stopLocked(uid)
		s.mu.Unlock()
	}

	for _, stmt := range compiled.DDL {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return errkind.Wrap(errkind.SchemaInvalid, "apply compiled schema DDL", err)
		}
	}

	id, err := s.registry.CreateIndexer(ctx, tx, m.Namespace, m.Identifier)
	if err != nil {
		return err
	}
	manifestBytes, err := m.Render()
	if err != nil {
		return err
	}
	if _, err := s.registry.SaveAsset(ctx, tx, id, registry.AssetManifest, manifestBytes); err != nil {
		return err
	}
	if _, err := s.registry.SaveAsset(ctx, tx, id, registry.AssetSchema, []byte(m.SchemaText)); err != nil {
		return err
	}
	if _, err := s.registry.SaveAsset(ctx, tx, id, registry.AssetModule, m.ModuleBytes); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return errkind.Wrap(errkind.StorageUnavailable, "commit registration", err)
	}

	mapper := storagemap.New(compiled)
	exec, err := s.buildExecutor(uid, m, mapper, nil)
	if err != nil {
		return err
	}
	s.spawn(uid, m, exec)
	return nil
}

// RegisterNative registers an indexer backed by a compiled-in Go handler
// instead of an uploaded module, skipping sandbox loading entirely.
func (s *Supervisor) RegisterNative(ctx context.Context, m *manifest.Manifest, opts manifest.RegisterOptions, nativeHandler sandbox.NativeHandler) error {
	uid := m.UID()

	existing, err := s.registry.GetByUID(ctx, m.Namespace, m.Identifier)
	if err != nil && !errkind.Is(err, errkind.NotFound) {
		return err
	}
	if existing != nil && !opts.ReplaceIndexer {
		return errkind.New(errkind.AlreadyExists, "Indexer("+uid+") already exists")
	}

	compiled, err := schema.Compile(m.Namespace, m.Identifier, m.SchemaText)
	if err != nil {
		return err
	}

	tx, err := s.registry.BeginTx(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if existing != nil {
		if err := s.registry.DeleteIndexer(ctx, tx, m.Namespace, m.Identifier, schema.DropSchemaStatement(m.Namespace, m.Identifier)); err != nil {
			return err
		}
		s.mu.Lock()
		s.stopLocked(uid)
		s.mu.Unlock()
	}
	for _, stmt := range compiled.DDL {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return errkind.Wrap(errkind.SchemaInvalid, "apply compiled schema DDL", err)
		}
	}
	id, err := s.registry.CreateIndexer(ctx, tx, m.Namespace, m.Identifier)
	if err != nil {
		return err
	}
	manifestBytes, err := m.Render()
	if err != nil {
		return err
	}
	if _, err := s.registry.SaveAsset(ctx, tx, id, registry.AssetManifest, manifestBytes); err != nil {
		return err
	}
	if _, err := s.registry.SaveAsset(ctx, tx, id, registry.AssetSchema, []byte(m.SchemaText)); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return errkind.Wrap(errkind.StorageUnavailable, "commit registration", err)
	}

	mapper := storagemap.New(compiled)
	exec, err := s.buildExecutor(uid, m, mapper, nativeHandler)
	if err != nil {
		return err
	}
	s.spawn(uid, m, exec)
	return nil
}

// Reload loads the latest persisted assets for uid, spawns a fresh executor,
// swaps it into the map, and only then flips the prior executor's killer —
// so the replacement is observably streaming before the old one can stop,
// avoiding a gap in block coverage (§4.5, §9).
func (s *Supervisor) Reload(ctx context.Context, namespace, identifier string) error {
	uid := namespace + "." + identifier
	row, err := s.registry.GetByUID(ctx, namespace, identifier)
	if err != nil {
		return err
	}

	manifestAsset, schemaAsset, moduleAsset, err := s.registry.LatestAssets(ctx, row.ID)
	if err != nil {
		return err
	}
	m, err := manifest.Parse(manifestAsset.Bytes)
	if err != nil {
		return err
	}
	m.SchemaText = string(schemaAsset.Bytes)
	m.ModuleBytes = moduleAsset.Bytes

	compiled, err := schema.Compile(namespace, identifier, m.SchemaText)
	if err != nil {
		return err
	}
	mapper := storagemap.New(compiled)

	exec, err := s.buildExecutor(uid, m, mapper, nil)
	if err != nil {
		return err
	}

	s.mu.Lock()
	prior := s.handles[uid]
	s.mu.Unlock()

	newHandle := s.startHandle(uid, m, exec)

	s.mu.Lock()
	s.handles[uid] = newHandle
	s.mu.Unlock()

	// Handoff ordering guarantee: the new executor is already registered and
	// streaming above; only now does the old one's kill flag flip, so there
	// is no window where uid has zero live executors.
	if prior != nil {
		prior.kill.Store(true)
		prior.cancel()
	}
	return nil
}

// Stop flips uid's kill flag. A uid with no live executor logs a warning and
// returns success, matching the reference's tolerant stop semantics.
func (s *Supervisor) Stop(uid string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopLocked(uid)
}

func (s *Supervisor) stopLocked(uid string) error {
	h, ok := s.handles[uid]
	if !ok {
		s.log.WithField("uid", uid).Warn("stop requested for unknown uid")
		return nil
	}
	h.kill.Store(true)
	h.cancel()
	delete(s.handles, uid)
	return nil
}

// HydrateFromRegistry spawns one executor per persisted indexer on process
// start, each resuming independently from its own checkpoint.
func (s *Supervisor) HydrateFromRegistry(ctx context.Context) error {
	rows, err := s.registry.ListAll(ctx)
	if err != nil {
		return err
	}
	for _, row := range rows {
		manifestAsset, schemaAsset, moduleAsset, err := s.registry.LatestAssets(ctx, row.ID)
		if err != nil {
			s.log.WithField("uid", row.UID()).WithError(err).Warn("skipping indexer with incomplete assets")
			continue
		}
		m, err := manifest.Parse(manifestAsset.Bytes)
		if err != nil {
			s.log.WithField("uid", row.UID()).WithError(err).Warn("skipping indexer with invalid manifest")
			continue
		}
		m.SchemaText = string(schemaAsset.Bytes)
		m.ModuleBytes = moduleAsset.Bytes

		compiled, err := schema.Compile(row.Namespace, row.Identifier, m.SchemaText)
		if err != nil {
			s.log.WithField("uid", row.UID()).WithError(err).Warn("skipping indexer with invalid schema")
			continue
		}
		mapper := storagemap.New(compiled)
		exec, err := s.buildExecutor(row.UID(), m, mapper, nil)
		if err != nil {
			s.log.WithField("uid", row.UID()).WithError(err).Warn("skipping indexer that failed to load")
			continue
		}
		s.spawn(row.UID(), m, exec)
	}
	return nil
}

// StopAll flips every live kill flag and waits for every engine goroutine to
// retire, used on graceful process shutdown.
func (s *Supervisor) StopAll() {
	s.mu.Lock()
	for uid := range s.handles {
		s.stopLocked(uid)
	}
	s.mu.Unlock()
	s.wg.Wait()
}

func (s *Supervisor) buildExecutor(uid string, m *manifest.Manifest, mapper *storagemap.Mapper, native sandbox.NativeHandler) (sandbox.Executor, error) {
	kill := sandbox.NewKillFlag()
	switch m.Module.Kind {
	case manifest.ModuleNative:
		if native == nil {
			return nil, errkind.New(errkind.ModuleLoad, "native module kind requires a registered Go handler")
		}
		return sandbox.NewNativeExecutor(uid, native, mapper, kill, s.log), nil
	default:
		return sandbox.NewSandboxExecutor(uid, m.ModuleBytes, mapper, kill, s.log)
	}
}

func (s *Supervisor) startHandle(uid string, m *manifest.Manifest, exec sandbox.Executor) *handle {
	ctx, cancel := context.WithCancel(context.Background())
	engine := streamer.New(uid, s.db, s.registry, s.node, exec, m, s.cfg, s.log)
	h := &handle{engine: engine, kill: killFlagOf(exec), cancel: cancel, done: make(chan struct{})}

	s.wg.Add(1)
	metrics.Global().ExecutorStarted()
	go func() {
		defer s.wg.Done()
		defer close(h.done)
		defer metrics.Global().ExecutorStopped()
		if err := engine.Run(ctx); err != nil {
			s.log.WithField("uid", uid).WithError(err).Error("executor failed")
		} else if ctx.Err() == nil && !h.kill.Load() {
			// A clean exit that was neither cancelled nor killed means the
			// engine drained at end_block: free the uid's supervisor slot.
			s.mu.Lock()
			if s.handles[uid] == h {
				delete(s.handles, uid)
			}
			s.mu.Unlock()
		}
	}()
	return h
}

func (s *Supervisor) spawn(uid string, m *manifest.Manifest, exec sandbox.Executor) {
	h := s.startHandle(uid, m, exec)
	s.mu.Lock()
	s.handles[uid] = h
	s.mu.Unlock()
}

// killFlagOf recovers the atomic kill flag shared with an executor, the only
// piece of executor state the supervisor is allowed to touch directly (§9).
func killFlagOf(exec sandbox.Executor) *atomic.Bool {
	type killFlagHolder interface {
		KillFlag() *atomic.Bool
	}
	if holder, ok := exec.(killFlagHolder); ok {
		return holder.KillFlag()
	}
	return sandbox.NewKillFlag()
}
