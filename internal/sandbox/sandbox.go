// Package sandbox is the module host (L4): it loads a user-supplied module
// — either a goja-hosted ECMAScript module (the WASM-sandbox stand-in) or a
// compiled-in native Go handler — and exposes the storage mapper's save,
// load and delete primitives to it as host callbacks, alongside a per-batch
// kill switch the supervisor uses to request the executor's exit.
package sandbox

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync/atomic"

	"github.com/dop251/goja"

	"github.com/R3E-Network/chain-indexer/infrastructure/logging"
	"github.com/R3E-Network/chain-indexer/internal/errkind"
	"github.com/R3E-Network/chain-indexer/internal/nodeclient"
	"github.com/R3E-Network/chain-indexer/internal/storagemap"
)

// Executor is the shared supervision contract both executor kinds satisfy;
// the block-stream engine (internal/streamer) is generic over this
// interface rather than switching on executor kind.
type Executor interface {
	// DispatchBatch hands one contiguous block batch to the user handler
	// inside tx. The caller commits or rolls back tx depending on the
	// returned error; DispatchBatch itself never commits.
	DispatchBatch(ctx context.Context, tx *sql.Tx, blocks []nodeclient.Block) error
	// MarkKilled flips the one-shot kill flag; the next DispatchBatch call
	// (or, if already in flight, the one after it) must return ErrKilled.
	MarkKilled()
	// Killed reports whether the kill flag has been observed.
	Killed() bool
}

// ErrKilled is returned by DispatchBatch when the kill flag was observed
// before any work began. internal/streamer treats it as a request to stop
// streaming, not as a failure.
var ErrKilled = fmt.Errorf("executor: kill flag observed")

// NewKillFlag allocates the atomic boolean shared between an executor and
// its supervisor entry.
func NewKillFlag() *atomic.Bool {
	return new(atomic.Bool)
}

// SandboxExecutor hosts a user module inside an isolated goja.Runtime. A
// fresh VM is created per executor (never shared across indexers), matching
// the teacher's per-call goja.New() isolation in system/tee/script_engine.go.
type SandboxExecutor struct {
	uid     string
	vm      *goja.Runtime
	mapper  *storagemap.Mapper
	log     *logging.Logger
	kill    *atomic.Bool
	handler goja.Callable

	// currentTx is set for the duration of one DispatchBatch call so the
	// save/load/delete/get_object/put_object host imports — registered once
	// at construction time — can reach the in-flight transaction.
	currentTx     *sql.Tx
	currentHeight uint64
}

// NewSandboxExecutor compiles moduleSource and binds the host imports
// described in §4.3: save/load/delete, log, current_block_height,
// get_object, put_object. moduleSource must define a handle_events function.
func NewSandboxExecutor(uid string, moduleSource []byte, mapper *storagemap.Mapper, kill *atomic.Bool, log *logging.Logger) (*SandboxExecutor, error) {
	if log == nil {
		log = logging.NewFromEnv("sandbox")
	}
	if kill == nil {
		kill = NewKillFlag()
	}

	e := &SandboxExecutor{uid: uid, vm: goja.New(), mapper: mapper, log: log, kill: kill}
	e.bindHostImports()

	if _, err := e.vm.RunString(string(moduleSource)); err != nil {
		return nil, errkind.Wrap(errkind.ModuleLoad, fmt.Sprintf("load module for %s", uid), err)
	}

	fn, ok := goja.AssertFunction(e.vm.Get("handle_events"))
	if !ok {
		return nil, errkind.New(errkind.ModuleLoad, fmt.Sprintf("module for %s does not export handle_events", uid))
	}
	e.handler = fn
	return e, nil
}

func (e *SandboxExecutor) bindHostImports() {
	must := func(name string, value any) {
		if err := e.vm.Set(name, value); err != nil {
			panic(fmt.Sprintf("sandbox: bind host import %s: %v", name, err))
		}
	}

	must("save", func(entity string, id int64, valuesJSON string) {
		var values storagemap.Value
		if err := json.Unmarshal([]byte(valuesJSON), &values); err != nil {
			panic(e.vm.ToValue("save: invalid values JSON: " + err.Error()))
		}
		if err := e.mapper.Save(context.Background(), e.currentTx, entity, uint64(id), values); err != nil {
			panic(e.vm.ToValue(err.Error()))
		}
	})
	must("load", func(entity string, id int64) goja.Value {
		values, err := e.mapper.Load(context.Background(), e.currentTx, entity, uint64(id))
		if err != nil {
			panic(e.vm.ToValue(err.Error()))
		}
		if values == nil {
			return goja.Null()
		}
		return e.vm.ToValue(values)
	})
	must("delete", func(entity string, id int64) {
		if err := e.mapper.Delete(context.Background(), e.currentTx, entity, uint64(id)); err != nil {
			panic(e.vm.ToValue(err.Error()))
		}
	})
	must("log", func(message string) {
		e.log.WithField("uid", e.uid).WithField("block_height", e.currentHeight).Info(message)
	})
	must("current_block_height", func() int64 {
		return int64(e.currentHeight)
	})
	must("get_object", func(key string) goja.Value {
		data, err := e.mapper.GetObject(context.Background(), e.currentTx, key)
		if err != nil {
			panic(e.vm.ToValue(err.Error()))
		}
		if data == nil {
			return goja.Null()
		}
		return e.vm.ToValue(string(data))
	})
	must("put_object", func(key, value string) {
		if err := e.mapper.PutObject(context.Background(), e.currentTx, key, []byte(value)); err != nil {
			panic(e.vm.ToValue(err.Error()))
		}
	})
}

// DispatchBatch marshals blocks and invokes handle_events, recovering any JS
// trap (panic or thrown exception) into a ModuleTrap error so the caller can
// roll back the transaction without crashing the executor's goroutine.
func (e *SandboxExecutor) DispatchBatch(ctx context.Context, tx *sql.Tx, blocks []nodeclient.Block) (err error) {
	if e.kill.Load() {
		return ErrKilled
	}
	if len(blocks) == 0 {
		return nil
	}

	e.currentTx = tx
	e.currentHeight = blocks[len(blocks)-1].Height
	defer func() {
		e.currentTx = nil
	}()

	defer func() {
		if r := recover(); r != nil {
			err = errkind.New(errkind.ModuleTrap, fmt.Sprintf("module panic for %s: %v", e.uid, r))
		}
	}()

	payload, marshalErr := json.Marshal(blocks)
	if marshalErr != nil {
		return errkind.Wrap(errkind.Unknown, "marshal blocks for module", marshalErr)
	}

	_, callErr := e.handler(goja.Undefined(), e.vm.ToValue(string(payload)))
	if callErr != nil {
		return errkind.Wrap(errkind.ModuleTrap, fmt.Sprintf("handle_events trap for %s", e.uid), callErr)
	}
	return nil
}

// MarkKilled implements Executor.
func (e *SandboxExecutor) MarkKilled() { e.kill.Store(true) }

// Killed implements Executor.
func (e *SandboxExecutor) Killed() bool { return e.kill.Load() }

// Mapper exposes the bound storage mapper so internal/streamer can write the
// system metadata row (block_height, time) in the same transaction as the
// user handler, without widening the Executor interface for every caller.
func (e *SandboxExecutor) Mapper() *storagemap.Mapper { return e.mapper }

// KillFlag exposes the shared atomic flag so internal/supervisor can flip it
// on Stop/Reload without widening the Executor interface.
func (e *SandboxExecutor) KillFlag() *atomic.Bool { return e.kill }

// NativeHandler is a compiled-in Go indexer, registered by name rather than
// uploaded bytes.
type NativeHandler func(ctx context.Context, blocks []nodeclient.Block, mapper *storagemap.Mapper, tx *sql.Tx) error

// NativeExecutor wraps a NativeHandler with the same kill-flag and
// checkpoint semantics as SandboxExecutor, without any sandboxing.
type NativeExecutor struct {
	uid     string
	handler NativeHandler
	mapper  *storagemap.Mapper
	kill    *atomic.Bool
	log     *logging.Logger
}

// NewNativeExecutor builds an executor around a compiled-in handler.
func NewNativeExecutor(uid string, handler NativeHandler, mapper *storagemap.Mapper, kill *atomic.Bool, log *logging.Logger) *NativeExecutor {
	if log == nil {
		log = logging.NewFromEnv("sandbox")
	}
	if kill == nil {
		kill = NewKillFlag()
	}
	return &NativeExecutor{uid: uid, handler: handler, mapper: mapper, kill: kill, log: log}
}

// DispatchBatch implements Executor.
func (e *NativeExecutor) DispatchBatch(ctx context.Context, tx *sql.Tx, blocks []nodeclient.Block) (err error) {
	if e.kill.Load() {
		return ErrKilled
	}
	defer func() {
		if r := recover(); r != nil {
			err = errkind.New(errkind.ModuleTrap, fmt.Sprintf("native handler panic for %s: %v", e.uid, r))
		}
	}()
	if err := e.handler(ctx, blocks, e.mapper, tx); err != nil {
		return errkind.Wrap(errkind.ModuleTrap, fmt.Sprintf("native handler failed for %s", e.uid), err)
	}
	return nil
}

// MarkKilled implements Executor.
func (e *NativeExecutor) MarkKilled() { e.kill.Store(true) }

// Killed implements Executor.
func (e *NativeExecutor) Killed() bool { return e.kill.Load() }

// Mapper exposes the bound storage mapper, mirroring SandboxExecutor.Mapper.
func (e *NativeExecutor) Mapper() *storagemap.Mapper { return e.mapper }

// KillFlag exposes the shared atomic flag, mirroring SandboxExecutor.KillFlag.
func (e *NativeExecutor) KillFlag() *atomic.Bool { return e.kill }

var (
	_ Executor = (*SandboxExecutor)(nil)
	_ Executor = (*NativeExecutor)(nil)
)
