// Package oregate is the embeddable mining budget gate. A host game server builds a
// Runtime, forwards block and session events to it, and calls Shutdown on exit.
package oregate

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/MarkoPoloResearchLab/oregate/internal/gate"
	"github.com/MarkoPoloResearchLab/oregate/internal/messages"
	"github.com/MarkoPoloResearchLab/oregate/internal/oplog"
	"github.com/MarkoPoloResearchLab/oregate/internal/recordcache"
	"github.com/MarkoPoloResearchLab/oregate/internal/replenish"
	"github.com/MarkoPoloResearchLab/oregate/pkg/budget"
	"github.com/MarkoPoloResearchLab/oregate/pkg/host"
	"go.uber.org/zap"
)

// Dependencies are the collaborators a Runtime is built from.
type Dependencies struct {
	Settings budget.Settings
	Store    budget.Store
	Presence host.Presence
	Notifier host.Notifier
	// Messages defaults to the built-in templates.
	Messages host.MessageFormatter
	// Logger defaults to a no-op logger.
	Logger *zap.Logger
	// OperationLogger defaults to a zap adapter over Logger.
	OperationLogger budget.OperationLogger
	// Now returns unix seconds for journal entries.
	Now func() int64
}

// Runtime wires the cache, gate and scheduler around one shared engine.
type Runtime struct {
	engine    atomic.Pointer[budget.Engine]
	store     budget.Store
	cache     *recordcache.Cache
	gate      *gate.Gate
	scheduler *replenish.Scheduler
	logger    *zap.Logger

	mutex    sync.Mutex
	stop     context.CancelFunc
	stopped  chan struct{}
	shutdown bool
	closed   atomic.Bool
}

// New validates the settings and wires a Runtime. The scheduler does not run
// until Start is called.
func New(dependencies Dependencies) (*Runtime, error) {
	if dependencies.Store == nil {
		return nil, fmt.Errorf("%w: store dependency is nil", budget.ErrInvalidSettings)
	}
	if dependencies.Presence == nil {
		return nil, fmt.Errorf("%w: presence dependency is nil", budget.ErrInvalidSettings)
	}
	if dependencies.Notifier == nil {
		return nil, fmt.Errorf("%w: notifier dependency is nil", budget.ErrInvalidSettings)
	}
	engine, err := budget.NewEngine(dependencies.Settings)
	if err != nil {
		return nil, err
	}
	logger := dependencies.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	formatter := dependencies.Messages
	if formatter == nil {
		formatter = messages.Default()
	}
	operationLogger := dependencies.OperationLogger
	if operationLogger == nil {
		operationLogger = oplog.NewZapLogger(logger)
	}

	journal := journalOf(dependencies.Store)
	if dependencies.Settings.JournalEntries && journal == nil {
		logger.Warn("journal entries enabled but the store keeps no journal")
	}

	runtime := &Runtime{store: dependencies.Store, logger: logger}
	runtime.engine.Store(&engine)

	runtime.cache, err = recordcache.New(dependencies.Store, runtime.currentEngine, logger.Named("cache"))
	if err != nil {
		return nil, err
	}
	runtime.gate, err = gate.New(runtime.cache, runtime.currentEngine, dependencies.Notifier, formatter,
		gate.WithLogger(logger.Named("gate")),
		gate.WithOperationLogger(operationLogger),
		gate.WithJournal(journal),
		gate.WithClock(dependencies.Now),
	)
	if err != nil {
		return nil, err
	}
	runtime.scheduler, err = replenish.New(runtime.cache, runtime.currentEngine, dependencies.Presence,
		replenish.WithLogger(logger.Named("replenish")),
		replenish.WithOperationLogger(operationLogger),
	)
	if err != nil {
		return nil, err
	}
	logger.Info("gate ready", zap.Stringer("engine", engine))
	return runtime, nil
}

// ErrShutdown is returned by event methods once Shutdown has begun.
var ErrShutdown = fmt.Errorf("%w: runtime shut down", budget.ErrStoreUnavailable)

// Break handles a block break attempt.
func (runtime *Runtime) Break(ctx context.Context, attempt budget.BreakAttempt) (budget.Decision, error) {
	if runtime.closed.Load() {
		return budget.Decision{}, ErrShutdown
	}
	return runtime.gate.Break(ctx, attempt)
}

// Place handles a block placement.
func (runtime *Runtime) Place(ctx context.Context, attempt budget.PlaceAttempt) (budget.Decision, error) {
	if runtime.closed.Load() {
		return budget.Decision{}, ErrShutdown
	}
	return runtime.gate.Place(ctx, attempt)
}

// AreaDestruction returns the blocks an explosion may destroy.
func (runtime *Runtime) AreaDestruction(ctx context.Context, event budget.AreaDestruction) []budget.Block {
	return runtime.gate.AreaDestruction(ctx, event)
}

// Join loads the entity's record ahead of its first event.
func (runtime *Runtime) Join(ctx context.Context, actor budget.Actor) (budget.Record, error) {
	if runtime.closed.Load() {
		return budget.Record{}, ErrShutdown
	}
	return runtime.cache.Get(ctx, actor)
}

// Quit saves the entity's record and drops it from memory. After Shutdown it
// does nothing.
func (runtime *Runtime) Quit(ctx context.Context, entityID budget.EntityID) {
	if runtime.closed.Load() {
		return
	}
	runtime.cache.Release(ctx, entityID)
}

// Record returns the cached record of a connected entity.
func (runtime *Runtime) Record(entityID budget.EntityID) (budget.Record, bool) {
	return runtime.cache.Peek(entityID)
}

// ResetLimitNotice clears the once-per-session admin notification flag.
func (runtime *Runtime) ResetLimitNotice(ctx context.Context, actor budget.Actor) error {
	if runtime.closed.Load() {
		return ErrShutdown
	}
	return runtime.cache.Update(ctx, actor, func(record *budget.Record) error {
		record.ReachedLimitThisSession = false
		return nil
	})
}

// Settings returns the settings currently in effect.
func (runtime *Runtime) Settings() budget.Settings {
	return runtime.currentEngine().Settings()
}

// Reload swaps the settings for every later event and tick. Cached records are
// clamped to the new bounds on their next mutation.
func (runtime *Runtime) Reload(settings budget.Settings) error {
	engine, err := budget.NewEngine(settings)
	if err != nil {
		return err
	}
	runtime.engine.Store(&engine)
	runtime.logger.Info("settings reloaded", zap.Stringer("engine", engine))
	return nil
}

// Tick runs one replenishment pass immediately. After Shutdown it reports nothing.
func (runtime *Runtime) Tick(ctx context.Context) replenish.TickReport {
	if runtime.closed.Load() {
		return replenish.TickReport{}
	}
	return runtime.scheduler.Tick(ctx)
}

// Start launches the replenishment scheduler. Calling it again is a no-op.
func (runtime *Runtime) Start(ctx context.Context) {
	runtime.mutex.Lock()
	defer runtime.mutex.Unlock()
	if runtime.stop != nil || runtime.shutdown {
		return
	}
	schedulerContext, cancel := context.WithCancel(ctx)
	runtime.stop = cancel
	runtime.stopped = make(chan struct{})
	go func(stopped chan struct{}) {
		defer close(stopped)
		runtime.scheduler.Run(schedulerContext)
	}(runtime.stopped)
	runtime.logger.Info("replenish scheduler started", zap.Duration("period", runtime.Settings().ReplenishPeriod))
}

// Shutdown stops the scheduler, saves every cached record and closes the store.
// Later calls return nil without doing anything.
func (runtime *Runtime) Shutdown(ctx context.Context) error {
	runtime.mutex.Lock()
	if runtime.shutdown {
		runtime.mutex.Unlock()
		return nil
	}
	runtime.shutdown = true
	runtime.closed.Store(true)
	stop, stopped := runtime.stop, runtime.stopped
	runtime.mutex.Unlock()

	if stop != nil {
		stop()
		select {
		case <-stopped:
		case <-ctx.Done():
			runtime.logger.Warn("scheduler did not stop before deadline", zap.Error(ctx.Err()))
		}
	}
	saveContext := context.WithoutCancel(ctx)
	saved := runtime.cache.SaveAll(saveContext)
	runtime.logger.Info("records saved", zap.Int("saved", saved), zap.Int("cached", len(runtime.cache.Active())))
	if err := runtime.store.Close(); err != nil {
		return fmt.Errorf("close store: %w", err)
	}
	return nil
}

func (runtime *Runtime) currentEngine() budget.Engine {
	return *runtime.engine.Load()
}

func journalOf(store budget.Store) budget.EntryRecorder {
	recorder, ok := store.(budget.EntryRecorder)
	if !ok {
		return nil
	}
	return recorder
}
