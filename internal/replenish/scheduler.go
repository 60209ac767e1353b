// Package replenish grants points to connected entities on a fixed period.
package replenish

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/MarkoPoloResearchLab/oregate/internal/recordcache"
	"github.com/MarkoPoloResearchLab/oregate/pkg/budget"
	"github.com/MarkoPoloResearchLab/oregate/pkg/host"
	"go.uber.org/zap"
)

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithOperationLogger wires a logger that receives every grant.
func WithOperationLogger(logger budget.OperationLogger) Option {
	return func(scheduler *Scheduler) {
		scheduler.operationLogger = logger
	}
}

// WithLogger sets the structured logger.
func WithLogger(logger *zap.Logger) Option {
	return func(scheduler *Scheduler) {
		if logger != nil {
			scheduler.logger = logger
		}
	}
}

// TickReport summarizes one replenishment pass.
type TickReport struct {
	Visited int
	Granted int
	Skipped int
	Failed  int
}

// Scheduler runs the periodic replenishment pass.
type Scheduler struct {
	cache           *recordcache.Cache
	engine          budget.EngineSource
	presence        host.Presence
	operationLogger budget.OperationLogger
	logger          *zap.Logger
}

// New wires a Scheduler.
func New(cache *recordcache.Cache, engine budget.EngineSource, presence host.Presence, options ...Option) (*Scheduler, error) {
	if cache == nil {
		return nil, fmt.Errorf("%w: cache dependency is nil", budget.ErrInvalidSettings)
	}
	if engine == nil {
		return nil, fmt.Errorf("%w: engine dependency is nil", budget.ErrInvalidSettings)
	}
	if presence == nil {
		return nil, fmt.Errorf("%w: presence dependency is nil", budget.ErrInvalidSettings)
	}
	scheduler := &Scheduler{
		cache:    cache,
		engine:   engine,
		presence: presence,
		logger:   zap.NewNop(),
	}
	for _, option := range options {
		if option != nil {
			option(scheduler)
		}
	}
	return scheduler, nil
}

// Run ticks every replenish period until ctx is cancelled. The period is read
// from the current engine, so a reload takes effect on the next tick.
func (scheduler *Scheduler) Run(ctx context.Context) {
	period := scheduler.engine().Settings().ReplenishPeriod
	timer := time.NewTimer(period)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			report := scheduler.Tick(ctx)
			scheduler.logger.Debug("replenish tick",
				zap.Int("visited", report.Visited),
				zap.Int("granted", report.Granted),
				zap.Int("skipped", report.Skipped),
				zap.Int("failed", report.Failed))
			timer.Reset(scheduler.engine().Settings().ReplenishPeriod)
		}
	}
}

// Tick runs one replenishment pass over every connected entity. A failure for
// one entity never stops the pass for the others.
func (scheduler *Scheduler) Tick(ctx context.Context) TickReport {
	var report TickReport
	actors, err := scheduler.presence.ActiveEntities(ctx)
	if err != nil {
		scheduler.logger.Error("listing active entities failed", zap.Error(err))
		return report
	}
	engine := scheduler.engine()
	for _, actor := range actors {
		if ctx.Err() != nil {
			return report
		}
		report.Visited++
		granted, tickErr := scheduler.tickEntity(ctx, engine, actor)
		switch {
		case tickErr == nil && granted > 0:
			report.Granted++
		case tickErr == nil:
			report.Skipped++
		case errors.Is(tickErr, budget.ErrTransientLookup):
			report.Skipped++
		default:
			report.Failed++
			scheduler.logger.Error("replenish failed",
				zap.String("entity_id", actor.ID.String()),
				zap.Error(tickErr))
		}
	}
	return report
}

func (scheduler *Scheduler) tickEntity(ctx context.Context, engine budget.Engine, actor budget.Actor) (budget.Points, error) {
	position, err := scheduler.presence.Position(ctx, actor.ID)
	if err != nil {
		return 0, err
	}
	// a vehicle lookup failure withholds the grant but the position still moves
	inVehicle, vehicleErr := scheduler.presence.InVehicle(ctx, actor.ID)

	var (
		granted     budget.Points
		pointsAfter budget.Points
	)
	updateErr := scheduler.cache.Update(ctx, actor, func(record *budget.Record) error {
		defer func() {
			current := position
			record.LastActivity = &current
			pointsAfter = record.Points
		}()
		if vehicleErr != nil || inVehicle {
			return nil
		}
		active, activityErr := budget.IsActive(record.LastActivity, position)
		if activityErr != nil {
			// zone change: no grant this tick, position still moves forward
			return nil
		}
		if active {
			granted = engine.Replenish(record, 1)
		}
		return nil
	})
	if updateErr != nil {
		return 0, updateErr
	}
	if vehicleErr != nil {
		return 0, vehicleErr
	}
	if granted > 0 && scheduler.operationLogger != nil {
		scheduler.operationLogger.LogOperation(ctx, budget.OperationLog{
			Operation:   budget.OperationReplenish,
			EntityID:    actor.ID,
			Zone:        position.Zone,
			Decision:    budget.Allow(budget.ReasonReplenished),
			PointsAfter: pointsAfter,
		}.Resolved())
	}
	return granted, nil
}
