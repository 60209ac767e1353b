// Package gate turns block events into allow/deny decisions against the mining budget.
package gate

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/MarkoPoloResearchLab/oregate/internal/recordcache"
	"github.com/MarkoPoloResearchLab/oregate/pkg/budget"
	"github.com/MarkoPoloResearchLab/oregate/pkg/host"
	"go.uber.org/zap"
)

// Option configures a Gate instance.
type Option func(*Gate)

// WithOperationLogger wires a logger that receives every decision.
func WithOperationLogger(logger budget.OperationLogger) Option {
	return func(gate *Gate) {
		gate.operationLogger = logger
	}
}

// WithJournal wires a spend journal used when journal entries are enabled.
func WithJournal(recorder budget.EntryRecorder) Option {
	return func(gate *Gate) {
		gate.journal = recorder
	}
}

// WithLogger sets the structured logger.
func WithLogger(logger *zap.Logger) Option {
	return func(gate *Gate) {
		if logger != nil {
			gate.logger = logger
		}
	}
}

// WithClock overrides the unix-seconds clock used for journal entries.
func WithClock(now func() int64) Option {
	return func(gate *Gate) {
		if now != nil {
			gate.nowFn = now
		}
	}
}

// Gate evaluates break, place and area destruction events.
type Gate struct {
	cache           *recordcache.Cache
	engine          budget.EngineSource
	notifier        host.Notifier
	messages        host.MessageFormatter
	journal         budget.EntryRecorder
	operationLogger budget.OperationLogger
	logger          *zap.Logger
	nowFn           func() int64
}

// New wires a Gate.
func New(cache *recordcache.Cache, engine budget.EngineSource, notifier host.Notifier, messages host.MessageFormatter, options ...Option) (*Gate, error) {
	if cache == nil {
		return nil, fmt.Errorf("%w: cache dependency is nil", budget.ErrInvalidSettings)
	}
	if engine == nil {
		return nil, fmt.Errorf("%w: engine dependency is nil", budget.ErrInvalidSettings)
	}
	if notifier == nil {
		return nil, fmt.Errorf("%w: notifier dependency is nil", budget.ErrInvalidSettings)
	}
	if messages == nil {
		return nil, fmt.Errorf("%w: message formatter dependency is nil", budget.ErrInvalidSettings)
	}
	gate := &Gate{
		cache:    cache,
		engine:   engine,
		notifier: notifier,
		messages: messages,
		logger:   zap.NewNop(),
		nowFn:    func() int64 { return time.Now().UTC().Unix() },
	}
	for _, option := range options {
		if option != nil {
			option(gate)
		}
	}
	return gate, nil
}

// Break decides whether the actor may break the block, charging the budget when
// the material is protected.
func (gate *Gate) Break(ctx context.Context, attempt budget.BreakAttempt) (budget.Decision, error) {
	if attempt.Actor.ID.IsZero() {
		return budget.Decision{}, fmt.Errorf("%w: empty value", budget.ErrInvalidEntityID)
	}
	engine := gate.engine()
	settings := engine.Settings()
	location := attempt.Block.Location
	if decision, screened := screen(settings, attempt.Actor, location.Zone); screened {
		gate.logOperation(ctx, budget.OperationLog{
			Operation: budget.OperationBreak,
			EntityID:  attempt.Actor.ID,
			Material:  attempt.Block.Material,
			Zone:      location.Zone,
			Decision:  decision,
		})
		return decision, nil
	}

	var (
		decision     budget.Decision
		pointsAfter  budget.Points
		limitReached bool
	)
	operationError := gate.cache.Update(ctx, attempt.Actor, func(record *budget.Record) error {
		defer func() { pointsAfter = record.Points }()
		if record.LastPlaced != nil && *record.LastPlaced == location {
			record.LastPlaced = nil
			decision = budget.Allow(budget.ReasonPlacedBlock)
			return nil
		}
		entry, found := settings.Policy.Lookup(attempt.Block.Material)
		if !found {
			decision = budget.Allow(budget.ReasonUntracked)
			return nil
		}
		decision = engine.TryApplyCost(record, entry.Cost)
		switch {
		case !decision.Allowed:
			if settings.NotifyOnLimitReached && !record.ReachedLimitThisSession {
				record.ReachedLimitThisSession = true
				limitReached = true
			}
		case decision.Reason == budget.ReasonCharged && settings.SaveOnSpend:
			gate.cache.Persist(ctx, record.Clone())
		}
		return nil
	})
	if operationError == nil {
		if !decision.Allowed {
			gate.notifyDenied(ctx, attempt, decision, limitReached)
		}
		if settings.JournalEntries {
			gate.recordEntry(ctx, attempt, decision, pointsAfter)
		}
	}
	gate.logOperation(ctx, budget.OperationLog{
		Operation:   budget.OperationBreak,
		EntityID:    attempt.Actor.ID,
		Material:    attempt.Block.Material,
		Zone:        location.Zone,
		Decision:    decision,
		PointsAfter: pointsAfter,
		Error:       operationError,
	})
	if operationError != nil {
		return budget.Decision{}, operationError
	}
	return decision, nil
}

// Place remembers the placed block so breaking it right away is free. It never denies.
func (gate *Gate) Place(ctx context.Context, attempt budget.PlaceAttempt) (budget.Decision, error) {
	if attempt.Actor.ID.IsZero() {
		return budget.Decision{}, fmt.Errorf("%w: empty value", budget.ErrInvalidEntityID)
	}
	settings := gate.engine().Settings()
	if decision, screened := screen(settings, attempt.Actor, attempt.Location.Zone); screened {
		return decision, nil
	}
	location := attempt.Location
	operationError := gate.cache.Update(ctx, attempt.Actor, func(record *budget.Record) error {
		record.LastPlaced = &location
		return nil
	})
	decision := budget.Allow(budget.ReasonPlacementTracked)
	gate.logOperation(ctx, budget.OperationLog{
		Operation: budget.OperationPlace,
		EntityID:  attempt.Actor.ID,
		Zone:      location.Zone,
		Decision:  decision,
		Error:     operationError,
	})
	if operationError != nil {
		return budget.Decision{}, operationError
	}
	return decision, nil
}

// AreaDestruction returns the blocks that may be destroyed, dropping every block
// whose material is protected by a positive cost.
func (gate *Gate) AreaDestruction(ctx context.Context, event budget.AreaDestruction) []budget.Block {
	settings := gate.engine().Settings()
	if !settings.EnabledZones.Enabled(event.Zone) {
		gate.logOperation(ctx, budget.OperationLog{
			Operation: budget.OperationAreaDestruction,
			Zone:      event.Zone,
			Decision:  budget.Allow(budget.ReasonZoneDisabled),
		})
		return event.Blocks
	}
	retained := make([]budget.Block, 0, len(event.Blocks))
	for _, block := range event.Blocks {
		if settings.Policy.Protects(block.Material) {
			continue
		}
		retained = append(retained, block)
	}
	decision := budget.Allow(budget.ReasonUntracked)
	if protected := len(event.Blocks) - len(retained); protected > 0 {
		// not allowed: some blocks were withheld from the blast
		decision = budget.Decision{Reason: budget.ReasonBlocksProtected}
		gate.logger.Debug("protected blocks from area destruction",
			zap.String("zone", event.Zone.String()),
			zap.Int("protected", protected))
	}
	gate.logOperation(ctx, budget.OperationLog{
		Operation: budget.OperationAreaDestruction,
		Zone:      event.Zone,
		Decision:  decision,
	})
	return retained
}

// screen applies the checks shared by break and place: bypass, exempt mode, zone scope.
func screen(settings budget.Settings, actor budget.Actor, zone budget.Zone) (budget.Decision, bool) {
	if actor.Bypass {
		return budget.Allow(budget.ReasonBypass), true
	}
	if settings.ExemptCreativeMode && actor.Mode == budget.ModeCreative {
		return budget.Allow(budget.ReasonExemptMode), true
	}
	if !settings.EnabledZones.Enabled(zone) {
		return budget.Allow(budget.ReasonZoneDisabled), true
	}
	return budget.Decision{}, false
}

func (gate *Gate) notifyDenied(ctx context.Context, attempt budget.BreakAttempt, decision budget.Decision, limitReached bool) {
	gate.notifier.Notify(ctx, host.Notification{
		Recipient: attempt.Actor.ID,
		Severity:  host.SeverityInstruction,
		MessageID: host.MessageCantBreakYet,
		Text:      gate.messages.Format(host.MessageCantBreakYet, strconv.FormatInt(decision.WaitMinutes, 10)),
	})
	if !limitReached {
		return
	}
	gate.logger.Info("entity reached the mining speed limit",
		zap.String("entity_id", attempt.Actor.ID.String()),
		zap.String("location", attempt.Block.Location.String()))
	gate.notifier.Notify(ctx, host.Notification{
		Severity:  host.SeverityInstruction,
		MessageID: host.MessageAdminNotification,
		Text:      gate.messages.Format(host.MessageAdminNotification, attempt.Actor.ID.String()),
	})
}

func (gate *Gate) recordEntry(ctx context.Context, attempt budget.BreakAttempt, decision budget.Decision, pointsAfter budget.Points) {
	if gate.journal == nil {
		return
	}
	var kind budget.EntryKind
	switch decision.Reason {
	case budget.ReasonCharged:
		kind = budget.EntrySpend
	case budget.ReasonInsufficientPoints:
		kind = budget.EntryDeny
	default:
		return
	}
	err := gate.journal.RecordEntry(ctx, budget.Entry{
		EntityID:       attempt.Actor.ID,
		Kind:           kind,
		Material:       attempt.Block.Material,
		Cost:           decision.Cost,
		PointsAfter:    pointsAfter,
		Location:       attempt.Block.Location,
		CreatedUnixUTC: gate.nowFn(),
	})
	if err != nil {
		gate.logger.Warn("journal entry not recorded",
			zap.String("entity_id", attempt.Actor.ID.String()),
			zap.String("kind", kind.String()),
			zap.Error(err))
	}
}

func (gate *Gate) logOperation(ctx context.Context, entry budget.OperationLog) {
	if gate.operationLogger == nil {
		return
	}
	gate.operationLogger.LogOperation(ctx, entry.Resolved())
}
