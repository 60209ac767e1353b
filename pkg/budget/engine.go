package budget

import (
	"fmt"
	"time"
)

const (
	minutesPerHour       = 60
	minimumWaitMinutes   = 1
	minimumPointsPerTick = 1
	minimumTicksPerHour  = 1
)

// ActivityDistanceSquared is the squared distance an entity must move between
// replenishment ticks to count as active.
const ActivityDistanceSquared float64 = 9

// Engine applies spend and replenishment rules to records.
// It holds no state besides its settings and performs no I/O.
type Engine struct {
	settings Settings
}

// NewEngine wires an Engine.
func NewEngine(settings Settings) (Engine, error) {
	if err := settings.Validate(); err != nil {
		return Engine{}, err
	}
	return Engine{settings: settings}, nil
}

// Settings returns the settings the engine was built with.
func (engine Engine) Settings() Settings {
	return engine.settings
}

// DefaultRecord builds the record used when the store has none.
func (engine Engine) DefaultRecord(entityID EntityID, hasPriorHistory bool) Record {
	points := engine.settings.StartingPoints
	if hasPriorHistory {
		points = engine.settings.MaxPoints
	}
	return Record{EntityID: entityID, Points: points}
}

// Clamp forces the record's balance into [LowerBound, MaxPoints].
func (engine Engine) Clamp(record *Record) {
	if record.Points > engine.settings.MaxPoints {
		record.Points = engine.settings.MaxPoints
	}
	if lowerBound := engine.settings.LowerBound(); record.Points < lowerBound {
		record.Points = lowerBound
	}
}

// TryApplyCost spends cost from the record when the balance covers it.
// A denied spend leaves the record untouched.
func (engine Engine) TryApplyCost(record *Record, cost Points) Decision {
	if cost <= 0 {
		return Allow(ReasonFree)
	}
	if record.Points >= cost {
		record.Points -= cost
		engine.Clamp(record)
		decision := Allow(ReasonCharged)
		decision.Cost = cost
		return decision
	}
	return Deny(cost, engine.WaitMinutes(cost-record.Points))
}

// WaitMinutes estimates how long replenishment needs to cover a shortfall.
func (engine Engine) WaitMinutes(shortfall Points) int64 {
	if shortfall <= 0 {
		return minimumWaitMinutes
	}
	pointsPerHour := engine.settings.PointsPerHour.Int64()
	minutes := (shortfall.Int64()*minutesPerHour + pointsPerHour - 1) / pointsPerHour
	if minutes < minimumWaitMinutes {
		return minimumWaitMinutes
	}
	return minutes
}

// TicksPerHour is how many replenishment ticks fit in an hour.
func (engine Engine) TicksPerHour() int64 {
	ticks := int64(time.Hour / engine.settings.ReplenishPeriod)
	if ticks < minimumTicksPerHour {
		return minimumTicksPerHour
	}
	return ticks
}

// PointsPerTick is the grant for one eligible tick, never below one point.
func (engine Engine) PointsPerTick() Points {
	points := engine.settings.PointsPerHour / Points(engine.TicksPerHour())
	if points < minimumPointsPerTick {
		return minimumPointsPerTick
	}
	return points
}

// Replenish grants eligibleTicks worth of points, capped at MaxPoints, and
// returns the amount actually added. Calling it twice for one tick grants twice.
func (engine Engine) Replenish(record *Record, eligibleTicks int) Points {
	if eligibleTicks <= 0 {
		return 0
	}
	before := record.Points
	if before >= engine.settings.MaxPoints {
		engine.Clamp(record)
		return 0
	}
	record.Points += engine.PointsPerTick() * Points(eligibleTicks)
	engine.Clamp(record)
	return record.Points - before
}

// IsActive reports whether movement between two checks counts as play.
func IsActive(previous *Position, current Position) (bool, error) {
	if previous == nil {
		return true, nil
	}
	distanceSquared, err := previous.DistanceSquared(current)
	if err != nil {
		return false, err
	}
	return distanceSquared >= ActivityDistanceSquared, nil
}

// String renders the engine settings for logs.
func (engine Engine) String() string {
	return fmt.Sprintf("engine(points_per_hour=%d max=%d start=%d period=%s)",
		engine.settings.PointsPerHour, engine.settings.MaxPoints, engine.settings.StartingPoints, engine.settings.ReplenishPeriod)
}
