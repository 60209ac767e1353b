package budget

import (
	"fmt"
	"time"
)

const (
	DefaultStartingPoints  Points = -400
	DefaultPointsPerHour   Points = 800
	DefaultMaxPoints       Points = 1600
	DefaultReplenishPeriod        = 5 * time.Minute

	defaultDiamondCost Points = 100
	defaultEmeraldCost Points = 50
)

// Settings holds the effective gate configuration for one run.
type Settings struct {
	EnabledZones         ZoneSet
	StartingPoints       Points
	PointsPerHour        Points
	MaxPoints            Points
	ExemptCreativeMode   bool
	NotifyOnLimitReached bool
	Policy               Policy
	ReplenishPeriod      time.Duration
	SaveOnSpend          bool
	JournalEntries       bool
}

// DefaultPolicy returns the table used when none is configured.
func DefaultPolicy() Policy {
	return Policy{
		{Material: "DIAMOND_ORE", Cost: defaultDiamondCost},
		{Material: "EMERALD_ORE", Cost: defaultEmeraldCost},
	}
}

// DefaultSettings returns the documented defaults.
func DefaultSettings() Settings {
	return Settings{
		EnabledZones:         NewZoneSet(),
		StartingPoints:       DefaultStartingPoints,
		PointsPerHour:        DefaultPointsPerHour,
		MaxPoints:            DefaultMaxPoints,
		ExemptCreativeMode:   true,
		NotifyOnLimitReached: false,
		Policy:               DefaultPolicy(),
		ReplenishPeriod:      DefaultReplenishPeriod,
	}
}

// Validate checks the invariants the engine relies on.
func (settings Settings) Validate() error {
	if settings.PointsPerHour <= 0 {
		return fmt.Errorf("%w: points per hour must be positive, got %d", ErrInvalidSettings, settings.PointsPerHour)
	}
	if settings.MaxPoints <= 0 {
		return fmt.Errorf("%w: max points must be positive, got %d", ErrInvalidSettings, settings.MaxPoints)
	}
	if settings.StartingPoints > settings.MaxPoints {
		return fmt.Errorf("%w: starting points %d exceed max points %d", ErrInvalidSettings, settings.StartingPoints, settings.MaxPoints)
	}
	if settings.ReplenishPeriod <= 0 {
		return fmt.Errorf("%w: replenish period must be positive, got %s", ErrInvalidSettings, settings.ReplenishPeriod)
	}
	for index, entry := range settings.Policy {
		if _, err := NewPolicyEntry(entry.Material, entry.Cost); err != nil {
			return fmt.Errorf("%w: policy entry %d: %v", ErrInvalidSettings, index, err)
		}
	}
	return nil
}

// LowerBound is the smallest balance a record may hold.
func (settings Settings) LowerBound() Points {
	if settings.StartingPoints < 0 {
		return settings.StartingPoints
	}
	return 0
}
