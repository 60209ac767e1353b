package budget

import (
	"fmt"
	"strings"
)

// Points is the signed mining budget unit.
type Points int64

// Int64 exposes the raw value.
func (points Points) Int64() int64 {
	return int64(points)
}

// EntityID identifies a budget owner (a player).
type EntityID struct {
	value string
}

// NewEntityID validates and normalizes an entity id.
func NewEntityID(raw string) (EntityID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return EntityID{}, fmt.Errorf("%w: empty value", ErrInvalidEntityID)
	}
	return EntityID{value: trimmed}, nil
}

// String returns the normalized identifier.
func (id EntityID) String() string {
	return id.value
}

// IsZero reports whether the id was never set.
func (id EntityID) IsZero() bool {
	return id.value == ""
}

// Zone names an independently configured scope such as a world.
type Zone string

// NewZone validates a zone name. Zone names are case sensitive.
func NewZone(raw string) (Zone, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty value", ErrInvalidZone)
	}
	return Zone(trimmed), nil
}

// String returns the zone name.
func (zone Zone) String() string {
	return string(zone)
}

// Material is a block type name, normalized to upper case.
type Material string

// NewMaterial validates and normalizes a material name.
func NewMaterial(raw string) (Material, error) {
	normalized := strings.ToUpper(strings.TrimSpace(raw))
	if normalized == "" {
		return "", fmt.Errorf("%w: empty value", ErrInvalidMaterial)
	}
	if strings.ContainsAny(normalized, " \t\n") {
		return "", fmt.Errorf("%w: %q contains whitespace", ErrInvalidMaterial, raw)
	}
	return Material(normalized), nil
}

// String returns the material name.
func (material Material) String() string {
	return string(material)
}

// BlockLocation is an integer block coordinate inside a zone.
type BlockLocation struct {
	Zone Zone
	X    int64
	Y    int64
	Z    int64
}

// String renders the location as zone(x,y,z).
func (location BlockLocation) String() string {
	return fmt.Sprintf("%s(%d,%d,%d)", location.Zone, location.X, location.Y, location.Z)
}

// Position is an entity position inside a zone.
type Position struct {
	Zone Zone
	X    float64
	Y    float64
	Z    float64
}

// DistanceSquared returns the squared distance between two positions.
// Positions in different zones are not comparable and yield ErrTransientLookup.
func (position Position) DistanceSquared(other Position) (float64, error) {
	if position.Zone != other.Zone {
		return 0, fmt.Errorf("%w: zone %q differs from %q", ErrTransientLookup, position.Zone, other.Zone)
	}
	deltaX := position.X - other.X
	deltaY := position.Y - other.Y
	deltaZ := position.Z - other.Z
	return deltaX*deltaX + deltaY*deltaY + deltaZ*deltaZ, nil
}

// String renders the position as zone(x,y,z) using block coordinates.
func (position Position) String() string {
	return fmt.Sprintf("%s(%d,%d,%d)", position.Zone, int64(position.X), int64(position.Y), int64(position.Z))
}

// Block is a material at a location.
type Block struct {
	Location BlockLocation
	Material Material
}

// Mode is the game mode an entity is playing in.
type Mode string

const (
	ModeSurvival  Mode = "survival"
	ModeCreative  Mode = "creative"
	ModeAdventure Mode = "adventure"
	ModeSpectator Mode = "spectator"
)

// Actor is the host's view of the entity behind an event.
type Actor struct {
	ID              EntityID
	HasPriorHistory bool
	Bypass          bool
	Mode            Mode
}

// Record is the per-entity budget state.
type Record struct {
	EntityID                EntityID
	Points                  Points
	LastActivity            *Position
	ReachedLimitThisSession bool
	LastPlaced              *BlockLocation
}

// Clone returns a deep copy so callers can hold a snapshot outside the cache lock.
func (record Record) Clone() Record {
	cloned := record
	if record.LastActivity != nil {
		position := *record.LastActivity
		cloned.LastActivity = &position
	}
	if record.LastPlaced != nil {
		location := *record.LastPlaced
		cloned.LastPlaced = &location
	}
	return cloned
}

// PolicyEntry prices breaking one material. A zero cost tracks the material for free.
type PolicyEntry struct {
	Material Material
	Cost     Points
}

// NewPolicyEntry validates a policy entry.
func NewPolicyEntry(material Material, cost Points) (PolicyEntry, error) {
	if material == "" {
		return PolicyEntry{}, fmt.Errorf("%w: empty value", ErrInvalidMaterial)
	}
	if cost < 0 {
		return PolicyEntry{}, fmt.Errorf("%w: %d is negative", ErrInvalidCost, cost)
	}
	return PolicyEntry{Material: material, Cost: cost}, nil
}

// Policy is the ordered protected material table. The first matching entry wins.
type Policy []PolicyEntry

// Lookup returns the first entry for the material.
func (policy Policy) Lookup(material Material) (PolicyEntry, bool) {
	for _, entry := range policy {
		if entry.Material == material {
			return entry, true
		}
	}
	return PolicyEntry{}, false
}

// Protects reports whether the material is shielded from area destruction.
func (policy Policy) Protects(material Material) bool {
	entry, found := policy.Lookup(material)
	return found && entry.Cost > 0
}

// ZoneSet lists the zones where the policy applies. An empty set enables every zone.
type ZoneSet struct {
	zones map[Zone]struct{}
}

// NewZoneSet builds a zone set; no zones means all zones.
func NewZoneSet(zones ...Zone) ZoneSet {
	if len(zones) == 0 {
		return ZoneSet{}
	}
	set := ZoneSet{zones: make(map[Zone]struct{}, len(zones))}
	for _, zone := range zones {
		set.zones[zone] = struct{}{}
	}
	return set
}

// Enabled reports whether the policy applies in the zone.
func (set ZoneSet) Enabled(zone Zone) bool {
	if len(set.zones) == 0 {
		return true
	}
	_, found := set.zones[zone]
	return found
}

// All reports whether every zone is enabled.
func (set ZoneSet) All() bool {
	return len(set.zones) == 0
}

// Zones returns the configured zones in no particular order.
func (set ZoneSet) Zones() []Zone {
	zones := make([]Zone, 0, len(set.zones))
	for zone := range set.zones {
		zones = append(zones, zone)
	}
	return zones
}

// Reason explains a gate decision.
type Reason string

const (
	ReasonBypass             Reason = "bypass"
	ReasonExemptMode         Reason = "exempt_mode"
	ReasonZoneDisabled       Reason = "zone_disabled"
	ReasonPlacedBlock        Reason = "placed_block"
	ReasonUntracked          Reason = "untracked"
	ReasonFree               Reason = "free"
	ReasonCharged            Reason = "charged"
	ReasonInsufficientPoints Reason = "insufficient_points"
	ReasonPlacementTracked   Reason = "placement_tracked"
	ReasonReplenished        Reason = "replenished"
	ReasonBlocksProtected    Reason = "blocks_protected"
)

// Decision is the outcome of a gated action.
type Decision struct {
	Allowed     bool
	Reason      Reason
	Cost        Points
	WaitMinutes int64
}

// Allow builds an allowing decision.
func Allow(reason Reason) Decision {
	return Decision{Allowed: true, Reason: reason}
}

// Deny builds a denying decision with a wait estimate.
func Deny(cost Points, waitMinutes int64) Decision {
	return Decision{Allowed: false, Reason: ReasonInsufficientPoints, Cost: cost, WaitMinutes: waitMinutes}
}
