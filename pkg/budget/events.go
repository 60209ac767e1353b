package budget

// EngineSource returns the engine built from the current settings. Holders swap
// the engine wholesale on config reload.
type EngineSource func() Engine

// BreakAttempt is an entity trying to break a block.
type BreakAttempt struct {
	Actor Actor
	Block Block
}

// PlaceAttempt is an entity placing a block.
type PlaceAttempt struct {
	Actor    Actor
	Location BlockLocation
}

// AreaDestruction is an explosion or similar effect with no attributable entity.
type AreaDestruction struct {
	Zone   Zone
	Blocks []Block
}
