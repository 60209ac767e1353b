package gate

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/MarkoPoloResearchLab/oregate/internal/messages"
	"github.com/MarkoPoloResearchLab/oregate/internal/recordcache"
	"github.com/MarkoPoloResearchLab/oregate/pkg/budget"
	"github.com/MarkoPoloResearchLab/oregate/pkg/host"
	"go.uber.org/zap"
)

const (
	overworld     budget.Zone     = "world"
	nether        budget.Zone     = "world_nether"
	diamondOre    budget.Material = "DIAMOND_ORE"
	emeraldOre    budget.Material = "EMERALD_ORE"
	glowstone     budget.Material = "GLOWSTONE"
	stone         budget.Material = "STONE"
	diamondPoints budget.Points   = 100
)

func TestBreakScreensBeforeTouchingBudget(test *testing.T) {
	test.Parallel()
	testCases := []struct {
		name       string
		actor      func(actor budget.Actor) budget.Actor
		settings   func(settings *budget.Settings)
		zone       budget.Zone
		wantReason budget.Reason
	}{
		{
			name:       "bypass capability",
			actor:      func(actor budget.Actor) budget.Actor { actor.Bypass = true; return actor },
			zone:       overworld,
			wantReason: budget.ReasonBypass,
		},
		{
			name:       "creative mode exempt",
			actor:      func(actor budget.Actor) budget.Actor { actor.Mode = budget.ModeCreative; return actor },
			zone:       overworld,
			wantReason: budget.ReasonExemptMode,
		},
		{
			name:       "zone outside policy",
			actor:      func(actor budget.Actor) budget.Actor { return actor },
			settings:   func(settings *budget.Settings) { settings.EnabledZones = budget.NewZoneSet(overworld) },
			zone:       nether,
			wantReason: budget.ReasonZoneDisabled,
		},
	}

	for _, testCase := range testCases {
		testCase := testCase
		test.Run(testCase.name, func(test *testing.T) {
			test.Parallel()
			fixture := newFixture(test, testCase.settings)
			actor := testCase.actor(fixture.actor(test, "steve"))

			decision, err := fixture.gate.Break(context.Background(), breakAttempt(actor, testCase.zone, diamondOre, 1, 12, 1))
			if err != nil {
				test.Fatalf("break: %v", err)
			}
			if !decision.Allowed || decision.Reason != testCase.wantReason {
				test.Fatalf("unexpected decision %+v", decision)
			}
			if len(fixture.cache.Active()) != 0 {
				test.Fatalf("screened break must not load a record")
			}
		})
	}
}

func TestCreativeModeChargedWhenExemptionDisabled(test *testing.T) {
	test.Parallel()
	fixture := newFixture(test, func(settings *budget.Settings) { settings.ExemptCreativeMode = false })
	actor := fixture.actor(test, "builder")
	actor.Mode = budget.ModeCreative

	decision, err := fixture.gate.Break(context.Background(), breakAttempt(actor, overworld, diamondOre, 0, 12, 0))
	if err != nil {
		test.Fatalf("break: %v", err)
	}
	if decision.Allowed {
		test.Fatalf("expected deny for new creative entity without exemption, got %+v", decision)
	}
}

func TestBreakChargesSufficientBudget(test *testing.T) {
	test.Parallel()
	fixture := newFixture(test, nil)
	actor := fixture.actor(test, "steve")
	fixture.setPoints(test, actor, 150)

	decision, err := fixture.gate.Break(context.Background(), breakAttempt(actor, overworld, diamondOre, 5, 11, 5))
	if err != nil {
		test.Fatalf("break: %v", err)
	}
	if !decision.Allowed || decision.Reason != budget.ReasonCharged || decision.Cost != diamondPoints {
		test.Fatalf("unexpected decision %+v", decision)
	}
	if points := fixture.points(test, actor); points != 50 {
		test.Fatalf("expected 50 points, got %d", points)
	}
	if len(fixture.notifier.all()) != 0 {
		test.Fatalf("allowed break must not notify")
	}
	if fixture.store.saveCount() != 0 {
		test.Fatalf("save on spend disabled, expected no saves")
	}
}

func TestBreakDeniesNewEntityWithWaitEstimate(test *testing.T) {
	test.Parallel()
	fixture := newFixture(test, nil)
	actor := fixture.actor(test, "newcomer")

	decision, err := fixture.gate.Break(context.Background(), breakAttempt(actor, overworld, diamondOre, 5, 11, 5))
	if err != nil {
		test.Fatalf("break: %v", err)
	}
	if decision.Allowed || decision.WaitMinutes != 38 {
		test.Fatalf("expected deny with 38 minutes, got %+v", decision)
	}
	if points := fixture.points(test, actor); points != budget.DefaultStartingPoints {
		test.Fatalf("deny must not change points, got %d", points)
	}
	notifications := fixture.notifier.all()
	if len(notifications) != 1 {
		test.Fatalf("expected one player notification, got %d", len(notifications))
	}
	if notifications[0].Recipient != actor.ID || notifications[0].MessageID != host.MessageCantBreakYet {
		test.Fatalf("unexpected notification %+v", notifications[0])
	}
	if !strings.Contains(notifications[0].Text, "38 minutes") {
		test.Fatalf("expected wait in message, got %q", notifications[0].Text)
	}
}

func TestAdminNotifiedOncePerSession(test *testing.T) {
	test.Parallel()
	fixture := newFixture(test, func(settings *budget.Settings) { settings.NotifyOnLimitReached = true })
	actor := fixture.actor(test, "digger")

	for attempt := 0; attempt < 3; attempt++ {
		if _, err := fixture.gate.Break(context.Background(), breakAttempt(actor, overworld, diamondOre, int64(attempt), 11, 0)); err != nil {
			test.Fatalf("break: %v", err)
		}
	}

	broadcasts := 0
	for _, notification := range fixture.notifier.all() {
		if notification.Broadcast() {
			broadcasts++
			if notification.Text != "digger reached the mining speed limit." {
				test.Fatalf("unexpected admin text %q", notification.Text)
			}
		}
	}
	if broadcasts != 1 {
		test.Fatalf("expected exactly one admin notification, got %d", broadcasts)
	}
	record, _ := fixture.cache.Peek(actor.ID)
	if !record.ReachedLimitThisSession {
		test.Fatalf("expected session flag to be set")
	}
}

func TestAdminNotificationDisabledLeavesFlag(test *testing.T) {
	test.Parallel()
	fixture := newFixture(test, nil)
	actor := fixture.actor(test, "digger")
	if _, err := fixture.gate.Break(context.Background(), breakAttempt(actor, overworld, diamondOre, 0, 11, 0)); err != nil {
		test.Fatalf("break: %v", err)
	}
	for _, notification := range fixture.notifier.all() {
		if notification.Broadcast() {
			test.Fatalf("admin notification sent while disabled")
		}
	}
	record, _ := fixture.cache.Peek(actor.ID)
	if record.ReachedLimitThisSession {
		test.Fatalf("flag must stay unset while notifications are disabled")
	}
}

func TestPlaceThenBreakIsFreeOnce(test *testing.T) {
	test.Parallel()
	fixture := newFixture(test, nil)
	actor := fixture.actor(test, "builder")
	fixture.setPoints(test, actor, 250)
	location := budget.BlockLocation{Zone: overworld, X: 7, Y: 40, Z: -3}

	placed, err := fixture.gate.Place(context.Background(), budget.PlaceAttempt{Actor: actor, Location: location})
	if err != nil || !placed.Allowed {
		test.Fatalf("place: %+v %v", placed, err)
	}
	first, err := fixture.gate.Break(context.Background(), budget.BreakAttempt{Actor: actor, Block: budget.Block{Location: location, Material: diamondOre}})
	if err != nil {
		test.Fatalf("first break: %v", err)
	}
	if !first.Allowed || first.Reason != budget.ReasonPlacedBlock {
		test.Fatalf("expected free placed-block break, got %+v", first)
	}
	if points := fixture.points(test, actor); points != 250 {
		test.Fatalf("placed-block break must be free, got %d", points)
	}

	second, err := fixture.gate.Break(context.Background(), budget.BreakAttempt{Actor: actor, Block: budget.Block{Location: location, Material: diamondOre}})
	if err != nil {
		test.Fatalf("second break: %v", err)
	}
	if second.Reason != budget.ReasonCharged {
		test.Fatalf("expected second break to be charged, got %+v", second)
	}
	if points := fixture.points(test, actor); points != 150 {
		test.Fatalf("expected 150 points, got %d", points)
	}
}

func TestBreakElsewhereKeepsPlacedLocation(test *testing.T) {
	test.Parallel()
	fixture := newFixture(test, nil)
	actor := fixture.actor(test, "builder")
	fixture.setPoints(test, actor, 250)
	placedAt := budget.BlockLocation{Zone: overworld, X: 1, Y: 1, Z: 1}
	if _, err := fixture.gate.Place(context.Background(), budget.PlaceAttempt{Actor: actor, Location: placedAt}); err != nil {
		test.Fatalf("place: %v", err)
	}
	if _, err := fixture.gate.Break(context.Background(), breakAttempt(actor, overworld, stone, 2, 2, 2)); err != nil {
		test.Fatalf("break: %v", err)
	}
	record, _ := fixture.cache.Peek(actor.ID)
	if record.LastPlaced == nil || *record.LastPlaced != placedAt {
		test.Fatalf("expected placed location to survive unrelated break, got %+v", record.LastPlaced)
	}
}

func TestPlaceScreenedInDisabledZone(test *testing.T) {
	test.Parallel()
	fixture := newFixture(test, func(settings *budget.Settings) { settings.EnabledZones = budget.NewZoneSet(overworld) })
	actor := fixture.actor(test, "builder")
	decision, err := fixture.gate.Place(context.Background(), budget.PlaceAttempt{Actor: actor, Location: budget.BlockLocation{Zone: nether}})
	if err != nil {
		test.Fatalf("place: %v", err)
	}
	if !decision.Allowed || decision.Reason != budget.ReasonZoneDisabled {
		test.Fatalf("unexpected decision %+v", decision)
	}
	if len(fixture.cache.Active()) != 0 {
		test.Fatalf("screened place must not load a record")
	}
}

func TestUntrackedAndFreeMaterials(test *testing.T) {
	test.Parallel()
	fixture := newFixture(test, func(settings *budget.Settings) {
		settings.Policy = budget.Policy{
			{Material: glowstone, Cost: 0},
			{Material: diamondOre, Cost: diamondPoints},
		}
	})
	actor := fixture.actor(test, "miner")

	untracked, err := fixture.gate.Break(context.Background(), breakAttempt(actor, overworld, stone, 0, 0, 0))
	if err != nil || !untracked.Allowed || untracked.Reason != budget.ReasonUntracked {
		test.Fatalf("expected untracked allow, got %+v %v", untracked, err)
	}
	free, err := fixture.gate.Break(context.Background(), breakAttempt(actor, overworld, glowstone, 0, 1, 0))
	if err != nil || !free.Allowed || free.Reason != budget.ReasonFree {
		test.Fatalf("expected free allow, got %+v %v", free, err)
	}
	if points := fixture.points(test, actor); points != budget.DefaultStartingPoints {
		test.Fatalf("free breaks must not change points, got %d", points)
	}
}

func TestFirstMatchingPolicyEntryWins(test *testing.T) {
	test.Parallel()
	fixture := newFixture(test, func(settings *budget.Settings) {
		settings.Policy = budget.Policy{
			{Material: emeraldOre, Cost: 10},
			{Material: emeraldOre, Cost: 500},
		}
	})
	actor := fixture.actor(test, "miner")
	fixture.setPoints(test, actor, 20)

	decision, err := fixture.gate.Break(context.Background(), breakAttempt(actor, overworld, emeraldOre, 0, 0, 0))
	if err != nil {
		test.Fatalf("break: %v", err)
	}
	if !decision.Allowed || decision.Cost != 10 {
		test.Fatalf("expected first entry cost 10, got %+v", decision)
	}
	if points := fixture.points(test, actor); points != 10 {
		test.Fatalf("expected 10 points, got %d", points)
	}
}

func TestSaveOnSpendPersistsImmediately(test *testing.T) {
	test.Parallel()
	fixture := newFixture(test, func(settings *budget.Settings) { settings.SaveOnSpend = true })
	actor := fixture.actor(test, "careful")
	fixture.setPoints(test, actor, 150)

	if _, err := fixture.gate.Break(context.Background(), breakAttempt(actor, overworld, diamondOre, 0, 0, 0)); err != nil {
		test.Fatalf("break: %v", err)
	}
	stored, found := fixture.store.get(actor.ID)
	if !found || stored.Points != 50 {
		test.Fatalf("expected persisted 50 points, got %+v %v", stored, found)
	}
}

func TestJournalRecordsSpendsAndDenies(test *testing.T) {
	test.Parallel()
	fixture := newFixture(test, func(settings *budget.Settings) { settings.JournalEntries = true })
	actor := fixture.actor(test, "audited")
	fixture.setPoints(test, actor, 120)

	for index := 0; index < 2; index++ {
		if _, err := fixture.gate.Break(context.Background(), breakAttempt(actor, overworld, diamondOre, int64(index), 0, 0)); err != nil {
			test.Fatalf("break: %v", err)
		}
	}
	if _, err := fixture.gate.Break(context.Background(), breakAttempt(actor, overworld, stone, 9, 9, 9)); err != nil {
		test.Fatalf("break: %v", err)
	}

	entries := fixture.store.journal()
	if len(entries) != 2 {
		test.Fatalf("expected spend and deny entries, got %d", len(entries))
	}
	if entries[0].Kind != budget.EntrySpend || entries[0].PointsAfter != 20 || entries[0].CreatedUnixUTC != 1700000000 {
		test.Fatalf("unexpected spend entry %+v", entries[0])
	}
	if entries[1].Kind != budget.EntryDeny || entries[1].Cost != diamondPoints || entries[1].PointsAfter != 20 {
		test.Fatalf("unexpected deny entry %+v", entries[1])
	}
}

func TestAreaDestructionProtectsPricedMaterials(test *testing.T) {
	test.Parallel()
	fixture := newFixture(test, func(settings *budget.Settings) {
		settings.Policy = budget.Policy{
			{Material: emeraldOre, Cost: 50},
			{Material: glowstone, Cost: 0},
		}
	})
	blocks := []budget.Block{
		{Location: budget.BlockLocation{Zone: overworld, X: 1}, Material: stone},
		{Location: budget.BlockLocation{Zone: overworld, X: 2}, Material: emeraldOre},
		{Location: budget.BlockLocation{Zone: overworld, X: 3}, Material: glowstone},
	}

	retained := fixture.gate.AreaDestruction(context.Background(), budget.AreaDestruction{Zone: overworld, Blocks: blocks})
	if len(retained) != 2 {
		test.Fatalf("expected two retained blocks, got %+v", retained)
	}
	if retained[0].Material != stone || retained[1].Material != glowstone {
		test.Fatalf("unexpected retained blocks %+v", retained)
	}
}

func TestAreaDestructionIgnoredInDisabledZone(test *testing.T) {
	test.Parallel()
	fixture := newFixture(test, func(settings *budget.Settings) { settings.EnabledZones = budget.NewZoneSet(overworld) })
	blocks := []budget.Block{{Location: budget.BlockLocation{Zone: nether}, Material: diamondOre}}
	retained := fixture.gate.AreaDestruction(context.Background(), budget.AreaDestruction{Zone: nether, Blocks: blocks})
	if len(retained) != 1 {
		test.Fatalf("expected all blocks kept outside policy zones, got %+v", retained)
	}
}

func TestAreaDestructionReportsOperation(test *testing.T) {
	test.Parallel()
	testCases := []struct {
		name        string
		zone        budget.Zone
		material    budget.Material
		wantAllowed bool
		wantReason  budget.Reason
	}{
		{name: "protected block withheld", zone: overworld, material: diamondOre, wantReason: budget.ReasonBlocksProtected},
		{name: "nothing protected", zone: overworld, material: stone, wantAllowed: true, wantReason: budget.ReasonUntracked},
		{name: "disabled zone", zone: nether, material: diamondOre, wantAllowed: true, wantReason: budget.ReasonZoneDisabled},
	}

	for _, testCase := range testCases {
		testCase := testCase
		test.Run(testCase.name, func(test *testing.T) {
			test.Parallel()
			recorder := &recordingOperationLogger{}
			fixture := newFixture(test, func(settings *budget.Settings) { settings.EnabledZones = budget.NewZoneSet(overworld) }, WithOperationLogger(recorder))
			blocks := []budget.Block{{Location: budget.BlockLocation{Zone: testCase.zone}, Material: testCase.material}}

			fixture.gate.AreaDestruction(context.Background(), budget.AreaDestruction{Zone: testCase.zone, Blocks: blocks})

			if len(recorder.entries) != 1 {
				test.Fatalf("expected one log entry, got %d", len(recorder.entries))
			}
			entry := recorder.entries[0]
			if entry.Operation != budget.OperationAreaDestruction || entry.Zone != testCase.zone {
				test.Fatalf("unexpected log entry %+v", entry)
			}
			if entry.Decision.Allowed != testCase.wantAllowed || entry.Decision.Reason != testCase.wantReason {
				test.Fatalf("expected allowed=%v reason=%s, got %+v", testCase.wantAllowed, testCase.wantReason, entry.Decision)
			}
		})
	}
}

func TestBreakRejectsEmptyEntity(test *testing.T) {
	test.Parallel()
	fixture := newFixture(test, nil)
	if _, err := fixture.gate.Break(context.Background(), budget.BreakAttempt{}); !errors.Is(err, budget.ErrInvalidEntityID) {
		test.Fatalf("expected ErrInvalidEntityID, got %v", err)
	}
	if _, err := fixture.gate.Place(context.Background(), budget.PlaceAttempt{}); !errors.Is(err, budget.ErrInvalidEntityID) {
		test.Fatalf("expected ErrInvalidEntityID, got %v", err)
	}
}

func TestOperationLoggerReceivesDecisions(test *testing.T) {
	test.Parallel()
	recorder := &recordingOperationLogger{}
	fixture := newFixture(test, nil, WithOperationLogger(recorder))
	actor := fixture.actor(test, "steve")
	if _, err := fixture.gate.Break(context.Background(), breakAttempt(actor, overworld, diamondOre, 0, 0, 0)); err != nil {
		test.Fatalf("break: %v", err)
	}
	if len(recorder.entries) != 1 {
		test.Fatalf("expected one log entry, got %d", len(recorder.entries))
	}
	entry := recorder.entries[0]
	if entry.Operation != budget.OperationBreak || entry.Status != budget.OperationStatusOK || entry.Decision.Allowed {
		test.Fatalf("unexpected log entry %+v", entry)
	}
	if entry.PointsAfter != budget.DefaultStartingPoints {
		test.Fatalf("expected points after %d, got %d", budget.DefaultStartingPoints, entry.PointsAfter)
	}
}

func TestNewRequiresDependencies(test *testing.T) {
	test.Parallel()
	fixture := newFixture(test, nil)
	engine := fixture.engineSource
	if _, err := New(nil, engine, fixture.notifier, messages.Default()); !errors.Is(err, budget.ErrInvalidSettings) {
		test.Fatalf("expected error for nil cache, got %v", err)
	}
	if _, err := New(fixture.cache, engine, nil, messages.Default()); !errors.Is(err, budget.ErrInvalidSettings) {
		test.Fatalf("expected error for nil notifier, got %v", err)
	}
	if _, err := New(fixture.cache, engine, fixture.notifier, nil); !errors.Is(err, budget.ErrInvalidSettings) {
		test.Fatalf("expected error for nil messages, got %v", err)
	}
	if _, err := New(fixture.cache, nil, fixture.notifier, messages.Default()); !errors.Is(err, budget.ErrInvalidSettings) {
		test.Fatalf("expected error for nil engine, got %v", err)
	}
}

type fixture struct {
	gate         *Gate
	cache        *recordcache.Cache
	store        *journalStore
	notifier     *recordingNotifier
	engineSource budget.EngineSource
}

func newFixture(test *testing.T, mutate func(settings *budget.Settings), options ...Option) *fixture {
	test.Helper()
	settings := budget.DefaultSettings()
	if mutate != nil {
		mutate(&settings)
	}
	engine, err := budget.NewEngine(settings)
	if err != nil {
		test.Fatalf("engine init: %v", err)
	}
	engineSource := func() budget.Engine { return engine }
	store := newJournalStore()
	cache, err := recordcache.New(store, engineSource, zap.NewNop())
	if err != nil {
		test.Fatalf("cache init: %v", err)
	}
	notifier := &recordingNotifier{}
	options = append([]Option{WithJournal(store), WithClock(func() int64 { return 1700000000 })}, options...)
	gate, err := New(cache, engineSource, notifier, messages.Default(), options...)
	if err != nil {
		test.Fatalf("gate init: %v", err)
	}
	return &fixture{gate: gate, cache: cache, store: store, notifier: notifier, engineSource: engineSource}
}

func (fixture *fixture) actor(test *testing.T, raw string) budget.Actor {
	test.Helper()
	entityID, err := budget.NewEntityID(raw)
	if err != nil {
		test.Fatalf("entity id: %v", err)
	}
	return budget.Actor{ID: entityID, Mode: budget.ModeSurvival}
}

func (fixture *fixture) setPoints(test *testing.T, actor budget.Actor, points budget.Points) {
	test.Helper()
	err := fixture.cache.Update(context.Background(), actor, func(record *budget.Record) error {
		record.Points = points
		return nil
	})
	if err != nil {
		test.Fatalf("set points: %v", err)
	}
}

func (fixture *fixture) points(test *testing.T, actor budget.Actor) budget.Points {
	test.Helper()
	record, found := fixture.cache.Peek(actor.ID)
	if !found {
		test.Fatalf("record for %s not cached", actor.ID)
	}
	return record.Points
}

func breakAttempt(actor budget.Actor, zone budget.Zone, material budget.Material, x, y, z int64) budget.BreakAttempt {
	return budget.BreakAttempt{
		Actor: actor,
		Block: budget.Block{
			Location: budget.BlockLocation{Zone: zone, X: x, Y: y, Z: z},
			Material: material,
		},
	}
}

type recordingNotifier struct {
	mutex         sync.Mutex
	notifications []host.Notification
}

func (notifier *recordingNotifier) Notify(_ context.Context, notification host.Notification) {
	notifier.mutex.Lock()
	defer notifier.mutex.Unlock()
	notifier.notifications = append(notifier.notifications, notification)
}

func (notifier *recordingNotifier) all() []host.Notification {
	notifier.mutex.Lock()
	defer notifier.mutex.Unlock()
	return append([]host.Notification(nil), notifier.notifications...)
}

type recordingOperationLogger struct {
	entries []budget.OperationLog
}

func (logger *recordingOperationLogger) LogOperation(_ context.Context, entry budget.OperationLog) {
	logger.entries = append(logger.entries, entry)
}

type journalStore struct {
	mutex   sync.Mutex
	records map[budget.EntityID]budget.Record
	entries []budget.Entry
	saves   int
}

func newJournalStore() *journalStore {
	return &journalStore{records: make(map[budget.EntityID]budget.Record)}
}

func (store *journalStore) Load(_ context.Context, entityID budget.EntityID) (budget.Record, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	record, found := store.records[entityID]
	if !found {
		return budget.Record{}, budget.ErrRecordNotFound
	}
	return record, nil
}

func (store *journalStore) Save(_ context.Context, record budget.Record) error {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	store.saves++
	store.records[record.EntityID] = record
	return nil
}

func (store *journalStore) Close() error {
	return nil
}

func (store *journalStore) RecordEntry(_ context.Context, entry budget.Entry) error {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	store.entries = append(store.entries, entry)
	return nil
}

func (store *journalStore) get(entityID budget.EntityID) (budget.Record, bool) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	record, found := store.records[entityID]
	return record, found
}

func (store *journalStore) saveCount() int {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	return store.saves
}

func (store *journalStore) journal() []budget.Entry {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	return append([]budget.Entry(nil), store.entries...)
}
