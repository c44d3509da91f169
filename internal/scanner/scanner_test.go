package scanner_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"flowdesk/internal/config"
	"flowdesk/internal/db"
	"flowdesk/internal/domain"
	"flowdesk/internal/engine"
	"flowdesk/internal/migrate"
	"flowdesk/internal/repo"
	"flowdesk/internal/scanner"
)

type testEnv struct {
	Engine  engine.Engine
	Scanner *scanner.Scanner
	Ctx     context.Context
	Clock   time.Time
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	eng := engine.New(conn, config.Default())
	env := &testEnv{Engine: eng, Ctx: context.Background(), Clock: time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC)}
	env.Engine.SetClock(func() time.Time { return env.Clock })
	env.Scanner = scanner.New(env.Engine)
	env.Scanner.Now = func() time.Time { return env.Clock }
	return env
}

func (env *testEnv) ts(d time.Duration) string {
	return env.Clock.Add(d).UTC().Format(time.RFC3339)
}

func (env *testEnv) seedSalesPipeline(t *testing.T) (domain.Pipeline, map[string]domain.Stage) {
	t.Helper()
	p := domain.Pipeline{ID: "sales", Name: "Vanzari", Active: true, CreatedAt: "2024-01-01T00:00:00Z"}
	if err := env.Engine.Repo.InsertPipeline(env.Ctx, p); err != nil {
		t.Fatalf("insert pipeline: %v", err)
	}
	stages := map[string]domain.Stage{}
	for i, name := range []string{"Lead nou", "Curier trimis", "Avem comanda", "Colet neridicat"} {
		s := domain.Stage{ID: "sales-s" + name, PipelineID: p.ID, Name: name, Position: i, Active: true}
		if err := env.Engine.Repo.InsertStage(env.Ctx, s); err != nil {
			t.Fatalf("insert stage: %v", err)
		}
		stages[name] = s
	}
	return p, stages
}

func (env *testEnv) place(t *testing.T, ref domain.ItemRef, pipelineID, stageID string) {
	t.Helper()
	if _, err := env.Engine.Move(env.Ctx, engine.MoveOptions{
		Item: ref, PipelineID: pipelineID, StageID: stageID, ActorID: "seed",
	}); err != nil {
		t.Fatalf("place %s: %v", ref, err)
	}
}

func TestCourierAgingMovesAndIsIdempotent(t *testing.T) {
	env := newTestEnv(t)
	p, stages := env.seedSalesPipeline(t)

	sentAt := env.ts(-25 * time.Hour)
	lead := domain.Lead{ID: "lead-1", Name: "Ion", CurierTrimisAt: &sentAt, CreatedAt: "2024-01-01T00:00:00Z"}
	if err := env.Engine.Repo.InsertLead(env.Ctx, lead); err != nil {
		t.Fatalf("insert lead: %v", err)
	}
	env.place(t, domain.LeadRef(lead.ID), p.ID, stages["Curier trimis"].ID)

	env.Clock = env.Clock.Add(time.Minute)
	sum, err := env.Scanner.Sweep(env.Ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if sum.Moved != 1 {
		t.Fatalf("moved %d, want 1", sum.Moved)
	}
	got, err := env.Engine.CurrentStage(env.Ctx, p.ID, domain.LeadRef(lead.ID))
	if err != nil || got != stages["Avem comanda"].ID {
		t.Fatalf("lead in %q err %v", got, err)
	}

	// A rerun finds the lead already in the target stage and does nothing.
	env.Clock = env.Clock.Add(time.Minute)
	sum, err = env.Scanner.Sweep(env.Ctx)
	if err != nil {
		t.Fatalf("second sweep: %v", err)
	}
	if sum.Moved != 0 {
		t.Fatalf("second sweep moved %d, want 0", sum.Moved)
	}
	evts, err := env.Engine.Repo.LatestEvents(env.Ctx, repo.EventFilters{
		ItemKind: "lead", ItemID: lead.ID, Type: "transition.moved",
	})
	if err != nil {
		t.Fatalf("events: %v", err)
	}
	// one seed placement plus one rule move
	if len(evts) != 2 {
		t.Fatalf("expected 2 moved events, got %d", len(evts))
	}
}

func TestCourierAgingBelowThresholdIsUntouched(t *testing.T) {
	env := newTestEnv(t)
	p, stages := env.seedSalesPipeline(t)

	sentAt := env.ts(-23 * time.Hour)
	lead := domain.Lead{ID: "lead-1", Name: "Ion", CurierTrimisAt: &sentAt, CreatedAt: "2024-01-01T00:00:00Z"}
	if err := env.Engine.Repo.InsertLead(env.Ctx, lead); err != nil {
		t.Fatalf("insert lead: %v", err)
	}
	env.place(t, domain.LeadRef(lead.ID), p.ID, stages["Curier trimis"].ID)

	env.Clock = env.Clock.Add(time.Minute)
	sum, err := env.Scanner.Sweep(env.Ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if sum.Moved != 0 {
		t.Fatalf("moved %d, want 0", sum.Moved)
	}
}

func TestPackageUnclaimedCronSetsNoDeal(t *testing.T) {
	env := newTestEnv(t)
	p, stages := env.seedSalesPipeline(t)

	scheduled := env.ts(-72 * time.Hour)
	file := domain.ServiceFile{
		ID: "fisa-1", Title: "Reparatie", CurierTrimis: true,
		CurierScheduledAt: &scheduled, CreatedAt: "2024-01-01T00:00:00Z",
	}
	if err := env.Engine.Repo.InsertServiceFile(env.Ctx, file); err != nil {
		t.Fatalf("insert file: %v", err)
	}
	env.place(t, domain.ServiceFileRef(file.ID), p.ID, stages["Curier trimis"].ID)

	env.Clock = env.Clock.Add(time.Minute)
	sum, err := env.Scanner.Sweep(env.Ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if sum.ColetNeridicatMoved != 1 {
		t.Fatalf("unclaimed moves %d, want 1", sum.ColetNeridicatMoved)
	}
	got, err := env.Engine.Repo.GetServiceFile(env.Ctx, file.ID)
	if err != nil {
		t.Fatalf("get file: %v", err)
	}
	if !got.NoDeal {
		t.Fatal("cron path must set no_deal")
	}
	if got.ColetNeridicat {
		t.Fatal("cron path must not set colet_neridicat")
	}
	stage, err := env.Engine.CurrentStage(env.Ctx, p.ID, domain.ServiceFileRef(file.ID))
	if err != nil || stage != stages["Colet neridicat"].ID {
		t.Fatalf("file in %q err %v", stage, err)
	}

	evts, err := env.Engine.Repo.LatestEvents(env.Ctx, repo.EventFilters{
		ItemKind: "service_file", ItemID: file.ID, Type: "rule.package_unclaimed",
	})
	if err != nil || len(evts) != 1 {
		t.Fatalf("unclaimed events %d err %v", len(evts), err)
	}
	var payload struct {
		DaysSinceCurier float64 `json:"days_since_curier"`
	}
	if err := json.Unmarshal([]byte(evts[0].Payload), &payload); err != nil {
		t.Fatalf("payload: %v", err)
	}
	if payload.DaysSinceCurier < 2.9 || payload.DaysSinceCurier > 3.1 {
		t.Fatalf("days_since_curier = %v, want about 3", payload.DaysSinceCurier)
	}

	// The flag takes the file out of the rule's scope; no second move.
	env.Clock = env.Clock.Add(time.Minute)
	sum, err = env.Scanner.Sweep(env.Ctx)
	if err != nil {
		t.Fatalf("second sweep: %v", err)
	}
	if sum.ColetNeridicatMoved != 0 {
		t.Fatalf("second sweep unclaimed moves %d, want 0", sum.ColetNeridicatMoved)
	}
}

func TestPackageUnclaimedOnAccessThresholdIsLower(t *testing.T) {
	env := newTestEnv(t)
	p, stages := env.seedSalesPipeline(t)

	// at 37 hours the cron threshold (48h) is not crossed but the
	// on-access one (36h) is
	scheduled := env.ts(-37 * time.Hour)
	file := domain.ServiceFile{
		ID: "fisa-1", Title: "Reparatie", CurierTrimis: true,
		CurierScheduledAt: &scheduled, CreatedAt: "2024-01-01T00:00:00Z",
	}
	if err := env.Engine.Repo.InsertServiceFile(env.Ctx, file); err != nil {
		t.Fatalf("insert file: %v", err)
	}
	env.place(t, domain.ServiceFileRef(file.ID), p.ID, stages["Curier trimis"].ID)

	env.Clock = env.Clock.Add(time.Minute)
	sum, err := env.Scanner.Sweep(env.Ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if sum.ColetNeridicatMoved != 0 {
		t.Fatal("cron path fired below its threshold")
	}

	sum, err = env.Scanner.OnAccess(env.Ctx, p.ID)
	if err != nil {
		t.Fatalf("on-access: %v", err)
	}
	if sum.ColetNeridicatMoved != 1 {
		t.Fatalf("on-access unclaimed moves %d, want 1", sum.ColetNeridicatMoved)
	}
	got, err := env.Engine.Repo.GetServiceFile(env.Ctx, file.ID)
	if err != nil {
		t.Fatalf("get file: %v", err)
	}
	if !got.ColetNeridicat {
		t.Fatal("on-access path must set colet_neridicat")
	}
	if got.NoDeal {
		t.Fatal("on-access path must not set no_deal")
	}
}

func TestUnclaimedFlagNeedsMatchingMove(t *testing.T) {
	env := newTestEnv(t)
	p, stages := env.seedSalesPipeline(t)
	other := domain.Pipeline{ID: "reception", Name: "Receptie", Active: true, CreatedAt: "2024-01-01T00:00:00Z"}
	if err := env.Engine.Repo.InsertPipeline(env.Ctx, other); err != nil {
		t.Fatalf("insert pipeline: %v", err)
	}
	for i, name := range []string{"Curier trimis", "Colet neridicat"} {
		if err := env.Engine.Repo.InsertStage(env.Ctx, domain.Stage{
			ID: "rec-s" + name, PipelineID: other.ID, Name: name, Position: i, Active: true,
		}); err != nil {
			t.Fatalf("insert stage: %v", err)
		}
	}

	scheduled := env.ts(-72 * time.Hour)
	file := domain.ServiceFile{
		ID: "fisa-1", Title: "Reparatie", CurierTrimis: true,
		CurierScheduledAt: &scheduled, CreatedAt: "2024-01-01T00:00:00Z",
	}
	if err := env.Engine.Repo.InsertServiceFile(env.Ctx, file); err != nil {
		t.Fatalf("insert file: %v", err)
	}
	env.place(t, domain.ServiceFileRef(file.ID), p.ID, stages["Curier trimis"].ID)

	// An on-access check on a pipeline the file is not placed in moves
	// nothing and must not brand the file either.
	env.Clock = env.Clock.Add(time.Minute)
	if _, err := env.Scanner.OnAccess(env.Ctx, other.ID); err != nil {
		t.Fatalf("on-access: %v", err)
	}
	got, err := env.Engine.Repo.GetServiceFile(env.Ctx, file.ID)
	if err != nil {
		t.Fatalf("get file: %v", err)
	}
	if got.ColetNeridicat || got.NoDeal {
		t.Fatal("flag set without a matching move")
	}

	// The file stays eligible for the cron pass that can actually move it.
	env.Clock = env.Clock.Add(time.Minute)
	sum, err := env.Scanner.Sweep(env.Ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if sum.ColetNeridicatMoved != 1 {
		t.Fatalf("unclaimed moves %d, want 1", sum.ColetNeridicatMoved)
	}
	got, err = env.Engine.Repo.GetServiceFile(env.Ctx, file.ID)
	if err != nil || !got.NoDeal {
		t.Fatalf("no_deal not set after cron sweep, file %+v err %v", got, err)
	}
	stage, err := env.Engine.CurrentStage(env.Ctx, p.ID, domain.ServiceFileRef(file.ID))
	if err != nil || stage != stages["Colet neridicat"].ID {
		t.Fatalf("file in %q err %v", stage, err)
	}
}

func TestCourierAgingMovesDispatchedFiles(t *testing.T) {
	env := newTestEnv(t)
	p, stages := env.seedSalesPipeline(t)

	// One file went out by courier, one was brought to the office. Both
	// aged past the follow-up threshold but not the unclaimed one.
	dispatched := env.ts(-25 * time.Hour)
	byCourier := domain.ServiceFile{
		ID: "fisa-1", Title: "Reparatie curier", CurierTrimis: true,
		CurierScheduledAt: &dispatched, CreatedAt: "2024-01-01T00:00:00Z",
	}
	office := env.ts(-25 * time.Hour)
	byOffice := domain.ServiceFile{
		ID: "fisa-2", Title: "Reparatie birou", OfficeDirectAt: &office, CreatedAt: "2024-01-01T00:00:00Z",
	}
	for _, f := range []domain.ServiceFile{byCourier, byOffice} {
		if err := env.Engine.Repo.InsertServiceFile(env.Ctx, f); err != nil {
			t.Fatalf("insert file: %v", err)
		}
		env.place(t, domain.ServiceFileRef(f.ID), p.ID, stages["Curier trimis"].ID)
	}

	env.Clock = env.Clock.Add(time.Minute)
	sum, err := env.Scanner.Sweep(env.Ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if sum.Moved != 2 {
		t.Fatalf("moved %d, want 2", sum.Moved)
	}
	for _, id := range []string{byCourier.ID, byOffice.ID} {
		stage, err := env.Engine.CurrentStage(env.Ctx, p.ID, domain.ServiceFileRef(id))
		if err != nil || stage != stages["Avem comanda"].ID {
			t.Fatalf("file %s in %q err %v", id, stage, err)
		}
	}
}

func TestCallbackTagIsExactlyOnce(t *testing.T) {
	env := newTestEnv(t)
	p, stages := env.seedSalesPipeline(t)

	due := env.ts(-2 * time.Hour)
	lead := domain.Lead{ID: "lead-1", Name: "Ion", CallbackDate: &due, CreatedAt: "2024-01-01T00:00:00Z"}
	if err := env.Engine.Repo.InsertLead(env.Ctx, lead); err != nil {
		t.Fatalf("insert lead: %v", err)
	}
	env.place(t, domain.LeadRef(lead.ID), p.ID, stages["Lead nou"].ID)

	sum, err := env.Scanner.SweepRule(env.Ctx, "callback_tag")
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if sum.Tagged != 1 {
		t.Fatalf("tagged %d, want 1", sum.Tagged)
	}
	got, _ := env.Engine.Repo.GetLead(env.Ctx, lead.ID)
	if !got.CallTag {
		t.Fatal("call tag not set")
	}
	// The tag is not a move.
	stage, err := env.Engine.CurrentStage(env.Ctx, p.ID, domain.LeadRef(lead.ID))
	if err != nil || stage != stages["Lead nou"].ID {
		t.Fatalf("lead moved by tag rule: %q err %v", stage, err)
	}

	sum, err = env.Scanner.SweepRule(env.Ctx, "callback_tag")
	if err != nil {
		t.Fatalf("second sweep: %v", err)
	}
	if sum.Tagged != 0 {
		t.Fatalf("second sweep tagged %d, want 0", sum.Tagged)
	}
}

func TestCallbackReminderDedupesWithinWindow(t *testing.T) {
	env := newTestEnv(t)
	cb := env.ts(6 * time.Hour)
	lead := domain.Lead{ID: "lead-1", Name: "Ion", CallbackDate: &cb, CreatedAt: "2024-01-01T00:00:00Z"}
	if err := env.Engine.Repo.InsertLead(env.Ctx, lead); err != nil {
		t.Fatalf("insert lead: %v", err)
	}

	sum, err := env.Scanner.SweepRule(env.Ctx, "callback_reminder")
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if sum.Reminded != 1 {
		t.Fatalf("reminded %d, want 1", sum.Reminded)
	}
	env.Clock = env.Clock.Add(time.Hour)
	sum, err = env.Scanner.SweepRule(env.Ctx, "callback_reminder")
	if err != nil {
		t.Fatalf("second sweep: %v", err)
	}
	if sum.Reminded != 0 {
		t.Fatalf("second sweep reminded %d, want 0", sum.Reminded)
	}
}

func TestOnAccessScopesToPipeline(t *testing.T) {
	env := newTestEnv(t)
	p, stages := env.seedSalesPipeline(t)
	other := domain.Pipeline{ID: "reception", Name: "Receptie", Active: true, CreatedAt: "2024-01-01T00:00:00Z"}
	if err := env.Engine.Repo.InsertPipeline(env.Ctx, other); err != nil {
		t.Fatalf("insert pipeline: %v", err)
	}
	for i, name := range []string{"Curier trimis", "Avem comanda"} {
		if err := env.Engine.Repo.InsertStage(env.Ctx, domain.Stage{
			ID: "rec-s" + name, PipelineID: other.ID, Name: name, Position: i, Active: true,
		}); err != nil {
			t.Fatalf("insert stage: %v", err)
		}
	}

	sentAt := env.ts(-30 * time.Hour)
	lead := domain.Lead{ID: "lead-1", Name: "Ion", CurierTrimisAt: &sentAt, CreatedAt: "2024-01-01T00:00:00Z"}
	if err := env.Engine.Repo.InsertLead(env.Ctx, lead); err != nil {
		t.Fatalf("insert lead: %v", err)
	}
	env.place(t, domain.LeadRef(lead.ID), p.ID, stages["Curier trimis"].ID)
	env.place(t, domain.LeadRef(lead.ID), other.ID, "rec-sCurier trimis")

	// On-access for the reception pipeline must leave the sales placement
	// where it is.
	env.Clock = env.Clock.Add(time.Minute)
	if _, err := env.Scanner.OnAccess(env.Ctx, other.ID); err != nil {
		t.Fatalf("on-access: %v", err)
	}
	stage, err := env.Engine.CurrentStage(env.Ctx, p.ID, domain.LeadRef(lead.ID))
	if err != nil || stage != stages["Curier trimis"].ID {
		t.Fatalf("sales placement touched: %q err %v", stage, err)
	}
	stage, err = env.Engine.CurrentStage(env.Ctx, other.ID, domain.LeadRef(lead.ID))
	if err != nil || stage != "rec-sAvem comanda" {
		t.Fatalf("reception placement not moved: %q err %v", stage, err)
	}
}
