package engine_test

import (
	"testing"
	"time"

	"github.com/google/uuid"

	"flowdesk/internal/domain"
	"flowdesk/internal/engine"
)

func (env *testEnv) seedFileWithTray(t *testing.T, fileID string, items ...domain.TrayItem) domain.ServiceFile {
	t.Helper()
	f := domain.ServiceFile{ID: fileID, Title: "Reparatie " + fileID, CreatedAt: "2024-01-01T00:00:00Z"}
	if err := env.Engine.Repo.InsertServiceFile(env.Ctx, f); err != nil {
		t.Fatalf("insert file: %v", err)
	}
	trayID := fileID + "-tray"
	if err := env.Engine.Repo.InsertTray(env.Ctx, domain.Tray{
		ID: trayID, ServiceFileID: &f.ID, Label: "T1", CreatedAt: "2024-01-01T00:00:00Z",
	}); err != nil {
		t.Fatalf("insert tray: %v", err)
	}
	for _, it := range items {
		it.ID = uuid.NewString()
		it.TrayID = trayID
		if err := env.Engine.Repo.InsertTrayItem(env.Ctx, it); err != nil {
			t.Fatalf("insert tray item: %v", err)
		}
	}
	return f
}

func billing() domain.BillingData {
	return domain.BillingData{CustomerName: "Ion Popescu", Address: "Str. Lunga 1"}
}

func TestInvoiceLocksAndNumbers(t *testing.T) {
	env := newTestEnv(t)
	f := env.seedFileWithTray(t, "fisa-1",
		domain.TrayItem{Description: "Curea", Quantity: 2, UnitPriceBani: 5000},
		domain.TrayItem{Description: "Baterie", Quantity: 1, UnitPriceBani: 3000, DiscountBani: 500},
	)

	res, err := env.Engine.Invoice(env.Ctx, f.ID, billing(), "tester")
	if err != nil {
		t.Fatalf("invoice: %v", err)
	}
	if res.InvoiceNumber != "1/2024" {
		t.Fatalf("invoice number %q, want 1/2024", res.InvoiceNumber)
	}
	if res.TotalBani != 12500 {
		t.Fatalf("total %d, want 12500", res.TotalBani)
	}

	got, err := env.Engine.Repo.GetServiceFile(env.Ctx, f.ID)
	if err != nil {
		t.Fatalf("get file: %v", err)
	}
	if !got.Invoiced || got.InvoiceNumber == nil || *got.InvoiceNumber != "1/2024" {
		t.Fatalf("file not locked: %+v", got)
	}
	has, err := env.Engine.Repo.TrayHasItems(env.Ctx, f.ID+"-tray")
	if err != nil {
		t.Fatalf("tray has items: %v", err)
	}
	if has {
		t.Fatal("tray lines survived invoicing")
	}
	if evts := env.events(t, domain.ServiceFileRef(f.ID), "invoice.created"); len(evts) != 1 {
		t.Fatalf("expected 1 invoice.created event, got %d", len(evts))
	}

	// The yearly counter advances per invoice.
	f2 := env.seedFileWithTray(t, "fisa-2", domain.TrayItem{Description: "Sticla", Quantity: 1, UnitPriceBani: 2000})
	res2, err := env.Engine.Invoice(env.Ctx, f2.ID, billing(), "tester")
	if err != nil {
		t.Fatalf("second invoice: %v", err)
	}
	if res2.InvoiceNumber != "2/2024" {
		t.Fatalf("second invoice number %q, want 2/2024", res2.InvoiceNumber)
	}

	// Invoicing a locked file is an invalid state, not a crash.
	_, err = env.Engine.Invoice(env.Ctx, f.ID, billing(), "tester")
	if !engine.IsCode(err, engine.CodeInvalidState) {
		t.Fatalf("double invoice: %v", err)
	}
}

func TestInvoiceValidatesBilling(t *testing.T) {
	env := newTestEnv(t)
	f := env.seedFileWithTray(t, "fisa-1", domain.TrayItem{Description: "Curea", Quantity: 1, UnitPriceBani: 5000})

	_, err := env.Engine.Invoice(env.Ctx, f.ID, domain.BillingData{CustomerName: "Ion"}, "tester")
	if !engine.IsCode(err, engine.CodeValidationFailed) {
		t.Fatalf("expected validation failure, got %v", err)
	}
	got, _ := env.Engine.Repo.GetServiceFile(env.Ctx, f.ID)
	if got.Invoiced {
		t.Fatal("file locked by rejected invoice")
	}
}

func TestInvoiceArchiveFailureLeavesFileUnlocked(t *testing.T) {
	env := newTestEnv(t)
	f := env.seedFileWithTray(t, "fisa-1", domain.TrayItem{Description: "Curea", Quantity: 1, UnitPriceBani: 5000})

	// A lingering non-superseded archive record trips the uniqueness
	// constraint before the lock is written, so the whole transaction
	// rolls back.
	tx, err := env.Engine.DB.BeginTx(env.Ctx, nil)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	if err := env.Engine.Repo.InsertArchiveRecordTx(env.Ctx, tx, domain.ArchiveRecord{
		ID: "stale", ServiceFileID: f.ID, InvoiceID: "stale-inv", InvoiceNumber: "9/2023", CreatedAt: "2023-12-01T00:00:00Z",
	}); err != nil {
		t.Fatalf("seed archive record: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}

	if _, err := env.Engine.Invoice(env.Ctx, f.ID, billing(), "tester"); err == nil {
		t.Fatal("expected invoice to fail")
	}
	got, err := env.Engine.Repo.GetServiceFile(env.Ctx, f.ID)
	if err != nil {
		t.Fatalf("get file: %v", err)
	}
	if got.Invoiced {
		t.Fatal("file locked despite archive failure")
	}
	has, err := env.Engine.Repo.TrayHasItems(env.Ctx, f.ID+"-tray")
	if err != nil || !has {
		t.Fatalf("tray lines lost despite rollback (has=%v err=%v)", has, err)
	}
}

func TestCancelInvoice(t *testing.T) {
	env := newTestEnv(t)
	f := env.seedFileWithTray(t, "fisa-1", domain.TrayItem{Description: "Curea", Quantity: 1, UnitPriceBani: 5000})
	if _, err := env.Engine.Invoice(env.Ctx, f.ID, billing(), "tester"); err != nil {
		t.Fatalf("invoice: %v", err)
	}

	err := env.Engine.CancelInvoice(env.Ctx, f.ID, "", "boss")
	if !engine.IsCode(err, engine.CodeValidationFailed) {
		t.Fatalf("empty reason: %v", err)
	}
	err = env.Engine.CancelInvoice(env.Ctx, f.ID, "pret gresit", "tester")
	if !engine.IsCode(err, engine.CodeUnauthorized) {
		t.Fatalf("non-elevated actor: %v", err)
	}

	if err := env.Engine.CancelInvoice(env.Ctx, f.ID, "pret gresit", "boss"); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	got, _ := env.Engine.Repo.GetServiceFile(env.Ctx, f.ID)
	if got.Invoiced || got.InvoiceNumber != nil {
		t.Fatalf("file still locked: %+v", got)
	}
	rec, err := env.Engine.Repo.CurrentArchiveRecord(env.Ctx, f.ID)
	if err == nil {
		t.Fatalf("archive record still current: %+v", rec)
	}
	if evts := env.events(t, domain.ServiceFileRef(f.ID), "invoice.canceled"); len(evts) != 1 {
		t.Fatalf("expected 1 canceled event, got %d", len(evts))
	}

	// Cancel is not idempotent: the file is already unlocked.
	err = env.Engine.CancelInvoice(env.Ctx, f.ID, "din nou", "boss")
	if !engine.IsCode(err, engine.CodeInvalidState) {
		t.Fatalf("second cancel: %v", err)
	}

	// Re-invoicing after a cancel issues the next number.
	if err := env.Engine.Repo.InsertTrayItem(env.Ctx, domain.TrayItem{
		ID: "again", TrayID: f.ID + "-tray", Description: "Curea", Quantity: 1, UnitPriceBani: 5000,
	}); err != nil {
		t.Fatalf("reseed tray item: %v", err)
	}
	res, err := env.Engine.Invoice(env.Ctx, f.ID, billing(), "tester")
	if err != nil {
		t.Fatalf("re-invoice: %v", err)
	}
	if res.InvoiceNumber != "2/2024" {
		t.Fatalf("re-invoice number %q, want 2/2024", res.InvoiceNumber)
	}
}

func TestArchiveAndReleaseMovesEverything(t *testing.T) {
	env := newTestEnv(t)
	sales, salesStages := env.seedPipeline(t, "sales", "Vanzari", "Lead nou", "Curier trimis")
	archive, _ := env.seedPipeline(t, "arhiva", "Arhiva", "Facturat")

	lead := env.seedLead(t, "lead-1", "Ion")
	f := env.seedFileWithTray(t, "fisa-1", domain.TrayItem{Description: "Curea", Quantity: 1, UnitPriceBani: 5000})
	leadID := lead.ID
	if _, err := env.Engine.DB.ExecContext(env.Ctx, `UPDATE service_files SET lead_id=? WHERE id=?`, leadID, f.ID); err != nil {
		t.Fatalf("link lead: %v", err)
	}

	for _, ref := range []domain.ItemRef{domain.LeadRef(lead.ID), domain.ServiceFileRef(f.ID), domain.TrayRef(f.ID + "-tray")} {
		if _, err := env.Engine.Move(env.Ctx, engine.MoveOptions{
			Item: ref, PipelineID: sales.ID, StageID: salesStages[0].ID, ActorID: "t",
		}); err != nil {
			t.Fatalf("place %s: %v", ref, err)
		}
	}
	if _, err := env.Engine.Invoice(env.Ctx, f.ID, billing(), "tester"); err != nil {
		t.Fatalf("invoice: %v", err)
	}

	env.Clock = env.Clock.Add(time.Minute)
	res, err := env.Engine.ArchiveAndRelease(env.Ctx, f.ID, "tester")
	if err != nil {
		t.Fatalf("archive: %v", err)
	}
	if !res.FileMoved || !res.LeadMoved || res.TraysMoved != 1 {
		t.Fatalf("archive result: %+v", res)
	}

	// Everything sits in the archive pipeline now, nothing in sales.
	for _, ref := range []domain.ItemRef{domain.LeadRef(lead.ID), domain.ServiceFileRef(f.ID), domain.TrayRef(f.ID + "-tray")} {
		if _, err := env.Engine.CurrentStage(env.Ctx, sales.ID, ref); !engine.IsCode(err, engine.CodeNotFound) {
			t.Fatalf("%s still placed in sales: %v", ref, err)
		}
		if _, err := env.Engine.CurrentStage(env.Ctx, archive.ID, ref); err != nil {
			t.Fatalf("%s not in archive: %v", ref, err)
		}
	}
}

func TestArchiveWithoutArchivePipelineReleasesInPlace(t *testing.T) {
	env := newTestEnv(t)
	sales, salesStages := env.seedPipeline(t, "sales", "Vanzari", "Lead nou", "Facturat")

	lead := env.seedLead(t, "lead-1", "Ion")
	f := env.seedFileWithTray(t, "fisa-1", domain.TrayItem{Description: "Curea", Quantity: 1, UnitPriceBani: 5000})
	if _, err := env.Engine.DB.ExecContext(env.Ctx, `UPDATE service_files SET lead_id=? WHERE id=?`, lead.ID, f.ID); err != nil {
		t.Fatalf("link lead: %v", err)
	}
	if _, err := env.Engine.Move(env.Ctx, engine.MoveOptions{
		Item: domain.LeadRef(lead.ID), PipelineID: sales.ID, StageID: salesStages[0].ID, ActorID: "t",
	}); err != nil {
		t.Fatalf("place lead: %v", err)
	}
	if _, err := env.Engine.Invoice(env.Ctx, f.ID, billing(), "tester"); err != nil {
		t.Fatalf("invoice: %v", err)
	}

	env.Clock = env.Clock.Add(time.Minute)
	if _, err := env.Engine.ArchiveAndRelease(env.Ctx, f.ID, "tester"); err != nil {
		t.Fatalf("archive: %v", err)
	}
	// No archive pipeline: the lead moves to the invoiced stage of its own
	// pipeline and the emptied tray is released.
	stageID, err := env.Engine.CurrentStage(env.Ctx, sales.ID, domain.LeadRef(lead.ID))
	if err != nil {
		t.Fatalf("lead stage: %v", err)
	}
	if stageID != salesStages[1].ID {
		t.Fatalf("lead in %s, want %s", stageID, salesStages[1].ID)
	}
	tray, err := env.Engine.Repo.GetTray(env.Ctx, f.ID+"-tray")
	if err != nil {
		t.Fatalf("get tray: %v", err)
	}
	if !tray.Released {
		t.Fatal("tray not released")
	}
}
