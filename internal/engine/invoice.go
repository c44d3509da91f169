package engine

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"

	"flowdesk/internal/directory"
	"flowdesk/internal/domain"
	"flowdesk/internal/events"
	"flowdesk/internal/repo"
)

// Pricer computes the invoice total. Pricing rules (discount policies, VAT)
// live outside this system; LineItemPricer is the default.
type Pricer interface {
	Total(ctx context.Context, file domain.ServiceFile, items []domain.TrayItem) (int64, error)
}

// LineItemPricer sums quantity x unit price minus per-line discounts.
type LineItemPricer struct{}

func (LineItemPricer) Total(_ context.Context, _ domain.ServiceFile, items []domain.TrayItem) (int64, error) {
	var total int64
	for _, it := range items {
		total += int64(it.Quantity)*it.UnitPriceBani - it.DiscountBani
	}
	if total < 0 {
		total = 0
	}
	return total, nil
}

// InvoiceResult is returned by a successful Invoice call. InvoiceID names
// the invoice, ArchiveID the snapshot record that preserves it.
type InvoiceResult struct {
	InvoiceID     string `json:"invoice_id"`
	ArchiveID     string `json:"archive_id"`
	InvoiceNumber string `json:"invoice_number"`
	TotalBani     int64  `json:"total_bani"`
}

type invoiceSnapshot struct {
	File    domain.ServiceFile `json:"file"`
	Trays   []domain.Tray      `json:"trays"`
	Items   []domain.TrayItem  `json:"items"`
	Billing domain.BillingData `json:"billing"`
}

// Invoice performs the terminal lock transition: Open -> Locked(Invoiced).
// The archive record and the lock flag are written in one transaction; if
// archive creation fails the lock is never applied. Working tray lines are
// deleted in the same transaction so they cannot reappear on the live board.
func (e Engine) Invoice(ctx context.Context, serviceFileID string, billing domain.BillingData, actorID string) (InvoiceResult, error) {
	var res InvoiceResult
	file, err := e.Repo.GetServiceFile(ctx, serviceFileID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return res, newError(CodeNotFound, "service file %s not found", serviceFileID)
		}
		return res, err
	}
	if file.Invoiced {
		return res, newError(CodeInvalidState, "service file %s already invoiced", file.ID)
	}
	if verrs := validateBilling(billing); len(verrs) > 0 {
		return res, newError(CodeValidationFailed, "billing data incomplete").withDetail("validation_errors", verrs)
	}

	trays, err := e.Repo.ListTraysByFile(ctx, file.ID)
	if err != nil {
		return res, err
	}
	var items []domain.TrayItem
	for _, t := range trays {
		lines, err := e.Repo.ListTrayItems(ctx, t.ID)
		if err != nil {
			return res, err
		}
		items = append(items, lines...)
	}
	total, err := e.Pricer.Total(ctx, file, items)
	if err != nil {
		return res, err
	}

	now := e.now().UTC()
	ts := now.Format(time.RFC3339)
	snapshot, err := json.Marshal(invoiceSnapshot{File: file, Trays: trays, Items: items, Billing: billing})
	if err != nil {
		return res, err
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return res, err
	}
	defer tx.Rollback()

	number, err := e.Repo.NextInvoiceNumberTx(ctx, tx, now.Year())
	if err != nil {
		return res, err
	}
	record := domain.ArchiveRecord{
		ID:            uuid.New().String(),
		ServiceFileID: file.ID,
		InvoiceID:     uuid.New().String(),
		InvoiceNumber: number,
		TotalBani:     total,
		SnapshotJSON:  string(snapshot),
		CreatedAt:     ts,
	}
	if err := e.Repo.InsertArchiveRecordTx(ctx, tx, record); err != nil {
		// rollback leaves the lock untouched
		return res, err
	}
	locked, err := e.Repo.LockServiceFileTx(ctx, tx, file.ID, number, ts)
	if err != nil {
		return res, err
	}
	if !locked {
		return res, newError(CodeConflict, "service file %s locked concurrently", file.ID)
	}
	if err := e.Repo.DeleteTrayItemsByFileTx(ctx, tx, file.ID); err != nil {
		return res, err
	}
	if err := e.Events.Append(ctx, tx, "invoice.created", domain.ServiceFileRef(file.ID), actorID, "", events.EventPayload{
		"invoice_id":     record.InvoiceID,
		"invoice_number": number,
		"archive_id":     record.ID,
		"total_bani":     total,
	}); err != nil {
		return res, err
	}
	if err := tx.Commit(); err != nil {
		return res, err
	}
	e.invalidateItemPipelines(ctx, domain.ServiceFileRef(file.ID))
	return InvoiceResult{InvoiceID: record.InvoiceID, ArchiveID: record.ID, InvoiceNumber: number, TotalBani: total}, nil
}

func validateBilling(b domain.BillingData) []string {
	var verrs []string
	if strings.TrimSpace(b.CustomerName) == "" {
		verrs = append(verrs, "customer_name is required")
	}
	if strings.TrimSpace(b.Address) == "" {
		verrs = append(verrs, "address is required")
	}
	return verrs
}

// CancelInvoice is the compensating edge Locked -> Open. It requires a
// non-empty reason and an elevated actor. The archive record survives,
// marked superseded.
func (e Engine) CancelInvoice(ctx context.Context, serviceFileID, reason, actorID string) error {
	if strings.TrimSpace(reason) == "" {
		return newError(CodeValidationFailed, "cancellation reason is required")
	}
	elevated, err := e.Roles.IsElevated(ctx, actorID)
	if err != nil {
		return err
	}
	if !elevated {
		return newError(CodeUnauthorized, "actor %s may not cancel invoices", actorID)
	}
	file, err := e.Repo.GetServiceFile(ctx, serviceFileID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return newError(CodeNotFound, "service file %s not found", serviceFileID)
		}
		return err
	}
	if !file.Invoiced {
		return newError(CodeInvalidState, "service file %s is not invoiced", file.ID)
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Repo.SupersedeArchiveRecordTx(ctx, tx, file.ID); err != nil {
		return err
	}
	if err := e.Repo.UnlockServiceFileTx(ctx, tx, file.ID); err != nil {
		return err
	}
	if err := e.Events.Append(ctx, tx, "invoice.canceled", domain.ServiceFileRef(file.ID), actorID, reason, events.EventPayload{
		"invoice_number": file.InvoiceNumber,
	}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	e.invalidateItemPipelines(ctx, domain.ServiceFileRef(file.ID))
	return nil
}

// ArchiveMoveResult reports what ArchiveAndRelease touched.
type ArchiveMoveResult struct {
	LeadMoved  bool `json:"lead_moved"`
	FileMoved  bool `json:"file_moved"`
	TraysMoved int  `json:"trays_moved"`
}

// ArchiveAndRelease completes Locked -> Archived. When an archive pipeline
// is configured, the file, its lead and its trays move into that pipeline's
// terminal stage and leave their live boards. Deployments without an
// archive pipeline degrade to releasing empty trays and moving the lead to
// an archived stage of the sales pipeline.
func (e Engine) ArchiveAndRelease(ctx context.Context, serviceFileID, actorID string) (ArchiveMoveResult, error) {
	var res ArchiveMoveResult
	file, err := e.Repo.GetServiceFile(ctx, serviceFileID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return res, newError(CodeNotFound, "service file %s not found", serviceFileID)
		}
		return res, err
	}
	if !file.Invoiced {
		return res, newError(CodeInvalidState, "service file %s is not invoiced", file.ID)
	}
	trays, err := e.Repo.ListTraysByFile(ctx, file.ID)
	if err != nil {
		return res, err
	}

	archivePipeline, ok, err := e.findArchivePipeline(ctx)
	if err != nil {
		return res, err
	}
	if ok {
		return e.moveAllToArchive(ctx, file, trays, archivePipeline, actorID)
	}
	return e.releaseInPlace(ctx, file, trays, actorID)
}

func (e Engine) findArchivePipeline(ctx context.Context) (domain.Pipeline, bool, error) {
	if e.Config != nil && e.Config.Archive.PipelineName != "" {
		return e.Directory.FindPipelineByName(ctx, e.Config.Archive.PipelineName)
	}
	return e.Directory.FindPipeline(ctx, directory.RoleArchive)
}

func (e Engine) moveAllToArchive(ctx context.Context, file domain.ServiceFile, trays []domain.Tray, pipeline domain.Pipeline, actorID string) (ArchiveMoveResult, error) {
	var res ArchiveMoveResult
	stage, found, err := e.Directory.FindStage(ctx, pipeline.ID, directory.RoleInvoiced)
	if err != nil {
		return res, err
	}
	if !found {
		// any terminal stage will do; take the last by position
		stages, err := e.Repo.ListStages(ctx, pipeline.ID)
		if err != nil {
			return res, err
		}
		for _, s := range stages {
			if s.Active {
				stage, found = s, true
			}
		}
	}
	if !found {
		return res, newError(CodeConfigurationMissing, "archive pipeline %s has no active stage", pipeline.Name)
	}

	ts := e.now().UTC().Format(time.RFC3339)
	refs := []domain.ItemRef{domain.ServiceFileRef(file.ID)}
	if file.LeadID != nil {
		refs = append(refs, domain.LeadRef(*file.LeadID))
	}
	for _, t := range trays {
		refs = append(refs, domain.TrayRef(t.ID))
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return res, err
	}
	defer tx.Rollback()

	touched := map[string]bool{pipeline.ID: true}
	for _, ref := range refs {
		old, err := e.Repo.ListPlacementsByItemTx(ctx, tx, ref)
		if err != nil {
			return res, err
		}
		for _, p := range old {
			if p.PipelineID == pipeline.ID {
				continue
			}
			if err := e.Repo.DeletePlacementTx(ctx, tx, p.PipelineID, ref); err != nil {
				return res, err
			}
			touched[p.PipelineID] = true
		}
		if err := e.Repo.UpsertPlacementTx(ctx, tx, domain.Placement{
			PipelineID: pipeline.ID, Item: ref, StageID: stage.ID, UpdatedAt: ts,
		}); err != nil {
			return res, err
		}
		if err := e.Events.Append(ctx, tx, "transition.archived", ref, actorID, "", events.EventPayload{
			"pipeline_id": pipeline.ID,
			"to_stage":    stage.ID,
		}); err != nil {
			return res, err
		}
		switch ref.Kind {
		case domain.KindLead:
			res.LeadMoved = true
		case domain.KindServiceFile:
			res.FileMoved = true
		case domain.KindTray:
			res.TraysMoved++
		}
	}
	if err := tx.Commit(); err != nil {
		return res, err
	}
	for id := range touched {
		e.Cache.Invalidate(ctx, id)
	}
	return res, nil
}

func (e Engine) releaseInPlace(ctx context.Context, file domain.ServiceFile, trays []domain.Tray, actorID string) (ArchiveMoveResult, error) {
	var res ArchiveMoveResult
	var empty []string
	for _, t := range trays {
		hasItems, err := e.Repo.TrayHasItems(ctx, t.ID)
		if err != nil {
			return res, err
		}
		if !hasItems {
			empty = append(empty, t.ID)
		}
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return res, err
	}
	defer tx.Rollback()
	for _, id := range empty {
		if err := e.Repo.ReleaseTrayTx(ctx, tx, id); err != nil {
			return res, err
		}
		res.TraysMoved++
	}
	if err := tx.Commit(); err != nil {
		return res, err
	}

	if file.LeadID == nil {
		return res, nil
	}
	sales, ok, err := e.Directory.FindPipeline(ctx, directory.RoleSales)
	if err != nil || !ok {
		return res, err
	}
	stage, found, err := e.Directory.FindStage(ctx, sales.ID, directory.RoleArchive)
	if err != nil {
		return res, err
	}
	if !found {
		stage, found, err = e.Directory.FindStage(ctx, sales.ID, directory.RoleInvoiced)
		if err != nil || !found {
			return res, err
		}
	}
	if _, err := e.Move(ctx, MoveOptions{
		Item:       domain.LeadRef(*file.LeadID),
		PipelineID: sales.ID,
		StageID:    stage.ID,
		ActorID:    actorID,
	}); err != nil {
		return res, err
	}
	res.LeadMoved = true
	return res, nil
}

func (e Engine) invalidateItemPipelines(ctx context.Context, item domain.ItemRef) {
	placements, err := e.Repo.ListPlacementsByItem(ctx, item)
	if err != nil {
		e.Cache.InvalidateAll(ctx)
		return
	}
	for _, p := range placements {
		e.Cache.Invalidate(ctx, p.PipelineID)
	}
}
