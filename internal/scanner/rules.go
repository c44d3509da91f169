package scanner

import (
	"context"
	"database/sql"
	"time"

	"flowdesk/internal/directory"
	"flowdesk/internal/domain"
	"flowdesk/internal/events"
)

// ruleCallbackTag tags leads whose callback or no-answer timestamp has
// passed. Deliberately a tag, not a move: the lead stays where it is and
// the board shows "Call!". Idempotent through the call_tag write guard.
func (s *Scanner) ruleCallbackTag(ctx context.Context, _ Mode, _ string, acc *accumulator) error {
	now := s.now().UTC().Format(time.RFC3339)
	leads, err := s.Engine.Repo.LeadsWithDueCallback(ctx, now)
	if err != nil {
		return err
	}
	forEach(ctx, s, acc, leads, func(ctx context.Context, l domain.Lead) error {
		tagged, err := s.Engine.Repo.SetLeadCallTag(ctx, l.ID)
		if err != nil {
			return err
		}
		if !tagged {
			return nil
		}
		if err := s.appendEvent(ctx, "rule.callback_due", domain.LeadRef(l.ID), "Call!", nil); err != nil {
			return err
		}
		acc.add(func(sum *Summary) { sum.Tagged++ })
		return nil
	})
	return nil
}

// ruleCourierAging moves leads and files whose courier-sent or
// office-direct timestamp aged past the threshold into the order-confirmed
// stage. The stage-equality guard makes reruns no-ops.
func (s *Scanner) ruleCourierAging(ctx context.Context, _ Mode, pipelineID string, acc *accumulator) error {
	cutoff := s.now().Add(-s.Engine.Config.Scanner.CourierAging).UTC().Format(time.RFC3339)
	leads, err := s.Engine.Repo.LeadsWithCourierSentBefore(ctx, cutoff)
	if err != nil {
		return err
	}
	refs := make([]domain.ItemRef, 0, len(leads))
	for _, l := range leads {
		refs = append(refs, domain.LeadRef(l.ID))
	}
	files, err := s.Engine.Repo.FilesWithCourierSentBefore(ctx, cutoff)
	if err != nil {
		return err
	}
	for _, f := range files {
		refs = append(refs, domain.ServiceFileRef(f.ID))
	}
	forEach(ctx, s, acc, refs, func(ctx context.Context, ref domain.ItemRef) error {
		moved, err := s.moveToRole(ctx, ref, pipelineID, directory.RoleOrderConfirmed)
		if err != nil {
			return err
		}
		if moved > 0 {
			acc.add(func(sum *Summary) { sum.Moved += moved })
		}
		return nil
	})
	return nil
}

// rulePackageUnclaimed moves courier-dispatched, not-invoiced files whose
// pickup never happened into the package-unclaimed stage. The threshold and
// the terminal flag differ by invocation path; both are preserved as
// configuration rather than unified.
func (s *Scanner) rulePackageUnclaimed(ctx context.Context, mode Mode, pipelineID string, acc *accumulator) error {
	threshold := s.Engine.Config.Scanner.UnclaimedAfterCron
	flag := "no_deal"
	if mode == ModeOnAccess {
		threshold = s.Engine.Config.Scanner.UnclaimedAfterAccess
		flag = "colet_neridicat"
	}
	now := s.now()
	cutoff := now.Add(-threshold).UTC().Format(time.RFC3339)
	files, err := s.Engine.Repo.FilesWithCourierScheduledBefore(ctx, cutoff)
	if err != nil {
		return err
	}
	forEach(ctx, s, acc, files, func(ctx context.Context, f domain.ServiceFile) error {
		ref := domain.ServiceFileRef(f.ID)
		moved, err := s.moveToRole(ctx, ref, pipelineID, directory.RolePackageUnclaimed)
		if err != nil {
			return err
		}
		if moved == 0 {
			// Nothing to move here: the file is not placed in the checked
			// pipeline, or the pipeline has no unclaimed stage. The flag
			// stays unset so the file remains eligible for a later pass
			// that can actually move it.
			return nil
		}
		if err := s.markUnclaimed(ctx, f.ID, flag); err != nil {
			return err
		}
		days := 0.0
		if f.CurierScheduledAt != nil {
			if t, err := time.Parse(time.RFC3339, *f.CurierScheduledAt); err == nil {
				days = now.Sub(t).Hours() / 24
			}
		}
		if err := s.appendEvent(ctx, "rule.package_unclaimed", ref, "", events.EventPayload{
			"days_since_curier": days,
			"flag":              flag,
			"mode":              string(mode),
		}); err != nil {
			return err
		}
		acc.add(func(sum *Summary) {
			sum.Moved += moved
			sum.ColetNeridicatMoved++
		})
		return nil
	})
	return nil
}

// ruleCallbackReminder emits a reminder event for leads whose callback date
// falls inside the window around now. Not a move; delivery to a human is
// the notification collaborator's job. The event log dedupes within one
// window.
func (s *Scanner) ruleCallbackReminder(ctx context.Context, _ Mode, _ string, acc *accumulator) error {
	window := s.Engine.Config.Scanner.CallbackWindow
	now := s.now()
	from := now.Add(-window).UTC().Format(time.RFC3339)
	to := now.Add(window).UTC().Format(time.RFC3339)
	leads, err := s.Engine.Repo.LeadsWithCallbackInWindow(ctx, from, to)
	if err != nil {
		return err
	}
	forEach(ctx, s, acc, leads, func(ctx context.Context, l domain.Lead) error {
		ref := domain.LeadRef(l.ID)
		seen, err := s.Engine.Repo.HasEventSince(ctx, ref, "rule.callback_reminder", from)
		if err != nil {
			return err
		}
		if seen {
			return nil
		}
		if err := s.appendEvent(ctx, "rule.callback_reminder", ref, "", events.EventPayload{
			"callback_date": l.CallbackDate,
		}); err != nil {
			return err
		}
		acc.add(func(sum *Summary) { sum.Reminded++ })
		return nil
	})
	return nil
}

// moveToRole moves an item to the stage with the given role in every
// pipeline where it is placed (or only the given pipeline, on-access).
// Items already in the target stage are skipped; pipelines without a
// matching stage are reported as configuration warnings and skipped, never
// a failure.
func (s *Scanner) moveToRole(ctx context.Context, ref domain.ItemRef, onlyPipeline string, role directory.Role) (int, error) {
	placements, err := s.Engine.Repo.ListPlacementsByItem(ctx, ref)
	if err != nil {
		return 0, err
	}
	moved := 0
	for _, p := range placements {
		if onlyPipeline != "" && p.PipelineID != onlyPipeline {
			continue
		}
		target, found, err := s.Engine.Directory.FindStage(ctx, p.PipelineID, role)
		if err != nil {
			return moved, err
		}
		if !found {
			s.logf("scanner: pipeline %s has no %s stage, rule skipped", p.PipelineID, role)
			continue
		}
		if p.StageID == target.ID {
			continue
		}
		if err := s.moveGuarded(ctx, ref, p.PipelineID, target.ID); err != nil {
			return moved, err
		}
		moved++
	}
	return moved, nil
}

func (s *Scanner) markUnclaimed(ctx context.Context, fileID, flag string) error {
	tx, err := s.Engine.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if _, err := s.Engine.Repo.MarkFileUnclaimedTx(ctx, tx, fileID, flag); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *Scanner) appendEvent(ctx context.Context, evtType string, ref domain.ItemRef, message string, payload events.EventPayload) error {
	tx, err := s.Engine.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func(tx *sql.Tx) { _ = tx.Rollback() }(tx)
	if err := s.Engine.Events.Append(ctx, tx, evtType, ref, "scanner", message, payload); err != nil {
		return err
	}
	return tx.Commit()
}
