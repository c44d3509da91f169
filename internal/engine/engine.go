package engine

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"flowdesk/internal/cache"
	"flowdesk/internal/config"
	"flowdesk/internal/directory"
	"flowdesk/internal/domain"
	"flowdesk/internal/events"
	"flowdesk/internal/repo"
)

// RoleChecker answers whether an actor holds the elevated role required for
// invoice cancellation. Role lookup proper lives outside this system.
type RoleChecker interface {
	IsElevated(ctx context.Context, actorID string) (bool, error)
}

// StaticRoles is the default RoleChecker: a fixed list from config.
type StaticRoles struct {
	Elevated []string
}

func (s StaticRoles) IsElevated(_ context.Context, actorID string) (bool, error) {
	for _, id := range s.Elevated {
		if id == actorID {
			return true, nil
		}
	}
	return false, nil
}

type Engine struct {
	DB        *sql.DB
	Repo      repo.Repo
	Events    events.Writer
	Cache     *cache.Cache
	Directory directory.Directory
	Config    *config.Config
	Roles     RoleChecker
	Pricer    Pricer
	Now       func() time.Time
}

func New(db *sql.DB, cfg *config.Config) Engine {
	r := repo.Repo{DB: db}
	store := cache.SQLStore{DB: db, MaxEntryBytes: cfg.Cache.MaxEntryBytes}
	c := cache.New(cfg, store)
	e := Engine{
		DB:        db,
		Repo:      r,
		Events:    events.Writer{DB: db},
		Cache:     c,
		Directory: directory.Directory{Repo: r},
		Config:    cfg,
		Roles:     StaticRoles{Elevated: cfg.Auth.ElevatedActors},
		Pricer:    LineItemPricer{},
		Now:       time.Now,
	}
	c.Refresh = func(ctx context.Context, key cache.Key) (cache.Entry, error) {
		return e.BuildBoard(ctx, key)
	}
	return e
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

// SetClock injects a deterministic clock into the engine and its cache and
// event writer. The cache refresh closure is rebound so background board
// rebuilds also run on the injected clock. Test helper.
func (e *Engine) SetClock(now func() time.Time) {
	e.Now = now
	e.Events.Now = now
	if e.Cache != nil {
		e.Cache.Now = now
		eng := *e
		e.Cache.Refresh = func(ctx context.Context, key cache.Key) (cache.Entry, error) {
			return eng.BuildBoard(ctx, key)
		}
	}
}

// MoveOptions are the parameters of a single stage transition.
type MoveOptions struct {
	Item       domain.ItemRef
	PipelineID string
	StageID    string
	ActorID    string
	// At overrides the transition timestamp when the caller attributes the
	// action to a specific moment (e.g. backfilled courier dispatch).
	At *time.Time
}

// Move applies one stage change to one item: validates the move, upserts
// the placement, writes the entity-level side effects implied by the target
// stage role, appends one audit event and invalidates the pipeline's cache
// entries. Both manual movers and the time-trigger scanner call this.
func (e Engine) Move(ctx context.Context, opts MoveOptions) (domain.Placement, error) {
	var placed domain.Placement
	if !opts.Item.Kind.Valid() {
		return placed, newError(CodeValidationFailed, "unknown item kind %q", opts.Item.Kind)
	}
	if opts.Item.ID == "" {
		return placed, newError(CodeValidationFailed, "item id is required")
	}
	p, err := e.Repo.GetPipeline(ctx, opts.PipelineID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return placed, newError(CodeNotFound, "pipeline %s not found", opts.PipelineID)
		}
		return placed, err
	}
	if !p.Active {
		return placed, newError(CodeInvalidState, "pipeline %s is inactive", p.ID)
	}
	stage, err := e.Repo.GetStage(ctx, opts.StageID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return placed, newError(CodeNotFound, "stage %s not found", opts.StageID)
		}
		return placed, err
	}
	if stage.PipelineID != p.ID {
		return placed, newError(CodeNotFound, "stage %s not in pipeline %s", stage.ID, p.ID)
	}
	if !stage.Active {
		return placed, newError(CodeInvalidState, "stage %s is inactive", stage.ID)
	}
	if err := e.ensureItemExists(ctx, opts.Item); err != nil {
		return placed, err
	}

	at := e.now()
	if opts.At != nil {
		at = *opts.At
	}
	ts := at.UTC().Format(time.RFC3339)

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return placed, err
	}
	defer tx.Rollback()

	fromStage := ""
	current, err := e.Repo.GetPlacementTx(ctx, tx, p.ID, opts.Item)
	switch {
	case err == nil:
		fromStage = current.StageID
		if current.UpdatedAt > ts {
			// A concurrent writer already placed the item with a later
			// timestamp; last write wins, but the losing attempt still
			// leaves its audit trail.
			if err := e.Events.Append(ctx, tx, "transition.conflict", opts.Item, opts.ActorID, "", events.EventPayload{
				"pipeline_id":    p.ID,
				"target_stage":   stage.ID,
				"current_stage":  current.StageID,
				"current_update": current.UpdatedAt,
			}); err != nil {
				return placed, err
			}
			if err := tx.Commit(); err != nil {
				return placed, err
			}
			return current, newError(CodeConflict, "item %s already moved at %s", opts.Item, current.UpdatedAt)
		}
	case errors.Is(err, repo.ErrNotFound):
		// first-time placement
	default:
		return placed, err
	}

	placed = domain.Placement{PipelineID: p.ID, Item: opts.Item, StageID: stage.ID, UpdatedAt: ts}
	if err := e.Repo.UpsertPlacementTx(ctx, tx, placed); err != nil {
		return placed, err
	}
	if err := e.applyStageSideEffects(ctx, tx, opts.Item, stage, opts.ActorID, ts); err != nil {
		return placed, err
	}
	if err := e.Events.Append(ctx, tx, "transition.moved", opts.Item, opts.ActorID, "", events.EventPayload{
		"pipeline_id": p.ID,
		"from_stage":  fromStage,
		"to_stage":    stage.ID,
		"stage_name":  stage.Name,
	}); err != nil {
		return placed, err
	}
	if err := tx.Commit(); err != nil {
		return placed, err
	}
	e.Cache.Invalidate(ctx, p.ID)
	return placed, nil
}

// applyStageSideEffects writes the entity-level timestamps a stage role
// implies, in the same transaction as the placement.
func (e Engine) applyStageSideEffects(ctx context.Context, tx *sql.Tx, item domain.ItemRef, stage domain.Stage, actorID, ts string) error {
	switch directory.ResolveRole(stage.Name) {
	case directory.RoleCourierSent:
		if item.Kind == domain.KindLead {
			return e.Repo.StampCourierSentTx(ctx, tx, item.ID, actorID, ts)
		}
	}
	return nil
}

func (e Engine) ensureItemExists(ctx context.Context, item domain.ItemRef) error {
	var err error
	switch item.Kind {
	case domain.KindLead:
		_, err = e.Repo.GetLead(ctx, item.ID)
	case domain.KindServiceFile:
		_, err = e.Repo.GetServiceFile(ctx, item.ID)
	case domain.KindTray:
		_, err = e.Repo.GetTray(ctx, item.ID)
	}
	if errors.Is(err, repo.ErrNotFound) {
		return newError(CodeNotFound, "%s %s not found", item.Kind, item.ID)
	}
	return err
}

// CurrentStage returns the stage an item occupies in a pipeline.
func (e Engine) CurrentStage(ctx context.Context, pipelineID string, item domain.ItemRef) (string, error) {
	p, err := e.Repo.GetPlacement(ctx, pipelineID, item)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return "", newError(CodeNotFound, "no placement for %s in %s", item, pipelineID)
		}
		return "", err
	}
	return p.StageID, nil
}

// Board serves a cached board view, rebuilding on miss.
func (e Engine) Board(ctx context.Context, key cache.Key) (cache.Entry, error) {
	if entry, ok := e.Cache.Get(ctx, key); ok {
		return entry, nil
	}
	entry, err := e.BuildBoard(ctx, key)
	if err != nil {
		return cache.Entry{}, err
	}
	e.Cache.Put(ctx, key, entry)
	return entry, nil
}

// BuildBoard reads the board rows for a pipeline straight from the item
// store. The filter is a case-insensitive substring over row titles.
func (e Engine) BuildBoard(ctx context.Context, key cache.Key) (cache.Entry, error) {
	if _, err := e.Repo.GetPipeline(ctx, key.PipelineID); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return cache.Entry{}, newError(CodeNotFound, "pipeline %s not found", key.PipelineID)
		}
		return cache.Entry{}, err
	}
	stages, err := e.Repo.ListStages(ctx, key.PipelineID)
	if err != nil {
		return cache.Entry{}, err
	}
	stageNames := make(map[string]string, len(stages))
	for _, s := range stages {
		stageNames[s.ID] = s.Name
	}
	placements, err := e.Repo.ListPlacements(ctx, key.PipelineID)
	if err != nil {
		return cache.Entry{}, err
	}
	filter := strings.ToLower(strings.TrimSpace(key.Filter))
	rows := make([]cache.Row, 0, len(placements))
	for _, p := range placements {
		title, err := e.itemTitle(ctx, p.Item)
		if err != nil {
			return cache.Entry{}, err
		}
		if filter != "" && !strings.Contains(strings.ToLower(title), filter) {
			continue
		}
		rows = append(rows, cache.Row{
			Item:      p.Item,
			StageID:   p.StageID,
			StageName: stageNames[p.StageID],
			Title:     title,
			EnteredAt: p.UpdatedAt,
		})
	}
	return cache.Entry{Rows: rows, CreatedAt: e.now()}, nil
}

func (e Engine) itemTitle(ctx context.Context, item domain.ItemRef) (string, error) {
	switch item.Kind {
	case domain.KindLead:
		l, err := e.Repo.GetLead(ctx, item.ID)
		if err != nil {
			return "", err
		}
		return l.Name, nil
	case domain.KindServiceFile:
		f, err := e.Repo.GetServiceFile(ctx, item.ID)
		if err != nil {
			return "", err
		}
		return f.Title, nil
	case domain.KindTray:
		t, err := e.Repo.GetTray(ctx, item.ID)
		if err != nil {
			return "", err
		}
		return t.Label, nil
	}
	return item.ID, nil
}
