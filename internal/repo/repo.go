package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"flowdesk/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

func (r Repo) InsertPipeline(ctx context.Context, p domain.Pipeline) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO pipelines(id,name,active,created_at) VALUES (?,?,?,?)`,
		p.ID, p.Name, boolInt(p.Active), p.CreatedAt)
	return err
}

func (r Repo) GetPipeline(ctx context.Context, id string) (domain.Pipeline, error) {
	var p domain.Pipeline
	var active int
	err := r.DB.QueryRowContext(ctx, `SELECT id,name,active,created_at FROM pipelines WHERE id=?`, id).
		Scan(&p.ID, &p.Name, &active, &p.CreatedAt)
	if err == sql.ErrNoRows {
		return p, ErrNotFound
	}
	p.Active = active != 0
	return p, err
}

func (r Repo) ListPipelines(ctx context.Context) ([]domain.Pipeline, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,name,active,created_at FROM pipelines ORDER BY created_at, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Pipeline
	for rows.Next() {
		var p domain.Pipeline
		var active int
		if err := rows.Scan(&p.ID, &p.Name, &active, &p.CreatedAt); err != nil {
			return nil, err
		}
		p.Active = active != 0
		res = append(res, p)
	}
	return res, rows.Err()
}

func (r Repo) SetPipelineActive(ctx context.Context, id string, active bool) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE pipelines SET active=? WHERE id=?`, boolInt(active), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) InsertStage(ctx context.Context, s domain.Stage) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO stages(id,pipeline_id,name,position,active) VALUES (?,?,?,?,?)`,
		s.ID, s.PipelineID, s.Name, s.Position, boolInt(s.Active))
	return err
}

func (r Repo) GetStage(ctx context.Context, id string) (domain.Stage, error) {
	var s domain.Stage
	var active int
	err := r.DB.QueryRowContext(ctx, `SELECT id,pipeline_id,name,position,active FROM stages WHERE id=?`, id).
		Scan(&s.ID, &s.PipelineID, &s.Name, &s.Position, &active)
	if err == sql.ErrNoRows {
		return s, ErrNotFound
	}
	s.Active = active != 0
	return s, err
}

func (r Repo) ListStages(ctx context.Context, pipelineID string) ([]domain.Stage, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,pipeline_id,name,position,active FROM stages WHERE pipeline_id=? ORDER BY position, id`, pipelineID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Stage
	for rows.Next() {
		var s domain.Stage
		var active int
		if err := rows.Scan(&s.ID, &s.PipelineID, &s.Name, &s.Position, &active); err != nil {
			return nil, err
		}
		s.Active = active != 0
		res = append(res, s)
	}
	return res, rows.Err()
}

func (r Repo) GetPlacement(ctx context.Context, pipelineID string, item domain.ItemRef) (domain.Placement, error) {
	return scanPlacement(r.DB.QueryRowContext(ctx,
		`SELECT pipeline_id,item_kind,item_id,stage_id,updated_at FROM placements WHERE pipeline_id=? AND item_kind=? AND item_id=?`,
		pipelineID, string(item.Kind), item.ID))
}

func (r Repo) GetPlacementTx(ctx context.Context, tx *sql.Tx, pipelineID string, item domain.ItemRef) (domain.Placement, error) {
	return scanPlacement(tx.QueryRowContext(ctx,
		`SELECT pipeline_id,item_kind,item_id,stage_id,updated_at FROM placements WHERE pipeline_id=? AND item_kind=? AND item_id=?`,
		pipelineID, string(item.Kind), item.ID))
}

func scanPlacement(row *sql.Row) (domain.Placement, error) {
	var p domain.Placement
	var kind string
	err := row.Scan(&p.PipelineID, &kind, &p.Item.ID, &p.StageID, &p.UpdatedAt)
	if err == sql.ErrNoRows {
		return p, ErrNotFound
	}
	p.Item.Kind = domain.ItemKind(kind)
	return p, err
}

// UpsertPlacementTx writes the placement with last-write-wins semantics on
// updated_at.
func (r Repo) UpsertPlacementTx(ctx context.Context, tx *sql.Tx, p domain.Placement) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO placements(pipeline_id,item_kind,item_id,stage_id,updated_at) VALUES (?,?,?,?,?)
ON CONFLICT(pipeline_id,item_kind,item_id) DO UPDATE SET stage_id=excluded.stage_id, updated_at=excluded.updated_at`,
		p.PipelineID, string(p.Item.Kind), p.Item.ID, p.StageID, p.UpdatedAt)
	return err
}

func (r Repo) DeletePlacementTx(ctx context.Context, tx *sql.Tx, pipelineID string, item domain.ItemRef) error {
	_, err := tx.ExecContext(ctx, `DELETE FROM placements WHERE pipeline_id=? AND item_kind=? AND item_id=?`,
		pipelineID, string(item.Kind), item.ID)
	return err
}

// ListPlacements returns the placements of a pipeline ordered by stage
// position then recency, the order the board renders them in.
func (r Repo) ListPlacements(ctx context.Context, pipelineID string) ([]domain.Placement, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT p.pipeline_id,p.item_kind,p.item_id,p.stage_id,p.updated_at
FROM placements p JOIN stages s ON s.id=p.stage_id
WHERE p.pipeline_id=? ORDER BY s.position, p.updated_at DESC, p.item_id`, pipelineID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Placement
	for rows.Next() {
		var p domain.Placement
		var kind string
		if err := rows.Scan(&p.PipelineID, &kind, &p.Item.ID, &p.StageID, &p.UpdatedAt); err != nil {
			return nil, err
		}
		p.Item.Kind = domain.ItemKind(kind)
		res = append(res, p)
	}
	return res, rows.Err()
}

const placementsByItemQuery = `SELECT pipeline_id,item_kind,item_id,stage_id,updated_at FROM placements WHERE item_kind=? AND item_id=?`

// ListPlacementsByItem returns every pipeline placement of one item.
func (r Repo) ListPlacementsByItem(ctx context.Context, item domain.ItemRef) ([]domain.Placement, error) {
	return collectPlacements(r.DB.QueryContext(ctx, placementsByItemQuery, string(item.Kind), item.ID))
}

// ListPlacementsByItemTx is the in-transaction variant. Reads inside an
// open write transaction must go through the transaction itself; a DB-level
// read would block on the transaction's own lock.
func (r Repo) ListPlacementsByItemTx(ctx context.Context, tx *sql.Tx, item domain.ItemRef) ([]domain.Placement, error) {
	return collectPlacements(tx.QueryContext(ctx, placementsByItemQuery, string(item.Kind), item.ID))
}

func collectPlacements(rows *sql.Rows, err error) ([]domain.Placement, error) {
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Placement
	for rows.Next() {
		var p domain.Placement
		var kind string
		if err := rows.Scan(&p.PipelineID, &kind, &p.Item.ID, &p.StageID, &p.UpdatedAt); err != nil {
			return nil, err
		}
		p.Item.Kind = domain.ItemKind(kind)
		res = append(res, p)
	}
	return res, rows.Err()
}

type EventFilters struct {
	ItemKind string
	ItemID   string
	Type     string
	Limit    int
	Cursor   int64
}

func (r Repo) LatestEvents(ctx context.Context, f EventFilters) ([]domain.Event, error) {
	clauses := []string{"1=1"}
	var args []any
	if f.ItemKind != "" {
		clauses = append(clauses, "item_kind=?")
		args = append(args, f.ItemKind)
	}
	if f.ItemID != "" {
		clauses = append(clauses, "item_id=?")
		args = append(args, f.ItemID)
	}
	if f.Type != "" {
		clauses = append(clauses, "type=?")
		args = append(args, f.Type)
	}
	if f.Cursor > 0 {
		clauses = append(clauses, "id<?")
		args = append(args, f.Cursor)
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	where := "WHERE " + strings.Join(clauses, " AND ")
	query := fmt.Sprintf(`SELECT id,ts,type,item_kind,item_id,actor_id,COALESCE(message,''),payload_json FROM events %s ORDER BY id DESC LIMIT ?`, where)
	args = append(args, limit)
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.ItemKind, &e.ItemID, &e.ActorID, &e.Message, &e.Payload); err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// HasEventSince reports whether an event of the given type exists for the
// item at or after ts. Used as the idempotency witness for run-at-most-once
// rule firings.
func (r Repo) HasEventSince(ctx context.Context, item domain.ItemRef, evtType, ts string) (bool, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT 1 FROM events WHERE item_kind=? AND item_id=? AND type=? AND ts>=? LIMIT 1`,
		string(item.Kind), item.ID, evtType, ts)
	var one int
	err := row.Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	return err == nil, err
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil || *v == "" {
		return nil
	}
	return *v
}

func stringPtr(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	s := ns.String
	return &s
}
