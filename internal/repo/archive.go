package repo

import (
	"context"
	"database/sql"
	"fmt"

	"flowdesk/internal/domain"
)

// InsertArchiveRecordTx creates the immutable invoicing snapshot. The
// partial unique index on (service_file_id) where superseded=0 makes a
// second concurrent invoice attempt fail here, before the lock is applied.
func (r Repo) InsertArchiveRecordTx(ctx context.Context, tx *sql.Tx, a domain.ArchiveRecord) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO archive_records(id,service_file_id,invoice_id,invoice_number,total_bani,snapshot_json,superseded,created_at)
VALUES (?,?,?,?,?,?,?,?)`,
		a.ID, a.ServiceFileID, a.InvoiceID, a.InvoiceNumber, a.TotalBani, a.SnapshotJSON, boolInt(a.Superseded), a.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert archive record: %w", err)
	}
	return nil
}

func (r Repo) GetArchiveRecord(ctx context.Context, id string) (domain.ArchiveRecord, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT id,service_file_id,invoice_id,invoice_number,total_bani,snapshot_json,superseded,created_at FROM archive_records WHERE id=?`, id)
	return scanArchiveRecord(row)
}

// CurrentArchiveRecord returns the non-superseded record for a file, if any.
func (r Repo) CurrentArchiveRecord(ctx context.Context, serviceFileID string) (domain.ArchiveRecord, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT id,service_file_id,invoice_id,invoice_number,total_bani,snapshot_json,superseded,created_at
FROM archive_records WHERE service_file_id=? AND superseded=0`, serviceFileID)
	return scanArchiveRecord(row)
}

func scanArchiveRecord(row *sql.Row) (domain.ArchiveRecord, error) {
	var a domain.ArchiveRecord
	var superseded int
	err := row.Scan(&a.ID, &a.ServiceFileID, &a.InvoiceID, &a.InvoiceNumber, &a.TotalBani, &a.SnapshotJSON, &superseded, &a.CreatedAt)
	if err == sql.ErrNoRows {
		return a, ErrNotFound
	}
	a.Superseded = superseded != 0
	return a, err
}

// SupersedeArchiveRecordTx marks the current record superseded. The record
// itself is kept for audit.
func (r Repo) SupersedeArchiveRecordTx(ctx context.Context, tx *sql.Tx, serviceFileID string) error {
	_, err := tx.ExecContext(ctx, `UPDATE archive_records SET superseded=1 WHERE service_file_id=? AND superseded=0`, serviceFileID)
	return err
}

// NextInvoiceNumberTx allocates the next number in the yearly sequence,
// inside the invoicing transaction so a rollback returns the number.
func (r Repo) NextInvoiceNumberTx(ctx context.Context, tx *sql.Tx, year int) (string, error) {
	if _, err := tx.ExecContext(ctx, `INSERT INTO invoice_counters(year,last_seq) VALUES (?,0) ON CONFLICT(year) DO NOTHING`, year); err != nil {
		return "", err
	}
	if _, err := tx.ExecContext(ctx, `UPDATE invoice_counters SET last_seq=last_seq+1 WHERE year=?`, year); err != nil {
		return "", err
	}
	var seq int64
	if err := tx.QueryRowContext(ctx, `SELECT last_seq FROM invoice_counters WHERE year=?`, year).Scan(&seq); err != nil {
		return "", err
	}
	return fmt.Sprintf("%d/%d", seq, year), nil
}
