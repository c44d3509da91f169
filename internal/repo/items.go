package repo

import (
	"context"
	"database/sql"

	"flowdesk/internal/domain"
)

const leadCols = `id,name,COALESCE(phone,''),callback_date,nu_raspunde_callback_at,curier_trimis_at,curier_trimis_user_id,office_direct_at,call_tag,no_deal,created_at`

func scanLead(scan func(dest ...any) error) (domain.Lead, error) {
	var l domain.Lead
	var callback, noAnswer, curierAt, curierUser, officeAt sql.NullString
	var callTag, noDeal int
	err := scan(&l.ID, &l.Name, &l.Phone, &callback, &noAnswer, &curierAt, &curierUser, &officeAt, &callTag, &noDeal, &l.CreatedAt)
	if err == sql.ErrNoRows {
		return l, ErrNotFound
	}
	if err != nil {
		return l, err
	}
	l.CallbackDate = stringPtr(callback)
	l.NuRaspundeCallbackAt = stringPtr(noAnswer)
	l.CurierTrimisAt = stringPtr(curierAt)
	l.CurierTrimisUserID = stringPtr(curierUser)
	l.OfficeDirectAt = stringPtr(officeAt)
	l.CallTag = callTag != 0
	l.NoDeal = noDeal != 0
	return l, nil
}

func (r Repo) InsertLead(ctx context.Context, l domain.Lead) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO leads(id,name,phone,callback_date,nu_raspunde_callback_at,curier_trimis_at,curier_trimis_user_id,office_direct_at,call_tag,no_deal,created_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?)`,
		l.ID, l.Name, nullable(l.Phone), nullableStringPtr(l.CallbackDate), nullableStringPtr(l.NuRaspundeCallbackAt),
		nullableStringPtr(l.CurierTrimisAt), nullableStringPtr(l.CurierTrimisUserID), nullableStringPtr(l.OfficeDirectAt),
		boolInt(l.CallTag), boolInt(l.NoDeal), l.CreatedAt)
	return err
}

func (r Repo) GetLead(ctx context.Context, id string) (domain.Lead, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+leadCols+` FROM leads WHERE id=?`, id)
	return scanLead(row.Scan)
}

// StampCourierSentTx records who sent the courier and when on the lead, done
// in the same transaction as the stage move that implies it.
func (r Repo) StampCourierSentTx(ctx context.Context, tx *sql.Tx, leadID, userID, at string) error {
	_, err := tx.ExecContext(ctx, `UPDATE leads SET curier_trimis_at=?, curier_trimis_user_id=? WHERE id=? AND curier_trimis_at IS NULL`,
		at, nullable(userID), leadID)
	return err
}

// SetLeadCallTag sets the call tag exactly once; returns false when the tag
// was already present.
func (r Repo) SetLeadCallTag(ctx context.Context, id string) (bool, error) {
	res, err := r.DB.ExecContext(ctx, `UPDATE leads SET call_tag=1 WHERE id=? AND call_tag=0`, id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// LeadsWithDueCallback returns leads whose callback or no-answer timestamp
// is at or before now and that are not yet tagged.
func (r Repo) LeadsWithDueCallback(ctx context.Context, now string) ([]domain.Lead, error) {
	return r.queryLeads(ctx, `SELECT `+leadCols+` FROM leads
WHERE call_tag=0 AND ((callback_date IS NOT NULL AND callback_date<=?) OR (nu_raspunde_callback_at IS NOT NULL AND nu_raspunde_callback_at<=?))`, now, now)
}

// LeadsWithCallbackInWindow returns leads whose callback date falls inside
// [from, to].
func (r Repo) LeadsWithCallbackInWindow(ctx context.Context, from, to string) ([]domain.Lead, error) {
	return r.queryLeads(ctx, `SELECT `+leadCols+` FROM leads
WHERE callback_date IS NOT NULL AND callback_date>=? AND callback_date<=?`, from, to)
}

// LeadsWithCourierSentBefore returns leads whose courier-sent or
// office-direct timestamp is at or before the cutoff.
func (r Repo) LeadsWithCourierSentBefore(ctx context.Context, cutoff string) ([]domain.Lead, error) {
	return r.queryLeads(ctx, `SELECT `+leadCols+` FROM leads
WHERE (curier_trimis_at IS NOT NULL AND curier_trimis_at<=?) OR (office_direct_at IS NOT NULL AND office_direct_at<=?)`, cutoff, cutoff)
}

func (r Repo) queryLeads(ctx context.Context, query string, args ...any) ([]domain.Lead, error) {
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Lead
	for rows.Next() {
		l, err := scanLead(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, l)
	}
	return res, rows.Err()
}

const fileCols = `id,lead_id,title,curier_trimis,curier_scheduled_at,office_direct_at,colet_neridicat,no_deal,invoiced,invoiced_at,invoice_number,created_at`

func scanServiceFile(scan func(dest ...any) error) (domain.ServiceFile, error) {
	var f domain.ServiceFile
	var leadID, scheduledAt, officeAt, invoicedAt, invoiceNumber sql.NullString
	var curierTrimis, colet, noDeal, invoiced int
	err := scan(&f.ID, &leadID, &f.Title, &curierTrimis, &scheduledAt, &officeAt, &colet, &noDeal, &invoiced, &invoicedAt, &invoiceNumber, &f.CreatedAt)
	if err == sql.ErrNoRows {
		return f, ErrNotFound
	}
	if err != nil {
		return f, err
	}
	f.LeadID = stringPtr(leadID)
	f.CurierScheduledAt = stringPtr(scheduledAt)
	f.OfficeDirectAt = stringPtr(officeAt)
	f.InvoicedAt = stringPtr(invoicedAt)
	f.InvoiceNumber = stringPtr(invoiceNumber)
	f.CurierTrimis = curierTrimis != 0
	f.ColetNeridicat = colet != 0
	f.NoDeal = noDeal != 0
	f.Invoiced = invoiced != 0
	return f, nil
}

func (r Repo) InsertServiceFile(ctx context.Context, f domain.ServiceFile) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO service_files(id,lead_id,title,curier_trimis,curier_scheduled_at,office_direct_at,colet_neridicat,no_deal,invoiced,invoiced_at,invoice_number,created_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?)`,
		f.ID, nullableStringPtr(f.LeadID), f.Title, boolInt(f.CurierTrimis), nullableStringPtr(f.CurierScheduledAt),
		nullableStringPtr(f.OfficeDirectAt), boolInt(f.ColetNeridicat), boolInt(f.NoDeal), boolInt(f.Invoiced),
		nullableStringPtr(f.InvoicedAt), nullableStringPtr(f.InvoiceNumber), f.CreatedAt)
	return err
}

func (r Repo) GetServiceFile(ctx context.Context, id string) (domain.ServiceFile, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+fileCols+` FROM service_files WHERE id=?`, id)
	return scanServiceFile(row.Scan)
}

func (r Repo) GetServiceFileTx(ctx context.Context, tx *sql.Tx, id string) (domain.ServiceFile, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+fileCols+` FROM service_files WHERE id=?`, id)
	return scanServiceFile(row.Scan)
}

// FilesWithCourierScheduledBefore returns not-invoiced files flagged
// curier_trimis whose scheduled timestamp is at or before the cutoff and
// that carry neither terminal flag yet.
func (r Repo) FilesWithCourierScheduledBefore(ctx context.Context, cutoff string) ([]domain.ServiceFile, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+fileCols+` FROM service_files
WHERE curier_trimis=1 AND invoiced=0 AND colet_neridicat=0 AND no_deal=0
AND curier_scheduled_at IS NOT NULL AND curier_scheduled_at<=?`, cutoff)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.ServiceFile
	for rows.Next() {
		f, err := scanServiceFile(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, f)
	}
	return res, rows.Err()
}

// FilesWithCourierSentBefore mirrors LeadsWithCourierSentBefore for files
// that were sent by courier or brought directly to the office. Files
// carrying a terminal unclaimed flag stay out; they belong to the
// package-unclaimed stage and must not bounce back.
func (r Repo) FilesWithCourierSentBefore(ctx context.Context, cutoff string) ([]domain.ServiceFile, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+fileCols+` FROM service_files
WHERE invoiced=0 AND colet_neridicat=0 AND no_deal=0
AND ((curier_trimis=1 AND curier_scheduled_at IS NOT NULL AND curier_scheduled_at<=?)
  OR (office_direct_at IS NOT NULL AND office_direct_at<=?))`, cutoff, cutoff)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.ServiceFile
	for rows.Next() {
		f, err := scanServiceFile(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, f)
	}
	return res, rows.Err()
}

// MarkFileUnclaimedTx sets one of the two terminal unclaimed flags exactly
// once. Which flag depends on the invocation path (cron sets no_deal, the
// on-access check sets colet_neridicat). Returns false when the flag was
// already set.
func (r Repo) MarkFileUnclaimedTx(ctx context.Context, tx *sql.Tx, id, flag string) (bool, error) {
	var query string
	switch flag {
	case "no_deal":
		query = `UPDATE service_files SET no_deal=1 WHERE id=? AND no_deal=0`
	case "colet_neridicat":
		query = `UPDATE service_files SET colet_neridicat=1 WHERE id=? AND colet_neridicat=0`
	default:
		return false, ErrNotFound
	}
	res, err := tx.ExecContext(ctx, query, id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// LockServiceFileTx sets the invoiced lock. The guard on invoiced=0 makes a
// double lock visible to the caller.
func (r Repo) LockServiceFileTx(ctx context.Context, tx *sql.Tx, id, invoiceNumber, at string) (bool, error) {
	res, err := tx.ExecContext(ctx, `UPDATE service_files SET invoiced=1, invoiced_at=?, invoice_number=? WHERE id=? AND invoiced=0`,
		at, invoiceNumber, id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (r Repo) UnlockServiceFileTx(ctx context.Context, tx *sql.Tx, id string) error {
	_, err := tx.ExecContext(ctx, `UPDATE service_files SET invoiced=0, invoiced_at=NULL, invoice_number=NULL WHERE id=?`, id)
	return err
}

func (r Repo) InsertTray(ctx context.Context, t domain.Tray) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO trays(id,service_file_id,label,released,created_at) VALUES (?,?,?,?,?)`,
		t.ID, nullableStringPtr(t.ServiceFileID), t.Label, boolInt(t.Released), t.CreatedAt)
	return err
}

func (r Repo) GetTray(ctx context.Context, id string) (domain.Tray, error) {
	var t domain.Tray
	var fileID sql.NullString
	var released int
	err := r.DB.QueryRowContext(ctx, `SELECT id,service_file_id,label,released,created_at FROM trays WHERE id=?`, id).
		Scan(&t.ID, &fileID, &t.Label, &released, &t.CreatedAt)
	if err == sql.ErrNoRows {
		return t, ErrNotFound
	}
	t.ServiceFileID = stringPtr(fileID)
	t.Released = released != 0
	return t, err
}

func (r Repo) ListTraysByFile(ctx context.Context, serviceFileID string) ([]domain.Tray, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,service_file_id,label,released,created_at FROM trays WHERE service_file_id=? ORDER BY created_at, id`, serviceFileID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Tray
	for rows.Next() {
		var t domain.Tray
		var fileID sql.NullString
		var released int
		if err := rows.Scan(&t.ID, &fileID, &t.Label, &released, &t.CreatedAt); err != nil {
			return nil, err
		}
		t.ServiceFileID = stringPtr(fileID)
		t.Released = released != 0
		res = append(res, t)
	}
	return res, rows.Err()
}

// ReleaseTrayTx detaches a tray from its service file and marks it reusable.
func (r Repo) ReleaseTrayTx(ctx context.Context, tx *sql.Tx, id string) error {
	_, err := tx.ExecContext(ctx, `UPDATE trays SET service_file_id=NULL, released=1 WHERE id=?`, id)
	return err
}

func (r Repo) InsertTrayItem(ctx context.Context, it domain.TrayItem) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO tray_items(id,tray_id,description,quantity,unit_price_bani,discount_bani) VALUES (?,?,?,?,?,?)`,
		it.ID, it.TrayID, it.Description, it.Quantity, it.UnitPriceBani, it.DiscountBani)
	return err
}

func (r Repo) ListTrayItems(ctx context.Context, trayID string) ([]domain.TrayItem, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,tray_id,description,quantity,unit_price_bani,discount_bani FROM tray_items WHERE tray_id=? ORDER BY id`, trayID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.TrayItem
	for rows.Next() {
		var it domain.TrayItem
		if err := rows.Scan(&it.ID, &it.TrayID, &it.Description, &it.Quantity, &it.UnitPriceBani, &it.DiscountBani); err != nil {
			return nil, err
		}
		res = append(res, it)
	}
	return res, rows.Err()
}

// DeleteTrayItemsByFileTx removes the working lines of every tray on the
// file. Called at invoicing so superseded rows never reappear on the board.
func (r Repo) DeleteTrayItemsByFileTx(ctx context.Context, tx *sql.Tx, serviceFileID string) error {
	_, err := tx.ExecContext(ctx, `DELETE FROM tray_items WHERE tray_id IN (SELECT id FROM trays WHERE service_file_id=?)`, serviceFileID)
	return err
}

// TrayHasItems reports whether any working line remains on the tray.
func (r Repo) TrayHasItems(ctx context.Context, trayID string) (bool, error) {
	var one int
	err := r.DB.QueryRowContext(ctx, `SELECT 1 FROM tray_items WHERE tray_id=? LIMIT 1`, trayID).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	return err == nil, err
}
