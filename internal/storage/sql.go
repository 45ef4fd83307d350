package storage

import (
	"database/sql"
)

// execer is satisfied by both *sql.DB and *sql.Tx.
type execer interface {
	Exec(query string, args ...any) (sql.Result, error)
}

// dialect holds the statements that differ between SQL backends.
type dialect struct {
	storeBreakpoint  string
	deleteBreakpoint string
	storeWatch       string
	deleteWatch      string
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func (d *dialect) execStoreBreakpoint(db execer, bp *BreakpointData) error {
	_, err := db.Exec(d.storeBreakpoint, bp.File, bp.Line, bp.Condition,
		boolInt(bp.Temporary), boolInt(bp.Enabled), bp.IgnoreCount)
	return err
}

func (d *dialect) execDeleteBreakpoint(db execer, file string, line int) error {
	_, err := db.Exec(d.deleteBreakpoint, file, line)
	return err
}

func (d *dialect) execStoreWatch(db execer, w *WatchData) error {
	_, err := db.Exec(d.storeWatch, w.Condition, boolInt(w.Temporary), boolInt(w.Enabled), w.IgnoreCount)
	return err
}

func (d *dialect) execDeleteWatch(db execer, condition string) error {
	_, err := db.Exec(d.deleteWatch, condition)
	return err
}

func execClear(db execer) error {
	if _, err := db.Exec("DELETE FROM breakpoints"); err != nil {
		return err
	}
	_, err := db.Exec("DELETE FROM watches")
	return err
}

func loadBreakpoints(db *sql.DB) ([]*BreakpointData, error) {
	rows, err := db.Query(`
		SELECT file, line, condition, temporary, enabled, ignore_count
		FROM breakpoints ORDER BY file, line
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var list []*BreakpointData
	for rows.Next() {
		var bp BreakpointData
		var temporary, enabled int
		if err := rows.Scan(&bp.File, &bp.Line, &bp.Condition, &temporary, &enabled, &bp.IgnoreCount); err != nil {
			return nil, err
		}
		bp.Temporary = temporary != 0
		bp.Enabled = enabled != 0
		list = append(list, &bp)
	}
	return list, rows.Err()
}

func loadWatches(db *sql.DB) ([]*WatchData, error) {
	rows, err := db.Query(`
		SELECT condition, temporary, enabled, ignore_count
		FROM watches ORDER BY seq
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var list []*WatchData
	for rows.Next() {
		var w WatchData
		var temporary, enabled int
		if err := rows.Scan(&w.Condition, &temporary, &enabled, &w.IgnoreCount); err != nil {
			return nil, err
		}
		w.Temporary = temporary != 0
		w.Enabled = enabled != 0
		list = append(list, &w)
	}
	return list, rows.Err()
}

// sqlTransaction implements Transaction for the SQL backends.
type sqlTransaction struct {
	tx *sql.Tx
	d  *dialect
}

func (t *sqlTransaction) StoreBreakpoint(bp *BreakpointData) error {
	return t.d.execStoreBreakpoint(t.tx, bp)
}

func (t *sqlTransaction) DeleteBreakpoint(file string, line int) error {
	return t.d.execDeleteBreakpoint(t.tx, file, line)
}

func (t *sqlTransaction) StoreWatch(w *WatchData) error {
	return t.d.execStoreWatch(t.tx, w)
}

func (t *sqlTransaction) DeleteWatch(condition string) error {
	return t.d.execDeleteWatch(t.tx, condition)
}

func (t *sqlTransaction) Clear() error {
	return execClear(t.tx)
}

// Commit completes the transaction.
func (t *sqlTransaction) Commit() error {
	return t.tx.Commit()
}

// Rollback cancels the transaction.
func (t *sqlTransaction) Rollback() error {
	return t.tx.Rollback()
}
