package db

import (
	"context"
	"database/sql"
	"time"
)

type sqliteRepo struct {
	db *sql.DB
}

// execer is satisfied by both *sql.DB and *sql.Tx, letting insertDownload/
// extendDownload/insertLogEntries run standalone or share a transaction
// with CommitBatch.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	PrepareContext(ctx context.Context, query string) (*sql.Stmt, error)
}

// NewRepo wraps an open *sql.DB (see Open) in the Repo interface.
func NewRepo(sqldb *sql.DB) Repo {
	return &sqliteRepo{db: sqldb}
}

// -------------------- Downloads --------------------

func (r *sqliteRepo) FindActiveDownload(ctx context.Context, clientIP, service string, depotID *uint32) (*Download, error) {
	return r.findDownload(ctx, clientIP, service, depotID, true)
}

func (r *sqliteRepo) FindMostRecentDownload(ctx context.Context, clientIP, service string, depotID *uint32) (*Download, error) {
	return r.findDownload(ctx, clientIP, service, depotID, false)
}

func (r *sqliteRepo) findDownload(ctx context.Context, clientIP, service string, depotID *uint32, activeOnly bool) (*Download, error) {
	q := `
SELECT id, service, client_ip, depot_id, game_app_id, game_name, game_image_url, last_url,
       start_time, end_time, cache_hit_bytes, cache_miss_bytes, is_active
FROM downloads
WHERE client_ip = ? AND service = ? AND depot_id IS ?`
	if activeOnly {
		q += ` AND is_active = 1`
	}
	q += ` ORDER BY end_time DESC, id DESC LIMIT 1;`

	var depotArg any
	if depotID != nil {
		depotArg = *depotID
	}
	row := r.db.QueryRowContext(ctx, q, clientIP, service, depotArg)
	d, err := scanDownload(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return d, nil
}

func scanDownload(row *sql.Row) (*Download, error) {
	var d Download
	var depotID, gameAppID sql.NullInt64
	var gameName, gameImage, lastURL sql.NullString
	var isActive int
	if err := row.Scan(&d.ID, &d.Service, &d.ClientIP, &depotID, &gameAppID, &gameName, &gameImage, &lastURL,
		&d.StartTime, &d.EndTime, &d.CacheHitBytes, &d.CacheMissBytes, &isActive); err != nil {
		return nil, err
	}
	if depotID.Valid {
		v := uint32(depotID.Int64)
		d.DepotID = &v
	}
	if gameAppID.Valid {
		v := uint32(gameAppID.Int64)
		d.GameAppID = &v
	}
	if gameName.Valid {
		d.GameName = &gameName.String
	}
	if gameImage.Valid {
		d.GameImageURL = &gameImage.String
	}
	if lastURL.Valid {
		d.LastURL = &lastURL.String
	}
	d.IsActive = isActive != 0
	return &d, nil
}

func (r *sqliteRepo) InsertDownload(ctx context.Context, d Download) (int64, error) {
	return insertDownload(ctx, r.db, d)
}

func insertDownload(ctx context.Context, x execer, d Download) (int64, error) {
	const q = `
INSERT INTO downloads(service, client_ip, depot_id, game_app_id, game_name, game_image_url, last_url,
                       start_time, end_time, cache_hit_bytes, cache_miss_bytes, is_active)
VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?);`
	res, err := x.ExecContext(ctx, q,
		d.Service, d.ClientIP, nullableU32(d.DepotID), nullableU32(d.GameAppID),
		nullableStr(d.GameName), nullableStr(d.GameImageURL), nullableStr(d.LastURL),
		d.StartTime.UTC(), d.EndTime.UTC(), d.CacheHitBytes, d.CacheMissBytes, boolToInt(d.IsActive))
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (r *sqliteRepo) ExtendDownload(ctx context.Context, d Download) error {
	return extendDownload(ctx, r.db, d)
}

// extendDownload updates the mutable fields of an existing Download. The
// game_* columns use COALESCE so an extend that hasn't resolved a game yet
// doesn't blank out a resolution an earlier write already stored.
func extendDownload(ctx context.Context, x execer, d Download) error {
	const q = `
UPDATE downloads SET
  depot_id = COALESCE(?, depot_id),
  game_app_id = COALESCE(?, game_app_id),
  game_name = COALESCE(?, game_name),
  game_image_url = COALESCE(?, game_image_url),
  last_url = ?,
  end_time = ?,
  cache_hit_bytes = ?,
  cache_miss_bytes = ?,
  is_active = ?
WHERE id = ?;`
	_, err := x.ExecContext(ctx, q, nullableU32(d.DepotID), nullableU32(d.GameAppID),
		nullableStr(d.GameName), nullableStr(d.GameImageURL), nullableStr(d.LastURL), d.EndTime.UTC(),
		d.CacheHitBytes, d.CacheMissBytes, boolToInt(d.IsActive), d.ID)
	return err
}

// CloseStaleDownloads flips is_active=false for at most limit downloads idle
// past olderThan, in one statement (spec.md §4.1 "Active-download sweeper").
// The log processor's sweeper repeats the call, pausing 50ms between
// batches, until fewer than limit rows are closed.
func (r *sqliteRepo) CloseStaleDownloads(ctx context.Context, olderThan time.Time, limit int) (int64, error) {
	if limit <= 0 {
		limit = 10
	}
	const q = `
UPDATE downloads SET is_active = 0
WHERE id IN (
  SELECT id FROM downloads WHERE is_active = 1 AND end_time < ? LIMIT ?
);`
	res, err := r.db.ExecContext(ctx, q, olderThan.UTC(), limit)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// -------------------- Log entries --------------------

func (r *sqliteRepo) InsertLogEntries(ctx context.Context, rows []LogEntryRecord) error {
	if len(rows) == 0 {
		return nil
	}
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := insertLogEntries(ctx, tx, 0, rows); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

// insertLogEntries writes rows against x, overriding each row's
// DownloadID with downloadID when it is non-zero (CommitBatch's case,
// where the Download may have just been inserted in the same transaction
// and the caller's rows don't know its id yet).
func insertLogEntries(ctx context.Context, x execer, downloadID int64, rows []LogEntryRecord) error {
	if len(rows) == 0 {
		return nil
	}
	const q = `
INSERT INTO log_entry_records(download_id, timestamp, client_ip, service, url, status_code,
                               bytes_served, cache_status, depot_id)
VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?);`
	stmt, err := x.PrepareContext(ctx, q)
	if err != nil {
		return err
	}
	defer stmt.Close()
	for _, e := range rows {
		id := e.DownloadID
		if downloadID != 0 {
			id = downloadID
		}
		if _, err := stmt.ExecContext(ctx, id, e.Timestamp.UTC(), e.ClientIP, e.Service, e.URL,
			e.StatusCode, e.BytesServed, e.CacheStatus, nullableU32(e.DepotID)); err != nil {
			return err
		}
	}
	return nil
}

// CommitBatch implements spec.md §4.1 steps 3-5 as one unit of work: the
// Download write (insert or extend) and its LogEntryRecord rows commit
// together, so a crash between the two can never leave log entries
// referencing a Download row that was never written.
func (r *sqliteRepo) CommitBatch(ctx context.Context, commit BatchCommit) (int64, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}

	d := commit.Download
	var downloadID int64
	if d.ID == 0 {
		downloadID, err = insertDownload(ctx, tx, d)
	} else {
		downloadID = d.ID
		err = extendDownload(ctx, tx, d)
	}
	if err != nil {
		_ = tx.Rollback()
		return 0, err
	}

	if err := insertLogEntries(ctx, tx, downloadID, commit.Entries); err != nil {
		_ = tx.Rollback()
		return 0, err
	}

	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return downloadID, nil
}

// -------------------- Stats --------------------

func (r *sqliteRepo) UpsertClientStats(ctx context.Context, clientIP string, hitDelta, missDelta int64, seenAt time.Time, newDownload bool) error {
	inc := 0
	if newDownload {
		inc = 1
	}
	const q = `
INSERT INTO client_stats(client_ip, total_hit_bytes, total_miss_bytes, last_seen, total_downloads)
VALUES(?, ?, ?, ?, ?)
ON CONFLICT(client_ip) DO UPDATE SET
  total_hit_bytes = total_hit_bytes + excluded.total_hit_bytes,
  total_miss_bytes = total_miss_bytes + excluded.total_miss_bytes,
  last_seen = excluded.last_seen,
  total_downloads = total_downloads + ?;`
	_, err := r.db.ExecContext(ctx, q, clientIP, hitDelta, missDelta, seenAt.UTC(), inc, inc)
	return err
}

func (r *sqliteRepo) UpsertServiceStats(ctx context.Context, service string, hitDelta, missDelta int64, seenAt time.Time, newDownload bool) error {
	inc := 0
	if newDownload {
		inc = 1
	}
	const q = `
INSERT INTO service_stats(service, total_hit_bytes, total_miss_bytes, last_seen, total_downloads)
VALUES(?, ?, ?, ?, ?)
ON CONFLICT(service) DO UPDATE SET
  total_hit_bytes = total_hit_bytes + excluded.total_hit_bytes,
  total_miss_bytes = total_miss_bytes + excluded.total_miss_bytes,
  last_seen = excluded.last_seen,
  total_downloads = total_downloads + ?;`
	_, err := r.db.ExecContext(ctx, q, service, hitDelta, missDelta, seenAt.UTC(), inc, inc)
	return err
}

// -------------------- Depot mapping resolution --------------------

func (r *sqliteRepo) ResolveDepot(ctx context.Context, depotID uint32) (uint32, string, bool, error) {
	const q = `
SELECT app_id, COALESCE(app_name, '')
FROM steam_depot_mappings
WHERE depot_id = ?
ORDER BY is_owner DESC, discovered_at ASC
LIMIT 1;`
	var appID int64
	var appName string
	err := r.db.QueryRowContext(ctx, q, depotID).Scan(&appID, &appName)
	if err == sql.ErrNoRows {
		return 0, "", false, nil
	}
	if err != nil {
		return 0, "", false, err
	}
	return uint32(appID), appName, true, nil
}

func (r *sqliteRepo) ListUnresolvedDownloads(ctx context.Context, limit int) ([]Download, error) {
	if limit <= 0 {
		limit = 500
	}
	const q = `
SELECT id, service, client_ip, depot_id, game_app_id, game_name, game_image_url, last_url,
       start_time, end_time, cache_hit_bytes, cache_miss_bytes, is_active
FROM downloads
WHERE depot_id IS NOT NULL AND game_app_id IS NULL
LIMIT ?;`
	rows, err := r.db.QueryContext(ctx, q, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Download
	for rows.Next() {
		var d Download
		var depotID, gameAppID sql.NullInt64
		var gameName, gameImage, lastURL sql.NullString
		var isActive int
		if err := rows.Scan(&d.ID, &d.Service, &d.ClientIP, &depotID, &gameAppID, &gameName, &gameImage, &lastURL,
			&d.StartTime, &d.EndTime, &d.CacheHitBytes, &d.CacheMissBytes, &isActive); err != nil {
			return nil, err
		}
		if depotID.Valid {
			v := uint32(depotID.Int64)
			d.DepotID = &v
		}
		if gameAppID.Valid {
			v := uint32(gameAppID.Int64)
			d.GameAppID = &v
		}
		if gameName.Valid {
			d.GameName = &gameName.String
		}
		if gameImage.Valid {
			d.GameImageURL = &gameImage.String
		}
		if lastURL.Valid {
			d.LastURL = &lastURL.String
		}
		d.IsActive = isActive != 0
		out = append(out, d)
	}
	return out, rows.Err()
}

func (r *sqliteRepo) SetDownloadGame(ctx context.Context, downloadID int64, appID uint32, appName, imageURL string) error {
	const q = `UPDATE downloads SET game_app_id=?, game_name=?, game_image_url=? WHERE id=?;`
	_, err := r.db.ExecContext(ctx, q, appID, appName, imageURL, downloadID)
	return err
}

// -------------------- Depot mapping writes --------------------

func (r *sqliteRepo) UpsertDepotMappings(ctx context.Context, rows []SteamDepotMapping) error {
	if len(rows) == 0 {
		return nil
	}
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	const q = `
INSERT INTO steam_depot_mappings(depot_id, app_id, app_name, source, is_owner, discovered_at)
VALUES(?, ?, ?, ?, ?, ?)
ON CONFLICT(depot_id, app_id) DO UPDATE SET
  app_name = excluded.app_name,
  source   = excluded.source,
  is_owner = excluded.is_owner;`
	stmt, err := tx.PrepareContext(ctx, q)
	if err != nil {
		_ = tx.Rollback()
		return err
	}
	defer stmt.Close()
	for _, m := range rows {
		if _, err := stmt.ExecContext(ctx, m.DepotID, m.AppID, nullableStr(m.AppName), m.Source,
			boolToInt(m.IsOwner), m.DiscoveredAt.UTC()); err != nil {
			_ = tx.Rollback()
			return err
		}
	}
	return tx.Commit()
}

func (r *sqliteRepo) CountDepotMappings(ctx context.Context) (int, int, error) {
	const q = `SELECT COUNT(DISTINCT depot_id), COUNT(DISTINCT app_id) FROM steam_depot_mappings;`
	var depots, apps int
	err := r.db.QueryRowContext(ctx, q).Scan(&depots, &apps)
	return depots, apps, err
}

// -------------------- helpers --------------------

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullableU32(p *uint32) any {
	if p == nil {
		return nil
	}
	return *p
}

func nullableStr(p *string) any {
	if p == nil {
		return nil
	}
	return *p
}
