// Package storage persists DatasetClients, their record snapshots and the
// per-client Update outcomes in the shared store.
//
// Records are content-addressed: one row per (dataset, uid, hash), shared by
// every client whose snapshot contains that exact record. Ownership lives in
// record_refs; a record row is deleted as soon as its last ref goes.
package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/tonimelisma/syncd/internal/dataset"
	"github.com/tonimelisma/syncd/internal/store"
)

// ErrClientNotFound is returned when a DatasetClient id has no row.
var ErrClientNotFound = errors.New("storage: dataset client not found")

// SQL statements for client and record operations.
const (
	clientColumns = `id, dataset_id, query_params, meta_data, config, collision_count,
		global_hash, stopped, sync_scheduled, sync_completed, sync_loop_start,
		sync_loop_end, last_accessed`

	sqlUpsertClient = `INSERT INTO dataset_clients
		(id, dataset_id, query_params, meta_data, config, last_accessed, stopped)
		VALUES (?, ?, ?, ?, ?, ?, 0)
		ON CONFLICT(id) DO UPDATE SET
		 query_params = excluded.query_params,
		 meta_data = excluded.meta_data,
		 config = excluded.config,
		 last_accessed = excluded.last_accessed,
		 stopped = 0`

	sqlReadClient = `SELECT ` + clientColumns + ` FROM dataset_clients WHERE id = ?`

	sqlListClients = `SELECT ` + clientColumns + ` FROM dataset_clients ORDER BY id`

	sqlClientRecords = `SELECT r.uid, r.hash, r.data FROM records r
		JOIN record_refs f ON f.dataset_id = r.dataset_id AND f.uid = r.uid AND f.hash = r.hash
		WHERE f.client_id = ?`

	sqlUpsertRecord = `INSERT INTO records (dataset_id, uid, hash, data) VALUES (?, ?, ?, ?)
		ON CONFLICT(dataset_id, uid, hash) DO UPDATE SET data = excluded.data`

	sqlAddRef = `INSERT OR IGNORE INTO record_refs (dataset_id, uid, hash, client_id)
		VALUES (?, ?, ?, ?)`

	sqlPullOtherRefs = `DELETE FROM record_refs
		WHERE dataset_id = ? AND uid = ? AND client_id = ? AND hash <> ?
		RETURNING hash`

	sqlDeleteOrphan = `DELETE FROM records
		WHERE dataset_id = ? AND uid = ? AND hash = ?
		AND NOT EXISTS (
			SELECT 1 FROM record_refs f
			WHERE f.dataset_id = records.dataset_id AND f.uid = records.uid AND f.hash = records.hash
		)`

	sqlPullClientRefs = `DELETE FROM record_refs WHERE client_id = ? RETURNING dataset_id, uid, hash`

	sqlDeleteIdleClient = `DELETE FROM dataset_clients WHERE id = ? AND last_accessed < ?`
)

// Storage is the persistence layer for the sync engine.
type Storage struct {
	db     *sql.DB
	logger *slog.Logger

	nowFunc func() time.Time // injectable for deterministic tests
}

// New returns a Storage over the shared store.
func New(db *sql.DB, logger *slog.Logger) *Storage {
	return &Storage{db: db, logger: logger, nowFunc: time.Now}
}

// SetNowFunc overrides the clock. Test use only.
func (s *Storage) SetNowFunc(fn func() time.Time) {
	s.nowFunc = fn
}

// ClientUpdate lists the DatasetClient fields to change. Nil fields are
// left alone.
type ClientUpdate struct {
	GlobalHash    *string
	Stopped       *bool
	SyncScheduled *time.Time
	SyncCompleted *time.Time
	SyncLoopStart *time.Time
	SyncLoopEnd   *time.Time
}

func (u ClientUpdate) empty() bool {
	return u.GlobalHash == nil && u.Stopped == nil && u.SyncScheduled == nil &&
		u.SyncCompleted == nil && u.SyncLoopStart == nil && u.SyncLoopEnd == nil
}

// UpsertClient creates the client or refreshes an existing one on a client
// request: lastAccessed moves to now and a stopped client is reactivated.
// Sync timestamps, hashes and counters are preserved.
func (s *Storage) UpsertClient(ctx context.Context, c *dataset.Client) (*dataset.Client, error) {
	qp, err := encodeMap(c.QueryParams)
	if err != nil {
		return nil, fmt.Errorf("storage: upsert client %s: query params: %w", c.ID, err)
	}

	md, err := encodeMap(c.MetaData)
	if err != nil {
		return nil, fmt.Errorf("storage: upsert client %s: meta data: %w", c.ID, err)
	}

	cfg, err := json.Marshal(c.Config)
	if err != nil {
		return nil, fmt.Errorf("storage: upsert client %s: config: %w", c.ID, err)
	}

	if _, err := s.db.ExecContext(ctx, sqlUpsertClient,
		c.ID, c.DatasetID, qp, md, string(cfg), s.nowFunc().UnixNano()); err != nil {
		return nil, fmt.Errorf("storage: upsert client %s: %w", c.ID, err)
	}

	return s.ReadClient(ctx, c.ID)
}

// ReadClient loads one client.
func (s *Storage) ReadClient(ctx context.Context, id string) (*dataset.Client, error) {
	c, err := scanClient(s.db.QueryRowContext(ctx, sqlReadClient, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("storage: client %s: %w", id, ErrClientNotFound)
	}

	if err != nil {
		return nil, fmt.Errorf("storage: reading client %s: %w", id, err)
	}

	return c, nil
}

// ReadClientWithRecords loads a client and its current record snapshot
// keyed by uid.
func (s *Storage) ReadClientWithRecords(ctx context.Context, id string) (*dataset.Client, map[string]Record, error) {
	c, err := s.ReadClient(ctx, id)
	if err != nil {
		return nil, nil, err
	}

	recs, err := s.clientRecords(ctx, id)
	if err != nil {
		return nil, nil, err
	}

	return c, recs, nil
}

// ListClients loads every client.
func (s *Storage) ListClients(ctx context.Context) ([]*dataset.Client, error) {
	rows, err := s.db.QueryContext(ctx, sqlListClients)
	if err != nil {
		return nil, fmt.Errorf("storage: listing clients: %w", err)
	}
	defer rows.Close()

	var out []*dataset.Client

	for rows.Next() {
		c, err := scanClient(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: scanning client: %w", err)
		}

		out = append(out, c)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("storage: listing clients: %w", err)
	}

	return out, nil
}

// ClientCounts summarizes the clients table.
type ClientCounts struct {
	Total   int `json:"total"`
	Stopped int `json:"stopped"`
	Records int `json:"records"`
}

// CountClients returns client and record totals.
func (s *Storage) CountClients(ctx context.Context) (ClientCounts, error) {
	var c ClientCounts

	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*), COALESCE(SUM(stopped), 0), (SELECT COUNT(*) FROM records)
			FROM dataset_clients`).Scan(&c.Total, &c.Stopped, &c.Records)
	if err != nil {
		return ClientCounts{}, fmt.Errorf("storage: counting clients: %w", err)
	}

	return c, nil
}

// UpdateClient applies upd to the client row.
func (s *Storage) UpdateClient(ctx context.Context, id string, upd ClientUpdate) error {
	if upd.empty() {
		return nil
	}

	var (
		sets []string
		args []any
	)

	add := func(col string, v any) {
		sets = append(sets, col+" = ?")
		args = append(args, v)
	}

	if upd.GlobalHash != nil {
		add("global_hash", nullString(*upd.GlobalHash))
	}

	if upd.Stopped != nil {
		add("stopped", *upd.Stopped)
	}

	if upd.SyncScheduled != nil {
		add("sync_scheduled", store.Nanos(*upd.SyncScheduled))
	}

	if upd.SyncCompleted != nil {
		add("sync_completed", store.Nanos(*upd.SyncCompleted))
	}

	if upd.SyncLoopStart != nil {
		add("sync_loop_start", store.Nanos(*upd.SyncLoopStart))
	}

	if upd.SyncLoopEnd != nil {
		add("sync_loop_end", store.Nanos(*upd.SyncLoopEnd))
	}

	query := `UPDATE dataset_clients SET `
	for i, set := range sets {
		if i > 0 {
			query += ", "
		}

		query += set
	}

	query += ` WHERE id = ?`
	args = append(args, id)

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("storage: updating client %s: %w", id, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("storage: updating client %s: rows affected: %w", id, err)
	}

	if n == 0 {
		return fmt.Errorf("storage: updating client %s: %w", id, ErrClientNotFound)
	}

	return nil
}

// IncrementCollisionCount bumps the client's collision counter.
func (s *Storage) IncrementCollisionCount(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE dataset_clients SET collision_count = collision_count + 1 WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("storage: incrementing collisions for %s: %w", id, err)
	}

	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("storage: incrementing collisions for %s: %w", id, ErrClientNotFound)
	}

	return nil
}

// UpdateClientWithRecords replaces the client's record snapshot with
// records, then applies upd to the client row. Each changed uid is applied
// in its own transaction; the client row is written last, so a crash part
// way leaves the client advertising its previous global hash.
func (s *Storage) UpdateClientWithRecords(
	ctx context.Context, c *dataset.Client, records map[string]Record, upd ClientUpdate,
) error {
	local, err := s.clientRecords(ctx, c.ID)
	if err != nil {
		return err
	}

	diffs := DiffRecords(local, records)

	uids := make([]string, 0, len(diffs))
	for uid := range diffs {
		uids = append(uids, uid)
	}

	sort.Strings(uids)

	for _, uid := range uids {
		if err := s.applyDiff(ctx, c.DatasetID, c.ID, diffs[uid]); err != nil {
			return err
		}
	}

	if len(diffs) > 0 {
		s.logger.Debug("client records updated",
			slog.String("client_id", c.ID),
			slog.Int("changed", len(diffs)),
			slog.Int("total", len(records)),
		)
	}

	return s.UpdateClient(ctx, c.ID, upd)
}

func (s *Storage) applyDiff(ctx context.Context, datasetID, clientID string, d RecordDiff) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("storage: begin record %s: %w", d.Record.UID, err)
	}
	defer tx.Rollback()

	rec := d.Record

	switch d.Op {
	case OpUpdate:
		data, err := json.Marshal(rec.Data)
		if err != nil {
			return fmt.Errorf("storage: encoding record %s: %w", rec.UID, err)
		}

		if _, err := tx.ExecContext(ctx, sqlUpsertRecord, datasetID, rec.UID, rec.Hash, string(data)); err != nil {
			return fmt.Errorf("storage: upserting record %s: %w", rec.UID, err)
		}

		if _, err := tx.ExecContext(ctx, sqlAddRef, datasetID, rec.UID, rec.Hash, clientID); err != nil {
			return fmt.Errorf("storage: referencing record %s: %w", rec.UID, err)
		}

		// Every other version the client holds goes, not just OldHash: an
		// overlapping sync of the same client may have added one since the
		// diff was computed.
		if err := pullRefsExcept(ctx, tx, datasetID, rec.UID, rec.Hash, clientID); err != nil {
			return err
		}
	case OpDelete:
		if err := pullRefsExcept(ctx, tx, datasetID, rec.UID, "", clientID); err != nil {
			return err
		}
	default:
		return fmt.Errorf("storage: record %s: unknown diff op %q", rec.UID, d.Op)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("storage: commit record %s: %w", rec.UID, err)
	}

	return nil
}

// pullRefsExcept removes every ref clientID holds on uid other than the one
// with keepHash, deleting records left without refs. An empty keepHash
// pulls them all.
func pullRefsExcept(ctx context.Context, tx *sql.Tx, datasetID, uid, keepHash, clientID string) error {
	rows, err := tx.QueryContext(ctx, sqlPullOtherRefs, datasetID, uid, clientID, keepHash)
	if err != nil {
		return fmt.Errorf("storage: dereferencing record %s: %w", uid, err)
	}

	var pulled []string

	for rows.Next() {
		var hash string
		if err := rows.Scan(&hash); err != nil {
			rows.Close()
			return fmt.Errorf("storage: scanning ref of record %s: %w", uid, err)
		}

		pulled = append(pulled, hash)
	}

	if err := rows.Close(); err != nil {
		return fmt.Errorf("storage: dereferencing record %s: %w", uid, err)
	}

	for _, hash := range pulled {
		if _, err := tx.ExecContext(ctx, sqlDeleteOrphan, datasetID, uid, hash); err != nil {
			return fmt.Errorf("storage: deleting orphan record %s: %w", uid, err)
		}
	}

	return nil
}

// Removal names a client to delete unless it was accessed at or after
// IdleBefore.
type Removal struct {
	ID         string
	IdleBefore time.Time
}

// RemoveClients deletes clients and their record refs, dropping records
// left without refs. A client touched since its IdleBefore is kept. It
// returns how many clients were removed.
func (s *Storage) RemoveClients(ctx context.Context, removals []Removal) (int, error) {
	removed := 0

	for _, r := range removals {
		ok, err := s.removeClient(ctx, r)
		if err != nil {
			return removed, err
		}

		if ok {
			removed++
		}
	}

	return removed, nil
}

func (s *Storage) removeClient(ctx context.Context, r Removal) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("storage: begin remove %s: %w", r.ID, err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, sqlDeleteIdleClient, r.ID, store.Nanos(r.IdleBefore))
	if err != nil {
		return false, fmt.Errorf("storage: deleting client %s: %w", r.ID, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("storage: deleting client %s: rows affected: %w", r.ID, err)
	}

	if n == 0 {
		return false, nil
	}

	rows, err := tx.QueryContext(ctx, sqlPullClientRefs, r.ID)
	if err != nil {
		return false, fmt.Errorf("storage: dereferencing records of %s: %w", r.ID, err)
	}

	type key struct{ dataset, uid, hash string }

	var pulled []key

	for rows.Next() {
		var k key
		if err := rows.Scan(&k.dataset, &k.uid, &k.hash); err != nil {
			rows.Close()
			return false, fmt.Errorf("storage: scanning ref of %s: %w", r.ID, err)
		}

		pulled = append(pulled, k)
	}

	if err := rows.Close(); err != nil {
		return false, fmt.Errorf("storage: dereferencing records of %s: %w", r.ID, err)
	}

	for _, k := range pulled {
		if _, err := tx.ExecContext(ctx, sqlDeleteOrphan, k.dataset, k.uid, k.hash); err != nil {
			return false, fmt.Errorf("storage: deleting orphan record %s: %w", k.uid, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("storage: commit remove %s: %w", r.ID, err)
	}

	return true, nil
}

func (s *Storage) clientRecords(ctx context.Context, id string) (map[string]Record, error) {
	rows, err := s.db.QueryContext(ctx, sqlClientRecords, id)
	if err != nil {
		return nil, fmt.Errorf("storage: reading records of %s: %w", id, err)
	}
	defer rows.Close()

	out := make(map[string]Record)

	for rows.Next() {
		var (
			r    Record
			data string
		)

		if err := rows.Scan(&r.UID, &r.Hash, &data); err != nil {
			return nil, fmt.Errorf("storage: scanning record of %s: %w", id, err)
		}

		if err := json.Unmarshal([]byte(data), &r.Data); err != nil {
			return nil, fmt.Errorf("storage: decoding record %s: %w", r.UID, err)
		}

		out[r.UID] = r
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("storage: reading records of %s: %w", id, err)
	}

	return out, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanClient(sc scanner) (*dataset.Client, error) {
	var (
		c                  dataset.Client
		qp, md, cfg        string
		globalHash         sql.NullString
		stopped            bool
		scheduled, done    sql.NullInt64
		loopStart, loopEnd sql.NullInt64
		lastAccessed       int64
	)

	if err := sc.Scan(&c.ID, &c.DatasetID, &qp, &md, &cfg, &c.CollisionCount,
		&globalHash, &stopped, &scheduled, &done, &loopStart, &loopEnd, &lastAccessed); err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(qp), &c.QueryParams); err != nil {
		return nil, fmt.Errorf("decoding query params of %s: %w", c.ID, err)
	}

	if err := json.Unmarshal([]byte(md), &c.MetaData); err != nil {
		return nil, fmt.Errorf("decoding meta data of %s: %w", c.ID, err)
	}

	if err := json.Unmarshal([]byte(cfg), &c.Config); err != nil {
		return nil, fmt.Errorf("decoding config of %s: %w", c.ID, err)
	}

	c.GlobalHash = globalHash.String
	c.Stopped = stopped
	c.SyncScheduled = store.Time(scheduled)
	c.SyncCompleted = store.Time(done)
	c.SyncLoopStart = store.Time(loopStart)
	c.SyncLoopEnd = store.Time(loopEnd)
	c.LastAccessed = time.Unix(0, lastAccessed)

	return &c, nil
}

func encodeMap(m map[string]any) (string, error) {
	if m == nil {
		return "{}", nil
	}

	b, err := json.Marshal(m)
	if err != nil {
		return "", err
	}

	return string(b), nil
}
