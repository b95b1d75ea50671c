package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// UpdateType is the outcome recorded for a pending change.
type UpdateType string

// Update outcomes.
const (
	UpdateApplied    UpdateType = "applied"
	UpdateFailed     UpdateType = "failed"
	UpdateCollisions UpdateType = "collisions"
)

// Update is the durable outcome of one pending change, kept until the
// submitting client acknowledges it. At most one exists per
// (dataset, cuid, hash).
type Update struct {
	DatasetID string     `json:"-"`
	CUID      string     `json:"cuid"`
	Type      UpdateType `json:"type"`
	Action    string     `json:"action"`
	Hash      string     `json:"hash"`
	UID       string     `json:"uid"`
	Msg       string     `json:"msg,omitempty"`
	Timestamp int64      `json:"timestamp"`
}

// SaveUpdate stores u, replacing any earlier outcome for the same
// (dataset, cuid, hash).
func (s *Storage) SaveUpdate(ctx context.Context, u Update) error {
	if u.Timestamp == 0 {
		u.Timestamp = s.nowFunc().UnixMilli()
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO updates (dataset_id, cuid, hash, type, action, uid, msg, timestamp)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(dataset_id, cuid, hash) DO UPDATE SET
				type = excluded.type, action = excluded.action, uid = excluded.uid,
				msg = excluded.msg, timestamp = excluded.timestamp`,
		u.DatasetID, u.CUID, u.Hash, string(u.Type), u.Action,
		nullString(u.UID), nullString(u.Msg), u.Timestamp)
	if err != nil {
		return fmt.Errorf("storage: saving update %s/%s/%s: %w", u.DatasetID, u.CUID, u.Hash, err)
	}

	return nil
}

// FindAndDeleteUpdate removes and returns the update for (dataset, cuid,
// hash). It returns (nil, nil) when there is none.
func (s *Storage) FindAndDeleteUpdate(ctx context.Context, datasetID, cuid, hash string) (*Update, error) {
	row := s.db.QueryRowContext(ctx,
		`DELETE FROM updates WHERE dataset_id = ? AND cuid = ? AND hash = ?
			RETURNING `+updateColumns,
		datasetID, cuid, hash)

	u, err := scanUpdate(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}

	if err != nil {
		return nil, fmt.Errorf("storage: deleting update %s/%s/%s: %w", datasetID, cuid, hash, err)
	}

	return u, nil
}

// ListUpdates returns every unacknowledged update for cuid in the dataset,
// oldest first.
func (s *Storage) ListUpdates(ctx context.Context, datasetID, cuid string) ([]Update, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+updateColumns+` FROM updates
			WHERE dataset_id = ? AND cuid = ? ORDER BY timestamp, hash`,
		datasetID, cuid)
	if err != nil {
		return nil, fmt.Errorf("storage: listing updates for %s/%s: %w", datasetID, cuid, err)
	}
	defer rows.Close()

	var out []Update

	for rows.Next() {
		u, err := scanUpdate(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: scanning update: %w", err)
		}

		out = append(out, *u)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("storage: listing updates for %s/%s: %w", datasetID, cuid, err)
	}

	return out, nil
}

// CountUpdates returns the number of unacknowledged updates.
func (s *Storage) CountUpdates(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM updates`).Scan(&n); err != nil {
		return 0, fmt.Errorf("storage: counting updates: %w", err)
	}

	return n, nil
}

const updateColumns = `dataset_id, cuid, hash, type, action, uid, msg, timestamp`

func scanUpdate(sc scanner) (*Update, error) {
	var (
		u        Update
		typ      string
		uid, msg sql.NullString
	)

	if err := sc.Scan(&u.DatasetID, &u.CUID, &u.Hash, &typ, &u.Action, &uid, &msg, &u.Timestamp); err != nil {
		return nil, err
	}

	u.Type = UpdateType(typ)
	u.UID = uid.String
	u.Msg = msg.String

	return &u, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
