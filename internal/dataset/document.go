package dataset

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/tonimelisma/syncd/pkg/recordhash"
)

// ErrDocumentNotFound is returned by DocumentHandler.Update and Delete for
// an unknown uid.
var ErrDocumentNotFound = errors.New("dataset: document not found")

var paramRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// DocumentHandler is the default DataHandler: a generic document store in
// the documents and collisions tables of the shared store.
type DocumentHandler struct {
	db     *sql.DB
	logger *slog.Logger

	nowFunc func() time.Time
}

// NewDocumentHandler returns a DocumentHandler over db.
func NewDocumentHandler(db *sql.DB, logger *slog.Logger) *DocumentHandler {
	return &DocumentHandler{db: db, logger: logger, nowFunc: time.Now}
}

var _ DataHandler = (*DocumentHandler)(nil)

// List returns every document in the dataset whose top-level fields equal
// the scalar values in queryParams.
func (h *DocumentHandler) List(ctx context.Context, datasetID string, queryParams, _ map[string]any) (map[string]Record, error) {
	keys := make([]string, 0, len(queryParams))
	for k := range queryParams {
		if !paramRe.MatchString(k) {
			return nil, fmt.Errorf("dataset: list %s: unsupported query field %q", datasetID, k)
		}

		keys = append(keys, k)
	}

	sort.Strings(keys)

	var (
		where strings.Builder
		args  = []any{datasetID}
	)

	where.WriteString("dataset_id = ?")

	for _, k := range keys {
		v := queryParams[k]

		switch v.(type) {
		case string, bool, float64, int, int64, json.Number:
		default:
			return nil, fmt.Errorf("dataset: list %s: query field %q must be a scalar, got %T", datasetID, k, v)
		}

		if n, ok := v.(json.Number); ok {
			f, err := n.Float64()
			if err != nil {
				return nil, fmt.Errorf("dataset: list %s: query field %q: %w", datasetID, k, err)
			}

			v = f
		}

		where.WriteString(" AND json_extract(data, '$." + k + "') = ?")
		args = append(args, v)
	}

	rows, err := h.db.QueryContext(ctx,
		`SELECT uid, data FROM documents WHERE `+where.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("dataset: list %s: %w", datasetID, err)
	}
	defer rows.Close()

	out := make(map[string]Record)

	for rows.Next() {
		var uid, data string
		if err := rows.Scan(&uid, &data); err != nil {
			return nil, fmt.Errorf("dataset: list %s: scan: %w", datasetID, err)
		}

		rec, err := decodeRecord(data)
		if err != nil {
			return nil, fmt.Errorf("dataset: list %s: document %s: %w", datasetID, uid, err)
		}

		out[uid] = rec
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("dataset: list %s: rows: %w", datasetID, err)
	}

	return out, nil
}

// Create stores data under a fresh uuid.
func (h *DocumentHandler) Create(ctx context.Context, datasetID string, data Record, _ map[string]any) (Created, error) {
	b, err := json.Marshal(data)
	if err != nil {
		return Created{}, fmt.Errorf("dataset: create in %s: encoding: %w", datasetID, err)
	}

	uid := uuid.NewString()

	if _, err := h.db.ExecContext(ctx,
		`INSERT INTO documents (dataset_id, uid, data) VALUES (?, ?, ?)`,
		datasetID, uid, string(b)); err != nil {
		return Created{}, fmt.Errorf("dataset: create in %s: %w", datasetID, err)
	}

	h.logger.Debug("document created", slog.String("dataset", datasetID), slog.String("uid", uid))

	return Created{UID: uid, Data: data}, nil
}

// Read returns the document, or nil when it does not exist.
func (h *DocumentHandler) Read(ctx context.Context, datasetID, uid string, _ map[string]any) (Record, error) {
	var data string

	err := h.db.QueryRowContext(ctx,
		`SELECT data FROM documents WHERE dataset_id = ? AND uid = ?`, datasetID, uid).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}

	if err != nil {
		return nil, fmt.Errorf("dataset: read %s/%s: %w", datasetID, uid, err)
	}

	rec, err := decodeRecord(data)
	if err != nil {
		return nil, fmt.Errorf("dataset: read %s/%s: %w", datasetID, uid, err)
	}

	return rec, nil
}

// Update replaces the document's data.
func (h *DocumentHandler) Update(ctx context.Context, datasetID, uid string, data Record, _ map[string]any) error {
	b, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("dataset: update %s/%s: encoding: %w", datasetID, uid, err)
	}

	res, err := h.db.ExecContext(ctx,
		`UPDATE documents SET data = ? WHERE dataset_id = ? AND uid = ?`, string(b), datasetID, uid)
	if err != nil {
		return fmt.Errorf("dataset: update %s/%s: %w", datasetID, uid, err)
	}

	return requireOneRow(res, datasetID, uid)
}

// Delete removes the document.
func (h *DocumentHandler) Delete(ctx context.Context, datasetID, uid string, _ map[string]any) error {
	res, err := h.db.ExecContext(ctx,
		`DELETE FROM documents WHERE dataset_id = ? AND uid = ?`, datasetID, uid)
	if err != nil {
		return fmt.Errorf("dataset: delete %s/%s: %w", datasetID, uid, err)
	}

	return requireOneRow(res, datasetID, uid)
}

// HandleCollision stores the collision keyed by the backend hash.
func (h *DocumentHandler) HandleCollision(ctx context.Context, datasetID string, metaData map[string]any, c Collision) error {
	rec, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("dataset: collision in %s: encoding: %w", datasetID, err)
	}

	meta, err := json.Marshal(metaData)
	if err != nil {
		return fmt.Errorf("dataset: collision in %s: encoding meta data: %w", datasetID, err)
	}

	ts := c.Timestamp
	if ts == 0 {
		ts = h.nowFunc().UnixMilli()
	}

	if _, err := h.db.ExecContext(ctx,
		`INSERT INTO collisions (dataset_id, hash, uid, record, meta_data, timestamp)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT(dataset_id, hash) DO UPDATE SET
				uid = excluded.uid, record = excluded.record,
				meta_data = excluded.meta_data, timestamp = excluded.timestamp`,
		datasetID, collisionKey(c), c.UID, string(rec), string(meta), ts); err != nil {
		return fmt.Errorf("dataset: collision in %s: %w", datasetID, err)
	}

	h.logger.Info("collision recorded",
		slog.String("dataset", datasetID),
		slog.String("uid", c.UID),
		slog.String("hash", c.Hash),
	)

	return nil
}

// collisionKey identifies a stored collision. The backend hash alone is
// not unique across records deleted server-side, so the uid and pre-image
// feed in as well.
func collisionKey(c Collision) string {
	b, _ := json.Marshal([]any{c.UID, c.Hash, c.Pre, c.Post})

	return recordhash.Sum(b)
}

// ListCollisions returns every stored collision for the dataset keyed by
// its collision hash.
func (h *DocumentHandler) ListCollisions(ctx context.Context, datasetID string, _ map[string]any) (map[string]Collision, error) {
	rows, err := h.db.QueryContext(ctx,
		`SELECT hash, record FROM collisions WHERE dataset_id = ?`, datasetID)
	if err != nil {
		return nil, fmt.Errorf("dataset: list collisions %s: %w", datasetID, err)
	}
	defer rows.Close()

	out := make(map[string]Collision)

	for rows.Next() {
		var hash, rec string
		if err := rows.Scan(&hash, &rec); err != nil {
			return nil, fmt.Errorf("dataset: list collisions %s: scan: %w", datasetID, err)
		}

		var c Collision
		if err := json.Unmarshal([]byte(rec), &c); err != nil {
			return nil, fmt.Errorf("dataset: list collisions %s: decoding %s: %w", datasetID, hash, err)
		}

		out[hash] = c
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("dataset: list collisions %s: rows: %w", datasetID, err)
	}

	return out, nil
}

// RemoveCollision deletes a stored collision. Removing an unknown hash is
// not an error.
func (h *DocumentHandler) RemoveCollision(ctx context.Context, datasetID, hash string, _ map[string]any) error {
	if _, err := h.db.ExecContext(ctx,
		`DELETE FROM collisions WHERE dataset_id = ? AND hash = ?`, datasetID, hash); err != nil {
		return fmt.Errorf("dataset: remove collision %s/%s: %w", datasetID, hash, err)
	}

	return nil
}

func requireOneRow(res sql.Result, datasetID, uid string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("dataset: %s/%s: rows affected: %w", datasetID, uid, err)
	}

	if n == 0 {
		return fmt.Errorf("dataset: %s/%s: %w", datasetID, uid, ErrDocumentNotFound)
	}

	return nil
}

func decodeRecord(data string) (Record, error) {
	dec := json.NewDecoder(bytes.NewReader([]byte(data)))
	dec.UseNumber()

	var rec Record
	if err := dec.Decode(&rec); err != nil {
		return nil, fmt.Errorf("decoding document: %w", err)
	}

	return rec, nil
}
