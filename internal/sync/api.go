package sync

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/tonimelisma/syncd/internal/dataset"
	"github.com/tonimelisma/syncd/internal/storage"
)

// ClientInfo is the __fh block of a request.
type ClientInfo struct {
	CUID string `json:"cuid"`
}

// SyncRequest is a client's sync call: pending changes to apply and
// Updates it has seen.
type SyncRequest struct {
	DatasetID        string            `json:"dataset_id"`
	QueryParams      map[string]any    `json:"query_params"`
	MetaData         map[string]any    `json:"meta_data"`
	FH               ClientInfo        `json:"__fh"`
	Pending          []PendingChange   `json:"pending"`
	Acknowledgements []Acknowledgement `json:"acknowledgements"`
}

// UpdateSet groups a client's outstanding Updates by hash and by type.
type UpdateSet struct {
	Hashes     map[string]storage.Update `json:"hashes"`
	Applied    map[string]storage.Update `json:"applied"`
	Failed     map[string]storage.Update `json:"failed"`
	Collisions map[string]storage.Update `json:"collisions"`
}

func newUpdateSet() UpdateSet {
	return UpdateSet{
		Hashes:     map[string]storage.Update{},
		Applied:    map[string]storage.Update{},
		Failed:     map[string]storage.Update{},
		Collisions: map[string]storage.Update{},
	}
}

func (s UpdateSet) add(u storage.Update) {
	s.Hashes[u.Hash] = u

	switch u.Type {
	case storage.UpdateApplied:
		s.Applied[u.Hash] = u
	case storage.UpdateFailed:
		s.Failed[u.Hash] = u
	case storage.UpdateCollisions:
		s.Collisions[u.Hash] = u
	}
}

// SyncResponse carries the client's current global hash and its
// unacknowledged Updates.
type SyncResponse struct {
	Hash    string    `json:"hash"`
	Updates UpdateSet `json:"updates"`
}

// SyncRecordsRequest asks for the delta between the client's records and
// the last completed server snapshot.
type SyncRecordsRequest struct {
	DatasetID   string            `json:"dataset_id"`
	QueryParams map[string]any    `json:"query_params"`
	MetaData    map[string]any    `json:"meta_data"`
	FH          ClientInfo        `json:"__fh"`
	ClientRecs  map[string]string `json:"clientRecs"`
}

// RecordEntry is one record in a SyncRecordsResponse.
type RecordEntry struct {
	Hash string         `json:"hash"`
	Data dataset.Record `json:"data,omitempty"`
}

// SyncRecordsResponse is the record delta for a client.
type SyncRecordsResponse struct {
	Hash   string                 `json:"hash"`
	Create map[string]RecordEntry `json:"create"`
	Update map[string]RecordEntry `json:"update"`
	Delete map[string]RecordEntry `json:"delete"`
}

// Sync records the request's pending changes and acknowledgements on the
// queues and returns the client's outstanding Updates. Nothing is written
// if the request interceptor rejects the call.
func (e *Engine) Sync(ctx context.Context, req SyncRequest) (*SyncResponse, error) {
	if err := e.Init(ctx); err != nil {
		return nil, err
	}

	if err := validateRequest(req.DatasetID, req.FH.CUID); err != nil {
		return nil, err
	}

	ds, cuid := req.DatasetID, req.FH.CUID
	interceptor := e.registry.Interceptor(ds)

	if err := interceptor.InterceptRequest(ctx, ds, req.QueryParams, req.MetaData); err != nil {
		return nil, fmt.Errorf("sync: request interceptor for %s: %w", ds, err)
	}

	client, err := e.upsertClient(ctx, ds, req.QueryParams, req.MetaData)
	if err != nil {
		return nil, err
	}

	acked := make(map[string]bool, len(req.Acknowledgements))
	acks := make([]any, 0, len(req.Acknowledgements))

	for _, a := range req.Acknowledgements {
		a.DatasetID = ds
		if a.CUID == "" {
			a.CUID = cuid
		}

		if a.CUID == cuid {
			acked[a.Hash] = true
		}

		acks = append(acks, a)
	}

	if _, err := e.ackQ.AddMany(ctx, acks); err != nil {
		return nil, err
	}

	pending := make([]any, 0, len(req.Pending))

	for _, pc := range req.Pending {
		pc.DatasetID = ds
		pc.DatasetClientID = client.ID
		pc.CUID = cuid
		pc.MetaData = req.MetaData
		pending = append(pending, pc)
	}

	if _, err := e.pendingQ.AddMany(ctx, pending); err != nil {
		return nil, err
	}

	updates, err := e.storage.ListUpdates(ctx, ds, cuid)
	if err != nil {
		return nil, err
	}

	resp := &SyncResponse{Hash: client.GlobalHash, Updates: newUpdateSet()}

	for _, u := range updates {
		if acked[u.Hash] {
			continue
		}

		resp.Updates.add(u)
	}

	if err := interceptor.InterceptResponse(ctx, ds, req.QueryParams); err != nil {
		return nil, fmt.Errorf("sync: response interceptor for %s: %w", ds, err)
	}

	e.logger.Debug("sync request",
		slog.String("dataset", ds),
		slog.String("cuid", cuid),
		slog.Int("pending", len(pending)),
		slog.Int("acknowledgements", len(acks)),
		slog.Int("updates", len(resp.Updates.Hashes)),
	)

	return resp, nil
}

// SyncRecords returns the delta that brings the client's records in line
// with the last completed snapshot. Records the client has changed and the
// server has not yet caught up with are left out, so the client does not
// revert its own change.
func (e *Engine) SyncRecords(ctx context.Context, req SyncRecordsRequest) (*SyncRecordsResponse, error) {
	if err := e.Init(ctx); err != nil {
		return nil, err
	}

	if err := validateRequest(req.DatasetID, req.FH.CUID); err != nil {
		return nil, err
	}

	ds, cuid := req.DatasetID, req.FH.CUID
	interceptor := e.registry.Interceptor(ds)

	if err := interceptor.InterceptRequest(ctx, ds, req.QueryParams, req.MetaData); err != nil {
		return nil, fmt.Errorf("sync: request interceptor for %s: %w", ds, err)
	}

	upserted, err := e.upsertClient(ctx, ds, req.QueryParams, req.MetaData)
	if err != nil {
		return nil, err
	}

	resp := &SyncRecordsResponse{
		Create: map[string]RecordEntry{},
		Update: map[string]RecordEntry{},
		Delete: map[string]RecordEntry{},
	}

	// Nothing to compare against until the first sync loop completes.
	if !upserted.SyncLoopEnd.IsZero() {
		client, records, err := e.storage.ReadClientWithRecords(ctx, upserted.ID)
		if err != nil {
			return nil, err
		}

		resp.Hash = client.GlobalHash

		for uid, rec := range records {
			clientHash, ok := req.ClientRecs[uid]

			switch {
			case !ok:
				resp.Create[uid] = RecordEntry{Hash: rec.Hash, Data: rec.Data}
			case clientHash != rec.Hash:
				resp.Update[uid] = RecordEntry{Hash: rec.Hash, Data: rec.Data}
			}
		}

		for uid, clientHash := range req.ClientRecs {
			if _, ok := records[uid]; !ok {
				resp.Delete[uid] = RecordEntry{Hash: clientHash}
			}
		}

		skip, err := e.touchedUIDs(ctx, ds, cuid)
		if err != nil {
			return nil, err
		}

		for uid := range skip {
			delete(resp.Create, uid)
			delete(resp.Update, uid)
			delete(resp.Delete, uid)
		}
	}

	if err := interceptor.InterceptResponse(ctx, ds, req.QueryParams); err != nil {
		return nil, fmt.Errorf("sync: response interceptor for %s: %w", ds, err)
	}

	return resp, nil
}

// touchedUIDs returns the uids the client has changed that the server has
// not reflected yet: pending changes still on the queue and Updates the
// client has not acknowledged.
func (e *Engine) touchedUIDs(ctx context.Context, datasetID, cuid string) (map[string]bool, error) {
	uids := map[string]bool{}

	inFlight, err := e.pendingQ.Search(ctx, map[string]any{"datasetId": datasetID, "cuid": cuid})
	if err != nil {
		return nil, err
	}

	for _, raw := range inFlight {
		var pc PendingChange
		if err := json.Unmarshal(raw, &pc); err != nil {
			e.logger.Warn("skipping undecodable pending change", slog.String("error", err.Error()))
			continue
		}

		if pc.UID != "" {
			uids[pc.UID] = true
		}
	}

	updates, err := e.storage.ListUpdates(ctx, datasetID, cuid)
	if err != nil {
		return nil, err
	}

	for _, u := range updates {
		if u.UID != "" {
			uids[u.UID] = true
		}
	}

	return uids, nil
}

func (e *Engine) upsertClient(ctx context.Context, datasetID string, queryParams, metaData map[string]any) (*dataset.Client, error) {
	c, err := dataset.NewClient(datasetID, queryParams, metaData, e.registry.Config(datasetID), e.nowFunc())
	if err != nil {
		return nil, err
	}

	return e.storage.UpsertClient(ctx, c)
}

func validateRequest(datasetID, cuid string) error {
	if err := dataset.ValidateID(datasetID); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}

	if cuid == "" {
		return fmt.Errorf("%w: missing __fh.cuid", ErrInvalidRequest)
	}

	return nil
}
