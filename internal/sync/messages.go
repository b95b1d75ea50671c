package sync

import (
	"errors"

	"github.com/tonimelisma/syncd/internal/dataset"
)

// ErrUnknownAction is returned for a pending change whose action is not
// create, update or delete.
var ErrUnknownAction = errors.New("sync: unknown pending action")

// ErrInvalidRequest is returned by the API layer for malformed requests.
var ErrInvalidRequest = errors.New("sync: invalid request")

// Action is the mutation a pending change carries.
type Action string

// Pending change actions.
const (
	ActionCreate Action = "create"
	ActionUpdate Action = "update"
	ActionDelete Action = "delete"
)

// msgCrashed is recorded for a pending change that was claimed before and
// never acked.
const msgCrashed = "crashed"

// PendingChange is one offline client mutation. Clients send action, hash,
// uid, pre, post and timestamp; the API layer fills in the rest before
// queueing it.
type PendingChange struct {
	DatasetID       string         `json:"datasetId"`
	DatasetClientID string         `json:"datasetClientId"`
	CUID            string         `json:"cuid"`
	Action          Action         `json:"action"`
	Hash            string         `json:"hash"`
	UID             string         `json:"uid"`
	Pre             dataset.Record `json:"pre,omitempty"`
	Post            dataset.Record `json:"post,omitempty"`
	Timestamp       int64          `json:"timestamp"`
	MetaData        map[string]any `json:"meta_data,omitempty"`
}

// Acknowledgement confirms a client has seen the Update with this hash.
type Acknowledgement struct {
	DatasetID string `json:"datasetId"`
	CUID      string `json:"cuid"`
	Hash      string `json:"hash"`
}

// SyncJob asks a sync worker to refresh one DatasetClient's snapshot.
type SyncJob struct {
	DatasetID       string `json:"datasetId"`
	DatasetClientID string `json:"datasetClientId"`
}
