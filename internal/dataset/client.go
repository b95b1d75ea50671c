package dataset

import (
	"fmt"
	"time"

	"github.com/tonimelisma/syncd/pkg/recordhash"
)

// Client is a DatasetClient: the server-side subscription for one
// (dataset, queryParams, metaData) combination. Field ownership:
// the API layer writes LastAccessed and Stopped=false on every request,
// the sync processor writes SyncLoop*, SyncCompleted and GlobalHash, and
// the scheduler writes SyncScheduled and Stopped=true.
type Client struct {
	ID             string         `json:"id"`
	DatasetID      string         `json:"datasetId"`
	QueryParams    map[string]any `json:"queryParams"`
	MetaData       map[string]any `json:"metaData"`
	Config         Config         `json:"config"`
	CollisionCount int            `json:"collisionCount"`
	GlobalHash     string         `json:"globalHash,omitempty"`
	Stopped        bool           `json:"stopped"`

	SyncScheduled time.Time `json:"syncScheduled,omitzero"`
	SyncCompleted time.Time `json:"syncCompleted,omitzero"`
	SyncLoopStart time.Time `json:"syncLoopStart,omitzero"`
	SyncLoopEnd   time.Time `json:"syncLoopEnd,omitzero"`
	LastAccessed  time.Time `json:"lastAccessed"`
}

// ClientID derives the DatasetClient id. It is a pure function of its
// inputs; nil and empty maps produce the same id.
func ClientID(datasetID string, queryParams, metaData map[string]any) (string, error) {
	if err := ValidateID(datasetID); err != nil {
		return "", err
	}

	if queryParams == nil {
		queryParams = map[string]any{}
	}

	if metaData == nil {
		metaData = map[string]any{}
	}

	h, err := recordhash.Record(map[string]any{
		"queryParams": queryParams,
		"metaData":    metaData,
	})
	if err != nil {
		return "", fmt.Errorf("dataset: client id for %s: %w", datasetID, err)
	}

	return datasetID + "-" + h, nil
}

// NewClient builds a never-synced client for a request.
func NewClient(datasetID string, queryParams, metaData map[string]any, cfg Config, now time.Time) (*Client, error) {
	id, err := ClientID(datasetID, queryParams, metaData)
	if err != nil {
		return nil, err
	}

	return &Client{
		ID:           id,
		DatasetID:    datasetID,
		QueryParams:  queryParams,
		MetaData:     metaData,
		Config:       cfg,
		LastAccessed: now,
	}, nil
}

// ShouldSync reports whether the scheduler should enqueue the client now.
//
// A schedule counts as outstanding while it is younger than the config's
// ScheduleWindow and no sync loop has ended since it was made. Once a loop
// ends after the schedule, the normal SyncFrequency check applies.
func (c *Client) ShouldSync(now time.Time) bool {
	if c.Stopped {
		return false
	}

	if !c.SyncScheduled.IsZero() &&
		now.Sub(c.SyncScheduled) < c.Config.ScheduleWindow() &&
		!c.SyncLoopEnd.After(c.SyncScheduled) {
		return false
	}

	if c.SyncLoopStart.IsZero() {
		return true
	}

	return now.Sub(c.SyncLoopEnd) >= c.Config.SyncFrequency
}

// ShouldDeactivateSync reports whether nobody has polled the client
// recently. It is false until at least one sync loop has completed.
func (c *Client) ShouldDeactivateSync(now time.Time) bool {
	if c.SyncLoopEnd.IsZero() {
		return false
	}

	return now.Sub(c.LastAccessed) >= c.Config.ClientSyncTimeout
}

// ShouldBeRemoved reports whether an inactive client has outlived
// retention.
func (c *Client) ShouldBeRemoved(now time.Time, retention time.Duration) bool {
	return c.LastAccessed.Add(c.Config.ClientSyncTimeout + retention).Before(now)
}
