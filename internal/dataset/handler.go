package dataset

import "context"

// Record is one backend item's data.
type Record = map[string]any

// Created is the result of DataHandler.Create.
type Created struct {
	UID  string `json:"uid"`
	Data Record `json:"data"`
}

// Collision describes a pending change whose pre-image no longer matches
// the backend.
type Collision struct {
	UID string `json:"uid"`
	// Hash is the hash of the backend record at detection time; empty when
	// the record no longer exists.
	Hash      string `json:"hash"`
	Pre       Record `json:"pre,omitempty"`
	Post      Record `json:"post,omitempty"`
	Timestamp int64  `json:"timestamp"`
}

// DataHandler performs CRUD against the backend for a dataset.
type DataHandler interface {
	List(ctx context.Context, datasetID string, queryParams, metaData map[string]any) (map[string]Record, error)
	Create(ctx context.Context, datasetID string, data Record, metaData map[string]any) (Created, error)
	// Read returns (nil, nil) when uid does not exist.
	Read(ctx context.Context, datasetID, uid string, metaData map[string]any) (Record, error)
	Update(ctx context.Context, datasetID, uid string, data Record, metaData map[string]any) error
	Delete(ctx context.Context, datasetID, uid string, metaData map[string]any) error
	HandleCollision(ctx context.Context, datasetID string, metaData map[string]any, c Collision) error
	ListCollisions(ctx context.Context, datasetID string, metaData map[string]any) (map[string]Collision, error)
	RemoveCollision(ctx context.Context, datasetID, hash string, metaData map[string]any) error
}

// HashProvider computes record and global hashes for a dataset.
type HashProvider interface {
	RecordHash(datasetID string, rec map[string]any) (string, error)
	GlobalHash(datasetID string, hashes []string) string
}

// Interceptor sees every API request before it has side effects and every
// response before it is returned. An error aborts the request.
type Interceptor interface {
	InterceptRequest(ctx context.Context, datasetID string, queryParams, metaData map[string]any) error
	InterceptResponse(ctx context.Context, datasetID string, queryParams map[string]any) error
}

// NopInterceptor lets everything through.
type NopInterceptor struct{}

// InterceptRequest implements Interceptor.
func (NopInterceptor) InterceptRequest(context.Context, string, map[string]any, map[string]any) error {
	return nil
}

// InterceptResponse implements Interceptor.
func (NopInterceptor) InterceptResponse(context.Context, string, map[string]any) error {
	return nil
}

// InterceptorFuncs adapts plain functions to Interceptor. Nil fields pass.
type InterceptorFuncs struct {
	Request  func(ctx context.Context, datasetID string, queryParams, metaData map[string]any) error
	Response func(ctx context.Context, datasetID string, queryParams map[string]any) error
}

// InterceptRequest implements Interceptor.
func (f InterceptorFuncs) InterceptRequest(ctx context.Context, datasetID string, queryParams, metaData map[string]any) error {
	if f.Request == nil {
		return nil
	}

	return f.Request(ctx, datasetID, queryParams, metaData)
}

// InterceptResponse implements Interceptor.
func (f InterceptorFuncs) InterceptResponse(ctx context.Context, datasetID string, queryParams map[string]any) error {
	if f.Response == nil {
		return nil
	}

	return f.Response(ctx, datasetID, queryParams)
}
