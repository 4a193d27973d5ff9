// Package vectorindex defines the port to the external similarity index
// and provides an in-memory adapter for tests and single-node deployments
// plus an adapter for Pinecone's data plane.
package vectorindex

import "context"

// Record is one enrolled identity as handed to the index store. The store
// owns the record after Upsert returns; the core keeps no copy.
type Record struct {
	ID     string
	Vector []float32
	Name   string
	Lat    *float64
	Lon    *float64
}

// Match is one scored candidate returned by a similarity query.
type Match struct {
	ID    string
	Score float64
	Name  string
	Lat   *float64
	Lon   *float64
}

// Store is the external index port. Query returns up to topK matches in
// descending similarity order. Implementations must guarantee that a
// record is queryable once its Upsert has returned.
type Store interface {
	Upsert(ctx context.Context, rec Record) error
	Query(ctx context.Context, vector []float32, topK int) ([]Match, error)
}
