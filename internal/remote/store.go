// Package remote is the boundary with the remote document store: the client
// interface the gateway and sync worker write through, the error-kind
// classification their retry policies branch on, and a Redis-backed client.
package remote

import "context"

// Store is the remote document store as seen by the write path.
type Store interface {
	// UpsertMerge creates the document or merges fields into the existing one.
	UpsertMerge(ctx context.Context, table, id string, doc Document) error
	// Set replaces the document.
	Set(ctx context.Context, table, id string, doc Document) error
	Delete(ctx context.Context, table, id string) error
}

// Pinger is implemented by clients that can cheaply check reachability.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Reader fetches a single document. Missing documents are KindNotFound.
type Reader interface {
	Get(ctx context.Context, table, id string) (Document, error)
}
