package store

import (
	"context"
	"encoding/json"
	"fmt"
)

// Identifiable is implemented by domain record types.
type Identifiable interface {
	RecordID() string
}

// Table is a typed view over one named table of a SQLStore.
type Table[T Identifiable] struct {
	store *SQLStore
	name  string
}

func NewTable[T Identifiable](s *SQLStore, name string) *Table[T] {
	return &Table[T]{store: s, name: name}
}

func (t *Table[T]) Name() string {
	return t.name
}

func (t *Table[T]) Get(ctx context.Context, id string) (T, error) {
	var v T
	rec, err := t.store.Get(ctx, t.name, id)
	if err != nil {
		return v, err
	}
	if err := json.Unmarshal(rec.Data, &v); err != nil {
		return v, fmt.Errorf("decode %s/%s: %w", t.name, id, err)
	}
	return v, nil
}

// All decodes every record; predicate, when set, filters decoded values.
func (t *Table[T]) All(ctx context.Context, predicate func(T) bool) ([]T, error) {
	recs, err := t.store.GetAll(ctx, t.name, nil)
	if err != nil {
		return nil, err
	}
	out := make([]T, 0, len(recs))
	for _, rec := range recs {
		var v T
		if err := json.Unmarshal(rec.Data, &v); err != nil {
			return nil, fmt.Errorf("decode %s/%s: %w", t.name, rec.ID, err)
		}
		if predicate == nil || predicate(v) {
			out = append(out, v)
		}
	}
	return out, nil
}

func (t *Table[T]) Put(ctx context.Context, v T) error {
	rec, err := t.encode(v)
	if err != nil {
		return err
	}
	return t.store.Put(ctx, t.name, rec)
}

func (t *Table[T]) BulkPut(ctx context.Context, vs []T) error {
	recs := make([]Record, 0, len(vs))
	for _, v := range vs {
		rec, err := t.encode(v)
		if err != nil {
			return err
		}
		recs = append(recs, rec)
	}
	return t.store.BulkPut(ctx, t.name, recs)
}

func (t *Table[T]) Delete(ctx context.Context, id string) error {
	return t.store.Delete(ctx, t.name, id)
}

// Refresh is SQLStore.Refresh for typed values.
func (t *Table[T]) Refresh(ctx context.Context, fromRemote []T) (int, error) {
	recs := make([]Record, 0, len(fromRemote))
	for _, v := range fromRemote {
		rec, err := t.encode(v)
		if err != nil {
			return 0, err
		}
		recs = append(recs, rec)
	}
	return t.store.Refresh(ctx, t.name, recs)
}

func (t *Table[T]) encode(v T) (Record, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return Record{}, fmt.Errorf("encode %s/%s: %w", t.name, v.RecordID(), err)
	}
	return Record{ID: v.RecordID(), Data: data}, nil
}
