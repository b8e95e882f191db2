package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"gestor360/internal/hostsignal"
	"gestor360/internal/log"
	"gestor360/internal/remote"
	"gestor360/internal/schema"
	"gestor360/internal/store"
	"gestor360/internal/wal"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type call struct {
	op    string
	table string
	id    string
	doc   remote.Document
}

type fakeRemote struct {
	mu    sync.Mutex
	calls []call
	err   error
}

func (f *fakeRemote) record(op, table, id string, doc remote.Document) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call{op: op, table: table, id: id, doc: doc})
	return f.err
}

func (f *fakeRemote) UpsertMerge(_ context.Context, table, id string, doc remote.Document) error {
	return f.record("merge", table, id, doc)
}

func (f *fakeRemote) Set(_ context.Context, table, id string, doc remote.Document) error {
	return f.record("set", table, id, doc)
}

func (f *fakeRemote) Delete(_ context.Context, table, id string) error {
	return f.record("delete", table, id, nil)
}

type failingQueue struct{}

func (failingQueue) Enqueue(context.Context, store.NewEntry) (store.QueueEntry, error) {
	return store.QueueEntry{}, errors.New("database is locked")
}

func newLocalStore(t *testing.T) *store.SQLStore {
	t.Helper()
	s, err := store.Open(context.Background(), "sqlite", "file:"+filepath.Join(t.TempDir(), "local.db"), log.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func pending(t *testing.T, s *store.SQLStore) []store.QueueEntry {
	t.Helper()
	entries, err := s.ListPending(context.Background())
	require.NoError(t, err)
	return entries
}

func TestOfflineWriteQueuesWithoutRemoteCall(t *testing.T) {
	ctx := context.Background()
	rs := &fakeRemote{}
	local := newLocalStore(t)
	g := New(rs, local, hostsignal.NewFlag(false), log.NewNop())

	out, err := g.Write(ctx, WriteRequest{Table: "sales", ID: "s1", CloudPayload: remote.Document{"total": 10}, Op: store.OpInsert})
	require.NoError(t, err)
	assert.Equal(t, OutcomeQueued, out)
	assert.Empty(t, rs.calls)

	entries := pending(t, local)
	require.Len(t, entries, 1)
	e := entries[0]
	assert.Equal(t, "sales", e.Table)
	assert.Equal(t, "s1", e.RowID)
	assert.Equal(t, store.OpInsert, e.Operation)
	assert.Equal(t, store.StatusPending, e.Status)
	assert.Equal(t, 0, e.RetryCount)
	assert.JSONEq(t, `{"total":10}`, string(e.Payload))
}

func TestOnlineWriteConfirmed(t *testing.T) {
	ctx := context.Background()
	rs := &fakeRemote{}
	local := newLocalStore(t)
	g := New(rs, local, hostsignal.NewFlag(true), log.NewNop())

	out, err := g.Write(ctx, WriteRequest{Table: "sales", ID: "s1", CloudPayload: remote.Document{"total": 10}})
	require.NoError(t, err)
	assert.Equal(t, OutcomeConfirmed, out)

	out, err = g.Write(ctx, WriteRequest{Table: "sales", ID: "s1", CloudPayload: remote.Document{"paid": true}, Merge: true})
	require.NoError(t, err)
	assert.Equal(t, OutcomeConfirmed, out)

	require.Len(t, rs.calls, 2)
	assert.Equal(t, "set", rs.calls[0].op)
	assert.Equal(t, "merge", rs.calls[1].op)
	assert.Empty(t, pending(t, local))
}

func TestTransientFailureQueues(t *testing.T) {
	ctx := context.Background()
	rs := &fakeRemote{err: remote.NewError("unavailable", "backend down")}
	local := newLocalStore(t)
	g := New(rs, local, hostsignal.NewFlag(true), log.NewNop())

	out, err := g.Write(ctx, WriteRequest{Table: "sales", ID: "s1", CloudPayload: remote.Document{"total": 10}})
	require.NoError(t, err)
	assert.Equal(t, OutcomeQueued, out)
	require.Len(t, rs.calls, 1)

	entries := pending(t, local)
	require.Len(t, entries, 1)
	assert.Equal(t, 0, entries[0].RetryCount)
	assert.Equal(t, store.OpUpdate, entries[0].Operation)
}

func TestCancelledCallerStillQueues(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	rs := &fakeRemote{err: context.Canceled}
	local := newLocalStore(t)
	g := New(rs, local, hostsignal.NewFlag(true), log.NewNop())

	out, err := g.Write(ctx, WriteRequest{Table: "sales", ID: "s1", CloudPayload: remote.Document{"total": 1}})
	require.NoError(t, err)
	assert.Equal(t, OutcomeQueued, out)
	assert.Len(t, pending(t, local), 1)
}

func TestPermanentFailurePropagates(t *testing.T) {
	ctx := context.Background()
	permanent := remote.NewError("invalid-argument", "total must be a number")
	rs := &fakeRemote{err: permanent}
	local := newLocalStore(t)
	g := New(rs, local, hostsignal.NewFlag(true), log.NewNop())

	_, err := g.Write(ctx, WriteRequest{Table: "sales", ID: "s1", CloudPayload: remote.Document{"total": "x"}})
	require.Error(t, err)
	assert.Same(t, permanent, err)
	assert.Empty(t, pending(t, local))
}

func TestPlaceholderInQueuePayloadRejected(t *testing.T) {
	ctx := context.Background()
	rs := &fakeRemote{}
	local := newLocalStore(t)
	g := New(rs, local, hostsignal.NewFlag(false), log.NewNop())

	_, err := g.Write(ctx, WriteRequest{
		Table:        "sales",
		ID:           "s1",
		CloudPayload: remote.Document{"updatedAt": remote.ServerTimestamp},
		QueuePayload: remote.Document{"updatedAt": remote.ServerTimestamp},
	})
	require.ErrorIs(t, err, ErrUnresolvedPlaceholder)
	assert.Empty(t, rs.calls)
	assert.Empty(t, pending(t, local))

	out, err := g.Write(ctx, WriteRequest{
		Table:        "sales",
		ID:           "s1",
		CloudPayload: remote.Document{"updatedAt": remote.ServerTimestamp},
		QueuePayload: remote.Document{"updatedAt": "2024-01-01T00:00:00Z"},
	})
	require.NoError(t, err)
	assert.Equal(t, OutcomeQueued, out)
	entries := pending(t, local)
	require.Len(t, entries, 1)
	assert.JSONEq(t, `{"updatedAt":"2024-01-01T00:00:00Z"}`, string(entries[0].Payload))
}

func TestDefaultQueuePayloadResolvesLocally(t *testing.T) {
	ctx := context.Background()
	rs := &fakeRemote{}
	local := newLocalStore(t)
	online := hostsignal.NewFlag(true)
	g := New(rs, local, online, log.NewNop())
	g.now = func() time.Time { return time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC) }

	doc := remote.Document{"updatedAt": remote.ServerTimestamp, "total": 10}
	out, err := g.Write(ctx, WriteRequest{Table: "sales", ID: "s1", CloudPayload: doc})
	require.NoError(t, err)
	assert.Equal(t, OutcomeConfirmed, out)
	require.Len(t, rs.calls, 1)
	assert.True(t, rs.calls[0].doc.HasPlaceholder())

	online.Set(false)
	out, err = g.Write(ctx, WriteRequest{Table: "sales", ID: "s2", CloudPayload: doc})
	require.NoError(t, err)
	assert.Equal(t, OutcomeQueued, out)
	entries := pending(t, local)
	require.Len(t, entries, 1)
	assert.JSONEq(t, `{"updatedAt":"2024-03-01T12:00:00Z","total":10}`, string(entries[0].Payload))
}

func TestMergeFlagIsQueued(t *testing.T) {
	ctx := context.Background()
	local := newLocalStore(t)
	g := New(&fakeRemote{}, local, hostsignal.NewFlag(false), log.NewNop())

	_, err := g.Write(ctx, WriteRequest{Table: "sales", ID: "s1", CloudPayload: remote.Document{"paid": true}, Merge: true})
	require.NoError(t, err)
	_, err = g.Write(ctx, WriteRequest{Table: "sales", ID: "s2", CloudPayload: remote.Document{"total": 10}})
	require.NoError(t, err)

	entries := pending(t, local)
	require.Len(t, entries, 2)
	assert.True(t, entries[0].Merge)
	assert.False(t, entries[1].Merge)
}

func TestDeleteQueuesWithoutPayload(t *testing.T) {
	ctx := context.Background()
	local := newLocalStore(t)
	g := New(&fakeRemote{}, local, hostsignal.NewFlag(false), log.NewNop())

	out, err := g.Delete(ctx, "sales", "s1")
	require.NoError(t, err)
	assert.Equal(t, OutcomeQueued, out)
	entries := pending(t, local)
	require.Len(t, entries, 1)
	assert.Equal(t, store.OpDelete, entries[0].Operation)
	assert.Empty(t, entries[0].Payload)
}

func TestSchemaViolationIsPermanent(t *testing.T) {
	ctx := context.Background()
	reg := schema.NewRegistry()
	require.NoError(t, reg.Register("sales", []byte(`{"type":"object","required":["total"]}`)))
	rs := &fakeRemote{}
	local := newLocalStore(t)
	g := New(rs, local, hostsignal.NewFlag(true), log.NewNop(), WithSchemas(reg))

	_, err := g.Write(ctx, WriteRequest{Table: "sales", ID: "s1", CloudPayload: remote.Document{"client": "acme"}})
	var verr *schema.ValidationError
	require.True(t, errors.As(err, &verr))
	assert.Empty(t, rs.calls)
	assert.Empty(t, pending(t, local))
}

func TestEnqueueFailureSpillsToJournal(t *testing.T) {
	ctx := context.Background()
	j, err := wal.Open(filepath.Join(t.TempDir(), "spill.log"))
	require.NoError(t, err)
	t.Cleanup(func() { j.Close() })
	g := New(&fakeRemote{}, failingQueue{}, hostsignal.NewFlag(false), log.NewNop(), WithJournal(j))

	out, err := g.Write(ctx, WriteRequest{Table: "sales", ID: "s1", CloudPayload: remote.Document{"total": 10}})
	require.NoError(t, err)
	assert.Equal(t, OutcomeQueued, out)

	spilled, err := j.ReadAll()
	require.NoError(t, err)
	require.Len(t, spilled, 1)
	assert.Equal(t, "s1", spilled[0].RowID)
	assert.Equal(t, store.StatusPending, spilled[0].Status)
	assert.NotZero(t, spilled[0].ScheduledAt)
	assert.False(t, spilled[0].Merge)
	var payload map[string]any
	require.NoError(t, json.Unmarshal(spilled[0].Payload, &payload))
	assert.Equal(t, 10.0, payload["total"])
}

func TestEnqueueFailureWithoutJournalFails(t *testing.T) {
	g := New(&fakeRemote{}, failingQueue{}, hostsignal.NewFlag(false), log.NewNop())
	_, err := g.Write(context.Background(), WriteRequest{Table: "sales", ID: "s1", CloudPayload: remote.Document{}})
	require.Error(t, err)

	j, err := wal.Open(filepath.Join(t.TempDir(), "spill.log"))
	require.NoError(t, err)
	t.Cleanup(func() { j.Close() })
	j.SetMaxSize(1)
	g = New(&fakeRemote{}, failingQueue{}, hostsignal.NewFlag(false), log.NewNop(), WithJournal(j))
	_, err = g.Write(context.Background(), WriteRequest{Table: "sales", ID: "s1", CloudPayload: remote.Document{}})
	require.ErrorIs(t, err, wal.ErrJournalFull)
}

func TestRejectsMalformedRequests(t *testing.T) {
	g := New(&fakeRemote{}, failingQueue{}, hostsignal.NewFlag(true), log.NewNop())
	_, err := g.Write(context.Background(), WriteRequest{Table: "sales"})
	require.Error(t, err)
	_, err = g.Write(context.Background(), WriteRequest{Table: "sales", ID: "s1", Op: "UPSERT"})
	require.Error(t, err)
}
