//go:build integration
// +build integration

package server

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"path/filepath"
	"testing"

	"gestor360/internal/config"
	"gestor360/internal/gateway"
	"gestor360/internal/hostsignal"
	"gestor360/internal/log"
	"gestor360/internal/remote"
	"gestor360/internal/store"
	"gestor360/internal/syncworker"

	"github.com/go-chi/chi/v5"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcRedis "github.com/testcontainers/testcontainers-go/modules/redis"
)

func setupTestRedis(t *testing.T) *redis.Client {
	t.Helper()
	ctx := context.Background()
	addr := os.Getenv("TEST_REDIS_ADDR")
	if addr == "" {
		container, err := tcRedis.RunContainer(ctx, testcontainers.WithImage("redis:7"))
		require.NoError(t, err)
		t.Cleanup(func() { container.Terminate(ctx) })
		endpoint, err := container.Endpoint(ctx, "")
		require.NoError(t, err)
		addr = endpoint
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	t.Cleanup(func() { client.Close() })
	require.NoError(t, client.FlushDB(ctx).Err())
	return client
}

func TestE2EOfflineWriteReplaysWhenOnline(t *testing.T) {
	ctx := context.Background()
	logger := log.NewNop()

	local, err := store.Open(ctx, "sqlite", "file:"+filepath.Join(t.TempDir(), "local.db"), logger)
	require.NoError(t, err)
	defer local.Close()

	redisStore := remote.NewRedisStore(setupTestRedis(t), logger)
	cloud := remote.NewBreaker("e2e", redisStore, logger)
	online := hostsignal.NewFlag(false)
	visible := hostsignal.NewFlag(true)

	gw := gateway.New(cloud, local, online, logger)
	worker := syncworker.New(local, cloud, online, syncworker.DefaultConfig(), logger)

	r := chi.NewRouter()
	SetupRouter(r, &config.Config{JWTSecret: secret}, Deps{
		Store:        local,
		Records:      local,
		Remote:       cloud,
		Source:       cloud,
		Worker:       worker,
		Writer:       gw,
		Connectivity: online,
		Visibility:   visible,
		Logger:       logger,
	})
	f := &fixture{router: r}
	tok := token(t, secret)

	rec := f.do(t, http.MethodPut, "/records/sales/s1", `{"data":{"total":10,"client":"acme"},"operation":"INSERT"}`, tok)
	require.Equal(t, http.StatusAccepted, rec.Code)

	_, err = redisStore.Get(ctx, "sales", "s1")
	require.Equal(t, remote.KindNotFound, remote.Classify(err))

	rec = f.do(t, http.MethodPost, "/signals/connectivity", `{"value":true}`, tok)
	require.Equal(t, http.StatusOK, rec.Code)
	rec = f.do(t, http.MethodPost, "/sync", "", tok)
	require.JSONEq(t, `{"ran":true}`, rec.Body.String())

	doc, err := redisStore.Get(ctx, "sales", "s1")
	require.NoError(t, err)
	require.Equal(t, remote.Document{"total": 10.0, "client": "acme"}, doc)

	stats, err := local.QueueStats(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, stats[store.StatusCompleted])

	rec = f.do(t, http.MethodPut, "/records/sales/s1", `{"data":{"paid":true},"merge":true}`, tok)
	require.Equal(t, http.StatusOK, rec.Code)
	doc, err = redisStore.Get(ctx, "sales", "s1")
	require.NoError(t, err)
	require.Equal(t, true, doc["paid"])
	require.Equal(t, "acme", doc["client"])

	rec = f.do(t, http.MethodPost, "/records/sales/s1/refresh", "", tok)
	require.Equal(t, http.StatusOK, rec.Code)
	rec = f.do(t, http.MethodGet, "/records/sales/s1", "", tok)
	require.Equal(t, http.StatusOK, rec.Code)
	var cached store.Record
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &cached))
	require.JSONEq(t, `{"total":10,"client":"acme","paid":true}`, string(cached.Data))
}
