package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"gestor360/internal/config"
	"gestor360/internal/gateway"
	"gestor360/internal/log"
	"gestor360/internal/notify"
	"gestor360/internal/remote"
	"gestor360/internal/store"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/httprate"
	"github.com/golang-jwt/jwt/v4"
	"go.uber.org/zap"
)

type QueueReader interface {
	Ping(ctx context.Context) error
	QueueStats(ctx context.Context) (map[store.Status]int, error)
	ListPending(ctx context.Context) ([]store.QueueEntry, error)
	ListByStatus(ctx context.Context, status store.Status, limit int) ([]store.QueueEntry, error)
}

// RecordStore is the records side of the local store.
type RecordStore interface {
	Get(ctx context.Context, table, id string) (store.Record, error)
	GetAll(ctx context.Context, table string, predicate func(store.Record) bool) ([]store.Record, error)
	Refresh(ctx context.Context, table string, fromRemote []store.Record) (int, error)
}

type Cycler interface {
	RunCycle(ctx context.Context) bool
}

type Signal interface {
	Get() bool
	Set(v bool) bool
}

type Writer interface {
	Write(ctx context.Context, req gateway.WriteRequest) (gateway.Outcome, error)
	Delete(ctx context.Context, table, id string) (gateway.Outcome, error)
}

type Notifier interface {
	Send(ctx context.Context, n notify.Notification) error
}

type Deps struct {
	Store        QueueReader
	Records      RecordStore
	Remote       remote.Pinger
	Source       remote.Reader
	Worker       Cycler
	Writer       Writer
	Connectivity Signal
	Visibility   Signal
	Notifier     Notifier
	Logger       *log.Logger
}

type claimsKey struct{}

// ClaimsFrom returns the verified JWT claims of an authenticated request.
func ClaimsFrom(ctx context.Context) (jwt.Claims, bool) {
	c, ok := ctx.Value(claimsKey{}).(jwt.Claims)
	return c, ok
}

func SetupRouter(r *chi.Mux, cfg *config.Config, d Deps) {
	logger := d.Logger
	r.Use(httprate.Limit(100, time.Minute, httprate.WithKeyFuncs(httprate.KeyByIP)))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		if err := d.Store.Ping(r.Context()); err != nil {
			logger.Error("Local store health check failed", zap.Error(err))
			http.Error(w, "Local store unhealthy", http.StatusServiceUnavailable)
			return
		}
		if d.Remote != nil {
			if err := d.Remote.Ping(r.Context()); err != nil {
				logger.Warn("Remote store health check failed", zap.Error(err))
				http.Error(w, "Remote store unreachable", http.StatusServiceUnavailable)
				return
			}
		}
		w.Write([]byte("OK"))
	})

	r.Group(func(r chi.Router) {
		r.Use(authMiddleware(cfg.JWTSecret, logger))

		r.Get("/queue/stats", func(w http.ResponseWriter, r *http.Request) {
			stats, err := d.Store.QueueStats(r.Context())
			if err != nil {
				logger.Error("Failed to get queue stats", zap.Error(err))
				http.Error(w, err.Error(), http.StatusInternalServerError)
				return
			}
			resp := map[string]interface{}{
				"pending":   stats[store.StatusPending],
				"syncing":   stats[store.StatusSyncing],
				"completed": stats[store.StatusCompleted],
				"failed":    stats[store.StatusFailed],
				"online":    d.Connectivity.Get(),
				"visible":   d.Visibility.Get(),
			}
			writeJSON(w, resp, logger)
		})

		r.Get("/queue/pending", func(w http.ResponseWriter, r *http.Request) {
			entries, err := d.Store.ListPending(r.Context())
			if err != nil {
				logger.Error("Failed to list pending entries", zap.Error(err))
				http.Error(w, err.Error(), http.StatusInternalServerError)
				return
			}
			writeJSON(w, entries, logger)
		})

		r.Get("/queue/failed", func(w http.ResponseWriter, r *http.Request) {
			limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
			if limit <= 0 {
				limit = 10
			}
			entries, err := d.Store.ListByStatus(r.Context(), store.StatusFailed, limit)
			if err != nil {
				logger.Error("Failed to list failed entries", zap.Error(err))
				http.Error(w, err.Error(), http.StatusInternalServerError)
				return
			}
			writeJSON(w, entries, logger)
		})

		r.Get("/records/{table}", func(w http.ResponseWriter, r *http.Request) {
			table := chi.URLParam(r, "table")
			recs, err := d.Records.GetAll(r.Context(), table, nil)
			if err != nil {
				logger.Error("Failed to list records", zap.Error(err), zap.String("table", table))
				http.Error(w, err.Error(), http.StatusInternalServerError)
				return
			}
			writeJSON(w, recs, logger)
		})

		r.Get("/records/{table}/{id}", func(w http.ResponseWriter, r *http.Request) {
			rec, err := d.Records.Get(r.Context(), chi.URLParam(r, "table"), chi.URLParam(r, "id"))
			if errors.Is(err, store.ErrNotFound) {
				http.Error(w, "Record not found", http.StatusNotFound)
				return
			}
			if err != nil {
				logger.Error("Failed to get record", zap.Error(err))
				http.Error(w, err.Error(), http.StatusInternalServerError)
				return
			}
			writeJSON(w, rec, logger)
		})

		// refresh pulls one document from the remote store into the local
		// records table unless the row has unsynced writes
		r.Post("/records/{table}/{id}/refresh", func(w http.ResponseWriter, r *http.Request) {
			if d.Source == nil {
				http.Error(w, "Remote reads disabled", http.StatusServiceUnavailable)
				return
			}
			table, id := chi.URLParam(r, "table"), chi.URLParam(r, "id")
			doc, err := d.Source.Get(r.Context(), table, id)
			if remote.Classify(err) == remote.KindNotFound {
				http.Error(w, "Remote document not found", http.StatusNotFound)
				return
			}
			if err != nil {
				logger.Warn("Failed to read remote document", zap.Error(err), zap.String("table", table), zap.String("id", id))
				http.Error(w, err.Error(), http.StatusBadGateway)
				return
			}
			data, err := json.Marshal(doc)
			if err != nil {
				http.Error(w, err.Error(), http.StatusBadGateway)
				return
			}
			n, err := d.Records.Refresh(r.Context(), table, []store.Record{{ID: id, Data: data}})
			if err != nil {
				logger.Error("Failed to refresh record", zap.Error(err), zap.String("table", table), zap.String("id", id))
				http.Error(w, err.Error(), http.StatusInternalServerError)
				return
			}
			writeJSON(w, map[string]bool{"refreshed": n == 1}, logger)
		})

		r.Put("/records/{table}/{id}", func(w http.ResponseWriter, r *http.Request) {
			var req struct {
				Data      remote.Document `json:"data"`
				QueueData remote.Document `json:"queueData"`
				Operation store.Operation `json:"operation"`
				Merge     bool            `json:"merge"`
			}
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Data == nil {
				logger.Error("Failed to decode write request", zap.Error(err))
				http.Error(w, "Invalid request body", http.StatusBadRequest)
				return
			}
			outcome, err := d.Writer.Write(r.Context(), gateway.WriteRequest{
				Table:        chi.URLParam(r, "table"),
				ID:           chi.URLParam(r, "id"),
				CloudPayload: req.Data,
				QueuePayload: req.QueueData,
				Op:           req.Operation,
				Merge:        req.Merge,
			})
			writeOutcome(w, outcome, err, logger)
		})

		r.Delete("/records/{table}/{id}", func(w http.ResponseWriter, r *http.Request) {
			outcome, err := d.Writer.Delete(r.Context(), chi.URLParam(r, "table"), chi.URLParam(r, "id"))
			writeOutcome(w, outcome, err, logger)
		})

		r.Post("/sync", func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ran := d.Worker.RunCycle(r.Context())
			logger.Info("Manual sync cycle", zap.Bool("ran", ran), zap.Duration("duration", time.Since(start)))
			writeJSON(w, map[string]bool{"ran": ran}, logger)
		})

		r.Post("/notifications", func(w http.ResponseWriter, r *http.Request) {
			if d.Notifier == nil {
				http.Error(w, "Notifications disabled", http.StatusServiceUnavailable)
				return
			}
			var n notify.Notification
			if err := json.NewDecoder(r.Body).Decode(&n); err != nil {
				logger.Error("Failed to decode notification request", zap.Error(err))
				http.Error(w, "Invalid request body", http.StatusBadRequest)
				return
			}
			err := d.Notifier.Send(r.Context(), n)
			var derr *notify.DeliveryError
			switch {
			case err == nil:
				w.WriteHeader(http.StatusAccepted)
			case errors.As(err, &derr):
				http.Error(w, derr.Error(), http.StatusBadGateway)
			default:
				logger.Error("Failed to send notification", zap.Error(err), zap.String("notification_id", n.ID))
				http.Error(w, err.Error(), http.StatusBadGateway)
			}
		})

		r.Post("/signals/connectivity", signalHandler(d.Connectivity, "connectivity", logger))
		r.Post("/signals/visibility", signalHandler(d.Visibility, "visibility", logger))
	})
}

func writeOutcome(w http.ResponseWriter, outcome gateway.Outcome, err error, logger *log.Logger) {
	if err != nil {
		logger.Warn("Write rejected", zap.Error(err))
		http.Error(w, err.Error(), http.StatusUnprocessableEntity)
		return
	}
	status := http.StatusOK
	if outcome == gateway.OutcomeQueued {
		status = http.StatusAccepted
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(map[string]string{"outcome": outcome.String()}); err != nil {
		logger.Error("Failed to encode response", zap.Error(err))
	}
}

func signalHandler(sig Signal, name string, logger *log.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Value *bool `json:"value"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Value == nil {
			logger.Error("Failed to decode signal request", zap.Error(err), zap.String("signal", name))
			http.Error(w, "Invalid request body", http.StatusBadRequest)
			return
		}
		changed := sig.Set(*req.Value)
		if changed {
			logger.Info("Runtime signal changed", zap.String("signal", name), zap.Bool("value", *req.Value))
		}
		writeJSON(w, map[string]bool{"value": *req.Value, "changed": changed}, logger)
	}
}

func writeJSON(w http.ResponseWriter, v interface{}, logger *log.Logger) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Error("Failed to encode response", zap.Error(err))
		http.Error(w, "Failed to encode response", http.StatusInternalServerError)
	}
}

func authMiddleware(jwtSecret string, logger *log.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			tokenStr := r.Header.Get("Authorization")
			if tokenStr == "" {
				logger.Warn("Missing authorization token")
				http.Error(w, "Missing token", http.StatusUnauthorized)
				return
			}
			tokenStr = strings.TrimPrefix(tokenStr, "Bearer ")
			token, err := jwt.Parse(tokenStr, func(token *jwt.Token) (interface{}, error) {
				if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
					return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
				}
				return []byte(jwtSecret), nil
			})
			if err != nil || !token.Valid {
				logger.Warn("Invalid JWT token", zap.Error(err))
				http.Error(w, "Invalid token", http.StatusUnauthorized)
				return
			}
			ctx := context.WithValue(r.Context(), claimsKey{}, token.Claims)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
