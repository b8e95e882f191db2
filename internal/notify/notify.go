// Package notify delivers push notifications through the request governor.
// Delivery is best effort: a failed notification is reported to the caller
// and never queued.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"gestor360/internal/governor"
	"gestor360/internal/log"

	"go.uber.org/zap"
)

const CorrelationHeader = "X-Correlation-ID"

var ErrNoEndpoint = errors.New("notification endpoint is not configured")

type Notification struct {
	// ID identifies the notification; concurrent sends of the same ID are coalesced.
	ID        string            `json:"id"`
	Recipient string            `json:"recipient"`
	Title     string            `json:"title"`
	Body      string            `json:"body"`
	Data      map[string]string `json:"data,omitempty"`
}

// DeliveryError reports a final non-2xx answer from the push endpoint.
type DeliveryError struct {
	Status int
	Body   string
}

func (e *DeliveryError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("notification rejected with status %d", e.Status)
	}
	return fmt.Sprintf("notification rejected with status %d: %s", e.Status, e.Body)
}

type Doer interface {
	Do(ctx context.Context, req *http.Request, opts governor.CallOptions) (*http.Response, error)
}

type Correlator interface {
	Correlation() string
}

type Sender struct {
	gov    Doer
	url    string
	ids    Correlator
	logger *log.Logger
}

func NewSender(gov Doer, url string, ids Correlator, logger *log.Logger) *Sender {
	return &Sender{gov: gov, url: url, ids: ids, logger: logger}
}

func (s *Sender) Send(ctx context.Context, n Notification) error {
	if s.url == "" {
		return ErrNoEndpoint
	}
	if n.ID == "" || n.Recipient == "" {
		return fmt.Errorf("notification id and recipient are required")
	}
	payload, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("encode notification: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build notification request: %w", err)
	}
	correlation := s.ids.Correlation()
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(CorrelationHeader, correlation)

	resp, err := s.gov.Do(ctx, req, governor.CallOptions{LockKey: "notify:" + n.ID})
	if err != nil {
		s.logger.Warn("Notification not delivered", zap.Error(err), zap.String("notification_id", n.ID), zap.String("correlation_id", correlation))
		return fmt.Errorf("send notification: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		s.logger.Warn("Notification rejected",
			zap.Int("status", resp.StatusCode), zap.String("notification_id", n.ID), zap.String("correlation_id", correlation))
		return &DeliveryError{Status: resp.StatusCode, Body: string(bytes.TrimSpace(body))}
	}
	io.Copy(io.Discard, resp.Body)
	s.logger.Debug("Notification delivered", zap.String("notification_id", n.ID), zap.String("correlation_id", correlation))
	return nil
}
