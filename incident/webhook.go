package incident

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"time"

	"farmstack-bridge/common"
	"farmstack-bridge/logging"
)

// WebhookSink отправляет инциденты POST запросом с JSON телом
type WebhookSink struct {
	url    string
	client *http.Client
	logger *log.Logger
}

// WebhookOption настраивает WebhookSink
type WebhookOption func(*WebhookSink)

// WithHTTPClient подменяет HTTP клиента
func WithHTTPClient(client *http.Client) WebhookOption {
	return func(s *WebhookSink) {
		if client != nil {
			s.client = client
		}
	}
}

// NewWebhookSink создает WebhookSink
func NewWebhookSink(url string, opts ...WebhookOption) (*WebhookSink, error) {
	if url == "" {
		return nil, errors.New("incident webhook: empty url")
	}
	s := &WebhookSink{
		url:    url,
		client: &http.Client{Timeout: 10 * time.Second},
		logger: logging.New("[Incident-Webhook] "),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

func (s *WebhookSink) Notify(ctx context.Context, incident common.Incident) {
	if err := s.Send(ctx, incident); err != nil {
		s.logger.Printf("Failed to deliver %s incident: %v", incident.Type, err)
	}
}

// Send отправляет инцидент и возвращает ошибку при ответе не 2xx
func (s *WebhookSink) Send(ctx context.Context, incident common.Incident) error {
	body, err := json.Marshal(incident)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("incident webhook: non-2xx response %d", resp.StatusCode)
	}
	return nil
}
