package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"
)

// Provider delivers a text message to a customer over an external channel.
type Provider interface {
	Send(ctx context.Context, message, recipient string) error
}

type ProviderConfig struct {
	Kind         string
	WebhookURL   string
	WebhookToken string
	Logger       *zap.Logger
}

func NewProvider(cfg ProviderConfig) (Provider, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	switch cfg.Kind {
	case "", "log":
		return logProvider{logger: logger}, nil
	case "noop":
		return noopProvider{}, nil
	case "webhook":
		if cfg.WebhookURL == "" {
			return nil, errors.New("webhook provider requires a URL")
		}
		return webhookProvider{
			url:    cfg.WebhookURL,
			token:  cfg.WebhookToken,
			client: &http.Client{Timeout: 5 * time.Second},
		}, nil
	default:
		return nil, fmt.Errorf("unknown customer notification provider %q", cfg.Kind)
	}
}

type logProvider struct {
	logger *zap.Logger
}

func (p logProvider) Send(ctx context.Context, message, recipient string) error {
	p.logger.Info("customer notification", zap.String("recipient", recipient), zap.String("message", message))
	return nil
}

type noopProvider struct{}

func (noopProvider) Send(ctx context.Context, message, recipient string) error {
	return nil
}

type webhookProvider struct {
	url    string
	token  string
	client *http.Client
}

func (p webhookProvider) Send(ctx context.Context, message, recipient string) error {
	body, err := json.Marshal(map[string]string{
		"recipient": recipient,
		"message":   message,
	})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if p.token != "" {
		req.Header.Set("Authorization", "Bearer "+p.token)
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("provider rejected request: status %d", resp.StatusCode)
	}
	return nil
}
