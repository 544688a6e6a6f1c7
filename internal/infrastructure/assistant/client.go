package assistant

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"rillchat/internal/core/domain"
	"rillchat/internal/core/ports"
	"rillchat/pkg/circuitbreaker"
	apperrors "rillchat/pkg/errors"
	"rillchat/pkg/retry"

	"go.uber.org/zap"
)

const maxResponseBytes = 1 << 20

var errEmptyReply = errors.New("assistant returned an empty reply")

type Config struct {
	Endpoint string
	APIKey   string
	Timeout  time.Duration
	Retry    retry.Config
	Breaker  circuitbreaker.Config
}

func DefaultConfig(endpoint string) Config {
	r := retry.DefaultConfig()
	r.MaxAttempts = 2
	return Config{
		Endpoint: endpoint,
		Timeout:  30 * time.Second,
		Retry:    r,
		Breaker:  circuitbreaker.DefaultConfig(),
	}
}

type request struct {
	Prompt  string             `json:"prompt"`
	Context []domain.Utterance `json:"context"`
}

type response struct {
	Text string `json:"text"`
}

// Client calls a generative completion endpoint over HTTP.
type Client struct {
	config     Config
	httpClient *http.Client
	breaker    *circuitbreaker.CircuitBreaker
	logger     *zap.SugaredLogger
}

var _ ports.Assistant = (*Client)(nil)

func NewClient(config Config, logger *zap.SugaredLogger) *Client {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	c := &Client{
		config:     config,
		httpClient: &http.Client{Timeout: config.Timeout},
		breaker:    circuitbreaker.New(config.Breaker),
		logger:     logger,
	}
	c.breaker.OnStateChange(func(from, to circuitbreaker.State) {
		logger.Warnw("assistant circuit breaker state changed", "from", from.String(), "to", to.String())
	})
	return c
}

// Respond returns the assistant's reply to prompt. Every failure wraps
// domain.ErrAssistantUnavailable.
func (c *Client) Respond(ctx context.Context, prompt string, history []domain.Utterance) (string, error) {
	if history == nil {
		history = []domain.Utterance{}
	}
	body, err := json.Marshal(request{Prompt: prompt, Context: history})
	if err != nil {
		return "", fmt.Errorf("%w: %w", domain.ErrAssistantUnavailable, err)
	}

	text, err := circuitbreaker.Do(ctx, c.breaker, func() (string, error) {
		return retry.Do(ctx, c.config.Retry, func() (string, error) {
			return c.call(ctx, body)
		})
	})
	if err != nil {
		c.logger.Infow("assistant request failed", "error", err, "breaker", c.breaker.State().String())
		return "", fmt.Errorf("%w: %w", domain.ErrAssistantUnavailable, err)
	}
	return text, nil
}

func (c *Client) call(ctx context.Context, body []byte) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.config.Endpoint, bytes.NewReader(body))
	if err != nil {
		return "", retry.Permanent(err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.config.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.config.APIKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return "", err
	}

	if resp.StatusCode >= 300 {
		appErr := apperrors.NewBadGatewayError(
			fmt.Sprintf("assistant endpoint returned %d", resp.StatusCode),
			errors.New(string(bytes.TrimSpace(payload))),
		).WithContext("status", resp.StatusCode)
		// 429 and 5xx may succeed on a later attempt
		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			return "", appErr
		}
		return "", retry.Permanent(appErr)
	}

	var out response
	if err := json.Unmarshal(payload, &out); err != nil {
		return "", retry.Permanent(fmt.Errorf("decode assistant reply: %w", err))
	}
	if out.Text == "" {
		return "", retry.Permanent(errEmptyReply)
	}
	return out.Text, nil
}
