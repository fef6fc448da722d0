package evaluator

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/smallbiznis/lingora/internal/config"
	"github.com/smallbiznis/lingora/internal/evaluation/domain"
	"go.uber.org/zap"
)

// Client calls the external evaluation service over HTTP. A 429 maps to
// ErrRateLimited so the queue backs off instead of burning attempts blindly.
type Client struct {
	baseURL   string
	authToken string
	http      *http.Client
	log       *zap.Logger
}

func NewClient(cfg config.Config, log *zap.Logger) domain.Evaluator {
	return &Client{
		baseURL:   cfg.Evaluator.BaseURL,
		authToken: cfg.Evaluator.AuthToken,
		http:      &http.Client{Timeout: cfg.Evaluator.Timeout},
		log:       log.Named("evaluation.client"),
	}
}

func (c *Client) Evaluate(ctx context.Context, input domain.EvaluationInput) (*domain.EvaluationResult, error) {
	body, err := json.Marshal(input)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/evaluate", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.authToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.authToken)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, err
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, domain.ErrRateLimited
	case resp.StatusCode >= 400:
		return nil, fmt.Errorf("evaluator returned %d: %s", resp.StatusCode, truncate(payload, 256))
	}

	return &domain.EvaluationResult{Payload: payload}, nil
}

func truncate(b []byte, n int) string {
	if len(b) > n {
		b = b[:n]
	}
	return string(b)
}
