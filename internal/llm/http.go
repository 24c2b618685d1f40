package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/kestrellabs/deepresearch/internal/metrics"
)

// HTTPProvider talks to the LLM service over its REST API
// (POST /v1/generate and POST /v1/generate/stream).
type HTTPProvider struct {
	baseURL string
	client  *http.Client
	logger  *zap.Logger
}

// NewHTTPProvider creates a provider for the given base URL. timeout bounds
// a single request; hitting it while the caller's deadline still has budget
// left is reported as a plain provider failure, not deadline expiry.
func NewHTTPProvider(baseURL string, timeout time.Duration, logger *zap.Logger) *HTTPProvider {
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	return &HTTPProvider{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
		logger:  logger,
	}
}

// BaseURL returns the configured service base URL.
func (p *HTTPProvider) BaseURL() string { return p.baseURL }

// Generate performs a single blocking generation call.
func (p *HTTPProvider) Generate(ctx context.Context, req Request) (Response, error) {
	start := time.Now()
	resp, err := p.do(ctx, "/v1/generate", req)
	if err != nil {
		metrics.ProviderRequests.WithLabelValues(statusLabel(err)).Inc()
		return Response{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		metrics.ProviderRequests.WithLabelValues("error").Inc()
		return Response{}, fmt.Errorf("llm service returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var out Response
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		metrics.ProviderRequests.WithLabelValues("error").Inc()
		return Response{}, fmt.Errorf("decode llm response: %w", err)
	}
	metrics.ProviderRequests.WithLabelValues("ok").Inc()
	metrics.ProviderLatency.Observe(time.Since(start).Seconds())
	return out, nil
}

// GenerateStream performs a streaming call; the service responds with one
// JSON object per line, each carrying a text delta, then a final line with
// usage totals.
func (p *HTTPProvider) GenerateStream(ctx context.Context, req Request, fn StreamFunc) (Response, error) {
	start := time.Now()
	resp, err := p.do(ctx, "/v1/generate/stream", req)
	if err != nil {
		metrics.ProviderRequests.WithLabelValues(statusLabel(err)).Inc()
		return Response{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		metrics.ProviderRequests.WithLabelValues("error").Inc()
		return Response{}, fmt.Errorf("llm service returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var out Response
	var text strings.Builder
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var chunk struct {
			Delta      string `json:"delta"`
			Done       bool   `json:"done"`
			TokensUsed int    `json:"tokens_used"`
			Model      string `json:"model"`
		}
		if err := json.Unmarshal([]byte(line), &chunk); err != nil {
			metrics.ProviderRequests.WithLabelValues("error").Inc()
			return Response{}, fmt.Errorf("decode stream chunk: %w", err)
		}
		if chunk.Delta != "" {
			text.WriteString(chunk.Delta)
			if fn != nil {
				fn(chunk.Delta)
			}
		}
		if chunk.Done {
			out.TokensUsed = chunk.TokensUsed
			out.Model = chunk.Model
		}
	}
	if err := scanner.Err(); err != nil {
		err = mapTransportErr(ctx, err)
		metrics.ProviderRequests.WithLabelValues(statusLabel(err)).Inc()
		return Response{}, err
	}
	out.Text = text.String()
	metrics.ProviderRequests.WithLabelValues("ok").Inc()
	metrics.ProviderLatency.Observe(time.Since(start).Seconds())
	return out, nil
}

func (p *HTTPProvider) do(ctx context.Context, path string, req Request) (*http.Response, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal llm request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, mapTransportErr(ctx, err)
	}
	return resp, nil
}

// mapTransportErr folds caller-deadline expiry into ErrDeadlineExceeded.
// Only the caller's context decides: a request that tripped the per-request
// client timeout with deadline budget remaining is an ordinary provider
// failure, flattened with %v so errors.Is stops matching the deadline chain.
func mapTransportErr(ctx context.Context, err error) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", ErrDeadlineExceeded, err)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("llm request timed out before the caller's deadline: %v", err)
	}
	return err
}

func statusLabel(err error) string {
	if IsDeadlineExceeded(err) {
		return "deadline_exceeded"
	}
	return "error"
}
