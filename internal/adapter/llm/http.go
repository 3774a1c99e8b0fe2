// Package llm holds the chat model backends: Ollama's native API and any
// OpenAI-compatible endpoint, plus a circuit breaker wrapper and a
// name-keyed registry.
package llm

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/johnhnguyen97/moxie-ai/internal/domain"
	"github.com/johnhnguyen97/moxie-ai/internal/infra/config"
)

// maxResponseBody caps what is read from a model API.
const maxResponseBody = 10 * 1024 * 1024

// Pool defaults: few hosts, long-lived connections.
const (
	defaultMaxIdleConns        = 20
	defaultMaxIdleConnsPerHost = 10
	defaultIdleConnTimeout     = 120 * time.Second
	defaultConnTimeout         = 10 * time.Second
)

// NewHTTPClient builds a pooled client whose overall timeout is cfg.Timeout.
func NewHTTPClient(cfg config.ProviderConfig, fallback time.Duration) *http.Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = fallback
	}
	maxIdle := cfg.Pool.MaxIdleConns
	if maxIdle <= 0 {
		maxIdle = defaultMaxIdleConns
	}
	perHost := cfg.Pool.MaxIdleConnsPerHost
	if perHost <= 0 {
		perHost = defaultMaxIdleConnsPerHost
	}
	idle := cfg.Pool.IdleConnTimeout
	if idle <= 0 {
		idle = defaultIdleConnTimeout
	}
	return &http.Client{
		Timeout: timeout,
		Transport: &http.Transport{
			Proxy: http.ProxyFromEnvironment,
			DialContext: (&net.Dialer{
				Timeout:   defaultConnTimeout,
				KeepAlive: 30 * time.Second,
			}).DialContext,
			TLSHandshakeTimeout: 10 * time.Second,
			MaxIdleConns:        maxIdle,
			MaxIdleConnsPerHost: perHost,
			IdleConnTimeout:     idle,
			ForceAttemptHTTP2:   true,
		},
	}
}

// doRequest sends a request and returns the status and the capped body.
// body may be nil for GET requests.
func doRequest(ctx context.Context, client *http.Client, method, url string, body []byte, headers map[string]string) (int, []byte, error) {
	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, rd)
	if err != nil {
		return 0, nil, fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := client.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return resp.StatusCode, nil, fmt.Errorf("read response: %w", err)
	}
	return resp.StatusCode, data, nil
}

func providerError(op, detail string) error {
	return domain.NewDomainError(op, domain.ErrProviderError, detail)
}

func isSuccess(status int) bool { return status >= 200 && status < 300 }
