package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"client-engine/internal/models"
)

// Document is what a generator produces for one step.
type Document struct {
	Body        []byte
	ContentType string
	Notes       string
}

// Generator produces step documents. It fronts the external content
// services (LLM prompts, templating), which stay outside this module.
type Generator interface {
	Generate(ctx context.Context, step string, lead models.Lead) (Document, error)
}

// GeneratorFunc adapts a function to Generator.
type GeneratorFunc func(ctx context.Context, step string, lead models.Lead) (Document, error)

func (f GeneratorFunc) Generate(ctx context.Context, step string, lead models.Lead) (Document, error) {
	return f(ctx, step, lead)
}

// HTTPGenerator posts the lead to <baseURL>/<step> and uses the response
// body as the document.
type HTTPGenerator struct {
	baseURL    string
	httpClient *http.Client
	maxBytes   int64
}

// NewHTTPGenerator builds a generator client with a per-request timeout.
func NewHTTPGenerator(baseURL string, timeout time.Duration) *HTTPGenerator {
	if timeout == 0 {
		timeout = 2 * time.Minute
	}
	return &HTTPGenerator{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
		maxBytes:   10 << 20,
	}
}

type generateRequest struct {
	Step string      `json:"step"`
	Lead models.Lead `json:"lead"`
}

func (g *HTTPGenerator) Generate(ctx context.Context, step string, lead models.Lead) (Document, error) {
	body, err := json.Marshal(generateRequest{Step: step, Lead: lead})
	if err != nil {
		return Document{}, fmt.Errorf("marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.baseURL+"/"+step, bytes.NewReader(body))
	if err != nil {
		return Document{}, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := g.httpClient.Do(req)
	if err != nil {
		return Document{}, fmt.Errorf("call generator: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, g.maxBytes+1))
	if err != nil {
		return Document{}, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return Document{}, fmt.Errorf("generator returned %d: %s", resp.StatusCode, truncate(string(data), 200))
	}
	if int64(len(data)) > g.maxBytes {
		return Document{}, fmt.Errorf("generator response exceeds %d bytes", g.maxBytes)
	}
	ct := resp.Header.Get("Content-Type")
	if ct == "" {
		ct = http.DetectContentType(data)
	}
	return Document{Body: data, ContentType: ct, Notes: resp.Header.Get("X-Generator-Notes")}, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
