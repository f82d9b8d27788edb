package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"time"

	"client-engine/internal/artifact"
	"client-engine/internal/config"
	"client-engine/internal/models"
	"client-engine/internal/pipeline"
)

// IngestHandler downloads a source document for a lead and stores it as an
// artifact. Channel ingestion enqueues one job per document.
type IngestHandler struct {
	httpClient *http.Client
	blobs      artifact.Store
	rec        pipeline.ArtifactRecorder
	maxBytes   int64
}

type ingestPayload struct {
	LeadID    string `json:"lead_id"`
	SourceURL string `json:"source_url"`
	Kind      string `json:"kind"`
}

func NewIngestHandler(cfg config.Config, blobs artifact.Store, rec pipeline.ArtifactRecorder) *IngestHandler {
	timeout := cfg.IngestTimeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	limit := cfg.IngestMaxBytes
	if limit == 0 {
		limit = 25 * 1024 * 1024
	}
	return &IngestHandler{
		httpClient: &http.Client{Timeout: timeout},
		blobs:      blobs,
		rec:        rec,
		maxBytes:   limit,
	}
}

// Handle downloads, stores and records a single document.
func (h *IngestHandler) Handle(ctx context.Context, job models.JobRun) (map[string]any, error) {
	payload, err := decodeIngestPayload(job)
	if err != nil {
		return nil, Permanent(err)
	}

	data, contentType, err := h.download(ctx, payload.SourceURL)
	if err != nil {
		return nil, err
	}

	key := fmt.Sprintf("leads/%s/ingest/%s%s", payload.LeadID, job.ID, extensionFor(contentType))
	uri, err := h.blobs.Put(ctx, key, data, contentType)
	if err != nil {
		return nil, fmt.Errorf("store: %w", err)
	}
	a, err := h.rec.CreateArtifact(ctx, models.Artifact{
		LeadID:      payload.LeadID,
		Kind:        payload.Kind,
		URI:         uri,
		ContentType: contentType,
	})
	if err != nil {
		return nil, fmt.Errorf("record artifact: %w", err)
	}
	return map[string]any{"artifact_id": a.ID, "uri": uri, "bytes": len(data)}, nil
}

func (h *IngestHandler) download(ctx context.Context, url string) ([]byte, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, "", Permanent(fmt.Errorf("build request: %w", err))
	}
	resp, err := h.httpClient.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("download: %w", err)
	}
	defer resp.Body.Close()

	// 4xx will not change on retry.
	if resp.StatusCode >= http.StatusBadRequest && resp.StatusCode < http.StatusInternalServerError && resp.StatusCode != http.StatusTooManyRequests {
		return nil, "", Permanent(fmt.Errorf("download: status %d", resp.StatusCode))
	}
	if resp.StatusCode >= http.StatusBadRequest {
		return nil, "", fmt.Errorf("download: status %d", resp.StatusCode)
	}

	limited := io.LimitReader(resp.Body, h.maxBytes+1)
	body, err := io.ReadAll(limited)
	if err != nil {
		return nil, "", fmt.Errorf("read body: %w", err)
	}
	if int64(len(body)) > h.maxBytes {
		return nil, "", Permanent(fmt.Errorf("document too large (>%d bytes)", h.maxBytes))
	}

	contentType := resp.Header.Get("Content-Type")
	if contentType == "" {
		contentType = http.DetectContentType(body)
	}
	return body, contentType, nil
}

func decodeIngestPayload(job models.JobRun) (ingestPayload, error) {
	payload := ingestPayload{Kind: "source"}
	raw, err := json.Marshal(job.Payload)
	if err != nil {
		return payload, fmt.Errorf("marshal payload: %w", err)
	}
	if err := json.Unmarshal(raw, &payload); err != nil {
		return payload, fmt.Errorf("decode payload: %w", err)
	}
	if payload.LeadID == "" {
		return payload, errors.New("lead_id is required")
	}
	if payload.SourceURL == "" {
		return payload, errors.New("source_url is required")
	}
	if payload.Kind == "" {
		payload.Kind = "source"
	}
	return payload, nil
}

func extensionFor(contentType string) string {
	mt, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return ""
	}
	switch mt {
	case "application/json":
		return ".json"
	case "text/html":
		return ".html"
	case "text/plain":
		return ".txt"
	case "application/pdf":
		return ".pdf"
	}
	return ""
}
