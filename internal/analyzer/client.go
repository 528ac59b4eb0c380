// Package analyzer talks to the external image-analysis service that
// extracts capture coordinates and authenticity flags from a photo.
package analyzer

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"eventsync/internal/model"
)

// ErrServer marks a non-2xx answer from the analyzer.
var ErrServer = errors.New("analyzer server error")

// Client calls the analyzer over HTTP. With Skip set it answers locally
// with a fixed on-site result, which is handy for development.
type Client struct {
	BaseURL string
	HTTP    *http.Client
	Skip    bool
	// SkipPoint is the position reported in Skip mode.
	SkipPoint [2]float64
}

// New creates a client. Per-call deadlines come from the caller's context.
func New(baseURL string, skip bool) *Client {
	return &Client{
		BaseURL:   baseURL,
		Skip:      skip,
		SkipPoint: [2]float64{18.5194, 73.8150},
		HTTP: &http.Client{
			Transport: http.DefaultTransport,
		},
	}
}

type analyzeRequest struct {
	Image    string `json:"image"`
	MimeType string `json:"mime_type"`
}

// Analyze submits the raw image bytes. Any 2xx body is decoded as a
// VerificationResult, including ones that carry an error field.
func (c *Client) Analyze(ctx context.Context, image []byte, mimeType string) (model.VerificationResult, error) {
	if c.Skip {
		lat, lng := c.SkipPoint[0], c.SkipPoint[1]
		return model.VerificationResult{
			Latitude:    &lat,
			Longitude:   &lng,
			IsAuthentic: true,
			IsCampus:    true,
			Confidence:  0.9,
		}, nil
	}
	if len(image) == 0 {
		return model.VerificationResult{}, errors.New("image required")
	}
	if mimeType == "" {
		mimeType = "image/jpeg"
	}

	body, err := json.Marshal(analyzeRequest{
		Image:    base64.StdEncoding.EncodeToString(image),
		MimeType: mimeType,
	})
	if err != nil {
		return model.VerificationResult{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/analyze", bytes.NewReader(body))
	if err != nil {
		return model.VerificationResult{}, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return model.VerificationResult{}, fmt.Errorf("analyzer request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return model.VerificationResult{}, fmt.Errorf("%w: %s: %s", ErrServer, resp.Status, bytes.TrimSpace(snippet))
	}

	var out model.VerificationResult
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return model.VerificationResult{}, fmt.Errorf("%w: decode response: %v", ErrServer, err)
	}
	return out, nil
}

// Health checks if the analyzer is reachable.
func (c *Client) Health(ctx context.Context) error {
	if c.Skip {
		return nil
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+"/health", nil)
	if err != nil {
		return err
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return fmt.Errorf("analyzer unavailable: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("analyzer unhealthy: %s", resp.Status)
	}
	return nil
}

// Warmup polls Health until it succeeds, doubling the wait between
// attempts. Hosted analyzers cold-start slowly, so this is run once at boot.
func (c *Client) Warmup(ctx context.Context, attempts int, backoff time.Duration) error {
	var err error
	for i := 0; i < attempts; i++ {
		if err = c.Health(ctx); err == nil {
			log.Info().Str("module", "analyzer").Int("attempt", i+1).Msg("analyzer warm")
			return nil
		}
		log.Warn().Str("module", "analyzer").Err(err).Int("attempt", i+1).Dur("retry_in", backoff).Msg("analyzer not ready")
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
	}
	return err
}
