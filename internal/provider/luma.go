package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/digkill/TGVideoBot/internal/models"
)

const (
	lumaBaseURL = "https://api.lumalabs.ai/dream-machine/v1"
	lumaModel   = "ray-2"
)

// LumaClient talks to the Luma Dream Machine generations API.
type LumaClient struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
	logger     *slog.Logger
}

type LumaOption func(*LumaClient)

func WithLumaBaseURL(url string) LumaOption {
	return func(c *LumaClient) { c.baseURL = url }
}

func WithLumaHTTPClient(client *http.Client) LumaOption {
	return func(c *LumaClient) { c.httpClient = client }
}

func NewLumaClient(apiKey string, logger *slog.Logger, opts ...LumaOption) *LumaClient {
	c := &LumaClient{
		httpClient: &http.Client{Timeout: 60 * time.Second},
		baseURL:    lumaBaseURL,
		apiKey:     apiKey,
		logger:     logger,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *LumaClient) Name() models.ProviderName {
	return models.ProviderLuma
}

type lumaKeyframe struct {
	Type string `json:"type"`
	URL  string `json:"url"`
}

type lumaSubmitRequest struct {
	Prompt      string                  `json:"prompt"`
	Model       string                  `json:"model"`
	AspectRatio string                  `json:"aspect_ratio,omitempty"`
	Resolution  string                  `json:"resolution,omitempty"`
	Keyframes   map[string]lumaKeyframe `json:"keyframes,omitempty"`
}

type lumaGeneration struct {
	ID            string `json:"id"`
	State         string `json:"state"`
	FailureReason string `json:"failure_reason"`
	Assets        *struct {
		Video string `json:"video"`
	} `json:"assets"`
}

// Submit creates a generation. The request goes out exactly once: a transient
// failure surfaces as a TransientError and the caller decides whether to
// resubmit, since the generation may already exist on the vendor side.
func (c *LumaClient) Submit(ctx context.Context, req Request) (string, error) {
	payload := lumaSubmitRequest{
		Prompt:      req.Prompt,
		Model:       lumaModel,
		AspectRatio: req.AspectRatio,
		Resolution:  req.Resolution,
	}
	if req.ReferenceURL != "" {
		payload.Keyframes = map[string]lumaKeyframe{
			"frame0": {Type: "image", URL: req.ReferenceURL},
		}
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal luma request: %w", err)
	}

	gen, err := c.doSubmit(ctx, body)
	if err != nil {
		return "", err
	}
	c.logger.Info("luma job submitted", slog.String("generation_id", gen.ID))
	return gen.ID, nil
}

func (c *LumaClient) doSubmit(ctx context.Context, body []byte) (*lumaGeneration, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/generations", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create luma request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, &TransientError{Err: fmt.Errorf("luma submit: %w", err)}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &TransientError{Err: fmt.Errorf("read luma response: %w", err)}
	}

	switch {
	case resp.StatusCode >= 500:
		return nil, &TransientError{Err: fmt.Errorf("luma submit status %d: %s", resp.StatusCode, truncateBody(respBody))}
	case resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated:
		return nil, &SubmissionRejectedError{Reason: fmt.Sprintf("status %d: %s", resp.StatusCode, truncateBody(respBody))}
	}

	var gen lumaGeneration
	if err := json.Unmarshal(respBody, &gen); err != nil {
		return nil, fmt.Errorf("decode luma generation: %w", err)
	}
	if gen.ID == "" {
		return nil, fmt.Errorf("luma generation without id: %s", truncateBody(respBody))
	}
	return &gen, nil
}

// Poll fetches the generation and maps the vendor state onto the uniform one.
// Unknown states report running so the orchestrator keeps polling until its
// own deadline fires.
func (c *LumaClient) Poll(ctx context.Context, handle string) (PollResult, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/generations/"+handle, nil)
	if err != nil {
		return PollResult{}, fmt.Errorf("create luma poll request: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return PollResult{}, &TransientError{Err: fmt.Errorf("luma poll: %w", err)}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return PollResult{}, &TransientError{Err: fmt.Errorf("read luma poll response: %w", err)}
	}
	if resp.StatusCode >= 500 {
		return PollResult{}, &TransientError{Err: fmt.Errorf("luma poll status %d: %s", resp.StatusCode, truncateBody(respBody))}
	}
	if resp.StatusCode != http.StatusOK {
		return PollResult{}, fmt.Errorf("luma poll status %d: %s", resp.StatusCode, truncateBody(respBody))
	}

	var gen lumaGeneration
	if err := json.Unmarshal(respBody, &gen); err != nil {
		return PollResult{}, fmt.Errorf("decode luma poll response: %w", err)
	}

	switch gen.State {
	case "pending", "queued", "starting":
		return PollResult{State: StatePending}, nil
	case "dreaming", "processing", "running":
		return PollResult{State: StateRunning}, nil
	case "completed", "succeeded":
		if gen.Assets == nil || gen.Assets.Video == "" {
			return PollResult{State: StateFailed, Reason: "generation completed without a video asset"}, nil
		}
		return PollResult{State: StateSucceeded, VideoURL: gen.Assets.Video}, nil
	case "failed", "error", "cancelled":
		reason := gen.FailureReason
		if reason == "" {
			reason = "generation " + gen.State
		}
		return PollResult{State: StateFailed, Reason: reason}, nil
	default:
		return PollResult{State: StateRunning}, nil
	}
}

// Download streams the rendered video to dest. Asset URLs are pre-signed and
// need no auth header.
func (c *LumaClient) Download(ctx context.Context, videoURL, dest string) error {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, videoURL, nil)
	if err != nil {
		return fmt.Errorf("create luma download request: %w", err)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return &TransientError{Err: fmt.Errorf("luma download: %w", err)}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		if resp.StatusCode >= 500 {
			return &TransientError{Err: fmt.Errorf("luma download status %d: %s", resp.StatusCode, truncateBody(body))}
		}
		return fmt.Errorf("luma download status %d: %s", resp.StatusCode, truncateBody(body))
	}

	out, err := os.Create(dest)
	if err != nil {
		return fmt.Errorf("create video file: %w", err)
	}
	defer out.Close()

	if _, err := io.Copy(out, resp.Body); err != nil {
		return fmt.Errorf("write video file: %w", err)
	}
	return nil
}
