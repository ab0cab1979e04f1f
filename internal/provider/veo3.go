package provider

import (
	"bytes"
	"context"
	"encoding/base64"
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
	geminiBaseURL = "https://generativelanguage.googleapis.com"

	Veo3QualityModel = "veo-3.0-generate-001"
	Veo3FastModel    = "veo-3.0-fast-generate-001"
)

// Veo3Client talks to the Gemini video generation API (predictLongRunning
// plus operation polling).
type Veo3Client struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
	model      string
	fastModel  string
	logger     *slog.Logger
}

type Veo3Option func(*Veo3Client)

func WithVeo3BaseURL(url string) Veo3Option {
	return func(c *Veo3Client) { c.baseURL = url }
}

func WithVeo3HTTPClient(client *http.Client) Veo3Option {
	return func(c *Veo3Client) { c.httpClient = client }
}

func WithVeo3Model(model string) Veo3Option {
	return func(c *Veo3Client) { c.model = model }
}

func NewVeo3Client(apiKey string, logger *slog.Logger, opts ...Veo3Option) *Veo3Client {
	c := &Veo3Client{
		httpClient: &http.Client{Timeout: 60 * time.Second},
		baseURL:    geminiBaseURL,
		apiKey:     apiKey,
		model:      Veo3QualityModel,
		fastModel:  Veo3FastModel,
		logger:     logger,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Veo3Client) Name() models.ProviderName {
	return models.ProviderVeo3
}

type veoInstance struct {
	Prompt string    `json:"prompt"`
	Image  *veoImage `json:"image,omitempty"`
}

type veoImage struct {
	BytesBase64Encoded string `json:"bytesBase64Encoded"`
	MimeType           string `json:"mimeType"`
}

type veoParameters struct {
	AspectRatio    string `json:"aspectRatio,omitempty"`
	Resolution     string `json:"resolution,omitempty"`
	NegativePrompt string `json:"negativePrompt,omitempty"`
}

type veoSubmitRequest struct {
	Instances  []veoInstance `json:"instances"`
	Parameters veoParameters `json:"parameters"`
}

type veoOperation struct {
	Name  string `json:"name"`
	Done  bool   `json:"done"`
	Error *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
	Response *struct {
		GenerateVideoResponse *struct {
			GeneratedSamples []struct {
				Video struct {
					URI string `json:"uri"`
				} `json:"video"`
			} `json:"generatedSamples"`
			RAIMediaFilteredReasons []string `json:"raiMediaFilteredReasons"`
		} `json:"generateVideoResponse"`
	} `json:"response"`
}

// Submit starts a long-running generation and returns the operation name. A
// quota rejection on the quality model is retried once on the fast model
// before giving up.
func (c *Veo3Client) Submit(ctx context.Context, req Request) (string, error) {
	model := c.model
	if req.Mode == models.ModeFast {
		model = c.fastModel
	}

	handle, err := c.submitModel(ctx, model, req)
	if err == nil {
		return handle, nil
	}
	if isQuotaRejection(err) && model != c.fastModel {
		c.logger.Warn("veo3 quota exhausted, retrying on fast model",
			slog.String("model", model))
		handle, err = c.submitModel(ctx, c.fastModel, req)
		if err == nil {
			return handle, nil
		}
	}
	if qe, ok := err.(*quotaError); ok {
		return "", &SubmissionRejectedError{Reason: "quota exhausted: " + qe.body}
	}
	return "", err
}

func (c *Veo3Client) submitModel(ctx context.Context, model string, req Request) (string, error) {
	instance := veoInstance{Prompt: req.Prompt}
	if req.ReferenceURL != "" {
		img, mime, err := c.fetchReference(ctx, req.ReferenceURL)
		if err != nil {
			return "", err
		}
		instance.Image = &veoImage{
			BytesBase64Encoded: base64.StdEncoding.EncodeToString(img),
			MimeType:           mime,
		}
	}

	body, err := json.Marshal(veoSubmitRequest{
		Instances: []veoInstance{instance},
		Parameters: veoParameters{
			AspectRatio:    req.AspectRatio,
			Resolution:     req.Resolution,
			NegativePrompt: req.NegativePrompt,
		},
	})
	if err != nil {
		return "", fmt.Errorf("marshal veo3 request: %w", err)
	}

	url := fmt.Sprintf("%s/v1beta/models/%s:predictLongRunning", c.baseURL, model)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("create veo3 request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-goog-api-key", c.apiKey)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return "", &TransientError{Err: fmt.Errorf("veo3 submit: %w", err)}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", &TransientError{Err: fmt.Errorf("read veo3 response: %w", err)}
	}

	switch {
	case resp.StatusCode >= 500:
		return "", &TransientError{Err: fmt.Errorf("veo3 submit status %d: %s", resp.StatusCode, truncateBody(respBody))}
	case resp.StatusCode == http.StatusTooManyRequests:
		return "", &quotaError{body: truncateBody(respBody)}
	case resp.StatusCode != http.StatusOK:
		return "", &SubmissionRejectedError{Reason: fmt.Sprintf("status %d: %s", resp.StatusCode, truncateBody(respBody))}
	}

	var op veoOperation
	if err := json.Unmarshal(respBody, &op); err != nil {
		return "", fmt.Errorf("decode veo3 operation: %w", err)
	}
	if op.Name == "" {
		return "", fmt.Errorf("veo3 operation without name: %s", truncateBody(respBody))
	}

	c.logger.Info("veo3 job submitted",
		slog.String("model", model),
		slog.String("operation", op.Name))
	return op.Name, nil
}

// Poll fetches the operation identified by handle. Done operations map to
// succeeded or failed; everything else reports running since the API exposes
// no intermediate progress.
func (c *Veo3Client) Poll(ctx context.Context, handle string) (PollResult, error) {
	url := fmt.Sprintf("%s/v1beta/%s", c.baseURL, handle)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return PollResult{}, fmt.Errorf("create veo3 poll request: %w", err)
	}
	httpReq.Header.Set("x-goog-api-key", c.apiKey)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return PollResult{}, &TransientError{Err: fmt.Errorf("veo3 poll: %w", err)}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return PollResult{}, &TransientError{Err: fmt.Errorf("read veo3 poll response: %w", err)}
	}
	if resp.StatusCode >= 500 {
		return PollResult{}, &TransientError{Err: fmt.Errorf("veo3 poll status %d: %s", resp.StatusCode, truncateBody(respBody))}
	}
	if resp.StatusCode != http.StatusOK {
		return PollResult{}, fmt.Errorf("veo3 poll status %d: %s", resp.StatusCode, truncateBody(respBody))
	}

	var op veoOperation
	if err := json.Unmarshal(respBody, &op); err != nil {
		return PollResult{}, fmt.Errorf("decode veo3 poll response: %w", err)
	}

	if !op.Done {
		return PollResult{State: StateRunning}, nil
	}
	if op.Error != nil {
		return PollResult{State: StateFailed, Reason: op.Error.Message}, nil
	}
	if op.Response == nil || op.Response.GenerateVideoResponse == nil {
		return PollResult{State: StateFailed, Reason: "operation finished without a video response"}, nil
	}
	gvr := op.Response.GenerateVideoResponse
	if len(gvr.GeneratedSamples) == 0 {
		reason := "no video produced"
		if len(gvr.RAIMediaFilteredReasons) > 0 {
			reason = gvr.RAIMediaFilteredReasons[0]
		}
		return PollResult{State: StateFailed, Reason: reason}, nil
	}
	return PollResult{State: StateSucceeded, VideoURL: gvr.GeneratedSamples[0].Video.URI}, nil
}

// Download streams the rendered video to dest. The file URI requires the same
// API key header as the rest of the API.
func (c *Veo3Client) Download(ctx context.Context, videoURL, dest string) error {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, videoURL, nil)
	if err != nil {
		return fmt.Errorf("create veo3 download request: %w", err)
	}
	httpReq.Header.Set("x-goog-api-key", c.apiKey)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return &TransientError{Err: fmt.Errorf("veo3 download: %w", err)}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		if resp.StatusCode >= 500 {
			return &TransientError{Err: fmt.Errorf("veo3 download status %d: %s", resp.StatusCode, truncateBody(body))}
		}
		return fmt.Errorf("veo3 download status %d: %s", resp.StatusCode, truncateBody(body))
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

func (c *Veo3Client) fetchReference(ctx context.Context, url string) ([]byte, string, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, "", fmt.Errorf("create reference request: %w", err)
	}
	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, "", &TransientError{Err: fmt.Errorf("fetch reference image: %w", err)}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, "", &SubmissionRejectedError{Reason: fmt.Sprintf("reference image fetch status %d", resp.StatusCode)}
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, 20<<20))
	if err != nil {
		return nil, "", &TransientError{Err: fmt.Errorf("read reference image: %w", err)}
	}
	mime := resp.Header.Get("Content-Type")
	if mime == "" {
		mime = "image/jpeg"
	}
	return data, mime, nil
}

// quotaError marks a 429 from the API so Submit can decide whether the fast
// model is worth a retry. It surfaces to callers as a rejection.
type quotaError struct {
	body string
}

func (e *quotaError) Error() string {
	return fmt.Sprintf("submission rejected: quota exhausted: %s", e.body)
}

func isQuotaRejection(err error) bool {
	_, ok := err.(*quotaError)
	return ok
}
