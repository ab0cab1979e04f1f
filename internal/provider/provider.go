package provider

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/digkill/TGVideoBot/internal/models"
)

// State is the provider-side view of a generation job.
type State string

const (
	StatePending   State = "pending"
	StateRunning   State = "running"
	StateSucceeded State = "succeeded"
	StateFailed    State = "failed"
)

// Request carries the uniform generation parameters. Each adapter maps them
// onto its vendor's request format.
type Request struct {
	Prompt         string
	NegativePrompt string
	AspectRatio    string // "16:9" or "9:16"
	Resolution     string // "720p" or "1080p"
	Mode           models.Mode
	ReferenceURL   string // optional image reference, public URL
}

// PollResult is a snapshot of the remote job state.
type PollResult struct {
	State    State
	VideoURL string // set when State == StateSucceeded
	Reason   string // set when State == StateFailed
	Progress int    // 0-100 where the vendor reports it
}

// Provider is the uniform contract over vendor video-generation APIs.
type Provider interface {
	Name() models.ProviderName

	// Submit sends a generation job and returns the vendor job handle.
	// Application-level rejections surface as *SubmissionRejectedError;
	// network problems as *TransientError.
	Submit(ctx context.Context, req Request) (string, error)

	// Poll returns the latest remote state for the handle.
	Poll(ctx context.Context, handle string) (PollResult, error)

	// Download fetches the rendered video to dest.
	Download(ctx context.Context, videoURL, dest string) error
}

// SubmissionRejectedError means the vendor refused the job (bad prompt,
// quota, malformed reference media). Resubmitting the same request will not
// help without user changes.
type SubmissionRejectedError struct {
	Reason string
}

func (e *SubmissionRejectedError) Error() string {
	return fmt.Sprintf("submission rejected: %s", e.Reason)
}

// TransientError wraps network-level failures and 5xx responses that are
// worth retrying.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("transient provider error: %v", e.Err)
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

// IsTransient reports whether err is retryable.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

func truncateBody(body []byte) string {
	const limit = 512
	s := strings.TrimSpace(string(body))
	if len(s) > limit {
		return s[:limit] + "..."
	}
	return s
}
