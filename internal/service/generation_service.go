package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/shopspring/decimal"

	"github.com/digkill/TGVideoBot/internal/models"
	"github.com/digkill/TGVideoBot/internal/provider"
)

var (
	ErrTooManyActiveJobs = errors.New("too many active jobs")
	ErrDailyLimitReached = errors.New("daily job limit reached")
	ErrUserBanned        = errors.New("user is banned")
	ErrUnknownProvider   = errors.New("unknown provider")
)

// ModerationError rejects a prompt before any tokens move.
type ModerationError struct {
	Reason string
}

func (e *ModerationError) Error() string {
	return "prompt rejected: " + e.Reason
}

// JobStore is the persistence contract the orchestrator drives the state
// machine through. The terminal transitions report whether this call moved
// the row so the refund happens exactly once.
type JobStore interface {
	Create(ctx context.Context, job *models.Job) error
	SetStatus(ctx context.Context, id string, status models.JobStatus) error
	SetProviderJobID(ctx context.Context, id, providerJobID string) error
	MarkSucceeded(ctx context.Context, id, resultPath string) (bool, error)
	MarkFailed(ctx context.Context, id string, status models.JobStatus, reason string) (bool, error)
	CountActiveForUser(ctx context.Context, userID int64) (int, error)
	CountForDay(ctx context.Context, userID int64, day time.Time) (int, error)
}

// Notifier delivers job outcomes back to the chat.
type Notifier interface {
	NotifySuccess(ctx context.Context, job *models.Job)
	NotifyFailure(ctx context.Context, job *models.Job, reason string, refunded bool)
}

// Normalizer is the post-processing step applied to downloaded video.
type Normalizer interface {
	Normalize(ctx context.Context, src, dest, aspectRatio, resolution string) error
}

// Costs holds the token price per provider and mode.
type Costs struct {
	VeoFast    decimal.Decimal
	VeoQuality decimal.Decimal
	Luma       decimal.Decimal
}

// For returns the price of a generation. Luma has a single price regardless
// of mode.
func (c Costs) For(p models.ProviderName, m models.Mode) (decimal.Decimal, error) {
	switch p {
	case models.ProviderVeo3:
		if m == models.ModeFast {
			return c.VeoFast, nil
		}
		return c.VeoQuality, nil
	case models.ProviderLuma:
		return c.Luma, nil
	default:
		return decimal.Zero, fmt.Errorf("%w: %s", ErrUnknownProvider, p)
	}
}

// Limits bounds per-user concurrency and the polling loop.
type Limits struct {
	MaxActivePerUser int
	DailyPerUser     int
	PollInterval     time.Duration
	MaxWait          time.Duration
}

// StartParams describes a generation request coming from the chat layer.
type StartParams struct {
	User           *models.User
	ChatID         int64
	Provider       models.ProviderName
	Mode           models.Mode
	Prompt         string
	NegativePrompt string
	AspectRatio    string
	Resolution     string
	ReferenceURL   string

	// SkipCharge bypasses the token reservation and the usage limits.
	// Only the chat layer's admin check sets it.
	SkipCharge bool
}

const (
	maxConsecutivePollErrs = 5
	finalizeTimeout        = 30 * time.Second
)

// GenerationService runs the job lifecycle: moderation, limits, reservation,
// submission, polling, delivery and settlement. Each accepted job gets its
// own goroutine; cancellation and process shutdown go through the per-job
// contexts held in the registry.
type GenerationService struct {
	jobs      JobStore
	ledger    *Ledger
	providers map[models.ProviderName]provider.Provider
	post      Normalizer
	notifier  Notifier
	moderator *Moderator
	costs     Costs
	limits    Limits
	workDir   string
	logger    *slog.Logger

	mu      sync.Mutex
	runners map[string]*jobRunner
	wg      sync.WaitGroup
}

type jobRunner struct {
	userID int64
	cancel context.CancelFunc
}

func NewGenerationService(
	jobs JobStore,
	ledger *Ledger,
	providers map[models.ProviderName]provider.Provider,
	post Normalizer,
	notifier Notifier,
	moderator *Moderator,
	costs Costs,
	limits Limits,
	workDir string,
	logger *slog.Logger,
) *GenerationService {
	return &GenerationService{
		jobs:      jobs,
		ledger:    ledger,
		providers: providers,
		post:      post,
		notifier:  notifier,
		moderator: moderator,
		costs:     costs,
		limits:    limits,
		workDir:   workDir,
		logger:    logger,
		runners:   make(map[string]*jobRunner),
	}
}

// StartJob validates the request, reserves the tokens and launches the
// runner. It returns once the job row exists; the rest of the lifecycle is
// asynchronous.
func (s *GenerationService) StartJob(ctx context.Context, params StartParams) (*models.Job, error) {
	if params.User.IsBanned {
		return nil, ErrUserBanned
	}

	verdict := s.moderator.Check(params.Prompt)
	if !verdict.Allowed {
		return nil, &ModerationError{Reason: verdict.Reason}
	}

	if !params.SkipCharge {
		active, err := s.jobs.CountActiveForUser(ctx, params.User.ID)
		if err != nil {
			return nil, err
		}
		if active >= s.limits.MaxActivePerUser {
			return nil, ErrTooManyActiveJobs
		}
		daily, err := s.jobs.CountForDay(ctx, params.User.ID, time.Now().UTC())
		if err != nil {
			return nil, err
		}
		if daily >= s.limits.DailyPerUser {
			return nil, ErrDailyLimitReached
		}
	}

	if _, ok := s.providers[params.Provider]; !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownProvider, params.Provider)
	}

	// Vendors do not render vertical 1080p.
	resolution := params.Resolution
	if params.AspectRatio == "9:16" {
		resolution = "720p"
	}

	cost, err := s.costs.For(params.Provider, params.Mode)
	if err != nil {
		return nil, err
	}
	if params.SkipCharge {
		cost = decimal.Zero
	}

	job := &models.Job{
		ID:             ulid.Make().String(),
		UserID:         params.User.ID,
		ChatID:         params.ChatID,
		Provider:       params.Provider,
		Mode:           params.Mode,
		Prompt:         params.Prompt,
		NegativePrompt: params.NegativePrompt,
		AspectRatio:    params.AspectRatio,
		Resolution:     resolution,
		ReferenceURL:   params.ReferenceURL,
		Cost:           cost,
		Status:         models.JobCreated,
		CreatedAt:      time.Now().UTC(),
	}
	if err := s.jobs.Create(ctx, job); err != nil {
		return nil, fmt.Errorf("create job: %w", err)
	}

	if err := s.ledger.Reserve(ctx, params.User.ID, cost); err != nil {
		if _, merr := s.jobs.MarkFailed(ctx, job.ID, models.JobFailed, "tokens not reserved"); merr != nil {
			s.logger.Error("mark unfunded job failed",
				slog.String("job_id", job.ID), slog.Any("error", merr))
		}
		return nil, err
	}
	if err := s.jobs.SetStatus(ctx, job.ID, models.JobReserved); err != nil {
		s.logger.Error("set reserved status",
			slog.String("job_id", job.ID), slog.Any("error", err))
	}
	job.Status = models.JobReserved

	if verdict.Flagged {
		s.logger.Warn("prompt flagged for review",
			slog.String("job_id", job.ID),
			slog.Int64("user_id", job.UserID))
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s.mu.Lock()
	s.runners[job.ID] = &jobRunner{userID: job.UserID, cancel: cancel}
	s.mu.Unlock()

	s.wg.Add(1)
	go s.run(runCtx, job)

	s.logger.Info("job started",
		slog.String("job_id", job.ID),
		slog.Int64("user_id", job.UserID),
		slog.String("provider", string(job.Provider)),
		slog.String("mode", string(job.Mode)),
		slog.String("cost", cost.String()))
	return job, nil
}

// Cancel aborts a running job by id. Returns false when the job is not
// running anymore.
func (s *GenerationService) Cancel(jobID string) bool {
	s.mu.Lock()
	runner, ok := s.runners[jobID]
	s.mu.Unlock()
	if !ok {
		return false
	}
	runner.cancel()
	return true
}

// CancelForUser aborts the user's running jobs and reports how many were hit.
func (s *GenerationService) CancelForUser(userID int64) int {
	s.mu.Lock()
	var cancels []context.CancelFunc
	for _, runner := range s.runners {
		if runner.userID == userID {
			cancels = append(cancels, runner.cancel)
		}
	}
	s.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
	}
	return len(cancels)
}

// Shutdown cancels every runner and waits for them to finalize their jobs,
// bounded by ctx.
func (s *GenerationService) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	for _, runner := range s.runners {
		runner.cancel()
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *GenerationService) run(ctx context.Context, job *models.Job) {
	defer s.wg.Done()
	defer func() {
		s.mu.Lock()
		delete(s.runners, job.ID)
		s.mu.Unlock()
	}()

	prov := s.providers[job.Provider]

	handle, err := s.submit(ctx, prov, job)
	if err != nil {
		s.finalizeFailure(ctx, job, models.JobFailed, submitFailureReason(err))
		return
	}

	opCtx, cancel := s.finalizeCtx(ctx)
	if err := s.jobs.SetProviderJobID(opCtx, job.ID, handle); err != nil {
		s.logger.Error("persist provider job id",
			slog.String("job_id", job.ID), slog.Any("error", err))
	}
	if err := s.jobs.SetStatus(opCtx, job.ID, models.JobPolling); err != nil {
		s.logger.Error("set polling status",
			slog.String("job_id", job.ID), slog.Any("error", err))
	}
	cancel()
	job.ProviderJobID = handle

	s.poll(ctx, prov, job)
}

// submit pushes the job to the provider exactly once. A failed submit is
// never retried here: a transient error may mean the request already reached
// the vendor, so the job fails, the reservation is refunded and the user
// resubmits. Moving the row to submitted first keeps the state machine honest
// even if the process dies mid-call.
func (s *GenerationService) submit(ctx context.Context, prov provider.Provider, job *models.Job) (string, error) {
	if err := s.jobs.SetStatus(ctx, job.ID, models.JobSubmitted); err != nil {
		return "", err
	}
	job.Status = models.JobSubmitted

	req := provider.Request{
		Prompt:         job.Prompt,
		NegativePrompt: job.NegativePrompt,
		AspectRatio:    job.AspectRatio,
		Resolution:     job.Resolution,
		Mode:           job.Mode,
		ReferenceURL:   job.ReferenceURL,
	}
	return prov.Submit(ctx, req)
}

func (s *GenerationService) poll(ctx context.Context, prov provider.Provider, job *models.Job) {
	deadline := time.Now().Add(s.limits.MaxWait)
	ticker := time.NewTicker(s.limits.PollInterval)
	defer ticker.Stop()

	consecutiveErrs := 0
	for {
		select {
		case <-ctx.Done():
			s.finalizeFailure(ctx, job, models.JobFailed, "cancelled")
			return
		case <-ticker.C:
		}

		if time.Now().After(deadline) {
			s.finalizeFailure(ctx, job, models.JobTimedOut, "generation did not finish in time")
			return
		}

		result, err := prov.Poll(ctx, job.ProviderJobID)
		if err != nil {
			if ctx.Err() != nil {
				s.finalizeFailure(ctx, job, models.JobFailed, "cancelled")
				return
			}
			consecutiveErrs++
			s.logger.Warn("poll failure",
				slog.String("job_id", job.ID),
				slog.Int("consecutive", consecutiveErrs),
				slog.Any("error", err))
			if !provider.IsTransient(err) || consecutiveErrs >= maxConsecutivePollErrs {
				s.finalizeFailure(ctx, job, models.JobFailed, "provider unreachable")
				return
			}
			continue
		}
		consecutiveErrs = 0

		switch result.State {
		case provider.StateSucceeded:
			s.deliver(ctx, prov, job, result.VideoURL)
			return
		case provider.StateFailed:
			s.finalizeFailure(ctx, job, models.JobFailed, result.Reason)
			return
		default:
			// Still pending or running; keep waiting.
		}
	}
}

// deliver downloads the rendered clip, normalizes it and finalizes the job.
// If another actor finalized the job first (cancellation racing a late
// success) the result file is discarded and the charge stays refunded.
func (s *GenerationService) deliver(ctx context.Context, prov provider.Provider, job *models.Job, videoURL string) {
	rawPath := filepath.Join(s.workDir, job.ID+".raw.mp4")
	finalPath := filepath.Join(s.workDir, job.ID+".mp4")

	if err := prov.Download(ctx, videoURL, rawPath); err != nil {
		s.finalizeFailure(ctx, job, models.JobFailed, deliveryFailureReason(ctx, "download failed"))
		return
	}
	defer os.Remove(rawPath)

	if err := s.post.Normalize(ctx, rawPath, finalPath, job.AspectRatio, job.Resolution); err != nil {
		s.logger.Error("normalize failed",
			slog.String("job_id", job.ID), slog.Any("error", err))
		s.finalizeFailure(ctx, job, models.JobFailed, deliveryFailureReason(ctx, "post-processing failed"))
		return
	}

	opCtx, cancel := s.finalizeCtx(ctx)
	defer cancel()
	transitioned, err := s.jobs.MarkSucceeded(opCtx, job.ID, finalPath)
	if err != nil {
		s.logger.Error("mark succeeded",
			slog.String("job_id", job.ID), slog.Any("error", err))
		return
	}
	if !transitioned {
		// Finalized elsewhere; the cancellation already refunded.
		s.logger.Info("late success discarded", slog.String("job_id", job.ID))
		os.Remove(finalPath)
		return
	}

	job.Status = models.JobSucceeded
	job.ResultPath = finalPath
	s.ledger.Commit(opCtx, job.UserID, job.ID, job.Cost)
	s.notifier.NotifySuccess(opCtx, job)
	s.logger.Info("job succeeded",
		slog.String("job_id", job.ID),
		slog.String("result", finalPath))
}

// finalizeFailure performs the terminal transition and, when this call won
// it, refunds the reservation and notifies the user. Runs on a detached
// context so a cancelled runner can still settle.
func (s *GenerationService) finalizeFailure(ctx context.Context, job *models.Job, status models.JobStatus, reason string) {
	opCtx, cancel := s.finalizeCtx(ctx)
	defer cancel()

	transitioned, err := s.jobs.MarkFailed(opCtx, job.ID, status, reason)
	if err != nil {
		s.logger.Error("mark failed",
			slog.String("job_id", job.ID), slog.Any("error", err))
		return
	}
	if !transitioned {
		return
	}

	job.Status = status
	job.FailReason = reason

	refunded := false
	if job.Cost.IsPositive() {
		if err := s.ledger.Refund(opCtx, job.UserID, job.ID, job.Cost); err != nil {
			s.logger.Error("refund failed",
				slog.String("job_id", job.ID), slog.Any("error", err))
		} else {
			refunded = true
		}
	}

	s.notifier.NotifyFailure(opCtx, job, reason, refunded)
	s.logger.Info("job finalized",
		slog.String("job_id", job.ID),
		slog.String("status", string(status)),
		slog.String("reason", reason),
		slog.Bool("refunded", refunded))
}

// finalizeCtx detaches from the runner's cancellation so settlement writes
// and notifications still go through after a cancel, with a bound of their
// own.
func (s *GenerationService) finalizeCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), finalizeTimeout)
}

func submitFailureReason(err error) string {
	var rejected *provider.SubmissionRejectedError
	if errors.As(err, &rejected) {
		return rejected.Reason
	}
	if errors.Is(err, context.Canceled) {
		return "cancelled"
	}
	return "provider unavailable"
}

func deliveryFailureReason(ctx context.Context, fallback string) string {
	if ctx.Err() != nil {
		return "cancelled"
	}
	return fallback
}
