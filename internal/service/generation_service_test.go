package service

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/digkill/TGVideoBot/internal/models"
	"github.com/digkill/TGVideoBot/internal/provider"
	"github.com/digkill/TGVideoBot/internal/repository"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeJobStore mirrors the repository's conditional-transition contract in
// memory.
type fakeJobStore struct {
	mu     sync.Mutex
	jobs   map[string]*models.Job
	active int
	daily  int
}

func newFakeJobStore() *fakeJobStore {
	return &fakeJobStore{jobs: make(map[string]*models.Job)}
}

func (f *fakeJobStore) Create(ctx context.Context, job *models.Job) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	copied := *job
	f.jobs[job.ID] = &copied
	return nil
}

func (f *fakeJobStore) SetStatus(ctx context.Context, id string, status models.JobStatus) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if j, ok := f.jobs[id]; ok && !j.Status.IsTerminal() {
		j.Status = status
	}
	return nil
}

func (f *fakeJobStore) SetProviderJobID(ctx context.Context, id, providerJobID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if j, ok := f.jobs[id]; ok {
		j.ProviderJobID = providerJobID
	}
	return nil
}

func (f *fakeJobStore) MarkSucceeded(ctx context.Context, id, resultPath string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	j, ok := f.jobs[id]
	if !ok || j.Status.IsTerminal() {
		return false, nil
	}
	j.Status = models.JobSucceeded
	j.ResultPath = resultPath
	return true, nil
}

func (f *fakeJobStore) MarkFailed(ctx context.Context, id string, status models.JobStatus, reason string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	j, ok := f.jobs[id]
	if !ok || j.Status.IsTerminal() {
		return false, nil
	}
	j.Status = status
	j.FailReason = reason
	return true, nil
}

func (f *fakeJobStore) CountActiveForUser(ctx context.Context, userID int64) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.active, nil
}

func (f *fakeJobStore) CountForDay(ctx context.Context, userID int64, day time.Time) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.daily, nil
}

func (f *fakeJobStore) get(id string) models.Job {
	f.mu.Lock()
	defer f.mu.Unlock()
	return *f.jobs[id]
}

func (f *fakeJobStore) list() []models.Job {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]models.Job, 0, len(f.jobs))
	for _, j := range f.jobs {
		out = append(out, *j)
	}
	return out
}

// fakeBalanceStore tracks one balance and counts credit calls so the tests
// can assert the refund happened exactly once.
type fakeBalanceStore struct {
	mu      sync.Mutex
	balance decimal.Decimal
	adds    int
}

func (f *fakeBalanceStore) Reserve(ctx context.Context, userID int64, amount decimal.Decimal) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.balance.LessThan(amount) {
		return false, nil
	}
	f.balance = f.balance.Sub(amount)
	return true, nil
}

func (f *fakeBalanceStore) Add(ctx context.Context, userID int64, amount decimal.Decimal) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.balance = f.balance.Add(amount)
	f.adds++
	return nil
}

func (f *fakeBalanceStore) Balance(ctx context.Context, userID int64) (decimal.Decimal, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.balance, nil
}

func (f *fakeBalanceStore) snapshot() (decimal.Decimal, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.balance, f.adds
}

type fakePromoRedeemer struct{}

func (fakePromoRedeemer) Redeem(ctx context.Context, userID int64, code string) (decimal.Decimal, repository.RedeemStatus, error) {
	return decimal.Zero, repository.RedeemInvalid, nil
}

// fakeProvider scripts Submit/Poll/Download through function fields.
type fakeProvider struct {
	submit   func(ctx context.Context, req provider.Request) (string, error)
	poll     func(ctx context.Context, handle string) (provider.PollResult, error)
	download func(ctx context.Context, videoURL, dest string) error
}

func (f *fakeProvider) Name() models.ProviderName { return models.ProviderVeo3 }

func (f *fakeProvider) Submit(ctx context.Context, req provider.Request) (string, error) {
	if f.submit == nil {
		return "handle-1", nil
	}
	return f.submit(ctx, req)
}

func (f *fakeProvider) Poll(ctx context.Context, handle string) (provider.PollResult, error) {
	return f.poll(ctx, handle)
}

func (f *fakeProvider) Download(ctx context.Context, videoURL, dest string) error {
	if f.download == nil {
		return os.WriteFile(dest, []byte("raw"), 0o644)
	}
	return f.download(ctx, videoURL, dest)
}

type failureEvent struct {
	job      *models.Job
	reason   string
	refunded bool
}

type fakeNotifier struct {
	successes chan *models.Job
	failures  chan failureEvent
}

func newFakeNotifier() *fakeNotifier {
	return &fakeNotifier{
		successes: make(chan *models.Job, 4),
		failures:  make(chan failureEvent, 4),
	}
}

func (f *fakeNotifier) NotifySuccess(ctx context.Context, job *models.Job) {
	f.successes <- job
}

func (f *fakeNotifier) NotifyFailure(ctx context.Context, job *models.Job, reason string, refunded bool) {
	f.failures <- failureEvent{job: job, reason: reason, refunded: refunded}
}

type fakeNormalizer struct {
	gate chan struct{} // when set, Normalize blocks until closed
	err  error
}

func (f *fakeNormalizer) Normalize(ctx context.Context, src, dest, aspectRatio, resolution string) error {
	if f.gate != nil {
		<-f.gate
	}
	if f.err != nil {
		return f.err
	}
	return os.WriteFile(dest, []byte("normalized"), 0o644)
}

type fixture struct {
	svc      *GenerationService
	jobs     *fakeJobStore
	balance  *fakeBalanceStore
	notifier *fakeNotifier
	user     *models.User
}

func newFixture(t *testing.T, prov *fakeProvider, norm *fakeNormalizer) *fixture {
	t.Helper()
	jobs := newFakeJobStore()
	balance := &fakeBalanceStore{balance: decimal.NewFromInt(100)}
	notifier := newFakeNotifier()
	ledger := NewLedger(balance, fakePromoRedeemer{}, discardLogger())
	if norm == nil {
		norm = &fakeNormalizer{}
	}

	svc := NewGenerationService(
		jobs,
		ledger,
		map[models.ProviderName]provider.Provider{models.ProviderVeo3: prov},
		norm,
		notifier,
		NewModerator(nil, nil),
		Costs{VeoFast: decimal.NewFromInt(2), VeoQuality: decimal.NewFromInt(10), Luma: decimal.NewFromInt(2)},
		Limits{
			MaxActivePerUser: 1,
			DailyPerUser:     20,
			PollInterval:     5 * time.Millisecond,
			MaxWait:          time.Second,
		},
		t.TempDir(),
		discardLogger(),
	)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		svc.Shutdown(ctx)
	})

	return &fixture{
		svc:      svc,
		jobs:     jobs,
		balance:  balance,
		notifier: notifier,
		user:     &models.User{ID: 7, TgUserID: 1007, Balance: decimal.NewFromInt(100)},
	}
}

func startParams(user *models.User) StartParams {
	return StartParams{
		User:        user,
		ChatID:      555,
		Provider:    models.ProviderVeo3,
		Mode:        models.ModeQuality,
		Prompt:      "a red fox running through snow",
		AspectRatio: "16:9",
		Resolution:  "1080p",
	}
}

func TestStartJobSuccessChargesOnce(t *testing.T) {
	prov := &fakeProvider{
		poll: func(ctx context.Context, handle string) (provider.PollResult, error) {
			return provider.PollResult{State: provider.StateSucceeded, VideoURL: "https://files/video.mp4"}, nil
		},
	}
	fx := newFixture(t, prov, nil)

	job, err := fx.svc.StartJob(context.Background(), startParams(fx.user))
	require.NoError(t, err)
	assert.True(t, decimal.NewFromInt(10).Equal(job.Cost))

	select {
	case got := <-fx.notifier.successes:
		assert.Equal(t, job.ID, got.ID)
		assert.FileExists(t, got.ResultPath)
	case <-time.After(2 * time.Second):
		t.Fatal("success notification never arrived")
	}

	balance, adds := fx.balance.snapshot()
	assert.True(t, decimal.NewFromInt(90).Equal(balance), "charged exactly the cost, got %s", balance)
	assert.Equal(t, 0, adds, "no refund on success")
	assert.Equal(t, models.JobSucceeded, fx.jobs.get(job.ID).Status)
}

func TestStartJobInsufficientBalance(t *testing.T) {
	fx := newFixture(t, &fakeProvider{}, nil)
	fx.balance.balance = decimal.NewFromInt(1)

	_, err := fx.svc.StartJob(context.Background(), startParams(fx.user))

	assert.ErrorIs(t, err, ErrInsufficientBalance)
	balance, _ := fx.balance.snapshot()
	assert.True(t, decimal.NewFromInt(1).Equal(balance), "balance untouched")

	// The row is recorded as created before the reservation, then failed.
	jobs := fx.jobs.list()
	require.Len(t, jobs, 1)
	assert.Equal(t, models.JobFailed, jobs[0].Status)
	assert.Equal(t, "tokens not reserved", jobs[0].FailReason)
}

func TestProviderFailureRefundsOnce(t *testing.T) {
	prov := &fakeProvider{
		poll: func(ctx context.Context, handle string) (provider.PollResult, error) {
			return provider.PollResult{State: provider.StateFailed, Reason: "safety filter"}, nil
		},
	}
	fx := newFixture(t, prov, nil)

	job, err := fx.svc.StartJob(context.Background(), startParams(fx.user))
	require.NoError(t, err)

	select {
	case ev := <-fx.notifier.failures:
		assert.Equal(t, "safety filter", ev.reason)
		assert.True(t, ev.refunded)
	case <-time.After(2 * time.Second):
		t.Fatal("failure notification never arrived")
	}

	balance, adds := fx.balance.snapshot()
	assert.True(t, decimal.NewFromInt(100).Equal(balance), "refund restored the balance, got %s", balance)
	assert.Equal(t, 1, adds, "refunded exactly once")
	assert.Equal(t, models.JobFailed, fx.jobs.get(job.ID).Status)
}

func TestSubmissionRejectedRefunds(t *testing.T) {
	prov := &fakeProvider{
		submit: func(ctx context.Context, req provider.Request) (string, error) {
			return "", &provider.SubmissionRejectedError{Reason: "prompt violates policy"}
		},
	}
	fx := newFixture(t, prov, nil)

	job, err := fx.svc.StartJob(context.Background(), startParams(fx.user))
	require.NoError(t, err)

	select {
	case ev := <-fx.notifier.failures:
		assert.Equal(t, "prompt violates policy", ev.reason)
		assert.True(t, ev.refunded)
	case <-time.After(2 * time.Second):
		t.Fatal("failure notification never arrived")
	}
	assert.Equal(t, models.JobFailed, fx.jobs.get(job.ID).Status)
}

// A transient submit error may mean the request already reached the vendor, so
// the orchestrator never resubmits: the job fails and the charge comes back.
func TestTransientSubmitFailureFailsWithoutRetry(t *testing.T) {
	var mu sync.Mutex
	attempts := 0
	prov := &fakeProvider{
		submit: func(ctx context.Context, req provider.Request) (string, error) {
			mu.Lock()
			defer mu.Unlock()
			attempts++
			return "", &provider.TransientError{Err: errors.New("connection reset")}
		},
	}
	fx := newFixture(t, prov, nil)

	job, err := fx.svc.StartJob(context.Background(), startParams(fx.user))
	require.NoError(t, err)

	select {
	case ev := <-fx.notifier.failures:
		assert.Equal(t, "provider unavailable", ev.reason)
		assert.True(t, ev.refunded)
	case <-time.After(2 * time.Second):
		t.Fatal("failure notification never arrived")
	}

	mu.Lock()
	assert.Equal(t, 1, attempts, "submitted exactly once")
	mu.Unlock()

	balance, adds := fx.balance.snapshot()
	assert.True(t, decimal.NewFromInt(100).Equal(balance))
	assert.Equal(t, 1, adds)
	assert.Equal(t, models.JobFailed, fx.jobs.get(job.ID).Status)
}

func TestTimeoutRefunds(t *testing.T) {
	prov := &fakeProvider{
		poll: func(ctx context.Context, handle string) (provider.PollResult, error) {
			return provider.PollResult{State: provider.StateRunning}, nil
		},
	}
	fx := newFixture(t, prov, nil)
	fx.svc.limits.MaxWait = 20 * time.Millisecond

	job, err := fx.svc.StartJob(context.Background(), startParams(fx.user))
	require.NoError(t, err)

	select {
	case ev := <-fx.notifier.failures:
		assert.True(t, ev.refunded)
		assert.Equal(t, models.JobTimedOut, ev.job.Status)
	case <-time.After(2 * time.Second):
		t.Fatal("timeout notification never arrived")
	}

	balance, adds := fx.balance.snapshot()
	assert.True(t, decimal.NewFromInt(100).Equal(balance))
	assert.Equal(t, 1, adds)
	assert.Equal(t, models.JobTimedOut, fx.jobs.get(job.ID).Status)
}

func TestCancelRefunds(t *testing.T) {
	prov := &fakeProvider{
		poll: func(ctx context.Context, handle string) (provider.PollResult, error) {
			return provider.PollResult{State: provider.StateRunning}, nil
		},
	}
	fx := newFixture(t, prov, nil)

	job, err := fx.svc.StartJob(context.Background(), startParams(fx.user))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return fx.svc.CancelForUser(fx.user.ID) > 0
	}, time.Second, 5*time.Millisecond)

	select {
	case ev := <-fx.notifier.failures:
		assert.Equal(t, "cancelled", ev.reason)
		assert.True(t, ev.refunded)
	case <-time.After(2 * time.Second):
		t.Fatal("cancel notification never arrived")
	}

	balance, adds := fx.balance.snapshot()
	assert.True(t, decimal.NewFromInt(100).Equal(balance))
	assert.Equal(t, 1, adds)
	assert.Equal(t, models.JobFailed, fx.jobs.get(job.ID).Status)
}

// A success that lands after the job was finalized elsewhere must not charge,
// notify or leave a file behind.
func TestLateSuccessDiscarded(t *testing.T) {
	gate := make(chan struct{})
	prov := &fakeProvider{
		poll: func(ctx context.Context, handle string) (provider.PollResult, error) {
			return provider.PollResult{State: provider.StateSucceeded, VideoURL: "https://files/v.mp4"}, nil
		},
	}
	fx := newFixture(t, prov, &fakeNormalizer{gate: gate})

	job, err := fx.svc.StartJob(context.Background(), startParams(fx.user))
	require.NoError(t, err)

	// Finalize the job out from under the runner while it is busy
	// normalizing, the way a concurrent cancel would.
	require.Eventually(t, func() bool {
		return fx.jobs.get(job.ID).Status == models.JobPolling
	}, time.Second, time.Millisecond)
	transitioned, err := fx.jobs.MarkFailed(context.Background(), job.ID, models.JobFailed, "cancelled")
	require.NoError(t, err)
	require.True(t, transitioned)
	close(gate)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, fx.svc.Shutdown(ctx))

	select {
	case <-fx.notifier.successes:
		t.Fatal("late success must not notify")
	default:
	}
	got := fx.jobs.get(job.ID)
	assert.Equal(t, models.JobFailed, got.Status)
	assert.NoFileExists(t, got.ResultPath)
}

func TestTranscodeFailureRefunds(t *testing.T) {
	prov := &fakeProvider{
		poll: func(ctx context.Context, handle string) (provider.PollResult, error) {
			return provider.PollResult{State: provider.StateSucceeded, VideoURL: "https://files/v.mp4"}, nil
		},
	}
	fx := newFixture(t, prov, &fakeNormalizer{err: errors.New("ffmpeg exit 1")})

	job, err := fx.svc.StartJob(context.Background(), startParams(fx.user))
	require.NoError(t, err)

	select {
	case ev := <-fx.notifier.failures:
		assert.Equal(t, "post-processing failed", ev.reason)
		assert.True(t, ev.refunded)
	case <-time.After(2 * time.Second):
		t.Fatal("failure notification never arrived")
	}

	balance, adds := fx.balance.snapshot()
	assert.True(t, decimal.NewFromInt(100).Equal(balance))
	assert.Equal(t, 1, adds)
	assert.Equal(t, models.JobFailed, fx.jobs.get(job.ID).Status)
}

func TestTooManyActiveJobs(t *testing.T) {
	fx := newFixture(t, &fakeProvider{}, nil)
	fx.jobs.active = 1

	_, err := fx.svc.StartJob(context.Background(), startParams(fx.user))

	assert.ErrorIs(t, err, ErrTooManyActiveJobs)
}

func TestDailyLimitReached(t *testing.T) {
	fx := newFixture(t, &fakeProvider{}, nil)
	fx.jobs.daily = 20

	_, err := fx.svc.StartJob(context.Background(), startParams(fx.user))

	assert.ErrorIs(t, err, ErrDailyLimitReached)
}

func TestModerationRejectsBeforeReserve(t *testing.T) {
	fx := newFixture(t, &fakeProvider{}, nil)

	params := startParams(fx.user)
	params.Prompt = "gore everywhere"
	_, err := fx.svc.StartJob(context.Background(), params)

	var modErr *ModerationError
	require.ErrorAs(t, err, &modErr)
	balance, _ := fx.balance.snapshot()
	assert.True(t, decimal.NewFromInt(100).Equal(balance), "no tokens moved")
}

func TestBannedUserRejected(t *testing.T) {
	fx := newFixture(t, &fakeProvider{}, nil)
	fx.user.IsBanned = true

	_, err := fx.svc.StartJob(context.Background(), startParams(fx.user))

	assert.ErrorIs(t, err, ErrUserBanned)
}

func TestAdminSkipChargeBypassesBalanceAndLimits(t *testing.T) {
	prov := &fakeProvider{
		poll: func(ctx context.Context, handle string) (provider.PollResult, error) {
			return provider.PollResult{State: provider.StateSucceeded, VideoURL: "https://files/v.mp4"}, nil
		},
	}
	fx := newFixture(t, prov, nil)
	fx.balance.balance = decimal.Zero
	fx.jobs.active = 5

	params := startParams(fx.user)
	params.SkipCharge = true
	job, err := fx.svc.StartJob(context.Background(), params)

	require.NoError(t, err)
	assert.True(t, job.Cost.IsZero())

	select {
	case <-fx.notifier.successes:
	case <-time.After(2 * time.Second):
		t.Fatal("success notification never arrived")
	}
	balance, adds := fx.balance.snapshot()
	assert.True(t, balance.IsZero())
	assert.Equal(t, 0, adds)
}

func TestVerticalResolutionDowngraded(t *testing.T) {
	prov := &fakeProvider{
		poll: func(ctx context.Context, handle string) (provider.PollResult, error) {
			return provider.PollResult{State: provider.StateRunning}, nil
		},
	}
	fx := newFixture(t, prov, nil)

	params := startParams(fx.user)
	params.AspectRatio = "9:16"
	params.Resolution = "1080p"
	job, err := fx.svc.StartJob(context.Background(), params)

	require.NoError(t, err)
	assert.Equal(t, "720p", job.Resolution)
}
