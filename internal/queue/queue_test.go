package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/sahajm/courier/internal/db"
	"github.com/sahajm/courier/internal/gateway"
	"github.com/sahajm/courier/internal/ratelimit"
	"github.com/sahajm/courier/internal/settings"
)

type fakeQueueRepo struct {
	mu sync.Mutex

	jobs       []*db.Job
	enqueueErr error

	completed map[uuid.UUID]int
	retried   map[uuid.UUID]retryCall
	failed    map[uuid.UUID]string
	emails    []*db.EmailMessage
	smses     []*db.SMSMessage
}

type retryCall struct {
	attempt     int
	lastError   string
	nextRetryAt time.Time
}

func newFakeQueueRepo() *fakeQueueRepo {
	return &fakeQueueRepo{
		completed: make(map[uuid.UUID]int),
		retried:   make(map[uuid.UUID]retryCall),
		failed:    make(map[uuid.UUID]string),
	}
}

func (f *fakeQueueRepo) EnqueueJob(ctx context.Context, job *db.Job) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.enqueueErr != nil {
		return f.enqueueErr
	}
	f.jobs = append(f.jobs, job)
	return nil
}

func (f *fakeQueueRepo) ClaimJob(ctx context.Context, channel db.Channel) (*db.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, job := range f.jobs {
		if job.Channel == channel && job.Status == db.JobPending {
			job.Status = db.JobProcessing
			return job, nil
		}
	}
	return nil, nil
}

func (f *fakeQueueRepo) CompleteJob(ctx context.Context, id uuid.UUID, attempt int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.completed[id] = attempt
	return nil
}

func (f *fakeQueueRepo) RetryJob(ctx context.Context, id uuid.UUID, attempt int, lastError string, nextRetryAt time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.retried[id] = retryCall{attempt: attempt, lastError: lastError, nextRetryAt: nextRetryAt}
	return nil
}

func (f *fakeQueueRepo) FailJob(ctx context.Context, id uuid.UUID, attempt int, lastError string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failed[id] = lastError
	return nil
}

func (f *fakeQueueRepo) RecordEmailDelivery(ctx context.Context, msg *db.EmailMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.emails = append(f.emails, msg)
	return nil
}

func (f *fakeQueueRepo) RecordSMSDelivery(ctx context.Context, msg *db.SMSMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.smses = append(f.smses, msg)
	return nil
}

type fakeQueueSettings struct {
	cfg settings.QueueConfig
}

func (f *fakeQueueSettings) QueueConfig(ctx context.Context) settings.QueueConfig {
	return f.cfg
}

type scriptedMail struct {
	mu      sync.Mutex
	results map[string]gateway.SendResult
	def     gateway.SendResult
	calls   []string
}

func (s *scriptedMail) Send(ctx context.Context, to, subject, title, body string) gateway.SendResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, to)
	if r, ok := s.results[to]; ok {
		return r
	}
	return s.def
}

type scriptedSMS struct {
	mu    sync.Mutex
	def   gateway.SendResult
	calls []string
}

func (s *scriptedSMS) Send(ctx context.Context, phoneNumber, message string) gateway.SendResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, phoneNumber)
	return s.def
}

func newTestPool(repo *fakeQueueRepo, mail *scriptedMail, sms *scriptedSMS, channel db.Channel) *Pool {
	return NewPool(
		PoolConfig{Channel: channel, Workers: 1, PollInterval: 5 * time.Millisecond, MaxRetries: 3},
		repo,
		&fakeQueueSettings{cfg: settings.QueueConfig{Enabled: true, BatchSize: 50}},
		mail, sms,
		ratelimit.New(0),
		zap.NewNop(),
	)
}

// --- producer ---

func TestProducer_EnqueueEmail(t *testing.T) {
	repo := newFakeQueueRepo()
	p := NewProducer(repo, &fakeQueueSettings{cfg: settings.QueueConfig{Enabled: true}}, zap.NewNop())

	job, err := p.EnqueueEmail(context.Background(), "a@b.c", "Hi", "Body")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if job.Channel != db.ChannelEmail || job.Status != db.JobPending {
		t.Fatalf("job = %+v", job)
	}

	var payload EmailJob
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if len(payload.Recipients) != 1 || payload.Recipients[0] != "a@b.c" {
		t.Errorf("recipients = %v", payload.Recipients)
	}
	if payload.BatchNumber != 0 {
		t.Error("single job must not carry batch fields")
	}
}

func TestProducer_CampaignSplitsBatches(t *testing.T) {
	repo := newFakeQueueRepo()
	p := NewProducer(repo, &fakeQueueSettings{cfg: settings.QueueConfig{Enabled: true, BatchSize: 3}}, zap.NewNop())

	recipients := []string{"a", "b", "c", "d", "e", "f", "g"}
	campaignID := uuid.New()

	count, err := p.EnqueueEmailCampaign(context.Background(), campaignID, recipients, "s", "b")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if count != 3 {
		t.Fatalf("batches = %d, want 3", count)
	}
	if len(repo.jobs) != 3 {
		t.Fatalf("jobs = %d", len(repo.jobs))
	}

	var last EmailJob
	if err := json.Unmarshal(repo.jobs[2].Payload, &last); err != nil {
		t.Fatal(err)
	}
	if last.BatchNumber != 3 || last.TotalBatches != 3 {
		t.Errorf("batch fields = %d/%d", last.BatchNumber, last.TotalBatches)
	}
	if len(last.Recipients) != 1 || last.Recipients[0] != "g" {
		t.Errorf("last batch = %v", last.Recipients)
	}
	if last.CampaignID == nil || *last.CampaignID != campaignID {
		t.Error("campaign id not carried")
	}
}

func TestProducer_CampaignRejectedWhenQueueDisabled(t *testing.T) {
	repo := newFakeQueueRepo()
	p := NewProducer(repo, &fakeQueueSettings{cfg: settings.QueueConfig{Enabled: false}}, zap.NewNop())

	_, err := p.EnqueueSMSCampaign(context.Background(), uuid.New(), []string{"+1"}, "m")
	if !errors.Is(err, ErrQueueDisabled) {
		t.Fatalf("err = %v, want ErrQueueDisabled", err)
	}
	if len(repo.jobs) != 0 {
		t.Error("disabled queue must not accept jobs")
	}
}

func TestSplitBatches(t *testing.T) {
	tests := []struct {
		n, size int
		want    []int
	}{
		{0, 10, nil},
		{1, 10, []int{1}},
		{10, 10, []int{10}},
		{11, 10, []int{10, 1}},
		{25, 10, []int{10, 10, 5}},
		{5, 0, []int{5}},
	}
	for _, tt := range tests {
		recipients := make([]string, tt.n)
		batches := splitBatches(recipients, tt.size)
		if len(batches) != len(tt.want) {
			t.Errorf("n=%d size=%d: %d batches, want %d", tt.n, tt.size, len(batches), len(tt.want))
			continue
		}
		for i, b := range batches {
			if len(b) != tt.want[i] {
				t.Errorf("n=%d size=%d batch %d: len %d, want %d", tt.n, tt.size, i, len(b), tt.want[i])
			}
		}
	}
}

// --- worker ---

func singleEmailJob(t *testing.T, to string) *db.Job {
	t.Helper()
	payload, err := json.Marshal(EmailJob{Recipients: []string{to}, Subject: "s", Body: "b"})
	if err != nil {
		t.Fatal(err)
	}
	return &db.Job{ID: uuid.New(), Channel: db.ChannelEmail, Payload: payload, Status: db.JobPending}
}

func TestProcess_SingleJobSuccess(t *testing.T) {
	repo := newFakeQueueRepo()
	mail := &scriptedMail{def: gateway.SendResult{Success: true, ProviderMessageID: "m1"}}
	pool := newTestPool(repo, mail, &scriptedSMS{}, db.ChannelEmail)

	job := singleEmailJob(t, "a@b.c")
	pool.process(context.Background(), job, zap.NewNop())

	if attempt, ok := repo.completed[job.ID]; !ok || attempt != 1 {
		t.Fatalf("completed = %v", repo.completed)
	}
	if len(repo.emails) != 1 || repo.emails[0].Status != db.DeliverySent {
		t.Fatalf("ledger: %+v", repo.emails)
	}
	if repo.emails[0].IsBulk {
		t.Error("single job rows are not bulk")
	}
}

func TestProcess_SingleJobFailureSchedulesRetry(t *testing.T) {
	repo := newFakeQueueRepo()
	mail := &scriptedMail{def: gateway.SendResult{Err: fmt.Errorf("%w: relay down", gateway.ErrTransport)}}
	pool := newTestPool(repo, mail, &scriptedSMS{}, db.ChannelEmail)

	job := singleEmailJob(t, "a@b.c")
	before := time.Now()
	pool.process(context.Background(), job, zap.NewNop())

	call, ok := repo.retried[job.ID]
	if !ok {
		t.Fatalf("expected retry, got completed=%v failed=%v", repo.completed, repo.failed)
	}
	if call.attempt != 1 {
		t.Errorf("attempt = %d", call.attempt)
	}
	if call.lastError == "" {
		t.Error("retry must carry the error")
	}
	delay := call.nextRetryAt.Sub(before)
	if delay < 55*time.Second || delay > 65*time.Second {
		t.Errorf("first retry delay = %v, want about 1m", delay)
	}
	if len(repo.emails) != 1 || repo.emails[0].Status != db.DeliveryFailed {
		t.Fatalf("failed attempt still gets a ledger row: %+v", repo.emails)
	}
}

func TestProcess_RetryBudgetExhausted(t *testing.T) {
	repo := newFakeQueueRepo()
	mail := &scriptedMail{def: gateway.SendResult{Err: errors.New("still down")}}
	pool := newTestPool(repo, mail, &scriptedSMS{}, db.ChannelEmail)

	job := singleEmailJob(t, "a@b.c")
	job.Attempt = 2 // third execution
	pool.process(context.Background(), job, zap.NewNop())

	if _, ok := repo.failed[job.ID]; !ok {
		t.Fatalf("expected terminal failure, got retried=%v", repo.retried)
	}
	if _, ok := repo.retried[job.ID]; ok {
		t.Error("exhausted job must not be retried again")
	}
}

func TestProcess_BackoffSchedule(t *testing.T) {
	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{1, time.Minute},
		{2, 5 * time.Minute},
		{3, 15 * time.Minute},
		{7, 15 * time.Minute},
	}
	for _, tt := range tests {
		if got := backoffDelay(tt.attempt); got != tt.want {
			t.Errorf("backoffDelay(%d) = %v, want %v", tt.attempt, got, tt.want)
		}
	}
}

func TestProcess_BatchAbsorbsFailures(t *testing.T) {
	repo := newFakeQueueRepo()
	mail := &scriptedMail{
		def: gateway.SendResult{Success: true},
		results: map[string]gateway.SendResult{
			"bad@b.c": {Err: errors.New("mailbox full")},
		},
	}
	pool := newTestPool(repo, mail, &scriptedSMS{}, db.ChannelEmail)

	campaignID := uuid.New()
	payload, _ := json.Marshal(EmailJob{
		Recipients:   []string{"ok1@b.c", "bad@b.c", "ok2@b.c"},
		Subject:      "s",
		Body:         "b",
		CampaignID:   &campaignID,
		BatchNumber:  1,
		TotalBatches: 1,
	})
	job := &db.Job{ID: uuid.New(), Channel: db.ChannelEmail, Payload: payload}

	pool.process(context.Background(), job, zap.NewNop())

	if _, ok := repo.completed[job.ID]; !ok {
		t.Fatalf("batch must complete despite failures, got retried=%v failed=%v", repo.retried, repo.failed)
	}
	if len(mail.calls) != 3 {
		t.Fatalf("calls = %v, every recipient gets a turn", mail.calls)
	}
	if len(repo.emails) != 3 {
		t.Fatalf("ledger rows = %d, want 3", len(repo.emails))
	}
	var failed int
	for _, msg := range repo.emails {
		if !msg.IsBulk {
			t.Error("batch rows must be bulk")
		}
		if msg.CampaignID == nil || *msg.CampaignID != campaignID {
			t.Error("campaign id missing on ledger row")
		}
		if msg.Status == db.DeliveryFailed {
			failed++
		}
	}
	if failed != 1 {
		t.Errorf("failed rows = %d, want 1", failed)
	}
}

func TestProcess_ConfigMissingCompletesWithoutLedger(t *testing.T) {
	repo := newFakeQueueRepo()
	mail := &scriptedMail{def: gateway.SendResult{
		Err: fmt.Errorf("mail relay: %w", settings.ErrConfigurationMissing),
	}}
	pool := newTestPool(repo, mail, &scriptedSMS{}, db.ChannelEmail)

	job := singleEmailJob(t, "a@b.c")
	pool.process(context.Background(), job, zap.NewNop())

	if _, ok := repo.completed[job.ID]; !ok {
		t.Fatal("unconfigured relay is a skip, not a failure")
	}
	if len(repo.emails) != 0 {
		t.Error("skips leave no ledger rows")
	}
}

func TestProcess_MalformedPayloadFailsTerminally(t *testing.T) {
	repo := newFakeQueueRepo()
	pool := newTestPool(repo, &scriptedMail{}, &scriptedSMS{}, db.ChannelEmail)

	job := &db.Job{ID: uuid.New(), Channel: db.ChannelEmail, Payload: json.RawMessage(`{"recipients": 7}`)}
	pool.process(context.Background(), job, zap.NewNop())

	if _, ok := repo.failed[job.ID]; !ok {
		t.Fatal("malformed payload should fail without retries")
	}
	if _, ok := repo.retried[job.ID]; ok {
		t.Error("no point retrying a payload that cannot decode")
	}
}

func TestProcess_SMSJob(t *testing.T) {
	repo := newFakeQueueRepo()
	cost := 0.05
	sms := &scriptedSMS{def: gateway.SendResult{Success: true, ProviderMessageID: "s1", Cost: &cost}}
	pool := newTestPool(repo, &scriptedMail{}, sms, db.ChannelSMS)

	payload, _ := json.Marshal(SMSJob{Recipients: []string{"+358401234567"}, Message: "hi"})
	job := &db.Job{ID: uuid.New(), Channel: db.ChannelSMS, Payload: payload}
	pool.process(context.Background(), job, zap.NewNop())

	if _, ok := repo.completed[job.ID]; !ok {
		t.Fatal("sms job should complete")
	}
	if len(repo.smses) != 1 {
		t.Fatalf("ledger rows = %d", len(repo.smses))
	}
	row := repo.smses[0]
	if row.Cost == nil || *row.Cost != cost {
		t.Error("cost not recorded")
	}
	if row.ProviderMessageID == nil || *row.ProviderMessageID != "s1" {
		t.Error("provider message id not recorded")
	}
}

func TestPool_DrainsQueueAndStops(t *testing.T) {
	repo := newFakeQueueRepo()
	mail := &scriptedMail{def: gateway.SendResult{Success: true}}
	pool := newTestPool(repo, mail, &scriptedSMS{}, db.ChannelEmail)

	for i := 0; i < 4; i++ {
		repo.jobs = append(repo.jobs, singleEmailJob(t, fmt.Sprintf("u%d@b.c", i)))
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		pool.Start(ctx)
		close(done)
	}()

	deadline := time.After(2 * time.Second)
	for {
		repo.mu.Lock()
		n := len(repo.completed)
		repo.mu.Unlock()
		if n == 4 {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("only %d jobs completed", n)
		case <-time.After(10 * time.Millisecond):
		}
	}

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("pool did not stop after cancellation")
	}
}
