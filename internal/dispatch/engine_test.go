package dispatch

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	apperrors "github.com/dante-gpu/dante-messaging/internal/errors"
	"github.com/dante-gpu/dante-messaging/internal/events"
	"github.com/dante-gpu/dante-messaging/internal/jobs"
	"github.com/dante-gpu/dante-messaging/internal/models"
	"github.com/dante-gpu/dante-messaging/internal/session"
	"github.com/dante-gpu/dante-messaging/internal/store"
	"github.com/dante-gpu/dante-messaging/internal/testkit"
)

type fakeChips struct {
	chips  map[uuid.UUID]*models.ChipSession
	client session.Client
}

func (f *fakeChips) Resolve(ctx context.Context, chipID uuid.UUID) (*models.ChipSession, session.Client, error) {
	chip, ok := f.chips[chipID]
	if !ok {
		return nil, nil, apperrors.New("fake.Resolve", chipID.String(), apperrors.ErrNotFound, nil)
	}
	cp := *chip
	return &cp, f.client, nil
}

type testEnv struct {
	ctx      context.Context
	store    *store.MemoryStore
	api      *testkit.FakeSessionAPI
	chips    *fakeChips
	queue    *jobs.MemoryQueue
	recorder *testkit.Recorder
	engine   *Engine
	sleeps   []time.Duration
	onSleep  func()
}

const testUser = "user-1"

func newTestEnv(t *testing.T, chipCount int) *testEnv {
	t.Helper()
	env := &testEnv{
		ctx:      context.Background(),
		store:    store.NewMemoryStore(),
		api:      testkit.NewFakeSessionAPI(),
		queue:    jobs.NewMemoryQueue(zap.NewNop()),
		recorder: testkit.NewRecorder(),
	}
	env.chips = &fakeChips{chips: make(map[uuid.UUID]*models.ChipSession), client: env.api}
	for i := 0; i < chipCount; i++ {
		id := uuid.New()
		env.chips.chips[id] = &models.ChipSession{
			ID:          id,
			TenantID:    "tenant-1",
			SessionName: fmt.Sprintf("chip_%d", i),
			Status:      models.ChipConnected,
		}
	}
	if err := env.store.SaveTenant(env.ctx, &models.Tenant{ID: "tenant-1", OwnerUserID: testUser}); err != nil {
		t.Fatal(err)
	}

	env.engine = NewEngine(env.store, env.chips, env.queue, env.recorder, env.recorder, zap.NewNop())
	env.engine.rng = rand.New(rand.NewSource(7))
	env.engine.sleep = func(ctx context.Context, d time.Duration) error {
		env.sleeps = append(env.sleeps, d)
		if env.onSleep != nil {
			env.onSleep()
		}
		return ctx.Err()
	}
	return env
}

func (env *testEnv) chipIDs() []uuid.UUID {
	ids := make([]uuid.UUID, 0, len(env.chips.chips))
	for id := range env.chips.chips {
		ids = append(ids, id)
	}
	return ids
}

func (env *testEnv) topUp(t *testing.T, amount int64) {
	t.Helper()
	if _, err := env.store.Credit(env.ctx, testUser, decimal.NewFromInt(amount), models.LedgerSourceTopUp, "test"); err != nil {
		t.Fatal(err)
	}
}

func (env *testEnv) campaign(t *testing.T, contacts int, mutate func(c *models.Campaign)) *models.Campaign {
	t.Helper()
	c := &models.Campaign{
		ID:        uuid.New(),
		TenantID:  "tenant-1",
		UserID:    testUser,
		Name:      "launch",
		Type:      models.CampaignStandard,
		TemplateA: "Hi {{name}}",
		Status:    models.CampaignDraft,
		Settings: models.DispatchSettings{
			ChipIDs:         env.chipIDs(),
			IntervalSeconds: 10,
			RetryInterval:   3,
		},
		CreatedAt: time.Now(),
	}
	for i := 0; i < contacts; i++ {
		contact := &models.Contact{
			ID:       fmt.Sprintf("%s-contact-%d", c.ID, i),
			TenantID: "tenant-1",
			Name:     fmt.Sprintf("Contact %d", i),
			Phone:    fmt.Sprintf("+55110000000%02d", i),
		}
		if err := env.store.SaveContact(env.ctx, contact); err != nil {
			t.Fatal(err)
		}
		c.ContactIDs = append(c.ContactIDs, contact.ID)
	}
	if mutate != nil {
		mutate(c)
	}
	if err := env.store.SaveCampaign(env.ctx, c); err != nil {
		t.Fatal(err)
	}
	return c
}

// run drains the job queue through the engine.
func (env *testEnv) run(t *testing.T) {
	t.Helper()
	mux := jobs.NewMux()
	mux.Handle(JobKindDispatch, env.engine.HandleJob)
	if err := env.queue.Drain(env.ctx, mux.Serve); err != nil {
		t.Fatal(err)
	}
}

func (env *testEnv) reload(t *testing.T, id uuid.UUID) *models.Campaign {
	t.Helper()
	c, err := env.store.GetCampaign(env.ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	return c
}

func TestCampaignRunsToCompletionWithPacing(t *testing.T) {
	env := newTestEnv(t, 1)
	env.topUp(t, 10)
	c := env.campaign(t, 3, nil)

	started, err := env.engine.Start(env.ctx, c.ID)
	if err != nil {
		t.Fatal(err)
	}
	if started.Status != models.CampaignRunning || env.queue.Len() != 1 {
		t.Fatalf("status %s, queued %d", started.Status, env.queue.Len())
	}
	env.run(t)

	got := env.reload(t, c.ID)
	if got.Status != models.CampaignCompleted {
		t.Fatalf("status = %s", got.Status)
	}
	if got.SentCount != 3 || got.FailedCount != 0 || got.CreditsConsumed != 3 || got.ContactCount != 3 {
		t.Fatalf("counters sent=%d failed=%d credits=%d contacts=%d", got.SentCount, got.FailedCount, got.CreditsConsumed, got.ContactCount)
	}

	var total time.Duration
	for _, d := range env.sleeps {
		total += d
	}
	if total < 20*time.Second {
		t.Fatalf("paced %v across 3 sends, want at least 20s", total)
	}

	balance, _ := env.store.Balance(env.ctx, testUser)
	if !balance.Equal(decimal.NewFromInt(7)) {
		t.Fatalf("balance = %s, want 7", balance)
	}
	ledger, _ := env.store.ListLedger(env.ctx, testUser)
	if len(ledger) != 4 {
		t.Fatalf("ledger has %d entries, want top-up plus 3 debits", len(ledger))
	}
	for i, entry := range ledger[1:] {
		if !entry.Amount.Equal(decimal.NewFromInt(-1)) || !entry.BalanceAfter.Equal(decimal.NewFromInt(int64(9-i))) {
			t.Fatalf("debit %d = %s after %s", i, entry.Amount, entry.BalanceAfter)
		}
	}

	sent := env.api.Sent()
	if len(sent) != 3 || sent[0].Text != "Hi Contact 0" {
		t.Fatalf("sent %+v", sent)
	}
	if !env.recorder.Has(events.CampaignStarted) || !env.recorder.Has(events.CampaignCompleted) {
		t.Fatalf("events %v", env.recorder.Events())
	}
	if len(env.recorder.Broadcasts(events.CampaignTopic(c.ID))) == 0 {
		t.Fatal("no progress broadcast")
	}
}

func TestInsufficientCreditsPausesAndResumes(t *testing.T) {
	env := newTestEnv(t, 1)
	env.topUp(t, 1)
	c := env.campaign(t, 2, nil)

	if _, err := env.engine.Start(env.ctx, c.ID); err != nil {
		t.Fatal(err)
	}
	env.run(t)

	got := env.reload(t, c.ID)
	if got.Status != models.CampaignPaused || got.PauseReason != models.PauseReasonInsufficientCredits {
		t.Fatalf("status %s reason %q", got.Status, got.PauseReason)
	}
	if got.SentCount != 1 || got.FailedCount != 0 {
		t.Fatalf("sent=%d failed=%d", got.SentCount, got.FailedCount)
	}
	msgs, _ := env.store.ListMessages(env.ctx, c.ID)
	if msgs[1].Status != models.MessageFailed || msgs[1].FailureReason != models.PauseReasonInsufficientCredits || msgs[1].Attempts != 0 {
		t.Fatalf("second message %+v", msgs[1])
	}
	if len(env.api.Sent()) != 1 {
		t.Fatal("a send went upstream without credits")
	}
	if !env.recorder.Has(events.CampaignPaused) {
		t.Fatalf("events %v", env.recorder.Events())
	}

	env.topUp(t, 5)
	if _, err := env.engine.Resume(env.ctx, c.ID); err != nil {
		t.Fatal(err)
	}
	env.run(t)

	got = env.reload(t, c.ID)
	if got.Status != models.CampaignCompleted || got.SentCount != 2 || got.CreditsConsumed != 2 {
		t.Fatalf("after resume: status %s sent %d credits %d", got.Status, got.SentCount, got.CreditsConsumed)
	}
	if !env.recorder.Has(events.CampaignResumed) {
		t.Fatalf("events %v", env.recorder.Events())
	}
}

func TestStartWithoutContactsLeavesDraft(t *testing.T) {
	env := newTestEnv(t, 1)
	c := env.campaign(t, 0, nil)

	_, err := env.engine.Start(env.ctx, c.ID)
	if !apperrors.IsInvalidInput(err) {
		t.Fatalf("expected InvalidInput, got %v", err)
	}
	if got := env.reload(t, c.ID); got.Status != models.CampaignDraft {
		t.Fatalf("status = %s", got.Status)
	}
	if env.queue.Len() != 0 {
		t.Fatal("job enqueued for empty campaign")
	}
}

func TestStartWithUnknownContactsFails(t *testing.T) {
	env := newTestEnv(t, 1)
	c := env.campaign(t, 0, func(c *models.Campaign) { c.ContactIDs = []string{"ghost"} })

	if _, err := env.engine.Start(env.ctx, c.ID); !apperrors.IsInvalidInput(err) {
		t.Fatalf("expected InvalidInput, got %v", err)
	}
	if got := env.reload(t, c.ID); got.Status != models.CampaignDraft {
		t.Fatalf("status = %s", got.Status)
	}
}

func TestPrepareIsIdempotent(t *testing.T) {
	env := newTestEnv(t, 2)
	c := env.campaign(t, 4, nil)

	first, err := env.engine.Prepare(env.ctx, c.ID)
	if err != nil {
		t.Fatal(err)
	}
	second, err := env.engine.Prepare(env.ctx, c.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(first) != 4 || len(second) != 4 {
		t.Fatalf("prepared %d then %d", len(first), len(second))
	}
	for i := range first {
		if first[i] != second[i] {
			t.Fatalf("message %d changed between calls", i)
		}
	}
	msgs, _ := env.store.ListMessages(env.ctx, c.ID)
	if len(msgs) != 4 {
		t.Fatalf("store holds %d messages", len(msgs))
	}
}

func TestPrepareSplitsVariantsAndSpreadsChips(t *testing.T) {
	env := newTestEnv(t, 3)
	c := env.campaign(t, 6, func(c *models.Campaign) {
		c.Type = models.CampaignABTest
		c.TemplateB = "Hey {{name}}"
	})

	if _, err := env.engine.Prepare(env.ctx, c.ID); err != nil {
		t.Fatal(err)
	}
	msgs, _ := env.store.ListMessages(env.ctx, c.ID)
	perChip := make(map[uuid.UUID]int)
	for i, m := range msgs {
		want := "A"
		if i%2 == 1 {
			want = "B"
		}
		if m.Variant != want {
			t.Fatalf("message %d variant %s, want %s", i, m.Variant, want)
		}
		if want == "B" && m.Content != fmt.Sprintf("Hey Contact %d", i) {
			t.Fatalf("message %d content %q", i, m.Content)
		}
		perChip[m.ChipID]++
	}
	if len(perChip) != 3 {
		t.Fatalf("messages spread over %d chips, want 3", len(perChip))
	}
	for chip, n := range perChip {
		if n != 2 {
			t.Fatalf("chip %s got %d messages, want 2", chip, n)
		}
	}
}

func TestStandardCampaignIgnoresTemplateB(t *testing.T) {
	env := newTestEnv(t, 1)
	c := env.campaign(t, 2, func(c *models.Campaign) { c.TemplateB = "unused" })

	if _, err := env.engine.Prepare(env.ctx, c.ID); err != nil {
		t.Fatal(err)
	}
	msgs, _ := env.store.ListMessages(env.ctx, c.ID)
	for _, m := range msgs {
		if m.Variant != "A" {
			t.Fatalf("standard campaign produced variant %s", m.Variant)
		}
	}
}

func TestSendRetriesThenSucceeds(t *testing.T) {
	env := newTestEnv(t, 1)
	env.topUp(t, 10)
	c := env.campaign(t, 1, func(c *models.Campaign) { c.Settings.RetryAttempts = 2 })

	calls := 0
	env.api.SendErr = func(to string) error {
		calls++
		if calls == 1 {
			return apperrors.Transient("fake.SendText", to, errors.New("upstream hiccup"))
		}
		return nil
	}

	if _, err := env.engine.Start(env.ctx, c.ID); err != nil {
		t.Fatal(err)
	}
	env.run(t)

	got := env.reload(t, c.ID)
	if got.Status != models.CampaignCompleted || got.SentCount != 1 || got.FailedCount != 0 {
		t.Fatalf("status %s sent %d failed %d", got.Status, got.SentCount, got.FailedCount)
	}
	msgs, _ := env.store.ListMessages(env.ctx, c.ID)
	if msgs[0].Attempts != 2 {
		t.Fatalf("attempts = %d", msgs[0].Attempts)
	}
	if len(env.sleeps) != 1 || env.sleeps[0] != 3*time.Second {
		t.Fatalf("sleeps = %v, want one 3s backoff", env.sleeps)
	}
}

func TestPermanentFailureCountsOnce(t *testing.T) {
	env := newTestEnv(t, 1)
	env.topUp(t, 10)
	c := env.campaign(t, 2, func(c *models.Campaign) { c.Settings.RetryAttempts = 1 })

	env.api.SendErr = func(to string) error {
		if to == "+5511000000000" {
			return apperrors.Rejected("fake.SendText", to, errors.New("number does not exist"))
		}
		return nil
	}

	if _, err := env.engine.Start(env.ctx, c.ID); err != nil {
		t.Fatal(err)
	}
	env.run(t)

	got := env.reload(t, c.ID)
	if got.Status != models.CampaignCompleted {
		t.Fatalf("status = %s", got.Status)
	}
	if got.SentCount != 1 || got.FailedCount != 1 || got.CreditsConsumed != 1 {
		t.Fatalf("sent %d failed %d credits %d", got.SentCount, got.FailedCount, got.CreditsConsumed)
	}
	msgs, _ := env.store.ListMessages(env.ctx, c.ID)
	if msgs[0].Status != models.MessageFailed || msgs[0].Attempts != 2 || msgs[0].FailureReason == "" {
		t.Fatalf("failed message %+v", msgs[0])
	}
}

func TestDisconnectedChipFailsMessages(t *testing.T) {
	env := newTestEnv(t, 1)
	env.topUp(t, 10)
	for _, chip := range env.chips.chips {
		chip.Status = models.ChipDisconnected
	}
	c := env.campaign(t, 1, nil)

	if _, err := env.engine.Start(env.ctx, c.ID); err != nil {
		t.Fatal(err)
	}
	env.run(t)

	got := env.reload(t, c.ID)
	if got.FailedCount != 1 || got.SentCount != 0 || got.Status != models.CampaignCompleted {
		t.Fatalf("status %s sent %d failed %d", got.Status, got.SentCount, got.FailedCount)
	}
	if balance, _ := env.store.Balance(env.ctx, testUser); !balance.Equal(decimal.NewFromInt(10)) {
		t.Fatalf("failed send was charged, balance %s", balance)
	}
}

func TestCancelStopsDispatchBetweenSends(t *testing.T) {
	env := newTestEnv(t, 1)
	env.topUp(t, 10)
	c := env.campaign(t, 3, nil)

	env.onSleep = func() {
		if _, err := env.engine.Cancel(env.ctx, c.ID); err != nil && !errors.Is(err, apperrors.ErrInvalidTransition) {
			t.Error(err)
		}
	}
	if _, err := env.engine.Start(env.ctx, c.ID); err != nil {
		t.Fatal(err)
	}
	env.run(t)

	got := env.reload(t, c.ID)
	if got.Status != models.CampaignCancelled || got.SentCount != 1 {
		t.Fatalf("status %s sent %d", got.Status, got.SentCount)
	}
	if !env.recorder.Has(events.CampaignCancelled) {
		t.Fatalf("events %v", env.recorder.Events())
	}
}

func TestPauseBlocksDispatchJob(t *testing.T) {
	env := newTestEnv(t, 1)
	env.topUp(t, 10)
	c := env.campaign(t, 2, nil)

	if _, err := env.engine.Start(env.ctx, c.ID); err != nil {
		t.Fatal(err)
	}
	paused, err := env.engine.Pause(env.ctx, c.ID, "")
	if err != nil {
		t.Fatal(err)
	}
	if paused.PauseReason != models.PauseReasonUser {
		t.Fatalf("reason = %q", paused.PauseReason)
	}
	env.run(t)

	if len(env.api.Sent()) != 0 {
		t.Fatal("paused campaign sent messages")
	}
	if _, err := env.engine.Start(env.ctx, c.ID); err != nil {
		t.Fatal(err)
	}
	env.run(t)
	if got := env.reload(t, c.ID); got.Status != models.CampaignCompleted {
		t.Fatalf("status = %s", got.Status)
	}
}

func TestCompletedCampaignCannotRestart(t *testing.T) {
	env := newTestEnv(t, 1)
	env.topUp(t, 10)
	c := env.campaign(t, 1, nil)

	if _, err := env.engine.Start(env.ctx, c.ID); err != nil {
		t.Fatal(err)
	}
	env.run(t)
	if _, err := env.engine.Start(env.ctx, c.ID); !errors.Is(err, apperrors.ErrInvalidTransition) {
		t.Fatalf("expected invalid transition, got %v", err)
	}
}

func TestJitterStaysInBounds(t *testing.T) {
	env := newTestEnv(t, 1)
	s := models.DispatchSettings{IntervalSeconds: 10, Jitter: true}
	for i := 0; i < 200; i++ {
		d := env.engine.delay(s)
		if d < 8*time.Second || d > 12*time.Second {
			t.Fatalf("delay %v outside [8s, 12s]", d)
		}
	}
	s.IntervalSeconds = 0.1
	if d := env.engine.delay(s); d != jitterFloor {
		t.Fatalf("short interval delay %v, want floor %v", d, jitterFloor)
	}
}

func TestRecoverRunningEnqueuesJobs(t *testing.T) {
	env := newTestEnv(t, 1)
	env.campaign(t, 1, func(c *models.Campaign) { c.Status = models.CampaignRunning })

	n, err := env.engine.RecoverRunning(env.ctx)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 || env.queue.Len() != 1 {
		t.Fatalf("recovered %d, queued %d", n, env.queue.Len())
	}
}

func TestConcurrentDispatchOfSameCampaignIsSkipped(t *testing.T) {
	env := newTestEnv(t, 1)
	c := env.campaign(t, 1, nil)

	release, ok := env.engine.claim(c.ID)
	if !ok {
		t.Fatal("first claim failed")
	}
	defer release()
	if _, ok := env.engine.claim(c.ID); ok {
		t.Fatal("second claim succeeded")
	}
	if err := env.engine.Dispatch(env.ctx, c.ID); err != nil {
		t.Fatal(err)
	}
}

func TestPrepareSendsOncePerRepeatedContact(t *testing.T) {
	env := newTestEnv(t, 1)
	env.topUp(t, 10)
	c := env.campaign(t, 2, func(c *models.Campaign) {
		c.ContactIDs = append(c.ContactIDs, c.ContactIDs[0], c.ContactIDs[1], c.ContactIDs[0])
	})

	if _, err := env.engine.Start(env.ctx, c.ID); err != nil {
		t.Fatal(err)
	}
	env.run(t)

	got := env.reload(t, c.ID)
	if got.Status != models.CampaignCompleted {
		t.Fatalf("status = %s", got.Status)
	}
	if got.ContactCount != 2 || got.SentCount != 2 || got.CreditsConsumed != 2 {
		t.Fatalf("contacts=%d sent=%d credits=%d", got.ContactCount, got.SentCount, got.CreditsConsumed)
	}
	if sent := env.api.Sent(); len(sent) != 2 {
		t.Fatalf("upstream sends = %d, want 2", len(sent))
	}
}

// conflictingStore rejects message creation as a duplicate without storing anything.
type conflictingStore struct {
	*store.MemoryStore
}

func (s *conflictingStore) CreateMessages(ctx context.Context, campaignID uuid.UUID, messages []*models.CampaignMessage) error {
	return apperrors.New("store.CreateMessages", campaignID.String(), apperrors.ErrAlreadyExists, nil)
}

func TestPrepareConflictWithoutMessagesFails(t *testing.T) {
	env := newTestEnv(t, 1)
	c := env.campaign(t, 2, nil)
	env.engine.store = &conflictingStore{MemoryStore: env.store}

	ids, err := env.engine.Prepare(env.ctx, c.ID)
	if !apperrors.IsAlreadyExists(err) {
		t.Fatalf("Prepare = %v, %v; want AlreadyExists", ids, err)
	}
	if _, err := env.engine.Start(env.ctx, c.ID); err == nil {
		t.Fatal("campaign started without messages")
	}
	if got := env.reload(t, c.ID); got.Status != models.CampaignDraft {
		t.Fatalf("status = %s, want draft", got.Status)
	}
}

// flakyCommitStore fails the next CommitSend calls with the queued errors.
type flakyCommitStore struct {
	*store.MemoryStore
	failures []error
}

func (s *flakyCommitStore) CommitSend(ctx context.Context, commit models.SendCommit) (*models.CreditLedgerEntry, error) {
	if len(s.failures) > 0 {
		err := s.failures[0]
		s.failures = s.failures[1:]
		return nil, err
	}
	return s.MemoryStore.CommitSend(ctx, commit)
}

func TestFailedCommitIsRetriedWithoutResending(t *testing.T) {
	env := newTestEnv(t, 1)
	env.topUp(t, 10)
	c := env.campaign(t, 1, nil)
	env.engine.store = &flakyCommitStore{
		MemoryStore: env.store,
		failures:    []error{apperrors.New("store.CommitSend", "x", apperrors.ErrDatabase, errors.New("connection reset"))},
	}

	if _, err := env.engine.Start(env.ctx, c.ID); err != nil {
		t.Fatal(err)
	}
	env.run(t)

	if sent := env.api.Sent(); len(sent) != 1 {
		t.Fatalf("upstream sends = %d, want 1", len(sent))
	}
	got := env.reload(t, c.ID)
	if got.Status != models.CampaignCompleted || got.SentCount != 1 || got.FailedCount != 0 || got.CreditsConsumed != 1 {
		t.Fatalf("status=%s sent=%d failed=%d credits=%d", got.Status, got.SentCount, got.FailedCount, got.CreditsConsumed)
	}
	msgs, _ := env.store.ListMessages(env.ctx, c.ID)
	if msgs[0].Attempts != 1 || msgs[0].UpstreamID == "" {
		t.Fatalf("message attempts=%d upstream=%q", msgs[0].Attempts, msgs[0].UpstreamID)
	}
}

func TestCommitOutOfCreditsChargesOnResumeWithoutResending(t *testing.T) {
	env := newTestEnv(t, 1)
	env.topUp(t, 10)
	c := env.campaign(t, 1, nil)
	env.engine.store = &flakyCommitStore{
		MemoryStore: env.store,
		failures:    []error{apperrors.New("store.CommitSend", testUser, apperrors.ErrInsufficientCredits, nil)},
	}

	if _, err := env.engine.Start(env.ctx, c.ID); err != nil {
		t.Fatal(err)
	}
	env.run(t)

	got := env.reload(t, c.ID)
	if got.Status != models.CampaignPaused || got.PauseReason != models.PauseReasonInsufficientCredits {
		t.Fatalf("status %s reason %q", got.Status, got.PauseReason)
	}
	msgs, _ := env.store.ListMessages(env.ctx, c.ID)
	if msgs[0].Status != models.MessageSending || msgs[0].UpstreamID == "" {
		t.Fatalf("message %s upstream %q, want sending with upstream id", msgs[0].Status, msgs[0].UpstreamID)
	}

	if _, err := env.engine.Resume(env.ctx, c.ID); err != nil {
		t.Fatal(err)
	}
	env.run(t)

	if sent := env.api.Sent(); len(sent) != 1 {
		t.Fatalf("upstream sends = %d, want 1", len(sent))
	}
	got = env.reload(t, c.ID)
	if got.Status != models.CampaignCompleted || got.SentCount != 1 || got.CreditsConsumed != 1 {
		t.Fatalf("status=%s sent=%d credits=%d", got.Status, got.SentCount, got.CreditsConsumed)
	}
	balance, _ := env.store.Balance(env.ctx, testUser)
	if !balance.Equal(decimal.NewFromInt(9)) {
		t.Fatalf("balance = %s, want 9", balance)
	}
}
