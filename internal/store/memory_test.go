package store

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	apperrors "github.com/dante-gpu/dante-messaging/internal/errors"
	"github.com/dante-gpu/dante-messaging/internal/models"
)

func seedCampaign(t *testing.T, s *MemoryStore, userID string, n int) (*models.Campaign, []*models.CampaignMessage) {
	t.Helper()
	ctx := context.Background()
	now := time.Now().UTC()

	c := &models.Campaign{
		ID:        uuid.New(),
		TenantID:  "tenant-1",
		UserID:    userID,
		Status:    models.CampaignRunning,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.SaveCampaign(ctx, c); err != nil {
		t.Fatal(err)
	}

	msgs := make([]*models.CampaignMessage, 0, n)
	for i := 0; i < n; i++ {
		msgs = append(msgs, &models.CampaignMessage{
			ID:         uuid.New(),
			CampaignID: c.ID,
			ContactID:  uuid.NewString(),
			Status:     models.MessageSending,
			Seq:        i,
			CreatedAt:  now,
		})
	}
	if err := s.CreateMessages(ctx, c.ID, msgs); err != nil {
		t.Fatal(err)
	}
	return c, msgs
}

func TestCommitSendDebitsAndCounts(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	if _, err := s.Credit(ctx, "user-1", decimal.NewFromInt(5), models.LedgerSourceTopUp, "seed"); err != nil {
		t.Fatal(err)
	}
	c, msgs := seedCampaign(t, s, "user-1", 1)

	entry, err := s.CommitSend(ctx, models.SendCommit{
		CampaignID: c.ID,
		MessageID:  msgs[0].ID,
		UserID:     "user-1",
		Amount:     decimal.NewFromInt(1),
		UpstreamID: "wamid-1",
		SentAt:     time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("CommitSend: %v", err)
	}
	if !entry.BalanceAfter.Equal(decimal.NewFromInt(4)) || !entry.Amount.Equal(decimal.NewFromInt(-1)) {
		t.Fatalf("unexpected ledger entry %+v", entry)
	}

	got, _ := s.GetCampaign(ctx, c.ID)
	if got.SentCount != 1 || got.CreditsConsumed != 1 {
		t.Fatalf("counters = sent %d credits %d", got.SentCount, got.CreditsConsumed)
	}
	m, _ := s.GetMessage(ctx, msgs[0].ID)
	if m.Status != models.MessageSent || m.UpstreamID != "wamid-1" || m.SentAt == nil {
		t.Fatalf("message not marked sent: %+v", m)
	}
}

func TestCommitSendInsufficientHasNoSideEffects(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	c, msgs := seedCampaign(t, s, "broke", 1)

	_, err := s.CommitSend(ctx, models.SendCommit{
		CampaignID: c.ID,
		MessageID:  msgs[0].ID,
		UserID:     "broke",
		Amount:     decimal.NewFromInt(1),
		SentAt:     time.Now().UTC(),
	})
	if !apperrors.IsInsufficientCredits(err) {
		t.Fatalf("expected insufficient credits, got %v", err)
	}

	ledger, _ := s.ListLedger(ctx, "broke")
	if len(ledger) != 0 {
		t.Fatalf("ledger written on failed debit: %d entries", len(ledger))
	}
	m, _ := s.GetMessage(ctx, msgs[0].ID)
	if m.Status != models.MessageSending {
		t.Fatalf("message status changed to %s", m.Status)
	}
}

func TestCommitSendConcurrentLedgerIsLinear(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	const sends = 40
	if _, err := s.Credit(ctx, "user-1", decimal.NewFromInt(sends), models.LedgerSourceTopUp, "seed"); err != nil {
		t.Fatal(err)
	}
	c1, msgs1 := seedCampaign(t, s, "user-1", sends/2)
	c2, msgs2 := seedCampaign(t, s, "user-1", sends/2)

	var wg sync.WaitGroup
	commit := func(campaignID uuid.UUID, msgs []*models.CampaignMessage) {
		defer wg.Done()
		for _, m := range msgs {
			_, err := s.CommitSend(ctx, models.SendCommit{
				CampaignID: campaignID,
				MessageID:  m.ID,
				UserID:     "user-1",
				Amount:     decimal.NewFromInt(1),
				SentAt:     time.Now().UTC(),
			})
			if err != nil {
				t.Errorf("CommitSend: %v", err)
			}
		}
	}
	wg.Add(2)
	go commit(c1.ID, msgs1)
	go commit(c2.ID, msgs2)
	wg.Wait()

	ledger, _ := s.ListLedger(ctx, "user-1")
	if len(ledger) != sends+1 {
		t.Fatalf("ledger has %d entries, want %d", len(ledger), sends+1)
	}
	for i := 1; i < len(ledger); i++ {
		want := ledger[i-1].BalanceAfter.Add(ledger[i].Amount)
		if !ledger[i].BalanceAfter.Equal(want) {
			t.Fatalf("entry %d balance_after %s, want %s", i, ledger[i].BalanceAfter, want)
		}
	}
	if bal, _ := s.Balance(ctx, "user-1"); !bal.IsZero() {
		t.Fatalf("final balance %s, want 0", bal)
	}
}

func TestCreateMessagesRejectsSecondBatch(t *testing.T) {
	s := NewMemoryStore()
	c, _ := seedCampaign(t, s, "u", 2)

	err := s.CreateMessages(context.Background(), c.ID, []*models.CampaignMessage{{ID: uuid.New(), CampaignID: c.ID}})
	if !apperrors.IsAlreadyExists(err) {
		t.Fatalf("expected already exists, got %v", err)
	}
	msgs, _ := s.ListMessages(context.Background(), c.ID)
	if len(msgs) != 2 {
		t.Fatalf("messages = %d, want 2", len(msgs))
	}
}

func TestTransitionCampaignGuardsSource(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	c, _ := seedCampaign(t, s, "u", 0)

	paused, err := s.TransitionCampaign(ctx, c.ID, []models.CampaignStatus{models.CampaignRunning}, models.CampaignPaused, models.PauseReasonUser)
	if err != nil {
		t.Fatalf("pause: %v", err)
	}
	if paused.PauseReason != models.PauseReasonUser {
		t.Fatalf("pause reason = %q", paused.PauseReason)
	}

	_, err = s.TransitionCampaign(ctx, c.ID, []models.CampaignStatus{models.CampaignRunning}, models.CampaignCompleted, "")
	if !errors.Is(err, apperrors.ErrInvalidTransition) {
		t.Fatalf("expected invalid transition, got %v", err)
	}
}

func TestAssignmentsOneActivePerChip(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	chipID := uuid.New()

	first := &models.IdentityAssignment{ID: uuid.New(), ChipID: chipID, StickyToken: "aaa", AssignedAt: time.Now()}
	if err := s.CreateAssignment(ctx, first); err != nil {
		t.Fatal(err)
	}
	second := &models.IdentityAssignment{ID: uuid.New(), ChipID: chipID, StickyToken: "bbb", AssignedAt: time.Now()}
	if err := s.CreateAssignment(ctx, second); !apperrors.IsAlreadyExists(err) {
		t.Fatalf("expected already exists, got %v", err)
	}

	if _, err := s.ReleaseAssignment(ctx, chipID, time.Now()); err != nil {
		t.Fatal(err)
	}
	if inUse, _ := s.TokenInUse(ctx, "aaa"); inUse {
		t.Fatal("released token still reported in use")
	}
	if err := s.CreateAssignment(ctx, second); err != nil {
		t.Fatalf("assign after release: %v", err)
	}
	last, _ := s.LastAssignment(ctx, chipID)
	if last.StickyToken != "bbb" {
		t.Fatalf("last assignment token = %q", last.StickyToken)
	}
}

func TestDeleteChipDropsSubRecords(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	chip := &models.ChipSession{ID: uuid.New(), TenantID: "t", Alias: "a"}
	if err := s.CreateChip(ctx, chip); err != nil {
		t.Fatal(err)
	}
	if err := s.CreateChip(ctx, &models.ChipSession{ID: uuid.New(), TenantID: "t", Alias: "a"}); !apperrors.IsAlreadyExists(err) {
		t.Fatalf("duplicate alias accepted: %v", err)
	}
	_ = s.SaveLinkState(ctx, &models.UpstreamLinkState{ChipID: chip.ID})
	_ = s.SaveHeatUp(ctx, &models.HeatUpState{ChipID: chip.ID})

	if err := s.DeleteChip(ctx, chip.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := s.GetLinkState(ctx, chip.ID); !apperrors.IsNotFound(err) {
		t.Fatalf("link state survived delete: %v", err)
	}
	if _, err := s.GetHeatUp(ctx, chip.ID); !apperrors.IsNotFound(err) {
		t.Fatalf("heat-up state survived delete: %v", err)
	}
}
