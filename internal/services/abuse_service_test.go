package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"chatguard/internal/clock"
	"chatguard/internal/models"
)

type recordingNotifier struct {
	mu    sync.Mutex
	kinds []models.NotificationKind
}

func (n *recordingNotifier) Notify(ctx context.Context, userID string, kind models.NotificationKind, state models.BanState) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.kinds = append(n.kinds, kind)
	return nil
}

func (n *recordingNotifier) count(kind models.NotificationKind) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	c := 0
	for _, k := range n.kinds {
		if k == kind {
			c++
		}
	}
	return c
}

type abuseFixture struct {
	svc           *AbuseService
	ledger        *MemoryStrikeLedger
	notifier      *recordingNotifier
	conversations *MemoryConversationStore
}

func newTestAbuseService(clk clock.Clock) *abuseFixture {
	ledger := NewMemoryStrikeLedger()
	notifier := &recordingNotifier{}
	conversations := NewMemoryConversationStore()
	return &abuseFixture{
		svc:           NewAbuseService(ledger, ledger, conversations, DefaultBanPolicy(), notifier, clk, nil),
		ledger:        ledger,
		notifier:      notifier,
		conversations: conversations,
	}
}

// share creates a direct conversation id between user and reporter in which
// user has written a message
func (f *abuseFixture) share(t *testing.T, id, user, reporter string) {
	t.Helper()
	ctx := context.Background()
	if err := f.conversations.CreateConversation(ctx, &models.Conversation{ID: id, Participants: []string{reporter, user}, CreatedBy: reporter}); err != nil {
		t.Fatalf("Failed to create conversation: %v", err)
	}
	if err := f.conversations.AddMessage(ctx, &models.Message{ID: id + "-m1", ConversationID: id, SenderID: user, Text: "buy now"}); err != nil {
		t.Fatalf("Failed to add message: %v", err)
	}
}

func hasKind(kinds []models.NotificationKind, want models.NotificationKind) bool {
	for _, k := range kinds {
		if k == want {
			return true
		}
	}
	return false
}

func TestAbuseService_StrikeScenario(t *testing.T) {
	start := time.Date(2026, 7, 1, 9, 0, 0, 0, time.UTC)
	clk := clock.NewFake(start)
	f := newTestAbuseService(clk)
	svc, ledger := f.svc, f.ledger
	ctx := context.Background()

	report := func(reporter string) *ReportResult {
		t.Helper()
		f.share(t, "conv-"+reporter, "user-x", reporter)
		result, err := svc.Report(ctx, "user-x", reporter, models.StrikeReasonDMSpam, "conv-"+reporter)
		if err != nil {
			t.Fatalf("Report by %s failed: %v", reporter, err)
		}
		return result
	}

	// three reports spread over ten days
	report("r1")
	clk.Advance(5 * 24 * time.Hour)
	report("r2")
	clk.Advance(5 * 24 * time.Hour)
	third := report("r3")

	if !hasKind(third.Notifications, models.NotificationWarning) {
		t.Errorf("Expected warning on the third report, got %v", third.Notifications)
	}
	if third.State.IsTempBanned {
		t.Error("Expected no temp ban for strikes days apart")
	}

	// two more within 24h of the third
	clk.Advance(2 * time.Hour)
	fourth := report("r4")
	if !fourth.State.IsTempBanned {
		t.Error("Expected temp ban after two strikes within 24h")
	}
	if !hasKind(fourth.Notifications, models.NotificationTempBanned) {
		t.Errorf("Expected temp_banned notification, got %v", fourth.Notifications)
	}

	clk.Advance(3 * time.Hour)
	fifth := report("r5")
	if !fifth.State.IsTempBanned || !fifth.State.IsPermanentlyBanned {
		t.Errorf("Expected temp and permanent ban together, got temp=%v perm=%v", fifth.State.IsTempBanned, fifth.State.IsPermanentlyBanned)
	}
	if !hasKind(fifth.Notifications, models.NotificationBanned) {
		t.Errorf("Expected banned notification, got %v", fifth.Notifications)
	}

	record, _ := ledger.GetBanRecord(ctx, "user-x")
	if record == nil || !record.PermanentlyBanned || record.TempBannedUntil == nil || record.ActiveStrikes != 5 {
		t.Errorf("Expected persisted permanent and temp ban, got %+v", record)
	}

	var banned *BannedError
	if err := svc.Enforce(ctx, "user-x"); !errors.As(err, &banned) || !banned.Permanent {
		t.Errorf("Expected permanent BannedError, got %v", err)
	}
}

func TestAbuseService_DuplicateReportIsIgnored(t *testing.T) {
	clk := clock.NewFake(time.Date(2026, 7, 1, 9, 0, 0, 0, time.UTC))
	f := newTestAbuseService(clk)
	svc, notifier := f.svc, f.notifier
	ctx := context.Background()
	f.share(t, "conv-1", "user-x", "r1")

	first, err := svc.Report(ctx, "user-x", "r1", models.StrikeReasonHarassment, "conv-1")
	if err != nil || !first.Recorded {
		t.Fatalf("Expected first report recorded, got %v", err)
	}

	clk.Advance(time.Minute)
	again, err := svc.Report(ctx, "user-x", "r1", models.StrikeReasonHarassment, "conv-1")
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if again.Recorded {
		t.Error("Expected duplicate report to be ignored")
	}
	if again.State.ActiveStrikes != 1 || again.State.IsTempBanned {
		t.Errorf("Expected a single strike and no ban, got %+v", again.State)
	}
	if len(notifier.kinds) != 0 {
		t.Errorf("Expected no notifications, got %v", notifier.kinds)
	}
}

func TestAbuseService_RejectsInvalidReports(t *testing.T) {
	f := newTestAbuseService(clock.NewFake(time.Now()))
	ctx := context.Background()
	f.share(t, "conv-1", "user-x", "r1")
	// r2 joined but user-x never wrote here and did not start it
	f.conversations.CreateConversation(ctx, &models.Conversation{ID: "conv-quiet", Participants: []string{"r2", "user-x"}, CreatedBy: "r2"})
	// user-x started this one, so an invite alone is reportable
	f.conversations.CreateConversation(ctx, &models.Conversation{ID: "conv-invite", Participants: []string{"user-x", "r3"}, CreatedBy: "user-x"})

	tests := []struct {
		name       string
		userID     string
		reportedBy string
		reason     models.StrikeReason
		subjectID  string
		wantErr    error
	}{
		{"self report", "user-x", "user-x", models.StrikeReasonOther, "conv-1", ErrInvalidReport},
		{"missing reporter", "user-x", "", models.StrikeReasonOther, "conv-1", ErrInvalidReport},
		{"unknown reason", "user-x", "r1", "spam_bot", "conv-1", ErrInvalidReport},
		{"missing subject", "user-x", "r1", models.StrikeReasonOther, " ", ErrInvalidReport},
		{"unknown subject", "user-x", "r1", models.StrikeReasonOther, "made-up", ErrNotFound},
		{"reporter outside subject", "user-x", "r9", models.StrikeReasonOther, "conv-1", ErrAccessDenied},
		{"reported user outside subject", "r9", "r1", models.StrikeReasonOther, "conv-1", ErrAccessDenied},
		{"reported user never wrote", "user-x", "r2", models.StrikeReasonDMSpam, "conv-quiet", ErrAccessDenied},
		{"invite by reported user", "user-x", "r3", models.StrikeReasonGroupInviteSpam, "conv-invite", nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.svc.Report(ctx, tt.userID, tt.reportedBy, tt.reason, tt.subjectID)
			if tt.wantErr == nil {
				if err != nil {
					t.Errorf("Expected report accepted, got %v", err)
				}
				return
			}
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("Expected %v, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestAbuseService_FabricatedSubjectsCannotEscalate(t *testing.T) {
	clk := clock.NewFake(time.Date(2026, 7, 1, 9, 0, 0, 0, time.UTC))
	f := newTestAbuseService(clk)
	ctx := context.Background()
	f.share(t, "dm-1", "victim", "attacker")

	if result, err := f.svc.Report(ctx, "victim", "attacker", models.StrikeReasonHarassment, "dm-1"); err != nil || !result.Recorded {
		t.Fatalf("Expected the first report recorded, got %v", err)
	}
	for i := 0; i < 5; i++ {
		clk.Advance(time.Minute)
		_, err := f.svc.Report(ctx, "victim", "attacker", models.StrikeReasonHarassment, fmt.Sprintf("made-up-%d", i))
		if !errors.Is(err, ErrNotFound) {
			t.Errorf("Expected ErrNotFound for made-up-%d, got %v", i, err)
		}
	}

	state, err := f.svc.State(ctx, "victim")
	if err != nil {
		t.Fatalf("State failed: %v", err)
	}
	if state.ActiveStrikes != 1 || state.IsTempBanned || state.IsPermanentlyBanned {
		t.Errorf("Expected a single strike and no ban, got %+v", state)
	}
	if err := f.svc.Enforce(ctx, "victim"); err != nil {
		t.Errorf("Expected victim not banned, got %v", err)
	}
}

func TestAbuseService_ConcurrentReportsClassifyEachTransitionOnce(t *testing.T) {
	start := time.Date(2026, 7, 1, 9, 0, 0, 0, time.UTC)
	clk := clock.NewFake(start)
	f := newTestAbuseService(clk)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		f.share(t, fmt.Sprintf("conv-%d", i), "user-x", fmt.Sprintf("r%d", i))
	}

	// three strikes days apart, then two at once
	for i := 0; i < 3; i++ {
		if _, err := f.svc.Report(ctx, "user-x", fmt.Sprintf("r%d", i), models.StrikeReasonDMSpam, fmt.Sprintf("conv-%d", i)); err != nil {
			t.Fatalf("Report %d failed: %v", i, err)
		}
		clk.Advance(5 * 24 * time.Hour)
	}

	var wg sync.WaitGroup
	for i := 3; i < 5; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if _, err := f.svc.Report(ctx, "user-x", fmt.Sprintf("r%d", i), models.StrikeReasonDMSpam, fmt.Sprintf("conv-%d", i)); err != nil {
				t.Errorf("Report %d failed: %v", i, err)
			}
		}(i)
	}
	wg.Wait()

	if got := f.notifier.count(models.NotificationBanned); got != 1 {
		t.Errorf("Expected exactly one banned notification, got %d", got)
	}
	if got := f.notifier.count(models.NotificationWarning); got != 2 {
		t.Errorf("Expected warnings at 3 and 4 strikes, got %d", got)
	}
	if got := f.notifier.count(models.NotificationTempBanned); got != 1 {
		t.Errorf("Expected exactly one temp_banned notification, got %d", got)
	}

	record, _ := f.ledger.GetBanRecord(ctx, "user-x")
	if record == nil || record.ActiveStrikes != 5 || !record.PermanentlyBanned || record.LedgerSize != 5 {
		t.Errorf("Expected the record of the full ledger, got %+v", record)
	}
}

func TestMemoryStrikeLedger_KeepsNewerBanRecord(t *testing.T) {
	ledger := NewMemoryStrikeLedger()
	ctx := context.Background()
	at := time.Date(2026, 7, 1, 9, 0, 0, 0, time.UTC)

	ledger.SaveBanRecord(ctx, &models.BanRecord{UserID: "u", ActiveStrikes: 5, PermanentlyBanned: true, LedgerSize: 5, BanUpdatedAt: at})
	// evaluated from an older ledger, finishing later
	ledger.SaveBanRecord(ctx, &models.BanRecord{UserID: "u", ActiveStrikes: 4, LedgerSize: 4, BanUpdatedAt: at.Add(time.Second)})

	record, _ := ledger.GetBanRecord(ctx, "u")
	if record.ActiveStrikes != 5 || !record.PermanentlyBanned {
		t.Errorf("Expected the five-strike record kept, got %+v", record)
	}

	ledger.SaveBanRecord(ctx, &models.BanRecord{UserID: "u", ActiveStrikes: 4, PermanentlyBanned: true, LedgerSize: 5, BanUpdatedAt: at.Add(31 * 24 * time.Hour)})
	record, _ = ledger.GetBanRecord(ctx, "u")
	if record.ActiveStrikes != 4 {
		t.Errorf("Expected a later evaluation of the same ledger to replace the record, got %+v", record)
	}
}

func TestAbuseService_EnforceLiftsExpiredTempBan(t *testing.T) {
	start := time.Date(2026, 7, 1, 9, 0, 0, 0, time.UTC)
	clk := clock.NewFake(start)
	f := newTestAbuseService(clk)
	svc := f.svc
	ctx := context.Background()
	f.share(t, "conv-1", "user-x", "r1")
	f.share(t, "conv-2", "user-x", "r2")

	svc.Report(ctx, "user-x", "r1", models.StrikeReasonDMSpam, "conv-1")
	clk.Advance(time.Hour)
	svc.Report(ctx, "user-x", "r2", models.StrikeReasonDMSpam, "conv-2")

	var banned *BannedError
	err := svc.Enforce(ctx, "user-x")
	if !errors.As(err, &banned) || banned.Permanent {
		t.Fatalf("Expected temporary BannedError, got %v", err)
	}
	if !banned.Until.Equal(start.Add(25 * time.Hour)) {
		t.Errorf("Expected ban until %v, got %v", start.Add(25*time.Hour), banned.Until)
	}

	clk.Set(start.Add(25 * time.Hour))
	if err := svc.Enforce(ctx, "user-x"); err != nil {
		t.Errorf("Expected ban lifted at its end time, got %v", err)
	}
}
