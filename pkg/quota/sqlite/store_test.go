package sqlite

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"

	"github.com/creovision/governor/pkg/models"
	"github.com/creovision/governor/pkg/quota"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(filepath.Join(t.TempDir(), "quota_test.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestSessionCreatedOnFirstAccess(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	sess, err := s.Session(ctx, "alice")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(sess.ID, "sess_") {
		t.Errorf("session id = %q, want sess_ prefix", sess.ID)
	}
	if sess.Stage != models.StageIntro {
		t.Errorf("stage = %q, want intro", sess.Stage)
	}

	again, err := s.Session(ctx, "alice")
	if err != nil {
		t.Fatal(err)
	}
	if again.ID != sess.ID {
		t.Errorf("second access created new session %q, want %q", again.ID, sess.ID)
	}
}

func TestMutate(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	got, err := s.Mutate(ctx, "alice", func(sess *models.Session) error {
		sess.FreeUsed = 3
		sess.PaidAvailable = 2
		sess.CreditsSpent = 2
		sess.MessageCount = 3
		sess.Stage = models.StageExplore
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if got.FreeUsed != 3 {
		t.Errorf("FreeUsed = %d, want 3", got.FreeUsed)
	}

	reloaded, err := s.Session(ctx, "alice")
	if err != nil {
		t.Fatal(err)
	}
	if reloaded.FreeUsed != 3 || reloaded.PaidAvailable != 2 || reloaded.CreditsSpent != 2 {
		t.Errorf("reloaded = %+v", reloaded)
	}
	if reloaded.Stage != models.StageExplore {
		t.Errorf("stage = %q, want explore", reloaded.Stage)
	}
}

func TestMutateErrorWritesNothing(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	boom := errors.New("boom")

	_, err := s.Mutate(ctx, "alice", func(sess *models.Session) error {
		sess.FreeUsed = 5
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v, want boom", err)
	}
	sess, err := s.Session(ctx, "alice")
	if err != nil {
		t.Fatal(err)
	}
	if sess.FreeUsed != 0 {
		t.Errorf("FreeUsed = %d, want 0", sess.FreeUsed)
	}
}

func TestListSessions(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for _, id := range []string{"a", "b", "c"} {
		if _, err := s.Session(ctx, id); err != nil {
			t.Fatal(err)
		}
	}
	sessions, err := s.ListSessions(ctx, 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(sessions) != 2 {
		t.Fatalf("expected 2 sessions, got %d", len(sessions))
	}
}

func TestRedeemPromo(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	remaining, err := s.RedeemPromo(ctx, "alice", "WELCOME10", 10, 0)
	if err != nil {
		t.Fatal(err)
	}
	if remaining != 10 {
		t.Errorf("remaining = %d, want 10", remaining)
	}

	if _, err := s.RedeemPromo(ctx, "alice", "WELCOME10", 10, 0); !errors.Is(err, quota.ErrPromoAlreadyRedeemed) {
		t.Errorf("second redeem err = %v, want ErrPromoAlreadyRedeemed", err)
	}

	remaining, err = s.RedeemPromo(ctx, "alice", "LAUNCH2025", 5, 0)
	if err != nil {
		t.Fatal(err)
	}
	if remaining != 15 {
		t.Errorf("remaining after second code = %d, want 15", remaining)
	}
}

func TestRedeemPromoMaxUses(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if _, err := s.RedeemPromo(ctx, "alice", "BETA", 3, 1); err != nil {
		t.Fatal(err)
	}
	if _, err := s.RedeemPromo(ctx, "bob", "BETA", 3, 1); !errors.Is(err, quota.ErrPromoExhausted) {
		t.Errorf("err = %v, want ErrPromoExhausted", err)
	}
	left, err := s.PromoRemaining(ctx, "bob")
	if err != nil {
		t.Fatal(err)
	}
	if left != 0 {
		t.Errorf("bob remaining = %d, want 0", left)
	}
}

func TestConsumePromoIdempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if _, err := s.RedeemPromo(ctx, "alice", "BETA", 2, 0); err != nil {
		t.Fatal(err)
	}

	remaining, consumed, err := s.ConsumePromo(ctx, "alice", "op-1")
	if err != nil {
		t.Fatal(err)
	}
	if !consumed || remaining != 1 {
		t.Errorf("first consume = (%d, %v), want (1, true)", remaining, consumed)
	}

	remaining, consumed, err = s.ConsumePromo(ctx, "alice", "op-1")
	if err != nil {
		t.Fatal(err)
	}
	if consumed || remaining != 1 {
		t.Errorf("repeat consume = (%d, %v), want (1, false)", remaining, consumed)
	}

	if _, _, err := s.ConsumePromo(ctx, "alice", "op-2"); err != nil {
		t.Fatal(err)
	}
	remaining, consumed, err = s.ConsumePromo(ctx, "alice", "op-3")
	if err != nil {
		t.Fatal(err)
	}
	if consumed || remaining != 0 {
		t.Errorf("consume on empty = (%d, %v), want (0, false)", remaining, consumed)
	}
}

func TestTrialLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	avail, err := s.TrialAvailable(ctx, "alice")
	if err != nil {
		t.Fatal(err)
	}
	if avail {
		t.Fatal("trial available before issue")
	}

	issued, err := s.IssueTrial(ctx, "alice")
	if err != nil || !issued {
		t.Fatalf("IssueTrial = (%v, %v), want (true, nil)", issued, err)
	}
	if issued, _ := s.IssueTrial(ctx, "alice"); issued {
		t.Error("trial issued twice")
	}

	if avail, _ := s.TrialAvailable(ctx, "alice"); !avail {
		t.Error("trial not available after issue")
	}

	used, err := s.ConsumeTrial(ctx, "alice")
	if err != nil || !used {
		t.Fatalf("ConsumeTrial = (%v, %v), want (true, nil)", used, err)
	}
	if used, _ := s.ConsumeTrial(ctx, "alice"); used {
		t.Error("trial consumed twice")
	}
	if avail, _ := s.TrialAvailable(ctx, "alice"); avail {
		t.Error("trial still available after consume")
	}
	if issued, _ := s.IssueTrial(ctx, "alice"); issued {
		t.Error("trial re-issued after use")
	}
}
