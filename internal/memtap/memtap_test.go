package memtap

import (
	"context"
	"errors"
	"sync"
	"testing"

	"onix_miner/internal/types"
)

func seed(t *testing.T, s *Store, name string, referrer *int64) types.User {
	t.Helper()
	u, err := s.CreateUser(context.Background(), types.User{
		Email:              name + "@example.com",
		Username:           name,
		PasswordHash:       "x",
		Energy:             100,
		Level:              1,
		HashrateMultiplier: 1,
		ReferralCode:       "ref-" + name,
	}, referrer)
	if err != nil {
		t.Fatalf("create %s: %v", name, err)
	}
	return u
}

func TestStoreUsers(t *testing.T) {
	ctx := context.Background()
	s := New(100)
	alice := seed(t, s, "alice", nil)
	bob := seed(t, s, "bob", &alice.UserID)

	t.Run("DuplicateEmail", func(t *testing.T) {
		_, err := s.CreateUser(ctx, types.User{Email: "ALICE@example.com", Username: "x", Level: 1, HashrateMultiplier: 1}, nil)
		if !errors.Is(err, types.ErrAlreadyExists) {
			t.Fatalf("expected ErrAlreadyExists, got %v", err)
		}
	})

	t.Run("IdentityLookup", func(t *testing.T) {
		u, err := s.GetUserByIdentity(ctx, "Bob@Example.com")
		if err != nil || u.UserID != bob.UserID {
			t.Fatalf("got %+v %v", u, err)
		}
		if _, err := s.GetUserByIdentity(ctx, "nobody"); !errors.Is(err, types.ErrNotFound) {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
	})

	t.Run("UpdateKeepsIdentity", func(t *testing.T) {
		u, err := s.UpdateUser(ctx, bob.UserID, func(u *types.User) error {
			u.Email = "hijack@example.com"
			u.Balance = 3
			return nil
		})
		if err != nil {
			t.Fatal(err)
		}
		if u.Email != bob.Email || u.Balance != 3 {
			t.Errorf("got %+v", u)
		}
	})

	t.Run("UpdateValidates", func(t *testing.T) {
		_, err := s.UpdateUser(ctx, bob.UserID, func(u *types.User) error {
			u.Energy = 101
			return nil
		})
		if !errors.Is(err, types.ErrValidation) {
			t.Fatalf("expected ErrValidation, got %v", err)
		}
		u, _ := s.GetUser(ctx, bob.UserID)
		if u.Energy != 100 {
			t.Errorf("energy = %v, want unchanged", u.Energy)
		}
	})

	t.Run("AccrueCreditsReferrer", func(t *testing.T) {
		u, err := s.AccrueUser(ctx, bob.UserID, func(u *types.User) (float64, error) {
			u.Balance += 1
			return 0.5, nil
		})
		if err != nil || u.Balance != 4 {
			t.Fatalf("accrue: %+v %v", u, err)
		}
		a, _ := s.GetUser(ctx, alice.UserID)
		edges, _ := s.ListReferrals(ctx, alice.UserID)
		if a.Balance != 0.5 || len(edges) != 1 || edges[0].Earnings != 0.5 {
			t.Errorf("balance=%v edges=%+v", a.Balance, edges)
		}
	})

	t.Run("AccrueWithoutReferrer", func(t *testing.T) {
		if _, err := s.AccrueUser(ctx, alice.UserID, func(u *types.User) (float64, error) {
			return 1, nil
		}); err != nil {
			t.Fatal(err)
		}
		a, _ := s.GetUser(ctx, alice.UserID)
		if a.Balance != 0.5 {
			t.Errorf("unreferred commission credited: balance=%v", a.Balance)
		}
	})

	t.Run("FailedCreditRollsBackAccrual", func(t *testing.T) {
		s.FailCredit = func(int64) error { return errors.New("disk full") }
		defer func() { s.FailCredit = nil }()

		if _, err := s.AccrueUser(ctx, bob.UserID, func(u *types.User) (float64, error) {
			u.Balance += 1
			return 0.5, nil
		}); err == nil {
			t.Fatal("expected error")
		}
		b, _ := s.GetUser(ctx, bob.UserID)
		a, _ := s.GetUser(ctx, alice.UserID)
		if b.Balance != 4 || a.Balance != 0.5 {
			t.Errorf("rows changed: bob=%v alice=%v", b.Balance, a.Balance)
		}
	})
}

func TestStoreConcurrentUpdates(t *testing.T) {
	ctx := context.Background()
	s := New(100)
	u := seed(t, s, "carol", nil)

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = s.UpdateUser(ctx, u.UserID, func(u *types.User) error {
				u.Balance++
				return nil
			})
		}()
	}
	wg.Wait()

	got, _ := s.GetUser(ctx, u.UserID)
	if got.Balance != 100 {
		t.Errorf("balance = %v, want 100", got.Balance)
	}
}

func TestStoreApproveUpgradeOnce(t *testing.T) {
	ctx := context.Background()
	s := New(100)
	u := seed(t, s, "dave", nil)

	r, err := s.CreateUpgradeRequest(ctx, u.UserID, "tx-1", 25)
	if err != nil {
		t.Fatal(err)
	}
	first, err := s.ApproveUpgradeRequest(ctx, r.ID, 0.5)
	if err != nil || !first {
		t.Fatalf("first approve = %v %v", first, err)
	}
	second, err := s.ApproveUpgradeRequest(ctx, r.ID, 0.5)
	if err != nil || second {
		t.Fatalf("second approve = %v %v", second, err)
	}
	got, _ := s.GetUser(ctx, u.UserID)
	if got.HashrateMultiplier != 1.5 {
		t.Errorf("multiplier = %v", got.HashrateMultiplier)
	}
	pending, _ := s.ListUpgradeRequests(ctx, types.UpgradePending)
	if len(pending) != 0 {
		t.Errorf("pending = %+v", pending)
	}
}

func TestStoreSettingsSeedOnce(t *testing.T) {
	ctx := context.Background()
	s := New(100)
	_ = s.EnsureSettings(ctx, map[string]string{types.SettingTotalBurned: "0"})
	_ = s.SetSetting(ctx, types.SettingTotalBurned, "7")
	_ = s.EnsureSettings(ctx, map[string]string{types.SettingTotalBurned: "0"})
	v, err := s.GetSetting(ctx, types.SettingTotalBurned)
	if err != nil || v != "7" {
		t.Errorf("total_burned = %q %v", v, err)
	}
}
