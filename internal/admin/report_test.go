package admin

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"

	"onix_miner/internal/db"
	"onix_miner/internal/memtap"
	"onix_miner/internal/types"
)

func seed(t *testing.T, ctx context.Context, store interface {
	CreateUser(ctx context.Context, u types.User, referrerID *int64) (types.User, error)
	UpdateUser(ctx context.Context, userID int64, fn func(u *types.User) error) (types.User, error)
	CreateUpgradeRequest(ctx context.Context, userID int64, txRef string, amount float64) (types.UpgradeRequest, error)
}) {
	t.Helper()
	for i, name := range []string{"ann", "ben", "cat"} {
		u, err := store.CreateUser(ctx, types.User{
			Email: name + "@example.com", Username: name, PasswordHash: "x",
			Energy: 100, Level: 1, HashrateMultiplier: 1, ReferralCode: "CODE" + name,
		}, nil)
		if err != nil {
			t.Fatal(err)
		}
		_, err = store.UpdateUser(ctx, u.UserID, func(u *types.User) error {
			u.Balance = float64(i + 1)
			u.TotalMined = float64(10 * (i + 1))
			u.IsMining = i == 0
			return nil
		})
		if err != nil {
			t.Fatal(err)
		}
		if i < 2 {
			if _, err := store.CreateUpgradeRequest(ctx, u.UserID, "tx-"+name, 5); err != nil {
				t.Fatal(err)
			}
		}
	}
}

func checkSummary(t *testing.T, r Reader) {
	t.Helper()
	ctx := context.Background()
	s, err := r.Summary(ctx)
	if err != nil {
		t.Fatal(err)
	}
	want := Summary{Users: 3, Miners: 1, TotalBalance: 6, TotalMined: 60, PendingUpgrades: 2}
	if s != want {
		t.Errorf("summary = %+v, want %+v", s, want)
	}

	users, err := r.ListUsers(ctx, 2)
	if err != nil || len(users) != 2 {
		t.Errorf("list users: %d %v", len(users), err)
	}
	reqs, err := r.ListUpgradeRequests(ctx, types.UpgradePending)
	if err != nil || len(reqs) != 2 {
		t.Fatalf("list upgrades: %d %v", len(reqs), err)
	}
	if reqs[0].Username == "" || reqs[0].Status != types.UpgradePending {
		t.Errorf("request = %+v", reqs[0])
	}
}

func TestStoreReader(t *testing.T) {
	store := memtap.New(21600)
	seed(t, context.Background(), store)
	checkSummary(t, StoreReader{Store: store})
}

func TestReport(t *testing.T) {
	url := os.Getenv("TEST_DATABASE_URL")
	if url == "" {
		t.Skip("Skipping test: TEST_DATABASE_URL not set")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	ledger, err := db.Connect(ctx, url)
	if err != nil {
		t.Skip("Skipping test: database not available")
	}
	defer ledger.Close()
	if err := ledger.Migrate(ctx); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	raw, err := sqlx.Connect("postgres", url)
	if err != nil {
		t.Skip("Skipping test: database not available via lib/pq")
	}
	raw.MustExec(`TRUNCATE upgrade_requests, referrals, settings, users RESTART IDENTITY CASCADE`)

	seed(t, ctx, ledger)
	rep := NewReport(raw)
	defer rep.Close()
	checkSummary(t, rep)
}
