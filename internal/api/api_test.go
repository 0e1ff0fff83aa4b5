package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"onix_miner/internal/accounts"
	"onix_miner/internal/admin"
	"onix_miner/internal/config"
	"onix_miner/internal/memtap"
	"onix_miner/internal/mining"
	"onix_miner/internal/security"
	"onix_miner/internal/types"
)

type testServer struct {
	srv   *httptest.Server
	store *memtap.Store
}

func newTestServer(t *testing.T, guard *security.Guard) *testServer {
	t.Helper()
	eco := config.DefaultEconomy()
	store := memtap.New(eco.EnergyCap)
	gw := security.NewGateway("test-secret", time.Hour, nil)
	isAdmin := func(email string) bool { return email == "root@example.com" }

	s := NewServer(Options{
		Accounts: accounts.NewService(store, gw, eco.EnergyCap, isAdmin),
		Mining:   mining.NewMiningManager(store, eco),
		Sessions: gw,
		Guard:    guard,
		Admin:    admin.StoreReader{Store: store},
		Settings: store,
		Stats: func(ctx context.Context) (types.StatsMessage, bool, error) {
			return types.StatsMessage{Type: types.MessageGlobalStats, Online: 2, CurrentBlock: 9}, true, nil
		},
		Health:       store.Ping,
		IsAdminEmail: isAdmin,
	})
	ts := httptest.NewServer(s.SetupRoutes())
	t.Cleanup(ts.Close)
	return &testServer{srv: ts, store: store}
}

func (ts *testServer) do(t *testing.T, method, path, token string, body any, out any) int {
	t.Helper()
	var rd *bytes.Reader
	if body != nil {
		b, _ := json.Marshal(body)
		rd = bytes.NewReader(b)
	} else {
		rd = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, ts.srv.URL+path, rd)
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if out != nil {
		_ = json.NewDecoder(resp.Body).Decode(out)
	}
	return resp.StatusCode
}

func (ts *testServer) register(t *testing.T, name string) accounts.Session {
	t.Helper()
	var sess accounts.Session
	code := ts.do(t, "POST", "/api/auth/register", "", map[string]string{
		"email": name + "@example.com", "username": name, "password": "secret1",
	}, &sess)
	if code != http.StatusCreated {
		t.Fatalf("register %s: status %d", name, code)
	}
	return sess
}

func TestAuthFlow(t *testing.T) {
	ts := newTestServer(t, nil)
	sess := ts.register(t, "alice")

	var me types.User
	if code := ts.do(t, "GET", "/api/me", sess.Token, nil, &me); code != http.StatusOK || me.Username != "alice" {
		t.Fatalf("me: %d %+v", code, me)
	}

	var errResp ErrorResponse
	if code := ts.do(t, "GET", "/api/me", "", nil, &errResp); code != http.StatusUnauthorized {
		t.Errorf("anonymous me: %d", code)
	}
	if errResp.Error == nil || errResp.Error.Code != ErrCodeUnauthorized || errResp.Error.RequestID == "" {
		t.Errorf("error body = %+v", errResp.Error)
	}

	if code := ts.do(t, "POST", "/api/auth/register", "", map[string]string{
		"email": "alice@example.com", "username": "alice9", "password": "secret1",
	}, nil); code != http.StatusConflict {
		t.Errorf("duplicate register: %d", code)
	}

	var login accounts.Session
	if code := ts.do(t, "POST", "/api/auth/login", "", map[string]string{"username": "alice", "password": "secret1"}, &login); code != http.StatusOK || login.Token == "" {
		t.Errorf("login: %d", code)
	}
	if code := ts.do(t, "POST", "/api/auth/login", "", map[string]string{"email": "alice@example.com", "password": "nope123"}, nil); code != http.StatusUnauthorized {
		t.Errorf("bad login: %d", code)
	}
	if code := ts.do(t, "POST", "/api/auth/logout", login.Token, nil, nil); code != http.StatusOK {
		t.Errorf("logout: %d", code)
	}
}

func TestReferralQueryParam(t *testing.T) {
	ts := newTestServer(t, nil)
	alice := ts.register(t, "alice")

	var bob accounts.Session
	code := ts.do(t, "POST", "/api/auth/register?ref="+alice.User.ReferralCode, "", map[string]string{
		"email": "bob@example.com", "username": "bob", "password": "secret1",
	}, &bob)
	if code != http.StatusCreated || bob.User.ReferredBy == nil || *bob.User.ReferredBy != alice.User.UserID {
		t.Fatalf("register with ref: %d %+v", code, bob.User)
	}

	var sum accounts.ReferralSummary
	if code := ts.do(t, "GET", "/api/referrals", alice.Token, nil, &sum); code != http.StatusOK || len(sum.Referrals) != 1 {
		t.Errorf("referrals: %d %+v", code, sum)
	}
}

func TestMiningEndpoints(t *testing.T) {
	ts := newTestServer(t, nil)
	sess := ts.register(t, "miner")

	var u types.User
	if code := ts.do(t, "POST", "/api/mining/start", sess.Token, nil, &u); code != http.StatusOK || !u.IsMining {
		t.Fatalf("start: %d %+v", code, u)
	}
	if code := ts.do(t, "POST", "/api/mining/stop", sess.Token, nil, &u); code != http.StatusOK || u.IsMining {
		t.Fatalf("stop: %d %+v", code, u)
	}

	var q mining.UpgradeQuote
	if code := ts.do(t, "GET", "/api/upgrade/onix", sess.Token, nil, &q); code != http.StatusOK || q.Next != 1.1 || q.Cost != 55 {
		t.Errorf("quote: %d %+v", code, q)
	}

	var errResp ErrorResponse
	if code := ts.do(t, "POST", "/api/upgrade/onix", sess.Token, nil, &errResp); code != http.StatusPaymentRequired {
		t.Errorf("purchase without balance: %d", code)
	}
	if errResp.Error == nil || errResp.Error.Code != ErrCodeInsufficientBalance {
		t.Errorf("error body = %+v", errResp.Error)
	}

	if _, err := ts.store.UpdateUser(context.Background(), sess.User.UserID, func(u *types.User) error {
		u.Balance = 100
		return nil
	}); err != nil {
		t.Fatal(err)
	}
	var res mining.PurchaseResult
	if code := ts.do(t, "POST", "/api/upgrade/onix", sess.Token, nil, &res); code != http.StatusOK || res.Cost != 55 || res.Balance != 45 || res.Multiplier != 1.1 {
		t.Errorf("purchase: %d %+v", code, res)
	}
}

func TestWallet(t *testing.T) {
	ts := newTestServer(t, nil)
	sess := ts.register(t, "wally")

	addr := "0x" + strings.Repeat("0f", 20)
	var u types.User
	if code := ts.do(t, "POST", "/api/user/wallet", sess.Token, map[string]string{"walletAddress": addr}, &u); code != http.StatusOK || u.WalletAddress != addr {
		t.Errorf("wallet: %d %+v", code, u)
	}
	var errResp ErrorResponse
	if code := ts.do(t, "POST", "/api/user/wallet", sess.Token, map[string]string{"walletAddress": "nope"}, &errResp); code != http.StatusBadRequest {
		t.Errorf("bad wallet: %d", code)
	}
	if errResp.Error == nil || errResp.Error.Message != "invalid BEP-20 wallet address" {
		t.Errorf("error body = %+v", errResp.Error)
	}
}

func TestUSDTUpgradeApproval(t *testing.T) {
	ts := newTestServer(t, nil)
	user := ts.register(t, "payer")
	root := ts.register(t, "root")

	var req types.UpgradeRequest
	if code := ts.do(t, "POST", "/api/upgrade/usdt", user.Token, map[string]any{"txId": "0xabc", "amount": 10}, &req); code != http.StatusCreated || req.Status != types.UpgradePending {
		t.Fatalf("request upgrade: %d %+v", code, req)
	}
	if code := ts.do(t, "POST", "/api/upgrade/usdt", user.Token, map[string]any{"txId": "", "amount": 10}, nil); code != http.StatusBadRequest {
		t.Errorf("empty tx id: %d", code)
	}

	if code := ts.do(t, "GET", "/api/admin/usdt-upgrades", user.Token, nil, nil); code != http.StatusForbidden {
		t.Errorf("non-admin listing: %d", code)
	}

	var listing struct {
		Requests []types.UpgradeRequest `json:"requests"`
	}
	if code := ts.do(t, "GET", "/api/admin/usdt-upgrades?status=pending", root.Token, nil, &listing); code != http.StatusOK || len(listing.Requests) != 1 {
		t.Fatalf("admin listing: %d %+v", code, listing)
	}

	var approved struct {
		Applied bool `json:"applied"`
	}
	body := map[string]any{"upgradeId": req.ID}
	if code := ts.do(t, "POST", "/api/admin/usdt-upgrades/approve", root.Token, body, &approved); code != http.StatusOK || !approved.Applied {
		t.Fatalf("approve: %d %+v", code, approved)
	}
	if code := ts.do(t, "POST", "/api/admin/usdt-upgrades/approve", root.Token, body, &approved); code != http.StatusOK || approved.Applied {
		t.Errorf("second approve: %d %+v", code, approved)
	}
	if code := ts.do(t, "POST", "/api/admin/usdt-upgrades/approve", root.Token, map[string]any{"upgradeId": 999}, nil); code != http.StatusNotFound {
		t.Errorf("unknown upgrade: %d", code)
	}

	u, err := ts.store.GetUser(context.Background(), user.User.UserID)
	if err != nil || u.HashrateMultiplier != 1.5 {
		t.Errorf("multiplier = %v %v", u.HashrateMultiplier, err)
	}

	var sum admin.Summary
	if code := ts.do(t, "GET", "/api/admin/summary", root.Token, nil, &sum); code != http.StatusOK || sum.Users != 2 || sum.PendingUpgrades != 0 {
		t.Errorf("summary: %d %+v", code, sum)
	}
}

func TestAdminSettings(t *testing.T) {
	ts := newTestServer(t, nil)
	root := ts.register(t, "root")

	var settings map[string]string
	code := ts.do(t, "PUT", "/api/admin/settings", root.Token, map[string]any{"baseMiningRate": 0.0002}, &settings)
	if code != http.StatusOK || settings[types.SettingBaseMiningRate] != "0.0002" {
		t.Fatalf("update: %d %+v", code, settings)
	}
	if code := ts.do(t, "PUT", "/api/admin/settings", root.Token, map[string]any{"dailyEmissionCap": -1}, nil); code != http.StatusBadRequest {
		t.Errorf("negative cap: %d", code)
	}
	if code := ts.do(t, "PUT", "/api/admin/settings", root.Token, map[string]any{}, nil); code != http.StatusBadRequest {
		t.Errorf("empty update: %d", code)
	}
}

func TestPublicEndpoints(t *testing.T) {
	ts := newTestServer(t, nil)

	var stats types.StatsMessage
	if code := ts.do(t, "GET", "/api/stats", "", nil, &stats); code != http.StatusOK || stats.Online != 2 || stats.CurrentBlock != 9 {
		t.Errorf("stats: %d %+v", code, stats)
	}
	var health map[string]any
	if code := ts.do(t, "GET", "/health", "", nil, &health); code != http.StatusOK || health["status"] != "healthy" {
		t.Errorf("health: %d %+v", code, health)
	}
}

func TestHealthReportsStoreOutage(t *testing.T) {
	s := NewServer(Options{Health: func(context.Context) error { return errors.New("dial tcp: connection refused") }})
	rec := httptest.NewRecorder()
	s.SetupRoutes().ServeHTTP(rec, httptest.NewRequest("GET", "/health", nil))

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d", rec.Code)
	}
	var resp ErrorResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatal(err)
	}
	if resp.Error == nil || resp.Error.Code != ErrCodeServiceUnavailable || resp.Error.RequestID == "" {
		t.Errorf("error body = %+v", resp.Error)
	}
}

func TestGuardThrottlesCredentials(t *testing.T) {
	cfg := security.DefaultGuardConfig()
	cfg.Rate = 0.001
	cfg.Burst = 2
	ts := newTestServer(t, security.NewGuard(cfg))

	body := map[string]string{"username": "ghost", "password": "secret1"}
	for i := 0; i < 2; i++ {
		if code := ts.do(t, "POST", "/api/auth/login", "", body, nil); code != http.StatusUnauthorized {
			t.Fatalf("attempt %d: %d", i, code)
		}
	}
	var errResp ErrorResponse
	if code := ts.do(t, "POST", "/api/auth/login", "", body, &errResp); code != http.StatusTooManyRequests {
		t.Errorf("throttled attempt: %d", code)
	}
	if errResp.Error == nil || errResp.Error.Code != ErrCodeRateLimit {
		t.Errorf("error body = %+v", errResp.Error)
	}
}

func TestRecoveryMiddleware(t *testing.T) {
	eh := NewErrorHandler(nil)
	h := eh.RecoveryMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("GET", "/", nil))
	if rec.Code != http.StatusInternalServerError {
		t.Errorf("status = %d", rec.Code)
	}
}
