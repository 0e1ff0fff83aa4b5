// Package memtap is an in-memory ledger store used when no DATABASE_URL is
// configured and by unit tests. All state is lost on restart.
package memtap

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"onix_miner/internal/types"
)

type referralKey struct {
	referrer int64
	referred int64
}

type Store struct {
	// EnergyCap bounds energy on every user write (0 disables the bound).
	EnergyCap float64

	mu sync.Mutex

	nextUserID    int64
	nextRequestID int64

	users     map[int64]*types.User
	referrals map[referralKey]*types.ReferralEdge
	settings  map[string]string
	requests  map[int64]*types.UpgradeRequest

	// FailUpdate, when set, is consulted before each UpdateUser and AccrueUser
	// and may inject an error.
	FailUpdate func(userID int64) error
	// FailCredit, when set, is consulted before a referral credit and may inject
	// an error. The whole AccrueUser call then fails.
	FailCredit func(referrerID int64) error
}

func New(energyCap float64) *Store {
	return &Store{
		EnergyCap: energyCap,
		users:     map[int64]*types.User{},
		referrals: map[referralKey]*types.ReferralEdge{},
		settings:  map[string]string{},
		requests:  map[int64]*types.UpgradeRequest{},
	}
}

func (s *Store) Migrate(ctx context.Context) error { return nil }

func (s *Store) Ping(ctx context.Context) error { return nil }

func (s *Store) GetUser(ctx context.Context, userID int64) (types.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[userID]
	if !ok {
		return types.User{}, types.ErrNotFound
	}
	return *u, nil
}

func (s *Store) GetUserByIdentity(ctx context.Context, identity string) (types.User, error) {
	key := types.NormalizeIdentity(identity)
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range s.sortedIDsLocked() {
		u := s.users[id]
		if key != "" && (types.NormalizeIdentity(u.Email) == key || types.NormalizeIdentity(u.Username) == key) {
			return *u, nil
		}
	}
	return types.User{}, types.ErrNotFound
}

func (s *Store) GetUserByReferralCode(ctx context.Context, code string) (types.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, u := range s.users {
		if code != "" && u.ReferralCode == code {
			return *u, nil
		}
	}
	return types.User{}, types.ErrNotFound
}

func (s *Store) CreateUser(ctx context.Context, u types.User, referrerID *int64) (types.User, error) {
	if err := u.Validate(s.EnergyCap); err != nil {
		return types.User{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	email := types.NormalizeIdentity(u.Email)
	name := types.NormalizeIdentity(u.Username)
	for _, other := range s.users {
		switch {
		case types.NormalizeIdentity(other.Email) == email:
			return types.User{}, fmt.Errorf("%w: email", types.ErrAlreadyExists)
		case types.NormalizeIdentity(other.Username) == name:
			return types.User{}, fmt.Errorf("%w: username", types.ErrAlreadyExists)
		case u.ReferralCode != "" && other.ReferralCode == u.ReferralCode:
			return types.User{}, fmt.Errorf("%w: referral code", types.ErrAlreadyExists)
		}
	}
	if referrerID != nil {
		if _, ok := s.users[*referrerID]; !ok {
			return types.User{}, fmt.Errorf("referrer %d: %w", *referrerID, types.ErrNotFound)
		}
		ref := *referrerID
		u.ReferredBy = &ref
	} else {
		u.ReferredBy = nil
	}

	s.nextUserID++
	u.UserID = s.nextUserID
	u.CreatedAt = time.Now().UTC()
	row := u
	s.users[u.UserID] = &row

	if referrerID != nil {
		s.referrals[referralKey{*referrerID, u.UserID}] = &types.ReferralEdge{
			ReferrerID: *referrerID,
			ReferredID: u.UserID,
			Username:   u.Username,
			CreatedAt:  u.CreatedAt,
		}
	}
	return u, nil
}

// UpdateUser applies fn to a copy of the row under the store lock and stores it
// only when fn and validation succeed.
func (s *Store) UpdateUser(ctx context.Context, userID int64, fn func(u *types.User) error) (types.User, error) {
	if s.FailUpdate != nil {
		if err := s.FailUpdate(userID); err != nil {
			return types.User{}, err
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, next, err := s.applyLocked(userID, fn)
	if err != nil {
		return types.User{}, err
	}
	*cur = next
	return next, nil
}

// AccrueUser applies fn like UpdateUser and credits the returned commission to
// the referrer and the edge. Nothing is stored unless every step succeeds.
func (s *Store) AccrueUser(ctx context.Context, userID int64, fn func(u *types.User) (float64, error)) (types.User, error) {
	if s.FailUpdate != nil {
		if err := s.FailUpdate(userID); err != nil {
			return types.User{}, err
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var commission float64
	cur, next, err := s.applyLocked(userID, func(u *types.User) error {
		var err error
		commission, err = fn(u)
		return err
	})
	if err != nil {
		return types.User{}, err
	}

	if next.ReferredBy != nil && commission > 0 {
		referrerID := *next.ReferredBy
		if s.FailCredit != nil {
			if err := s.FailCredit(referrerID); err != nil {
				return types.User{}, err
			}
		}
		ref, ok := s.users[referrerID]
		if !ok {
			return types.User{}, fmt.Errorf("referrer %d: %w", referrerID, types.ErrNotFound)
		}
		edge, ok := s.referrals[referralKey{referrerID, userID}]
		if !ok {
			return types.User{}, fmt.Errorf("referral edge %d->%d: %w", referrerID, userID, types.ErrNotFound)
		}
		ref.Balance += commission
		edge.Earnings += commission
	}
	*cur = next
	return next, nil
}

// applyLocked returns the stored row and fn's validated result without storing it.
func (s *Store) applyLocked(userID int64, fn func(u *types.User) error) (*types.User, types.User, error) {
	cur, ok := s.users[userID]
	if !ok {
		return nil, types.User{}, types.ErrNotFound
	}
	next := *cur
	if err := fn(&next); err != nil {
		return nil, types.User{}, err
	}
	if err := next.Validate(s.EnergyCap); err != nil {
		return nil, types.User{}, err
	}

	// Identity columns are immutable through this path.
	next.UserID = cur.UserID
	next.Email = cur.Email
	next.Username = cur.Username
	next.PasswordHash = cur.PasswordHash
	next.ReferralCode = cur.ReferralCode
	next.ReferredBy = cur.ReferredBy
	next.CreatedAt = cur.CreatedAt
	return cur, next, nil
}

func (s *Store) ListUsersByMiningFlag(ctx context.Context, mining bool) ([]types.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]types.User, 0, len(s.users))
	for _, id := range s.sortedIDsLocked() {
		if u := s.users[id]; u.IsMining == mining {
			out = append(out, *u)
		}
	}
	return out, nil
}

func (s *Store) ListUsers(ctx context.Context, limit int64) ([]types.User, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := s.sortedIDsLocked()
	out := make([]types.User, 0, len(ids))
	for i := len(ids) - 1; i >= 0 && int64(len(out)) < limit; i-- {
		out = append(out, *s.users[ids[i]])
	}
	return out, nil
}

func (s *Store) SumTotalMined(ctx context.Context) (float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var total float64
	for _, u := range s.users {
		total += u.TotalMined
	}
	return total, nil
}

func (s *Store) ListReferrals(ctx context.Context, referrerID int64) ([]types.ReferralEdge, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]types.ReferralEdge, 0)
	for k, e := range s.referrals {
		if k.referrer == referrerID {
			out = append(out, *e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ReferredID > out[j].ReferredID })
	return out, nil
}

func (s *Store) GetSetting(ctx context.Context, key string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.settings[key]
	if !ok {
		return "", types.ErrNotFound
	}
	return v, nil
}

func (s *Store) SetSetting(ctx context.Context, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.settings[key] = value
	return nil
}

func (s *Store) EnsureSettings(ctx context.Context, defaults map[string]string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k, v := range defaults {
		if _, ok := s.settings[k]; !ok {
			s.settings[k] = v
		}
	}
	return nil
}

func (s *Store) ListSettings(ctx context.Context) (map[string]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]string, len(s.settings))
	for k, v := range s.settings {
		out[k] = v
	}
	return out, nil
}

func (s *Store) CreateUpgradeRequest(ctx context.Context, userID int64, txRef string, amount float64) (types.UpgradeRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.users[userID]; !ok {
		return types.UpgradeRequest{}, types.ErrNotFound
	}
	s.nextRequestID++
	r := types.UpgradeRequest{
		ID:        s.nextRequestID,
		UserID:    userID,
		TxRef:     txRef,
		Amount:    amount,
		Status:    types.UpgradePending,
		CreatedAt: time.Now().UTC(),
	}
	row := r
	s.requests[r.ID] = &row
	return r, nil
}

func (s *Store) ListUpgradeRequests(ctx context.Context, status types.UpgradeStatus) ([]types.UpgradeRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]types.UpgradeRequest, 0, len(s.requests))
	for _, r := range s.requests {
		if status != "" && r.Status != status {
			continue
		}
		row := *r
		if u, ok := s.users[r.UserID]; ok {
			row.Username = u.Username
		}
		out = append(out, row)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	return out, nil
}

func (s *Store) ApproveUpgradeRequest(ctx context.Context, requestID int64, boost float64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.requests[requestID]
	if !ok {
		return false, types.ErrNotFound
	}
	if r.Status != types.UpgradePending {
		return false, nil
	}
	u, ok := s.users[r.UserID]
	if !ok {
		return false, types.ErrNotFound
	}
	now := time.Now().UTC()
	r.Status = types.UpgradeApproved
	r.ApprovedAt = &now
	u.HashrateMultiplier += boost
	return true, nil
}

func (s *Store) sortedIDsLocked() []int64 {
	ids := make([]int64, 0, len(s.users))
	for id := range s.users {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}
