package accounts

import (
	"context"
	"errors"
	"fmt"
	"log"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"

	"onix_miner/internal/types"
)

var (
	walletRe   = regexp.MustCompile(`^0x[a-fA-F0-9]{40}$`)
	usernameRe = regexp.MustCompile(`^[A-Za-z0-9_.-]{3,32}$`)
)

// Store is the ledger subset used for accounts.
type Store interface {
	GetUser(ctx context.Context, userID int64) (types.User, error)
	GetUserByIdentity(ctx context.Context, identity string) (types.User, error)
	GetUserByReferralCode(ctx context.Context, code string) (types.User, error)
	CreateUser(ctx context.Context, u types.User, referrerID *int64) (types.User, error)
	UpdateUser(ctx context.Context, userID int64, fn func(u *types.User) error) (types.User, error)
	ListReferrals(ctx context.Context, referrerID int64) ([]types.ReferralEdge, error)
}

// Credentials hashes passwords and issues tokens.
type Credentials interface {
	HashPassword(password string) (string, error)
	VerifyPassword(password, hash string) bool
	IssueToken(id types.Identity) (string, time.Time, error)
}

type Service struct {
	store     Store
	creds     Credentials
	energyCap float64
	isAdmin   func(email string) bool
	now       func() time.Time
}

func NewService(store Store, creds Credentials, energyCap float64, isAdmin func(email string) bool) *Service {
	if isAdmin == nil {
		isAdmin = func(string) bool { return false }
	}
	return &Service{store: store, creds: creds, energyCap: energyCap, isAdmin: isAdmin, now: time.Now}
}

type RegisterInput struct {
	Email        string `json:"email"`
	Username     string `json:"username"`
	Password     string `json:"password"`
	ReferralCode string `json:"referral_code"`
}

// Session is what register and login hand back to the client.
type Session struct {
	Token     string     `json:"token"`
	ExpiresAt time.Time  `json:"expires_at"`
	User      types.User `json:"user"`
}

// Register creates a user at full energy. An unknown referral code is ignored.
func (s *Service) Register(ctx context.Context, in RegisterInput) (Session, error) {
	email := types.NormalizeIdentity(in.Email)
	username := strings.TrimSpace(in.Username)
	switch {
	case !strings.Contains(email, "@") || len(email) > 254:
		return Session{}, types.Validationf("invalid email")
	case !usernameRe.MatchString(username):
		return Session{}, types.Validationf("username must be 3-32 letters, digits, '_', '.' or '-'")
	}

	hash, err := s.creds.HashPassword(in.Password)
	if err != nil {
		return Session{}, err
	}

	var referrerID *int64
	if code := strings.TrimSpace(in.ReferralCode); code != "" {
		ref, err := s.store.GetUserByReferralCode(ctx, code)
		switch {
		case err == nil:
			id := ref.UserID
			referrerID = &id
		case errors.Is(err, types.ErrNotFound):
			log.Printf("accounts: unknown referral code %q ignored", code)
		default:
			return Session{}, fmt.Errorf("resolve referral code: %w", err)
		}
	}

	u, err := s.store.CreateUser(ctx, types.User{
		Email:              email,
		Username:           username,
		PasswordHash:       hash,
		Energy:             s.energyCap,
		Level:              1,
		HashrateMultiplier: 1,
		LastUpdate:         s.now().UnixMilli(),
		ReferralCode:       newReferralCode(),
		IsAdmin:            s.isAdmin(email),
	}, referrerID)
	if err != nil {
		return Session{}, fmt.Errorf("register: %w", err)
	}
	return s.session(u)
}

// Login accepts an email or username.
func (s *Service) Login(ctx context.Context, identity, password string) (Session, error) {
	u, err := s.store.GetUserByIdentity(ctx, identity)
	if errors.Is(err, types.ErrNotFound) {
		return Session{}, fmt.Errorf("%w: invalid credentials", types.ErrUnauthorized)
	}
	if err != nil {
		return Session{}, fmt.Errorf("login: %w", err)
	}
	if !s.creds.VerifyPassword(password, u.PasswordHash) {
		return Session{}, fmt.Errorf("%w: invalid credentials", types.ErrUnauthorized)
	}
	return s.session(u)
}

func (s *Service) session(u types.User) (Session, error) {
	token, exp, err := s.creds.IssueToken(types.Identity{UserID: u.UserID, Email: u.Email})
	if err != nil {
		return Session{}, err
	}
	return Session{Token: token, ExpiresAt: exp, User: u}, nil
}

func (s *Service) Me(ctx context.Context, userID int64) (types.User, error) {
	u, err := s.store.GetUser(ctx, userID)
	if err != nil {
		return types.User{}, fmt.Errorf("load user %d: %w", userID, err)
	}
	return u, nil
}

// SetWallet stores a BEP-20 payout address.
func (s *Service) SetWallet(ctx context.Context, userID int64, address string) (types.User, error) {
	address = strings.TrimSpace(address)
	if !walletRe.MatchString(address) {
		return types.User{}, types.Validationf("invalid BEP-20 wallet address")
	}
	u, err := s.store.UpdateUser(ctx, userID, func(u *types.User) error {
		u.WalletAddress = address
		return nil
	})
	if err != nil {
		return types.User{}, fmt.Errorf("set wallet: %w", err)
	}
	return u, nil
}

// ReferralSummary is the caller's invite code with the users it brought in.
type ReferralSummary struct {
	ReferralCode  string               `json:"referral_code"`
	Referrals     []types.ReferralEdge `json:"referrals"`
	TotalEarnings float64              `json:"total_earnings"`
}

func (s *Service) Referrals(ctx context.Context, userID int64) (ReferralSummary, error) {
	u, err := s.store.GetUser(ctx, userID)
	if err != nil {
		return ReferralSummary{}, fmt.Errorf("load user %d: %w", userID, err)
	}
	edges, err := s.store.ListReferrals(ctx, userID)
	if err != nil {
		return ReferralSummary{}, fmt.Errorf("list referrals: %w", err)
	}
	out := ReferralSummary{ReferralCode: u.ReferralCode, Referrals: edges}
	for _, e := range edges {
		out.TotalEarnings += e.Earnings
	}
	return out, nil
}

func newReferralCode() string {
	return strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", "")[:10])
}
