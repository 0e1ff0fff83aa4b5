package security

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"golang.org/x/crypto/bcrypt"

	"onix_miner/internal/types"
)

const (
	tokenIssuer     = "onix"
	revokedKeyspace = "onix:revoked:"
	minPasswordLen  = 6
)

// Gateway issues and resolves bearer tokens. Redis is optional; without it
// logout cannot revoke a token before it expires.
type Gateway struct {
	secret []byte
	ttl    time.Duration
	rdb    *redis.Client
	now    func() time.Time
}

func NewGateway(secret string, ttl time.Duration, rdb *redis.Client) *Gateway {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Gateway{secret: []byte(secret), ttl: ttl, rdb: rdb, now: time.Now}
}

func (g *Gateway) HashPassword(password string) (string, error) {
	if len(password) < minPasswordLen {
		return "", types.Validationf("password must be at least %d characters", minPasswordLen)
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("hash password: %w", err)
	}
	return string(hash), nil
}

func (g *Gateway) VerifyPassword(password, hash string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}

// IssueToken signs an HS256 token for id.
func (g *Gateway) IssueToken(id types.Identity) (string, time.Time, error) {
	now := g.now()
	exp := now.Add(g.ttl)
	claims := jwt.MapClaims{
		"user_id": id.UserID,
		"email":   id.Email,
		"jti":     uuid.NewString(),
		"iss":     tokenIssuer,
		"iat":     now.Unix(),
		"exp":     exp.Unix(),
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(g.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("failed to sign JWT: %w", err)
	}
	return token, exp, nil
}

func (g *Gateway) parse(tokenString string) (jwt.MapClaims, error) {
	tokenString = strings.TrimSpace(tokenString)
	if tokenString == "" {
		return nil, fmt.Errorf("%w: missing token", types.ErrUnauthorized)
	}
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return g.secret, nil
	}, jwt.WithIssuer(tokenIssuer), jwt.WithExpirationRequired(), jwt.WithTimeFunc(g.now))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", types.ErrUnauthorized, err)
	}
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("%w: invalid token", types.ErrUnauthorized)
	}
	return claims, nil
}

// ResolveIdentity validates a bearer token and returns the caller.
func (g *Gateway) ResolveIdentity(ctx context.Context, tokenString string) (types.Identity, error) {
	claims, err := g.parse(tokenString)
	if err != nil {
		return types.Identity{}, err
	}
	uid, ok := claims["user_id"].(float64)
	if !ok || uid <= 0 {
		return types.Identity{}, fmt.Errorf("%w: bad subject", types.ErrUnauthorized)
	}
	if g.rdb != nil {
		jti, _ := claims["jti"].(string)
		n, err := g.rdb.Exists(ctx, revokedKeyspace+jti).Result()
		if err != nil {
			// fail open
			log.Printf("security: revocation check: %v", err)
		} else if n > 0 {
			return types.Identity{}, fmt.Errorf("%w: token revoked", types.ErrUnauthorized)
		}
	}
	email, _ := claims["email"].(string)
	return types.Identity{UserID: int64(uid), Email: email}, nil
}

// Revoke blacklists the token until it expires.
func (g *Gateway) Revoke(ctx context.Context, tokenString string) error {
	claims, err := g.parse(tokenString)
	if err != nil {
		return err
	}
	if g.rdb == nil {
		return nil
	}
	jti, _ := claims["jti"].(string)
	if jti == "" {
		return nil
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return nil
	}
	ttl := exp.Time.Sub(g.now())
	if ttl <= 0 {
		return nil
	}
	if err := g.rdb.Set(ctx, revokedKeyspace+jti, "1", ttl).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("revoke token: %w", err)
	}
	return nil
}

// BearerToken extracts the token from an Authorization header.
func BearerToken(r *http.Request) string {
	h := strings.TrimSpace(r.Header.Get("Authorization"))
	parts := strings.SplitN(h, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}
