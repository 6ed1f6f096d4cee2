package auth

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"parley/internal/models"

	"github.com/c-pro/geche"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const (
	DefaultTokenExpiry = 12 * time.Hour
	DefaultIssuer      = "parley"
)

type Config struct {
	Secret      string        `json:"secret"`
	secretBytes []byte        `json:"-"`
	TokenExpiry time.Duration `json:"tokenExpiry"`
	Issuer      string        `json:"issuer"`
}

func (c *Config) Validate() error {
	if c.Secret == "" {
		return errors.New("secret is required")
	}

	var err error
	c.secretBytes, err = base64.StdEncoding.DecodeString(c.Secret)
	if err != nil {
		return fmt.Errorf("auth secret is not a valid base64: %w", err)
	}

	if c.TokenExpiry == 0 {
		c.TokenExpiry = DefaultTokenExpiry
	}
	if c.Issuer == "" {
		c.Issuer = DefaultIssuer
	}

	return nil
}

type tokenStore interface {
	UpsertRevokedToken(tokenID, userID string, expiresAt int64) error
	ListRevokedTokens(now time.Time) (map[string]int64, error)
}

type session struct {
	identity  models.Identity
	tokenID   string
	expiresAt time.Time
}

// TokenResponse is returned when a token is issued.
type TokenResponse struct {
	Token       string `json:"token"`
	TokenExpiry int64  `json:"tokenExpiry"`
	UserID      string `json:"userId"`
}

// AuthService issues and resolves identity tokens. Tokens are HS256 JWTs whose
// subject is the identity; revoked token ids are kept until they expire.
type AuthService struct {
	Config
	store      tokenStore
	liveTokens geche.Geche[string, session]
	revoked    geche.Geche[string, int64]
	now        func() time.Time
}

func NewAuthService(ctx context.Context, config Config, store tokenStore) (*AuthService, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	as := &AuthService{
		Config:     config,
		store:      store,
		liveTokens: geche.NewMapTTLCache[string, session](ctx, config.TokenExpiry, time.Minute),
		revoked:    geche.NewMapTTLCache[string, int64](ctx, config.TokenExpiry, time.Minute),
		now:        time.Now,
	}

	if store != nil {
		revoked, err := store.ListRevokedTokens(as.now())
		if err != nil {
			return nil, fmt.Errorf("failed to load revoked tokens: %w", err)
		}
		for id, exp := range revoked {
			as.revoked.Set(id, exp)
		}
	}

	return as, nil
}

// Issue signs a new token for identity.
func (as *AuthService) Issue(identity models.Identity) (TokenResponse, error) {
	if strings.TrimSpace(string(identity)) == "" {
		return TokenResponse{}, fmt.Errorf("%w: identity is required", models.ErrValidation)
	}

	now := as.now()
	expiresAt := now.Add(as.TokenExpiry)
	claims := jwt.RegisteredClaims{
		Subject:   string(identity),
		Issuer:    as.Issuer,
		ID:        uuid.NewString(),
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(expiresAt),
	}

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(as.secretBytes)
	if err != nil {
		return TokenResponse{}, fmt.Errorf("failed to sign token: %w", err)
	}

	as.liveTokens.Set(token, session{identity: identity, tokenID: claims.ID, expiresAt: expiresAt})
	return TokenResponse{
		Token:       token,
		TokenExpiry: expiresAt.Unix(),
		UserID:      string(identity),
	}, nil
}

// Identify resolves a token to its identity. Every failure wraps
// models.ErrAuthentication.
func (as *AuthService) Identify(_ context.Context, token string) (models.Identity, error) {
	s, err := as.resolve(token)
	if err != nil {
		return "", err
	}
	return s.identity, nil
}

func (as *AuthService) resolve(token string) (session, error) {
	if token == "" {
		return session{}, fmt.Errorf("%w: missing token", models.ErrAuthentication)
	}

	s, err := as.liveTokens.Get(token)
	if err != nil {
		s, err = as.parse(token)
		if err != nil {
			return session{}, fmt.Errorf("%w: %v", models.ErrAuthentication, err)
		}
		as.liveTokens.Set(token, s)
	}

	if !as.now().Before(s.expiresAt) {
		_ = as.liveTokens.Del(token)
		return session{}, fmt.Errorf("%w: token expired", models.ErrAuthentication)
	}
	if _, err := as.revoked.Get(s.tokenID); err == nil {
		return session{}, fmt.Errorf("%w: token revoked", models.ErrAuthentication)
	}

	return s, nil
}

func (as *AuthService) parse(token string) (session, error) {
	var claims jwt.RegisteredClaims
	_, err := jwt.ParseWithClaims(token, &claims,
		func(*jwt.Token) (any, error) { return as.secretBytes, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(as.Issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(as.now),
	)
	if err != nil {
		return session{}, err
	}
	if claims.Subject == "" {
		return session{}, errors.New("token has no subject")
	}
	return session{
		identity:  models.Identity(claims.Subject),
		tokenID:   claims.ID,
		expiresAt: claims.ExpiresAt.Time,
	}, nil
}

// Revoke invalidates a token before its expiry.
func (as *AuthService) Revoke(token string) error {
	s, err := as.resolve(token)
	if err != nil {
		return err
	}
	_ = as.liveTokens.Del(token)
	as.revoked.Set(s.tokenID, s.expiresAt.Unix())

	if as.store != nil {
		if err := as.store.UpsertRevokedToken(s.tokenID, string(s.identity), s.expiresAt.Unix()); err != nil {
			slog.Error("failed to persist revoked token", "user_id", s.identity, "error", err)
			return err
		}
	}
	return nil
}
