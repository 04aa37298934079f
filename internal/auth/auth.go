// Package auth registers users, verifies passwords and issues JWT session
// tokens. Failed logins lock an account for a while; signed-out tokens are
// revoked until they would have expired anyway.
package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/klytics/sheetkit/internal/audit"
	"github.com/klytics/sheetkit/internal/kv"
	"github.com/klytics/sheetkit/internal/model"
	"github.com/klytics/sheetkit/internal/store"
)

// MinPasswordLength is the shortest accepted password.
const MinPasswordLength = 8

var (
	ErrInvalidCredentials = errors.New("invalid username or password")
	ErrUserExists         = errors.New("username or email already registered")
	ErrLocked             = errors.New("account temporarily locked after repeated failed logins")
	ErrInactive           = errors.New("account is disabled")
	ErrInvalidToken       = errors.New("invalid token")
	ErrRevokedToken       = errors.New("token has been revoked")
	ErrWeakPassword       = fmt.Errorf("%w: password must be at least %d characters", model.ErrInvalid, MinPasswordLength)
)

// Config tunes the service.
type Config struct {
	JWTSecret       string
	TokenTTL        time.Duration
	BcryptCost      int
	MaxFailedLogins int
	LockoutWindow   time.Duration
}

// Claims are the JWT claims sheetkit issues.
type Claims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}

// Service implements registration, login and token checks.
type Service struct {
	store *store.Store
	kv    *kv.Store
	audit audit.Recorder
	cfg   Config
	log   *zap.Logger
	now   func() time.Time
}

// New builds the service. A nil recorder disables auditing.
func New(st *store.Store, kvs *kv.Store, rec audit.Recorder, cfg Config, log *zap.Logger) (*Service, error) {
	if cfg.JWTSecret == "" {
		return nil, errors.New("auth.jwt_secret is not set; run: sheetkit config init")
	}
	if cfg.TokenTTL <= 0 {
		cfg.TokenTTL = 24 * time.Hour
	}
	if cfg.BcryptCost == 0 {
		cfg.BcryptCost = bcrypt.DefaultCost
	}
	if cfg.MaxFailedLogins <= 0 {
		cfg.MaxFailedLogins = 5
	}
	if cfg.LockoutWindow <= 0 {
		cfg.LockoutWindow = 15 * time.Minute
	}
	if rec == nil {
		rec = audit.Nop{}
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Service{store: st, kv: kvs, audit: rec, cfg: cfg, log: log, now: time.Now}, nil
}

// RegisterUser creates an active account with the user role.
func (s *Service) RegisterUser(ctx context.Context, username, email, password string) (*model.User, error) {
	return s.createUser(ctx, username, email, password, model.RoleUser)
}

// CreateAdmin creates an active account with the admin role.
func (s *Service) CreateAdmin(ctx context.Context, username, email, password string) (*model.User, error) {
	return s.createUser(ctx, username, email, password, model.RoleAdmin)
}

func (s *Service) createUser(ctx context.Context, username, email, password string, role model.Role) (*model.User, error) {
	u := &model.User{
		ID:        uuid.NewString(),
		Username:  strings.TrimSpace(username),
		Email:     strings.TrimSpace(email),
		Role:      role,
		CreatedAt: s.now().UTC(),
		IsActive:  true,
	}
	if err := model.Validate(u); err != nil {
		return nil, err
	}
	if len(password) < MinPasswordLength {
		return nil, ErrWeakPassword
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), s.cfg.BcryptCost)
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}
	u.PasswordHash = string(hash)

	if err := s.store.Users.Add(ctx, u); err != nil {
		if errors.Is(err, store.ErrConflict) {
			return nil, ErrUserExists
		}
		return nil, err
	}
	s.audit.LogAuditEvent(ctx, u.ID, "user.register", u.ID, "username="+u.Username)
	s.log.Info("user registered", zap.String("user", u.Username), zap.String("role", string(role)))
	return u, nil
}

// Session is an issued token.
type Session struct {
	Token     string      `json:"token"`
	ExpiresAt time.Time   `json:"expires_at"`
	User      *model.User `json:"user"`
}

// IsExpired reports whether the token has expired.
func (s *Session) IsExpired() bool {
	return time.Now().After(s.ExpiresAt)
}

// ExpiresIn returns the time left before expiry.
func (s *Session) ExpiresIn() time.Duration {
	return time.Until(s.ExpiresAt)
}

func lockKey(username string) string { return "auth:locked:" + strings.ToLower(username) }
func failKey(username string) string { return "auth:fails:" + strings.ToLower(username) }
func revokeKey(jti string) string    { return "auth:revoked:" + jti }

// Authenticate verifies the password and issues a token.
func (s *Service) Authenticate(ctx context.Context, username, password string) (*Session, error) {
	if locked, err := s.kv.Has(lockKey(username)); err != nil {
		return nil, err
	} else if locked {
		s.audit.LogAuditEvent(ctx, "", "auth.login.locked", "", "username="+username)
		return nil, ErrLocked
	}

	u, err := s.store.Users.GetByUsername(ctx, username)
	if errors.Is(err, store.ErrNotFound) {
		// Compare against a fixed hash so unknown users cost the same.
		bcrypt.CompareHashAndPassword(dummyHash, []byte(password))
		return nil, s.loginFailed(ctx, username, "")
	}
	if err != nil {
		return nil, err
	}
	if bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte(password)) != nil {
		return nil, s.loginFailed(ctx, username, u.ID)
	}
	if !u.IsActive {
		s.audit.LogAuditEvent(ctx, u.ID, "auth.login.inactive", u.ID, "")
		return nil, ErrInactive
	}

	s.kv.Delete(failKey(username))
	now := s.now().UTC()
	if err := s.store.Users.SetLastLogin(ctx, u.ID, now); err != nil {
		return nil, err
	}
	u.LastLoginAt = &now

	sess, err := s.issue(u, now)
	if err != nil {
		return nil, err
	}
	s.audit.LogAuditEvent(ctx, u.ID, "auth.login", u.ID, "")
	return sess, nil
}

var dummyHash, _ = bcrypt.GenerateFromPassword([]byte("sheetkit-dummy-password"), bcrypt.MinCost)

func (s *Service) loginFailed(ctx context.Context, username, userID string) error {
	n, err := s.kv.Incr(failKey(username), s.cfg.LockoutWindow)
	if err != nil {
		s.log.Warn("could not count failed login", zap.Error(err))
	}
	s.audit.LogAuditEvent(ctx, userID, "auth.login.failed", userID, "username="+username)
	if n >= int64(s.cfg.MaxFailedLogins) {
		if err := s.kv.Set(lockKey(username), []byte("1"), s.cfg.LockoutWindow); err != nil {
			s.log.Warn("could not lock account", zap.Error(err))
		}
		s.kv.Delete(failKey(username))
		s.log.Warn("account locked", zap.String("user", username), zap.Duration("for", s.cfg.LockoutWindow))
		return ErrLocked
	}
	return ErrInvalidCredentials
}

// Unlock clears a lockout.
func (s *Service) Unlock(username string) error {
	if err := s.kv.Delete(lockKey(username)); err != nil {
		return err
	}
	return s.kv.Delete(failKey(username))
}

func (s *Service) issue(u *model.User, now time.Time) (*Session, error) {
	exp := now.Add(s.cfg.TokenTTL)
	claims := Claims{
		Role: string(u.Role),
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Subject:   u.ID,
			Issuer:    "sheetkit",
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(s.cfg.JWTSecret))
	if err != nil {
		return nil, fmt.Errorf("sign token: %w", err)
	}
	return &Session{Token: signed, ExpiresAt: exp, User: u}, nil
}

// ParseToken verifies signature, expiry and revocation.
func (s *Service) ParseToken(token string) (*Claims, error) {
	var claims Claims
	_, err := jwt.ParseWithClaims(token, &claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return []byte(s.cfg.JWTSecret), nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if claims.ID == "" || claims.Subject == "" {
		return nil, ErrInvalidToken
	}
	revoked, err := s.kv.Has(revokeKey(claims.ID))
	if err != nil {
		return nil, err
	}
	if revoked {
		return nil, ErrRevokedToken
	}
	return &claims, nil
}

// SignOut revokes token for the rest of its lifetime.
func (s *Service) SignOut(ctx context.Context, token string) error {
	claims, err := s.ParseToken(token)
	if err != nil {
		return err
	}
	ttl := time.Until(claims.ExpiresAt.Time)
	if ttl < time.Second {
		ttl = time.Second
	}
	if err := s.kv.Set(revokeKey(claims.ID), []byte(claims.Subject), ttl); err != nil {
		return fmt.Errorf("revoke token: %w", err)
	}
	s.audit.LogAuditEvent(ctx, claims.Subject, "auth.logout", claims.Subject, "")
	return nil
}

// ChangePassword replaces a user's password.
func (s *Service) ChangePassword(ctx context.Context, userID, password string) error {
	if len(password) < MinPasswordLength {
		return ErrWeakPassword
	}
	u, err := s.store.Users.Get(ctx, userID)
	if err != nil {
		return err
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), s.cfg.BcryptCost)
	if err != nil {
		return fmt.Errorf("hash password: %w", err)
	}
	u.PasswordHash = string(hash)
	if err := s.store.Users.Update(ctx, u); err != nil {
		return err
	}
	s.audit.LogAuditEvent(ctx, userID, "user.password", userID, "")
	return nil
}

// SetActive enables or disables an account.
func (s *Service) SetActive(ctx context.Context, userID string, active bool) error {
	u, err := s.store.Users.Get(ctx, userID)
	if err != nil {
		return err
	}
	u.IsActive = active
	if err := s.store.Users.Update(ctx, u); err != nil {
		return err
	}
	action := "user.enable"
	if !active {
		action = "user.disable"
	}
	s.audit.LogAuditEvent(ctx, userID, action, userID, "")
	return nil
}
