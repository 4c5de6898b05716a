package auth

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/superdarn/timingd/internal/config"
	"github.com/superdarn/timingd/internal/storage"
	"go.uber.org/zap"
)

type Permission string

const (
	PermOperator   Permission = "operator"
	PermTechnician Permission = "technician"
	PermAdmin      Permission = "admin"
)

var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrAccountLocked      = errors.New("account locked")
	ErrInvalidToken       = errors.New("invalid token")
)

// EventRecorder persists authentication events. storage.PostgresClient
// implements it.
type EventRecorder interface {
	LogAuthEvent(ctx context.Context, ev *storage.AuthEvent) error
}

type operator struct {
	username     string
	passwordHash string
	role         string

	failedAttempts int
	lockedUntil    time.Time
}

type machineToken struct {
	name        string
	permissions []Permission
}

type refreshEntry struct {
	username  string
	expiresAt time.Time
}

// Identity is the authenticated caller of a request.
type Identity struct {
	Name        string
	Role        string
	Machine     bool
	Permissions []Permission
}

type AuthService struct {
	jwtHandler     *JWTHandler
	passwordHasher *PasswordHasher
	recorder       EventRecorder
	logger         *zap.Logger

	maxFailed    int
	lockDuration time.Duration

	mu        sync.Mutex
	operators map[string]*operator
	machines  map[string]machineToken // by token hash
	refresh   map[string]refreshEntry // by token hash
}

// NewAuthService builds the service from the auth config section. recorder
// may be nil.
func NewAuthService(cfg config.AuthConfig, recorder EventRecorder, logger *zap.Logger) (*AuthService, error) {
	a := &AuthService{
		jwtHandler:     NewJWTHandler(cfg.GetJWTSecret(), cfg.AccessTokenTTL, cfg.RefreshTokenTTL),
		passwordHasher: NewPasswordHasher(),
		recorder:       recorder,
		logger:         logger,
		maxFailed:      cfg.MaxFailedLoginAttempts,
		lockDuration:   cfg.AccountLockDuration,
		operators:      make(map[string]*operator),
		machines:       make(map[string]machineToken),
		refresh:        make(map[string]refreshEntry),
	}

	for _, op := range cfg.Operators {
		if op.Username == "" || op.PasswordHash == "" {
			return nil, fmt.Errorf("operator entry needs username and password_hash")
		}
		if _, dup := a.operators[op.Username]; dup {
			return nil, fmt.Errorf("duplicate operator %q", op.Username)
		}
		a.operators[op.Username] = &operator{
			username:     op.Username,
			passwordHash: op.PasswordHash,
			role:         op.Role,
		}
	}

	for _, mt := range cfg.MachineTokens {
		if len(mt.TokenHash) != sha256.Size*2 {
			return nil, fmt.Errorf("machine token %q: token_hash must be a hex SHA-256 digest", mt.Name)
		}
		perms := make([]Permission, len(mt.Permissions))
		for i, p := range mt.Permissions {
			perms[i] = Permission(p)
		}
		a.machines[mt.TokenHash] = machineToken{name: mt.Name, permissions: perms}
	}

	if !cfg.IsProductionReady() {
		logger.Warn("JWT secret is the development default or too short")
	}

	return a, nil
}

// LoginUser authenticates an operator and returns an access and a refresh
// token.
func (a *AuthService) LoginUser(ctx context.Context, username, password, ipAddress, userAgent string) (accessToken, refreshToken string, err error) {
	a.mu.Lock()
	op, ok := a.operators[username]
	if !ok {
		a.mu.Unlock()
		a.logAuthEvent(ctx, "user_login_failed", username, ipAddress, userAgent, false, "user not found")
		return "", "", ErrInvalidCredentials
	}
	if now := time.Now(); now.Before(op.lockedUntil) {
		until := op.lockedUntil
		a.mu.Unlock()
		a.logAuthEvent(ctx, "user_login_failed", username, ipAddress, userAgent, false, "account locked")
		return "", "", fmt.Errorf("%w until %s", ErrAccountLocked, until.Format(time.RFC3339))
	}
	hash, role := op.passwordHash, op.role
	a.mu.Unlock()

	valid, err := a.passwordHasher.VerifyPassword(password, hash)
	if err != nil || !valid {
		a.recordFailure(username)
		a.logAuthEvent(ctx, "user_login_failed", username, ipAddress, userAgent, false, "invalid password")
		return "", "", ErrInvalidCredentials
	}

	a.mu.Lock()
	op.failedAttempts = 0
	op.lockedUntil = time.Time{}
	a.mu.Unlock()

	accessToken, refreshToken, err = a.issue(username, role)
	if err != nil {
		return "", "", err
	}

	a.logAuthEvent(ctx, "user_login_success", username, ipAddress, userAgent, true, "")
	return accessToken, refreshToken, nil
}

func (a *AuthService) recordFailure(username string) {
	a.mu.Lock()
	defer a.mu.Unlock()

	op := a.operators[username]
	op.failedAttempts++
	if a.maxFailed > 0 && op.failedAttempts >= a.maxFailed {
		op.lockedUntil = time.Now().Add(a.lockDuration)
		op.failedAttempts = 0
		a.logger.Warn("Account locked", zap.String("username", username), zap.Duration("for", a.lockDuration))
	}
}

func (a *AuthService) issue(username, role string) (string, string, error) {
	accessToken, err := a.jwtHandler.GenerateAccessToken(username, role)
	if err != nil {
		return "", "", fmt.Errorf("failed to generate access token: %w", err)
	}

	refreshToken, err := a.jwtHandler.GenerateRefreshToken()
	if err != nil {
		return "", "", err
	}

	a.mu.Lock()
	a.refresh[hashRefreshToken(refreshToken)] = refreshEntry{
		username:  username,
		expiresAt: time.Now().Add(a.jwtHandler.refreshTokenTTL),
	}
	a.mu.Unlock()

	return accessToken, refreshToken, nil
}

// RefreshAccessToken rotates a refresh token.
func (a *AuthService) RefreshAccessToken(ctx context.Context, refreshToken string) (string, string, error) {
	key := hashRefreshToken(refreshToken)

	a.mu.Lock()
	entry, ok := a.refresh[key]
	delete(a.refresh, key)
	var role string
	if op, exists := a.operators[entry.username]; exists {
		role = op.role
	} else {
		ok = false
	}
	a.mu.Unlock()

	if !ok || time.Now().After(entry.expiresAt) {
		return "", "", fmt.Errorf("%w: refresh token unknown or expired", ErrInvalidToken)
	}

	return a.issue(entry.username, role)
}

func (a *AuthService) RevokeRefreshToken(refreshToken string) {
	a.mu.Lock()
	delete(a.refresh, hashRefreshToken(refreshToken))
	a.mu.Unlock()
}

// ValidateMachineToken checks a tsg_ token against the configured digests.
func (a *AuthService) ValidateMachineToken(ctx context.Context, token, ipAddress, userAgent string) (*Identity, error) {
	if !isMachineToken(token) {
		return nil, fmt.Errorf("%w: bad format", ErrInvalidToken)
	}

	hash := HashMachineToken(token)

	var found *machineToken
	for digest, mt := range a.machines {
		if subtle.ConstantTimeCompare([]byte(digest), []byte(hash)) == 1 {
			found = &mt
			break
		}
	}
	if found == nil {
		a.logAuthEvent(ctx, "machine_token_failed", "", ipAddress, userAgent, false, "token not found")
		return nil, ErrInvalidToken
	}

	a.logAuthEvent(ctx, "machine_token_success", found.name, ipAddress, userAgent, true, "")
	return &Identity{Name: found.name, Machine: true, Permissions: found.permissions}, nil
}

// ValidateToken accepts either a JWT access token or a machine token.
func (a *AuthService) ValidateToken(ctx context.Context, token, ipAddress, userAgent string) (*Identity, error) {
	if claims, err := a.jwtHandler.ValidateAccessToken(token); err == nil {
		return &Identity{
			Name:        claims.Username,
			Role:        claims.Role,
			Permissions: RolePermissions(claims.Role),
		}, nil
	}
	return a.ValidateMachineToken(ctx, token, ipAddress, userAgent)
}

// RolePermissions expands a role into the permissions it implies.
func RolePermissions(role string) []Permission {
	switch role {
	case "admin":
		return []Permission{PermOperator, PermTechnician, PermAdmin}
	case "technician":
		return []Permission{PermOperator, PermTechnician}
	default:
		return []Permission{PermOperator}
	}
}

func hashRefreshToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

func (a *AuthService) logAuthEvent(ctx context.Context, eventType, subject, ip, userAgent string, success bool, reason string) {
	if a.recorder == nil {
		return
	}
	err := a.recorder.LogAuthEvent(ctx, &storage.AuthEvent{
		EventType: eventType,
		Subject:   subject,
		IPAddress: ip,
		UserAgent: userAgent,
		Success:   success,
		Reason:    reason,
	})
	if err != nil {
		a.logger.Warn("Failed to record auth event", zap.String("event", eventType), zap.Error(err))
	}
}
