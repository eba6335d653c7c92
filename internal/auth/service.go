package auth

import (
	"errors"
	"sync"
	"time"

	"github.com/KevinKickass/OpenSolarCollector/internal/config"
	"go.uber.org/zap"
)

const (
	RoleAdmin = "admin"

	maxFailedAttempts = 5
	lockoutDuration   = 5 * time.Minute
)

var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrLoginDisabled      = errors.New("login disabled: no admin password configured")
	ErrLocked             = errors.New("account temporarily locked")
)

// Service authenticates the single operator account from the config file
// and issues access tokens for the write endpoints.
type Service struct {
	jwtHandler     *JWTHandler
	passwordHasher *PasswordHasher
	adminUser      string
	adminHash      string
	logger         *zap.Logger
	now            func() time.Time

	mu          sync.Mutex
	failed      int
	lockedUntil time.Time
}

func NewService(cfg config.AuthConfig, logger *zap.Logger) *Service {
	if !cfg.IsProductionReady() {
		logger.Warn("JWT secret is the development fallback or shorter than 32 chars",
			zap.String("env", cfg.JWTSecretEnv))
	}
	return &Service{
		jwtHandler:     NewJWTHandler(cfg.GetJWTSecret(), cfg.AccessTokenTTL),
		passwordHasher: NewPasswordHasher(),
		adminUser:      cfg.AdminUser,
		adminHash:      cfg.AdminPasswordHash,
		logger:         logger,
		now:            time.Now,
	}
}

// Enabled reports whether an admin password hash is configured.
func (s *Service) Enabled() bool {
	return s.adminHash != ""
}

// Login checks the credentials and returns an access token.
func (s *Service) Login(username, password, ipAddress string) (string, time.Time, error) {
	if !s.Enabled() {
		return "", time.Time{}, ErrLoginDisabled
	}

	s.mu.Lock()
	if s.now().Before(s.lockedUntil) {
		until := s.lockedUntil
		s.mu.Unlock()
		s.logger.Warn("Login rejected, account locked",
			zap.String("ip", ipAddress), zap.Time("locked_until", until))
		return "", time.Time{}, ErrLocked
	}
	s.mu.Unlock()

	valid := false
	if username == s.adminUser {
		ok, err := s.passwordHasher.VerifyPassword(password, s.adminHash)
		if err != nil {
			s.logger.Error("Configured admin password hash is invalid", zap.Error(err))
		}
		valid = ok
	}

	if !valid {
		s.recordFailure(ipAddress)
		return "", time.Time{}, ErrInvalidCredentials
	}

	s.mu.Lock()
	s.failed = 0
	s.mu.Unlock()

	token, expires, err := s.jwtHandler.GenerateAccessToken(username, RoleAdmin)
	if err != nil {
		return "", time.Time{}, err
	}
	s.logger.Info("Login succeeded", zap.String("user", username), zap.String("ip", ipAddress))
	return token, expires, nil
}

func (s *Service) recordFailure(ipAddress string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.failed++
	if s.failed >= maxFailedAttempts {
		s.lockedUntil = s.now().Add(lockoutDuration)
		s.failed = 0
	}
	s.logger.Warn("Login failed", zap.String("ip", ipAddress), zap.Int("failed_attempts", s.failed))
}

// HashPassword exposes the hasher for the -hash-password flag.
func HashPassword(password string) (string, error) {
	return NewPasswordHasher().HashPassword(password)
}
