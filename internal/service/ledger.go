package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/mintapply/backend/internal/auth"
	"github.com/mintapply/backend/internal/domain"
	"github.com/mintapply/backend/internal/store"
)

var (
	ErrInvalidAmount      = errors.New("amount must be positive")
	ErrInvalidCredentials = errors.New("invalid email or password")
	ErrValidation         = errors.New("invalid request")
	ErrRateLimited        = errors.New("rate limit exceeded")
)

// LedgerService owns every balance mutation. Atomicity lives in the store;
// this layer adds input validation, code normalization, credential checks and
// token issuance.
type LedgerService struct {
	store  store.LedgerStore
	issuer *auth.TokenIssuer
	logger *zap.Logger

	// Registration and login are rate limited to slow down enumeration.
	registerLimiter *rate.Limiter
	loginLimiter    *rate.Limiter
}

func NewLedgerService(s store.LedgerStore, issuer *auth.TokenIssuer, logger *zap.Logger) *LedgerService {
	return &LedgerService{
		store:           s,
		issuer:          issuer,
		logger:          logger,
		registerLimiter: rate.NewLimiter(rate.Every(time.Minute/30), 30),
		loginLimiter:    rate.NewLimiter(rate.Every(time.Minute/60), 60),
	}
}

// Register creates an account with a zero balance and returns it along with a
// signed bearer token.
func (s *LedgerService) Register(ctx context.Context, email, name, password string) (*domain.Account, string, error) {
	if !s.registerLimiter.Allow() {
		return nil, "", ErrRateLimited
	}

	email = NormalizeEmail(email)
	name = strings.TrimSpace(name)
	switch {
	case email == "" || !strings.Contains(email, "@"):
		return nil, "", fmt.Errorf("%w: valid email required", ErrValidation)
	case name == "":
		return nil, "", fmt.Errorf("%w: name required", ErrValidation)
	case len(password) < 8:
		return nil, "", fmt.Errorf("%w: password must be at least 8 characters", ErrValidation)
	}

	passwordHash, err := auth.HashPassword(password)
	if err != nil {
		return nil, "", fmt.Errorf("failed to hash password: %w", err)
	}

	account, err := s.store.CreateAccount(ctx, email, name, passwordHash)
	if err != nil {
		return nil, "", err
	}

	token, err := s.issuer.Issue(account.ID)
	if err != nil {
		return nil, "", err
	}

	s.logger.Info("account registered",
		zap.String("account_id", account.ID.String()),
		zap.String("email", account.Email))
	return account, token, nil
}

// Login verifies credentials and returns the account with a fresh token.
// Unknown email and wrong password are indistinguishable to the caller.
func (s *LedgerService) Login(ctx context.Context, email, password string) (*domain.Account, string, error) {
	if !s.loginLimiter.Allow() {
		return nil, "", ErrRateLimited
	}

	account, err := s.store.GetAccountByEmail(ctx, NormalizeEmail(email))
	if err != nil {
		if errors.Is(err, store.ErrAccountNotFound) {
			return nil, "", ErrInvalidCredentials
		}
		return nil, "", err
	}

	ok, err := auth.VerifyPassword(password, account.PasswordHash)
	if err != nil {
		return nil, "", fmt.Errorf("password verification failed: %w", err)
	}
	if !ok {
		return nil, "", ErrInvalidCredentials
	}

	token, err := s.issuer.Issue(account.ID)
	if err != nil {
		return nil, "", err
	}
	return account, token, nil
}

func (s *LedgerService) GetAccount(ctx context.Context, id uuid.UUID) (*domain.Account, error) {
	return s.store.GetAccount(ctx, id)
}

func (s *LedgerService) GetBalance(ctx context.Context, id uuid.UUID) (int64, error) {
	return s.store.GetBalance(ctx, id)
}

// CreditTokens adds amount tokens to the account. A non-positive amount is a
// programming error, rejected before any store mutation.
func (s *LedgerService) CreditTokens(ctx context.Context, id uuid.UUID, amount int64) (int64, error) {
	if amount <= 0 {
		return 0, ErrInvalidAmount
	}
	return s.store.CreditTokens(ctx, id, amount)
}

// Redeem consumes a one-time code for the account and credits its value. The
// consume and the credit are one atomic unit in the store.
func (s *LedgerService) Redeem(ctx context.Context, id uuid.UUID, code string) (*domain.RedeemCode, int64, error) {
	code = NormalizeCode(code)
	if code == "" {
		return nil, 0, fmt.Errorf("%w: code required", ErrValidation)
	}

	rc, balance, err := s.store.RedeemCode(ctx, id, code)
	if err != nil {
		return nil, 0, err
	}

	s.logger.Info("code redeemed",
		zap.String("account_id", id.String()),
		zap.String("code", rc.Code),
		zap.Int64("tokens", rc.Tokens),
		zap.Int64("balance", balance))
	return rc, balance, nil
}

// NormalizeCode maps a user-supplied code to its canonical form: codes are
// case-insensitive and stored upper-case.
func NormalizeCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

// NormalizeEmail lower-cases and trims an email address.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
