package store

import (
	"context"
	"errors"

	"github.com/google/uuid"

	"github.com/mintapply/backend/internal/domain"
)

// Sentinel errors shared across all backend implementations.
var (
	ErrAccountNotFound    = errors.New("account not found")
	ErrEmailTaken         = errors.New("email already registered")
	ErrInsufficientTokens = errors.New("insufficient tokens")
	ErrCodeNotFound       = errors.New("redeem code not found")
	ErrCodeAlreadyUsed    = errors.New("redeem code already used")
	ErrCodeExists         = errors.New("redeem code already exists")
)

// LedgerStore defines the contract every backend (SQLite, Postgres) must
// satisfy. All balance and code-status mutations are atomic at the store
// level: concurrent callers for the same account or the same code are
// serialized by the underlying database, never by the caller.
type LedgerStore interface {
	// --- Accounts ---
	CreateAccount(ctx context.Context, email, name, passwordHash string) (*domain.Account, error)
	GetAccount(ctx context.Context, id uuid.UUID) (*domain.Account, error)
	GetAccountByEmail(ctx context.Context, email string) (*domain.Account, error)

	// --- Balances ---
	GetBalance(ctx context.Context, id uuid.UUID) (int64, error)
	// DebitOne atomically decrements the balance by one and returns the new
	// balance. Returns ErrInsufficientTokens when the balance is zero; the
	// balance can never go negative.
	DebitOne(ctx context.Context, id uuid.UUID) (int64, error)
	// CreditTokens atomically increments the balance by amount (amount > 0 is
	// the caller's responsibility) and returns the new balance.
	CreditTokens(ctx context.Context, id uuid.UUID, amount int64) (int64, error)

	// --- Redemption ---
	// RedeemCode marks the code consumed by the account and credits the
	// code's value in a single atomic unit. Exactly one of any number of
	// concurrent calls for the same code succeeds; the rest get
	// ErrCodeAlreadyUsed. The code lookup expects a canonical (upper-case)
	// code string.
	RedeemCode(ctx context.Context, id uuid.UUID, code string) (*domain.RedeemCode, int64, error)
	CreateCode(ctx context.Context, code string, tokens int64) error
	ListCodes(ctx context.Context) ([]domain.RedeemCode, error)

	// --- Settlement ---
	// SettlePayment credits the account once per eventID. A duplicate
	// delivery is a successful no-op with credited=false; newBalance is only
	// meaningful when credited is true.
	SettlePayment(ctx context.Context, eventID string, id uuid.UUID, amount int64) (credited bool, newBalance int64, err error)

	Close() error
}
