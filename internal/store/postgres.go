package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/mintapply/backend/internal/domain"
)

// Compile-time check: *PostgresStore must satisfy LedgerStore.
var _ LedgerStore = (*PostgresStore)(nil)

const pgUniqueViolation = "23505"

// PostgresStore is the production backend. Debits and credits are single
// conditional statements; the redeem consume+credit pair runs inside a
// repeatable-read transaction with a row lock on the code, so the external
// generation call is never inside a locked critical section.
type PostgresStore struct {
	db *pgxpool.Pool
}

func NewPostgresStore(connString string) (*PostgresStore, error) {
	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("unable to parse database config: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(context.Background(), config)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}

	if err := pool.Ping(context.Background()); err != nil {
		return nil, fmt.Errorf("unable to ping database: %w", err)
	}

	s := &PostgresStore{db: pool}
	if err := s.initSchema(context.Background()); err != nil {
		pool.Close()
		return nil, err
	}

	zap.L().Info("postgres store ready")
	return s, nil
}

func (s *PostgresStore) initSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS accounts (
		id            UUID PRIMARY KEY,
		email         TEXT NOT NULL UNIQUE,
		name          TEXT NOT NULL,
		password_hash TEXT NOT NULL,
		tokens        BIGINT NOT NULL DEFAULT 0 CHECK (tokens >= 0),
		created_at    TIMESTAMPTZ NOT NULL DEFAULT NOW()
	);

	CREATE TABLE IF NOT EXISTS redeem_codes (
		code       TEXT PRIMARY KEY,
		tokens     BIGINT NOT NULL CHECK (tokens > 0),
		used_by    UUID REFERENCES accounts(id),
		used_at    TIMESTAMPTZ,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	);

	CREATE TABLE IF NOT EXISTS payment_events (
		event_id   TEXT PRIMARY KEY,
		account_id UUID NOT NULL REFERENCES accounts(id),
		tokens     BIGINT NOT NULL CHECK (tokens > 0),
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	);`

	if _, err := s.db.Exec(ctx, schema); err != nil {
		return fmt.Errorf("schema init failed: %w", err)
	}
	return nil
}

func (s *PostgresStore) Close() error {
	s.db.Close()
	return nil
}

func (s *PostgresStore) CreateAccount(ctx context.Context, email, name, passwordHash string) (*domain.Account, error) {
	account := &domain.Account{
		ID:           uuid.New(),
		Email:        email,
		Name:         name,
		PasswordHash: passwordHash,
	}

	err := s.db.QueryRow(ctx,
		`INSERT INTO accounts (id, email, name, password_hash) VALUES ($1, $2, $3, $4) RETURNING created_at`,
		account.ID, account.Email, account.Name, account.PasswordHash,
	).Scan(&account.CreatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
			return nil, ErrEmailTaken
		}
		return nil, fmt.Errorf("account insert failed: %w", err)
	}
	return account, nil
}

func (s *PostgresStore) GetAccount(ctx context.Context, id uuid.UUID) (*domain.Account, error) {
	return s.scanAccount(s.db.QueryRow(ctx,
		`SELECT id, email, name, password_hash, tokens, created_at FROM accounts WHERE id = $1`, id))
}

func (s *PostgresStore) GetAccountByEmail(ctx context.Context, email string) (*domain.Account, error) {
	return s.scanAccount(s.db.QueryRow(ctx,
		`SELECT id, email, name, password_hash, tokens, created_at FROM accounts WHERE email = $1`, email))
}

func (s *PostgresStore) scanAccount(row pgx.Row) (*domain.Account, error) {
	var account domain.Account
	err := row.Scan(&account.ID, &account.Email, &account.Name, &account.PasswordHash, &account.Tokens, &account.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrAccountNotFound
		}
		return nil, fmt.Errorf("account scan failed: %w", err)
	}
	return &account, nil
}

func (s *PostgresStore) GetBalance(ctx context.Context, id uuid.UUID) (int64, error) {
	var balance int64
	err := s.db.QueryRow(ctx, `SELECT tokens FROM accounts WHERE id = $1`, id).Scan(&balance)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, ErrAccountNotFound
		}
		return 0, fmt.Errorf("balance query failed: %w", err)
	}
	return balance, nil
}

func (s *PostgresStore) DebitOne(ctx context.Context, id uuid.UUID) (int64, error) {
	var balance int64
	err := s.db.QueryRow(ctx,
		`UPDATE accounts SET tokens = tokens - 1 WHERE id = $1 AND tokens > 0 RETURNING tokens`,
		id,
	).Scan(&balance)
	if err == nil {
		return balance, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return 0, fmt.Errorf("debit failed: %w", err)
	}

	if _, err := s.GetBalance(ctx, id); err != nil {
		return 0, err
	}
	return 0, ErrInsufficientTokens
}

func (s *PostgresStore) CreditTokens(ctx context.Context, id uuid.UUID, amount int64) (int64, error) {
	var balance int64
	err := s.db.QueryRow(ctx,
		`UPDATE accounts SET tokens = tokens + $1 WHERE id = $2 RETURNING tokens`,
		amount, id,
	).Scan(&balance)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, ErrAccountNotFound
		}
		return 0, fmt.Errorf("credit failed: %w", err)
	}
	return balance, nil
}

func (s *PostgresStore) RedeemCode(ctx context.Context, id uuid.UUID, code string) (*domain.RedeemCode, int64, error) {
	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead})
	if err != nil {
		return nil, 0, fmt.Errorf("tx begin failed: %w", err)
	}
	defer tx.Rollback(ctx)

	var (
		rc     domain.RedeemCode
		usedBy *uuid.UUID
		usedAt *time.Time
	)
	err = tx.QueryRow(ctx,
		`SELECT code, tokens, used_by, used_at, created_at FROM redeem_codes WHERE code = $1 FOR UPDATE`, code,
	).Scan(&rc.Code, &rc.Tokens, &usedBy, &usedAt, &rc.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, 0, ErrCodeNotFound
		}
		return nil, 0, fmt.Errorf("code lookup failed: %w", err)
	}
	if usedBy != nil {
		return nil, 0, ErrCodeAlreadyUsed
	}

	now := time.Now().UTC()
	_, err = tx.Exec(ctx,
		`UPDATE redeem_codes SET used_by = $1, used_at = $2 WHERE code = $3`,
		id, now, code,
	)
	if err != nil {
		return nil, 0, fmt.Errorf("code consume failed: %w", err)
	}

	var balance int64
	err = tx.QueryRow(ctx,
		`UPDATE accounts SET tokens = tokens + $1 WHERE id = $2 RETURNING tokens`,
		rc.Tokens, id,
	).Scan(&balance)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, 0, ErrAccountNotFound
		}
		return nil, 0, fmt.Errorf("redeem credit failed: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, 0, fmt.Errorf("tx commit failed: %w", err)
	}

	accountID := id
	rc.UsedBy = &accountID
	rc.UsedAt = &now
	return &rc, balance, nil
}

func (s *PostgresStore) CreateCode(ctx context.Context, code string, tokens int64) error {
	_, err := s.db.Exec(ctx,
		`INSERT INTO redeem_codes (code, tokens) VALUES ($1, $2)`,
		code, tokens,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
			return ErrCodeExists
		}
		return fmt.Errorf("code insert failed: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListCodes(ctx context.Context) ([]domain.RedeemCode, error) {
	rows, err := s.db.Query(ctx,
		`SELECT code, tokens, used_by, used_at, created_at FROM redeem_codes ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("code list failed: %w", err)
	}
	defer rows.Close()

	var codes []domain.RedeemCode
	for rows.Next() {
		var rc domain.RedeemCode
		if err := rows.Scan(&rc.Code, &rc.Tokens, &rc.UsedBy, &rc.UsedAt, &rc.CreatedAt); err != nil {
			return nil, fmt.Errorf("code scan failed: %w", err)
		}
		codes = append(codes, rc)
	}
	return codes, rows.Err()
}

func (s *PostgresStore) SettlePayment(ctx context.Context, eventID string, id uuid.UUID, amount int64) (bool, int64, error) {
	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead})
	if err != nil {
		return false, 0, fmt.Errorf("tx begin failed: %w", err)
	}
	defer tx.Rollback(ctx)

	res, err := tx.Exec(ctx,
		`INSERT INTO payment_events (event_id, account_id, tokens) VALUES ($1, $2, $3) ON CONFLICT (event_id) DO NOTHING`,
		eventID, id, amount,
	)
	if err != nil {
		return false, 0, fmt.Errorf("settlement record failed: %w", err)
	}
	if res.RowsAffected() == 0 {
		// Duplicate delivery of an already-settled event.
		return false, 0, tx.Commit(ctx)
	}

	var balance int64
	err = tx.QueryRow(ctx,
		`UPDATE accounts SET tokens = tokens + $1 WHERE id = $2 RETURNING tokens`,
		amount, id,
	).Scan(&balance)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, 0, ErrAccountNotFound
		}
		return false, 0, fmt.Errorf("settlement credit failed: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return false, 0, fmt.Errorf("tx commit failed: %w", err)
	}
	return true, balance, nil
}
