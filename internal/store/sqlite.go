package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/mintapply/backend/internal/domain"
)

// Compile-time check: *SQLiteStore must satisfy LedgerStore.
var _ LedgerStore = (*SQLiteStore)(nil)

// SQLiteStore is the embedded default backend. Serialization of concurrent
// mutations is delegated to SQLite's single-writer model plus conditional
// UPDATE statements, so a racing debit or redeem either wins the row or
// affects nothing.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) the database file and prepares the schema.
// Pass ":memory:" for an ephemeral store.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if path == "" {
		return nil, fmt.Errorf("sqlite path cannot be empty")
	}

	dsn := path
	if path != ":memory:" {
		dsn = path + "?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000"
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("unable to open sqlite database: %w", err)
	}

	// A single writer connection sidesteps SQLITE_BUSY under concurrent
	// mutations; reads are cheap enough to share the same connection.
	db.SetMaxOpenConns(1)

	s := &SQLiteStore{db: db}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, err
	}

	zap.L().Info("sqlite store ready", zap.String("path", path))
	return s, nil
}

func (s *SQLiteStore) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS accounts (
		id            TEXT PRIMARY KEY,
		email         TEXT NOT NULL UNIQUE,
		name          TEXT NOT NULL,
		password_hash TEXT NOT NULL,
		tokens        INTEGER NOT NULL DEFAULT 0 CHECK (tokens >= 0),
		created_at    TIMESTAMP NOT NULL
	);

	CREATE TABLE IF NOT EXISTS redeem_codes (
		code       TEXT PRIMARY KEY,
		tokens     INTEGER NOT NULL CHECK (tokens > 0),
		used_by    TEXT REFERENCES accounts(id),
		used_at    TIMESTAMP,
		created_at TIMESTAMP NOT NULL
	);

	CREATE TABLE IF NOT EXISTS payment_events (
		event_id   TEXT PRIMARY KEY,
		account_id TEXT NOT NULL REFERENCES accounts(id),
		tokens     INTEGER NOT NULL CHECK (tokens > 0),
		created_at TIMESTAMP NOT NULL
	);`

	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("schema init failed: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) CreateAccount(ctx context.Context, email, name, passwordHash string) (*domain.Account, error) {
	account := &domain.Account{
		ID:           uuid.New(),
		Email:        email,
		Name:         name,
		PasswordHash: passwordHash,
		Tokens:       0,
		CreatedAt:    time.Now().UTC(),
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO accounts (id, email, name, password_hash, tokens, created_at) VALUES (?, ?, ?, ?, 0, ?)`,
		account.ID.String(), account.Email, account.Name, account.PasswordHash, account.CreatedAt,
	)
	if err != nil {
		if isSQLiteUniqueViolation(err) {
			return nil, ErrEmailTaken
		}
		return nil, fmt.Errorf("account insert failed: %w", err)
	}
	return account, nil
}

func (s *SQLiteStore) GetAccount(ctx context.Context, id uuid.UUID) (*domain.Account, error) {
	return s.scanAccount(s.db.QueryRowContext(ctx,
		`SELECT id, email, name, password_hash, tokens, created_at FROM accounts WHERE id = ?`, id.String()))
}

func (s *SQLiteStore) GetAccountByEmail(ctx context.Context, email string) (*domain.Account, error) {
	return s.scanAccount(s.db.QueryRowContext(ctx,
		`SELECT id, email, name, password_hash, tokens, created_at FROM accounts WHERE email = ?`, email))
}

func (s *SQLiteStore) scanAccount(row *sql.Row) (*domain.Account, error) {
	var (
		account domain.Account
		idStr   string
	)
	err := row.Scan(&idStr, &account.Email, &account.Name, &account.PasswordHash, &account.Tokens, &account.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrAccountNotFound
		}
		return nil, fmt.Errorf("account scan failed: %w", err)
	}
	account.ID, err = uuid.Parse(idStr)
	if err != nil {
		return nil, fmt.Errorf("corrupt account id %q: %w", idStr, err)
	}
	return &account, nil
}

func (s *SQLiteStore) GetBalance(ctx context.Context, id uuid.UUID) (int64, error) {
	var balance int64
	err := s.db.QueryRowContext(ctx, `SELECT tokens FROM accounts WHERE id = ?`, id.String()).Scan(&balance)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, ErrAccountNotFound
		}
		return 0, fmt.Errorf("balance query failed: %w", err)
	}
	return balance, nil
}

func (s *SQLiteStore) DebitOne(ctx context.Context, id uuid.UUID) (int64, error) {
	var balance int64
	err := s.db.QueryRowContext(ctx,
		`UPDATE accounts SET tokens = tokens - 1 WHERE id = ? AND tokens > 0 RETURNING tokens`,
		id.String(),
	).Scan(&balance)
	if err == nil {
		return balance, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("debit failed: %w", err)
	}

	// Nothing updated: either the account is unknown or the balance is zero.
	if _, err := s.GetBalance(ctx, id); err != nil {
		return 0, err
	}
	return 0, ErrInsufficientTokens
}

func (s *SQLiteStore) CreditTokens(ctx context.Context, id uuid.UUID, amount int64) (int64, error) {
	var balance int64
	err := s.db.QueryRowContext(ctx,
		`UPDATE accounts SET tokens = tokens + ? WHERE id = ? RETURNING tokens`,
		amount, id.String(),
	).Scan(&balance)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, ErrAccountNotFound
		}
		return 0, fmt.Errorf("credit failed: %w", err)
	}
	return balance, nil
}

func (s *SQLiteStore) RedeemCode(ctx context.Context, id uuid.UUID, code string) (*domain.RedeemCode, int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, 0, fmt.Errorf("tx begin failed: %w", err)
	}
	defer tx.Rollback()

	var (
		rc     domain.RedeemCode
		usedBy sql.NullString
		usedAt sql.NullTime
	)
	err = tx.QueryRowContext(ctx,
		`SELECT code, tokens, used_by, used_at, created_at FROM redeem_codes WHERE code = ?`, code,
	).Scan(&rc.Code, &rc.Tokens, &usedBy, &usedAt, &rc.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, 0, ErrCodeNotFound
		}
		return nil, 0, fmt.Errorf("code lookup failed: %w", err)
	}
	if usedBy.Valid {
		return nil, 0, ErrCodeAlreadyUsed
	}

	now := time.Now().UTC()
	res, err := tx.ExecContext(ctx,
		`UPDATE redeem_codes SET used_by = ?, used_at = ? WHERE code = ? AND used_by IS NULL`,
		id.String(), now, code,
	)
	if err != nil {
		return nil, 0, fmt.Errorf("code consume failed: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		// Lost the race to a concurrent redeemer.
		return nil, 0, ErrCodeAlreadyUsed
	}

	var balance int64
	err = tx.QueryRowContext(ctx,
		`UPDATE accounts SET tokens = tokens + ? WHERE id = ? RETURNING tokens`,
		rc.Tokens, id.String(),
	).Scan(&balance)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, 0, ErrAccountNotFound
		}
		return nil, 0, fmt.Errorf("redeem credit failed: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, 0, fmt.Errorf("tx commit failed: %w", err)
	}

	accountID := id
	rc.UsedBy = &accountID
	rc.UsedAt = &now
	return &rc, balance, nil
}

func (s *SQLiteStore) CreateCode(ctx context.Context, code string, tokens int64) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO redeem_codes (code, tokens, created_at) VALUES (?, ?, ?)`,
		code, tokens, time.Now().UTC(),
	)
	if err != nil {
		if isSQLiteUniqueViolation(err) {
			return ErrCodeExists
		}
		return fmt.Errorf("code insert failed: %w", err)
	}
	return nil
}

func (s *SQLiteStore) ListCodes(ctx context.Context) ([]domain.RedeemCode, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT code, tokens, used_by, used_at, created_at FROM redeem_codes ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("code list failed: %w", err)
	}
	defer rows.Close()

	var codes []domain.RedeemCode
	for rows.Next() {
		var (
			rc     domain.RedeemCode
			usedBy sql.NullString
			usedAt sql.NullTime
		)
		if err := rows.Scan(&rc.Code, &rc.Tokens, &usedBy, &usedAt, &rc.CreatedAt); err != nil {
			return nil, fmt.Errorf("code scan failed: %w", err)
		}
		if usedBy.Valid {
			parsed, err := uuid.Parse(usedBy.String)
			if err != nil {
				return nil, fmt.Errorf("corrupt used_by %q: %w", usedBy.String, err)
			}
			rc.UsedBy = &parsed
		}
		if usedAt.Valid {
			t := usedAt.Time
			rc.UsedAt = &t
		}
		codes = append(codes, rc)
	}
	return codes, rows.Err()
}

func (s *SQLiteStore) SettlePayment(ctx context.Context, eventID string, id uuid.UUID, amount int64) (bool, int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, 0, fmt.Errorf("tx begin failed: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`INSERT OR IGNORE INTO payment_events (event_id, account_id, tokens, created_at) VALUES (?, ?, ?, ?)`,
		eventID, id.String(), amount, time.Now().UTC(),
	)
	if err != nil {
		return false, 0, fmt.Errorf("settlement record failed: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		// Duplicate delivery of an already-settled event.
		return false, 0, tx.Commit()
	}

	var balance int64
	err = tx.QueryRowContext(ctx,
		`UPDATE accounts SET tokens = tokens + ? WHERE id = ? RETURNING tokens`,
		amount, id.String(),
	).Scan(&balance)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, 0, ErrAccountNotFound
		}
		return false, 0, fmt.Errorf("settlement credit failed: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return false, 0, fmt.Errorf("tx commit failed: %w", err)
	}
	return true, balance, nil
}

func isSQLiteUniqueViolation(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
			sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return false
}
