package service

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/mintapply/backend/internal/domain"
	"github.com/mintapply/backend/internal/store"
)

// stubCompleter scripts the external generation capability.
type stubCompleter struct {
	text  string
	err   error
	calls int
	// last prompt seen, for asserting what the gateway sends out.
	prompt string
}

func (c *stubCompleter) Complete(_ context.Context, prompt string) (string, error) {
	c.calls++
	c.prompt = prompt
	if c.err != nil {
		return "", c.err
	}
	return c.text, nil
}

func newGeneratorFixture(t *testing.T, completer Completer) (*GeneratorService, *store.SQLiteStore, *domain.Account) {
	t.Helper()
	s, err := store.NewSQLiteStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	account, err := s.CreateAccount(context.Background(), "gen@example.com", "Ada Lovelace", "salt$hash")
	require.NoError(t, err)

	return NewGeneratorService(s, completer, zap.NewNop()), s, account
}

func TestGenerate_Success(t *testing.T) {
	completer := &stubCompleter{text: "Dear Hiring Manager,"}
	svc, s, account := newGeneratorFixture(t, completer)
	ctx := context.Background()

	_, err := s.CreditTokens(ctx, account.ID, 3)
	require.NoError(t, err)

	result, err := svc.Generate(ctx, account.ID, "Security Engineer", "We need someone who breaks things.")
	require.NoError(t, err)
	assert.Equal(t, "Dear Hiring Manager,", result.Text)
	assert.Equal(t, int64(2), result.Tokens, "returned balance is the post-debit value")

	// Exactly one net token consumed.
	balance, err := s.GetBalance(ctx, account.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(2), balance)

	// The prompt carries the account's display name and the role details.
	assert.Contains(t, completer.prompt, "Ada Lovelace")
	assert.Contains(t, completer.prompt, "Security Engineer")
	assert.Contains(t, completer.prompt, "breaks things")
}

func TestGenerate_ProviderFailureRefunds(t *testing.T) {
	completer := &stubCompleter{err: errors.New("provider timeout")}
	svc, s, account := newGeneratorFixture(t, completer)
	ctx := context.Background()

	_, err := s.CreditTokens(ctx, account.ID, 5)
	require.NoError(t, err)

	// Any number of sequential failures leaves the balance unchanged.
	for i := 0; i < 3; i++ {
		_, err := svc.Generate(ctx, account.ID, "Backend Engineer", "jd")
		require.ErrorIs(t, err, ErrGenerationFailed)
		assert.ErrorContains(t, err, "provider timeout")

		balance, err := s.GetBalance(ctx, account.ID)
		require.NoError(t, err)
		assert.Equal(t, int64(5), balance, "debit and refund must cancel out")
	}
	assert.Equal(t, 3, completer.calls)
}

func TestGenerate_NoTokens(t *testing.T) {
	completer := &stubCompleter{text: "never seen"}
	svc, _, account := newGeneratorFixture(t, completer)

	_, err := svc.Generate(context.Background(), account.ID, "Any Role", "jd")
	assert.ErrorIs(t, err, ErrNoTokens)
	assert.Zero(t, completer.calls, "the provider must not be called without a debit")
}

func TestGenerate_ExhaustionScenario(t *testing.T) {
	completer := &stubCompleter{text: "letter"}
	svc, s, account := newGeneratorFixture(t, completer)
	ctx := context.Background()

	require.NoError(t, s.CreateCode(ctx, "WELCOME10", 10))
	_, balance, err := s.RedeemCode(ctx, account.ID, "WELCOME10")
	require.NoError(t, err)
	require.Equal(t, int64(10), balance)

	for want := int64(9); want >= 0; want-- {
		result, err := svc.Generate(ctx, account.ID, "Role", "jd")
		require.NoError(t, err)
		require.Equal(t, want, result.Tokens)
	}

	_, err = svc.Generate(ctx, account.ID, "Role", "jd")
	assert.ErrorIs(t, err, ErrNoTokens)

	final, err := s.GetBalance(ctx, account.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(0), final)
}

func TestGenerate_MissingTitle(t *testing.T) {
	completer := &stubCompleter{text: "unused"}
	svc, s, account := newGeneratorFixture(t, completer)
	ctx := context.Background()

	_, err := s.CreditTokens(ctx, account.ID, 1)
	require.NoError(t, err)

	_, err = svc.Generate(ctx, account.ID, "   ", "jd")
	assert.ErrorIs(t, err, ErrValidation)

	balance, err := s.GetBalance(ctx, account.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), balance, "validation failures must not debit")
}
