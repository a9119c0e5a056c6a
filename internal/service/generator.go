package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mintapply/backend/internal/domain"
	"github.com/mintapply/backend/internal/store"
)

var (
	// ErrNoTokens means the debit was refused: the account balance is zero.
	ErrNoTokens = errors.New("no tokens available")
	// ErrGenerationFailed wraps a provider failure. The debited token has
	// already been refunded by the time this is returned.
	ErrGenerationFailed = errors.New("generation failed")
)

// Completer is the external paid text-generation capability. It either
// succeeds with text or fails; there are no other semantics.
type Completer interface {
	Complete(ctx context.Context, prompt string) (string, error)
}

// GeneratorService implements debit-then-call-then-refund-on-failure around
// the completer. One token buys one successful generation; a failed call
// costs nothing. The debit commits before the external call and the refund
// runs after it, so no lock is ever held across the provider round-trip.
type GeneratorService struct {
	store     store.LedgerStore
	completer Completer
	logger    *zap.Logger
}

func NewGeneratorService(s store.LedgerStore, completer Completer, logger *zap.Logger) *GeneratorService {
	return &GeneratorService{store: s, completer: completer, logger: logger}
}

// Generate produces a cover letter for the account against the given role
// title and job description.
func (s *GeneratorService) Generate(ctx context.Context, accountID uuid.UUID, title, jd string) (*domain.GenerationResult, error) {
	title = strings.TrimSpace(title)
	if title == "" {
		return nil, fmt.Errorf("%w: role title required", ErrValidation)
	}

	account, err := s.store.GetAccount(ctx, accountID)
	if err != nil {
		return nil, err
	}

	balance, err := s.store.DebitOne(ctx, accountID)
	if err != nil {
		if errors.Is(err, store.ErrInsufficientTokens) {
			return nil, ErrNoTokens
		}
		return nil, err
	}

	text, callErr := s.completer.Complete(ctx, buildPrompt(account.Name, title, jd))
	if callErr != nil {
		// Refund the debited token. The refund uses a background-derived
		// context so a caller timeout that killed the provider call cannot
		// also kill the refund.
		if _, refundErr := s.store.CreditTokens(context.WithoutCancel(ctx), accountID, 1); refundErr != nil {
			s.logger.Error("refund after failed generation did not apply",
				zap.String("account_id", accountID.String()),
				zap.Error(refundErr))
			return nil, fmt.Errorf("%w (refund also failed: %v): %w", ErrGenerationFailed, refundErr, callErr)
		}
		s.logger.Warn("generation failed, token refunded",
			zap.String("account_id", accountID.String()),
			zap.Error(callErr))
		return nil, fmt.Errorf("%w: %w", ErrGenerationFailed, callErr)
	}

	s.logger.Info("cover letter generated",
		zap.String("account_id", accountID.String()),
		zap.Int64("balance", balance),
		zap.Int("chars", len(text)))
	return &domain.GenerationResult{Text: text, Tokens: balance}, nil
}

func buildPrompt(name, title, jd string) string {
	return fmt.Sprintf(`You are Mintapply, generating a 1-page cover letter. Role: %s.
Company context: derive from the job description if present.
Job description (may be long):
%s

Write a concise, confident cover letter for %s. Use UK English, avoid buzzwords, keep it under 300-350 words. Include a short tailored paragraph referencing specific responsibilities/requirements inferred from the job description. End with a polite call-to-action.`, title, jd, name)
}
