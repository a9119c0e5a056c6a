package service

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mintapply/backend/internal/store"
)

// SettlementService credits the ledger from confirmed payments. Providers
// deliver notifications at least once; crediting is keyed on the provider
// event id so re-delivery is a successful no-op.
type SettlementService struct {
	store  store.LedgerStore
	logger *zap.Logger
}

func NewSettlementService(s store.LedgerStore, logger *zap.Logger) *SettlementService {
	return &SettlementService{store: s, logger: logger}
}

// Settle credits the account by amount exactly once for the given event id.
// The returned flag reports whether this call applied the credit or the event
// had already been settled.
func (s *SettlementService) Settle(ctx context.Context, eventID string, accountID uuid.UUID, amount int64) (bool, error) {
	if eventID == "" {
		return false, fmt.Errorf("%w: event id required", ErrValidation)
	}
	if amount <= 0 {
		return false, ErrInvalidAmount
	}

	credited, balance, err := s.store.SettlePayment(ctx, eventID, accountID, amount)
	if err != nil {
		return false, err
	}

	if !credited {
		s.logger.Info("duplicate payment event ignored", zap.String("event_id", eventID))
		return false, nil
	}

	s.logger.Info("payment settled",
		zap.String("event_id", eventID),
		zap.String("account_id", accountID.String()),
		zap.Int64("tokens", amount),
		zap.Int64("balance", balance))
	return true, nil
}

// SettleByEmail resolves the paying customer's account by email and settles.
// The webhook carries the checkout email, not our account id.
func (s *SettlementService) SettleByEmail(ctx context.Context, eventID, email string, amount int64) (bool, error) {
	account, err := s.store.GetAccountByEmail(ctx, NormalizeEmail(email))
	if err != nil {
		return false, err
	}
	return s.Settle(ctx, eventID, account.ID, amount)
}
