package credits

import (
	"context"

	"log/slog"

	"github.com/driftlab/conduit/internal/repository"
)

// Ledger constants. Every new deployment costs the same fixed amount.
const (
	InitialCredits       = 20
	DeploymentCreditCost = 4
)

// Service manages the per-user credit ledger.
type Service struct {
	credits repository.CreditRepository
	logger  *slog.Logger
}

// New returns a credits service.
func New(credits repository.CreditRepository, logger *slog.Logger) Service {
	return Service{credits: credits, logger: logger}
}

// InitializeUser seeds a user's ledger with the signup grant. Re-running is
// harmless for existing users.
func (s Service) InitializeUser(ctx context.Context, userID string) error {
	if err := s.credits.InitializeCredits(ctx, userID, InitialCredits); err != nil {
		return err
	}
	s.logger.Info("initialized user credits", "user_id", userID, "credits", InitialCredits)
	return nil
}

// Add credits a user's balance.
func (s Service) Add(ctx context.Context, userID string, amount int) error {
	if err := s.credits.AddCredits(ctx, userID, amount); err != nil {
		return err
	}
	s.logger.Info("added credits", "user_id", userID, "amount", amount)
	return nil
}

// DeductDeployment atomically charges the fixed per-deployment cost and
// reports whether the balance covered it.
func (s Service) DeductDeployment(ctx context.Context, userID string) (bool, error) {
	ok, err := s.credits.DeductCredits(ctx, userID, DeploymentCreditCost)
	if err != nil {
		return false, err
	}
	if !ok {
		s.logger.Warn("insufficient credits", "user_id", userID)
		return false, nil
	}
	s.logger.Info("deducted deployment credits", "user_id", userID, "amount", DeploymentCreditCost)
	return true, nil
}

// Balance returns a user's current balance.
func (s Service) Balance(ctx context.Context, userID string) (int, error) {
	return s.credits.GetCredits(ctx, userID)
}
