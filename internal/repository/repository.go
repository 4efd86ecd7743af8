package repository

import (
	"context"

	"github.com/driftlab/conduit/internal/domain"
)

// DeploymentRepository persists deployment records. Records are never
// physically deleted; teardown only transitions their status.
type DeploymentRepository interface {
	CreateDeployment(ctx context.Context, deployment *domain.Deployment) error
	GetDeploymentByID(ctx context.Context, id int64) (*domain.Deployment, error)
	GetDeploymentByLeaseID(ctx context.Context, leaseID string) (*domain.Deployment, error)
	GetDeploymentByMonitoringID(ctx context.Context, monitoringID string) (*domain.Deployment, error)
	UpdateDeployment(ctx context.Context, id int64, update domain.DeploymentUpdate) (*domain.Deployment, error)
	ListDeploymentsByUser(ctx context.Context, userID string, filter domain.DeploymentFilter) ([]domain.Deployment, error)
	CountActiveDeployments(ctx context.Context, userID string) (int, error)
}

// CreditRepository manages the per-user credit ledger.
type CreditRepository interface {
	InitializeCredits(ctx context.Context, userID string, amount int) error
	AddCredits(ctx context.Context, userID string, amount int) error
	// DeductCredits atomically decrements the balance and reports whether
	// the decrement was applied. An insufficient balance is not an error.
	DeductCredits(ctx context.Context, userID string, amount int) (bool, error)
	GetCredits(ctx context.Context, userID string) (int, error)
}

// StatsRepository appends and reads deployment resource-usage samples.
type StatsRepository interface {
	InsertDeploymentStat(ctx context.Context, stat *domain.DeploymentStat) error
	ListDeploymentStats(ctx context.Context, deploymentID int64, limit int) ([]domain.DeploymentStat, error)
}
