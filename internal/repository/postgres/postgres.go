package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/driftlab/conduit/internal/domain"
	"github.com/driftlab/conduit/internal/repository"
)

// Repository implements persistence interfaces on PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// New constructs a Repository.
func New(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// ensure Repository satisfies interfaces.
var (
	_ repository.DeploymentRepository = (*Repository)(nil)
	_ repository.CreditRepository     = (*Repository)(nil)
	_ repository.StatsRepository      = (*Repository)(nil)
)

const deploymentColumns = `id, user_id, lease_id, monitoring_id, provider, app_url, api_key,
	deployment_type, name, image, cpu_units, memory, storage, duration, status,
	parent_id, is_replica, min_replicas, max_replicas, app_config_snapshot, created_at`

// CreateDeployment inserts a deployment record and fills its generated
// identifier and creation timestamp.
func (r *Repository) CreateDeployment(ctx context.Context, d *domain.Deployment) error {
	const query = `INSERT INTO deployments
		(user_id, lease_id, monitoring_id, provider, app_url, api_key,
		 deployment_type, name, image, cpu_units, memory, storage, duration, status,
		 parent_id, is_replica, min_replicas, max_replicas, app_config_snapshot)
		VALUES ($1, NULLIF($2, ''), $3, $4, NULLIF($5, ''), $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19)
		RETURNING id, created_at`
	row := r.pool.QueryRow(ctx, query,
		d.UserID, d.LeaseID, d.MonitoringID, string(d.Provider), d.AppURL, d.APIKey,
		d.DeploymentType, d.Name, d.Image, d.CPUUnits, d.Memory, d.Storage, d.Duration, d.Status,
		d.ParentID, d.IsReplica, d.MinReplicas, d.MaxReplicas, d.ConfigSnapshot)
	return row.Scan(&d.ID, &d.CreatedAt)
}

// GetDeploymentByID fetches a deployment by its internal identifier.
func (r *Repository) GetDeploymentByID(ctx context.Context, id int64) (*domain.Deployment, error) {
	query := `SELECT ` + deploymentColumns + ` FROM deployments WHERE id = $1`
	return r.scanDeployment(r.pool.QueryRow(ctx, query, id))
}

// GetDeploymentByLeaseID fetches a deployment by its marketplace lease id.
func (r *Repository) GetDeploymentByLeaseID(ctx context.Context, leaseID string) (*domain.Deployment, error) {
	query := `SELECT ` + deploymentColumns + ` FROM deployments WHERE lease_id = $1`
	return r.scanDeployment(r.pool.QueryRow(ctx, query, leaseID))
}

// GetDeploymentByMonitoringID fetches a deployment by its monitoring
// correlation id.
func (r *Repository) GetDeploymentByMonitoringID(ctx context.Context, monitoringID string) (*domain.Deployment, error) {
	query := `SELECT ` + deploymentColumns + ` FROM deployments WHERE monitoring_id = $1`
	return r.scanDeployment(r.pool.QueryRow(ctx, query, monitoringID))
}

// UpdateDeployment applies the non-nil fields of update and returns the
// refreshed record. The lease id is only ever set, never overwritten.
func (r *Repository) UpdateDeployment(ctx context.Context, id int64, update domain.DeploymentUpdate) (*domain.Deployment, error) {
	sets := make([]string, 0, 3)
	args := []any{id}
	if update.Status != nil {
		args = append(args, *update.Status)
		sets = append(sets, fmt.Sprintf("status = $%d", len(args)))
	}
	if update.AppURL != nil {
		args = append(args, *update.AppURL)
		sets = append(sets, fmt.Sprintf("app_url = NULLIF($%d, '')", len(args)))
	}
	if update.LeaseID != nil {
		args = append(args, *update.LeaseID)
		sets = append(sets, fmt.Sprintf("lease_id = COALESCE(lease_id, NULLIF($%d, ''))", len(args)))
	}
	if len(sets) == 0 {
		return r.GetDeploymentByID(ctx, id)
	}
	query := `UPDATE deployments SET ` + strings.Join(sets, ", ") +
		` WHERE id = $1 RETURNING ` + deploymentColumns
	return r.scanDeployment(r.pool.QueryRow(ctx, query, args...))
}

// ListDeploymentsByUser returns a user's deployments with optional type and
// provider filters.
func (r *Repository) ListDeploymentsByUser(ctx context.Context, userID string, filter domain.DeploymentFilter) ([]domain.Deployment, error) {
	query := `SELECT ` + deploymentColumns + ` FROM deployments WHERE user_id = $1`
	args := []any{userID}
	if filter.DeploymentType != "" {
		args = append(args, strings.ToLower(filter.DeploymentType))
		query += fmt.Sprintf(" AND deployment_type = $%d", len(args))
	}
	if filter.Provider != "" && filter.Provider != domain.ProviderAuto {
		args = append(args, string(filter.Provider))
		query += fmt.Sprintf(" AND provider = $%d", len(args))
	}
	if filter.SortByRecency {
		query += " ORDER BY created_at DESC"
	}
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var deployments []domain.Deployment
	for rows.Next() {
		d, err := r.scanDeployment(rows)
		if err != nil {
			return nil, err
		}
		deployments = append(deployments, *d)
	}
	return deployments, rows.Err()
}

// CountActiveDeployments counts a user's non-terminal deployments.
func (r *Repository) CountActiveDeployments(ctx context.Context, userID string) (int, error) {
	const query = `SELECT COUNT(1) FROM deployments WHERE user_id = $1 AND status != ALL($2)`
	row := r.pool.QueryRow(ctx, query, userID, domain.TerminalStatuses())
	var count int
	if err := row.Scan(&count); err != nil {
		return 0, err
	}
	return count, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func (r *Repository) scanDeployment(row rowScanner) (*domain.Deployment, error) {
	var (
		d        domain.Deployment
		leaseID  *string
		appURL   *string
		provider string
	)
	err := row.Scan(&d.ID, &d.UserID, &leaseID, &d.MonitoringID, &provider, &appURL, &d.APIKey,
		&d.DeploymentType, &d.Name, &d.Image, &d.CPUUnits, &d.Memory, &d.Storage, &d.Duration, &d.Status,
		&d.ParentID, &d.IsReplica, &d.MinReplicas, &d.MaxReplicas, &d.ConfigSnapshot, &d.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	if leaseID != nil {
		d.LeaseID = *leaseID
	}
	if appURL != nil {
		d.AppURL = *appURL
	}
	d.Provider = domain.ProviderType(provider)
	return &d, nil
}

// InitializeCredits seeds a user's ledger entry. Existing entries are left
// untouched.
func (r *Repository) InitializeCredits(ctx context.Context, userID string, amount int) error {
	const query = `INSERT INTO user_credits (user_id, credits, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (user_id) DO NOTHING`
	_, err := r.pool.Exec(ctx, query, userID, amount)
	return err
}

// AddCredits credits a user's balance, creating the ledger entry if absent.
func (r *Repository) AddCredits(ctx context.Context, userID string, amount int) error {
	const query = `INSERT INTO user_credits (user_id, credits, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (user_id) DO UPDATE SET credits = user_credits.credits + EXCLUDED.credits, updated_at = NOW()`
	_, err := r.pool.Exec(ctx, query, userID, amount)
	return err
}

// DeductCredits conditionally decrements a user's balance. The WHERE clause
// makes the check-and-decrement a single atomic statement.
func (r *Repository) DeductCredits(ctx context.Context, userID string, amount int) (bool, error) {
	const query = `UPDATE user_credits SET credits = credits - $2, updated_at = NOW()
		WHERE user_id = $1 AND credits >= $2`
	tag, err := r.pool.Exec(ctx, query, userID, amount)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

// GetCredits returns a user's balance. Users without a ledger entry read
// as ErrNotFound so callers can seed them.
func (r *Repository) GetCredits(ctx context.Context, userID string) (int, error) {
	const query = `SELECT credits FROM user_credits WHERE user_id = $1`
	row := r.pool.QueryRow(ctx, query, userID)
	var credits int
	if err := row.Scan(&credits); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, repository.ErrNotFound
		}
		return 0, err
	}
	return credits, nil
}

// InsertDeploymentStat appends one usage sample.
func (r *Repository) InsertDeploymentStat(ctx context.Context, stat *domain.DeploymentStat) error {
	const query = `INSERT INTO deployment_stats
		(deployment_id, memory_current_bytes, memory_max_bytes, cpu_usage_usec, cpu_user_usec, cpu_system_usec)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id, created_at`
	row := r.pool.QueryRow(ctx, query, stat.DeploymentID,
		stat.MemoryCurrentBytes, stat.MemoryMaxBytes,
		stat.CPUUsageUsec, stat.CPUUserUsec, stat.CPUSystemUsec)
	return row.Scan(&stat.ID, &stat.CreatedAt)
}

// ListDeploymentStats returns samples for a deployment, most recent first.
func (r *Repository) ListDeploymentStats(ctx context.Context, deploymentID int64, limit int) ([]domain.DeploymentStat, error) {
	if limit <= 0 {
		limit = 100
	}
	const query = `SELECT id, deployment_id, memory_current_bytes, memory_max_bytes,
		cpu_usage_usec, cpu_user_usec, cpu_system_usec, created_at
		FROM deployment_stats WHERE deployment_id = $1
		ORDER BY created_at DESC LIMIT $2`
	rows, err := r.pool.Query(ctx, query, deploymentID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var stats []domain.DeploymentStat
	for rows.Next() {
		var s domain.DeploymentStat
		if err := rows.Scan(&s.ID, &s.DeploymentID, &s.MemoryCurrentBytes, &s.MemoryMaxBytes,
			&s.CPUUsageUsec, &s.CPUUserUsec, &s.CPUSystemUsec, &s.CreatedAt); err != nil {
			return nil, err
		}
		stats = append(stats, s)
	}
	return stats, rows.Err()
}
