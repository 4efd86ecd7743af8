// Package deploy is the deployment lifecycle engine: admission, manifest
// generation, provider negotiation, record persistence and teardown.
package deploy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"log/slog"

	"github.com/google/uuid"

	"github.com/driftlab/conduit/internal/catalog"
	"github.com/driftlab/conduit/internal/domain"
	"github.com/driftlab/conduit/internal/manifest"
	"github.com/driftlab/conduit/internal/provider"
	"github.com/driftlab/conduit/internal/repository"
	"github.com/driftlab/conduit/internal/service/credits"
)

const defaultMaxDeployments = 2

var (
	// ErrInsufficientCredits rejects a deployment the user's balance
	// cannot cover. No provider call is made.
	ErrInsufficientCredits = errors.New("insufficient credits to create deployment")
	// ErrDeploymentLimit rejects a deployment when the user already runs
	// the maximum number of concurrent deployments.
	ErrDeploymentLimit = errors.New("concurrent deployment limit reached")
)

// Service orchestrates deployments across marketplace providers.
type Service struct {
	deployments repository.DeploymentRepository
	credits     credits.Service
	providers   *provider.Registry
	catalog     *catalog.Registry
	renderer    manifest.Renderer
	logger      *slog.Logger
	maxActive   int
}

// New returns a deployment lifecycle service.
func New(deployments repository.DeploymentRepository, creditsSvc credits.Service, providers *provider.Registry, catalogReg *catalog.Registry, renderer manifest.Renderer, logger *slog.Logger, maxActive int) Service {
	if maxActive <= 0 {
		maxActive = defaultMaxDeployments
	}
	return Service{
		deployments: deployments,
		credits:     creditsSvc,
		providers:   providers,
		catalog:     catalogReg,
		renderer:    renderer,
		logger:      logger,
		maxActive:   maxActive,
	}
}

// CreateInput describes a requested deployment.
type CreateInput struct {
	Provider    domain.ProviderType
	ServiceType string
	Config      domain.DeploymentConfig
	// RawManifest, when set, is submitted to the provider verbatim and no
	// config snapshot is persisted.
	RawManifest string
}

// Create admits, negotiates and persists one new deployment.
func (s Service) Create(ctx context.Context, userID string, input CreateInput) (*domain.Deployment, error) {
	if err := s.checkDeploymentLimit(ctx, userID); err != nil {
		return nil, err
	}

	charged, err := s.credits.DeductDeployment(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("charge user %s: %w", userID, err)
	}
	if !charged {
		return nil, ErrInsufficientCredits
	}

	handler, err := s.catalog.Handler(input.ServiceType)
	if err != nil {
		return nil, err
	}
	cfg := handler.CustomConfig(input.Config)

	providerName, client := s.providers.Resolve(input.Provider)
	if input.Provider != providerName {
		s.logger.Warn("provider selector defaulted", "requested", input.Provider, "selected", providerName)
	}

	apiKey := "ak-" + uuid.NewString()
	monitoringID := "mon-" + uuid.NewString()

	var (
		manifestDoc string
		snapshot    json.RawMessage
	)
	if input.RawManifest != "" {
		manifestDoc = input.RawManifest
	} else {
		manifestDoc, err = s.renderer.Render(cfg, providerName, monitoringID)
		if err != nil {
			return nil, fmt.Errorf("render manifest for %s: %w", providerName, err)
		}
		snapshot, err = json.Marshal(cfg)
		if err != nil {
			return nil, err
		}
	}

	s.logger.Info("negotiating deployment", "user_id", userID, "provider", providerName, "service_type", cfg.ServiceType, "monitoring_id", monitoringID)
	commitment, err := client.Negotiate(ctx, manifestDoc)
	if err != nil {
		// Failed negotiations still consume the credit charge.
		return nil, fmt.Errorf("negotiate with %s for user %s: %w", providerName, userID, err)
	}

	appURL := commitment.AppURL
	if appURL == "" {
		appURL = pendingURL(commitment.LeaseID)
	}

	record := &domain.Deployment{
		UserID:         userID,
		LeaseID:        commitment.LeaseID,
		MonitoringID:   monitoringID,
		Provider:       providerName,
		AppURL:         appURL,
		APIKey:         apiKey,
		DeploymentType: strings.ToLower(cfg.ServiceType),
		Name:           recordName(cfg, input.RawManifest != ""),
		Image:          cfg.Image,
		CPUUnits:       cfg.CPUUnits,
		Memory:         cfg.MemorySize,
		Storage:        cfg.StorageSize,
		Duration:       cfg.Duration,
		Status:         domain.StatusCreating,
		MinReplicas:    1,
		MaxReplicas:    1,
		ConfigSnapshot: snapshot,
	}
	if err := s.deployments.CreateDeployment(ctx, record); err != nil {
		return nil, fmt.Errorf("persist deployment for user %s (lease %s): %w", userID, commitment.LeaseID, err)
	}

	s.logger.Info("deployment created", "deployment_id", record.ID, "user_id", userID, "provider", providerName, "lease_id", commitment.LeaseID, "app_url", commitment.AppURL)
	return record, nil
}

// Close tears a deployment down. Terminal records are a no-op; records that
// never obtained a lease are closed locally without a provider call.
func (s Service) Close(ctx context.Context, recordID int64) error {
	record, err := s.deployments.GetDeploymentByID(ctx, recordID)
	if err != nil {
		return err
	}

	if domain.IsTerminal(record.Status) {
		s.logger.Info("deployment already closed", "deployment_id", recordID, "status", record.Status)
		return nil
	}

	if record.LeaseID == "" {
		s.logger.Warn("no lease to close, marking closed locally", "deployment_id", recordID)
		return s.updateStatus(ctx, recordID, domain.StatusClosedNoLease, true)
	}

	_, client := s.providers.Resolve(record.Provider)
	if err := client.Teardown(ctx, record.LeaseID); err != nil {
		if updateErr := s.updateStatus(ctx, recordID, domain.StatusErrorClosing, false); updateErr != nil {
			s.logger.Error("failed to mark deployment error_closing", "deployment_id", recordID, "error", updateErr)
		}
		return fmt.Errorf("close lease %s on %s: %w", record.LeaseID, record.Provider, err)
	}

	s.logger.Info("deployment closed", "deployment_id", recordID, "lease_id", record.LeaseID)
	return s.updateStatus(ctx, recordID, domain.StatusClosed, true)
}

// Get returns one deployment record.
func (s Service) Get(ctx context.Context, recordID int64) (*domain.Deployment, error) {
	return s.deployments.GetDeploymentByID(ctx, recordID)
}

// ListForUser returns a user's deployments, optionally filtered.
func (s Service) ListForUser(ctx context.Context, userID string, filter domain.DeploymentFilter) ([]domain.Deployment, error) {
	return s.deployments.ListDeploymentsByUser(ctx, userID, filter)
}

// CountActive counts a user's non-terminal deployments.
func (s Service) CountActive(ctx context.Context, userID string) (int, error) {
	return s.deployments.CountActiveDeployments(ctx, userID)
}

// checkDeploymentLimit enforces the per-user concurrency cap. A store
// failure lets the request proceed.
func (s Service) checkDeploymentLimit(ctx context.Context, userID string) error {
	active, err := s.deployments.CountActiveDeployments(ctx, userID)
	if err != nil {
		s.logger.Error("deployment limit check failed, allowing request", "user_id", userID, "error", err)
		return nil
	}
	if active >= s.maxActive {
		s.logger.Warn("deployment limit reached", "user_id", userID, "active", active, "limit", s.maxActive)
		return ErrDeploymentLimit
	}
	return nil
}

func (s Service) updateStatus(ctx context.Context, recordID int64, status string, clearURL bool) error {
	update := domain.DeploymentUpdate{Status: &status}
	if clearURL {
		empty := ""
		update.AppURL = &empty
	}
	if _, err := s.deployments.UpdateDeployment(ctx, recordID, update); err != nil {
		return fmt.Errorf("update deployment %d to %s: %w", recordID, status, err)
	}
	return nil
}

func pendingURL(leaseID string) string {
	return "http://pending-url.com/" + leaseID
}

func recordName(cfg domain.DeploymentConfig, raw bool) string {
	if cfg.CustomName != "" {
		return cfg.CustomName
	}
	if raw {
		return strings.ToLower(cfg.ServiceType) + "-from-template"
	}
	return "generic-" + uuid.NewString()[:6]
}
