// Package stats ingests resource-usage samples pushed by the monitoring
// agent baked into each workload and streams them to live subscribers.
package stats

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"log/slog"

	"github.com/driftlab/conduit/internal/domain"
	"github.com/driftlab/conduit/internal/repository"
	"github.com/driftlab/conduit/internal/ws"
)

const defaultListLimit = 100

// Sample is a raw usage report keyed by the agent's monitoring id.
// Absent or null fields decode to zero.
type Sample struct {
	MonitoringID       string  `json:"deploymentId"`
	MemoryCurrentBytes int64   `json:"memoryCurrent"`
	MemoryMaxBytes     int64   `json:"memoryMax"`
	CPU                CPUStat `json:"cpuStat"`
}

// CPUStat mirrors the cgroup cpu.stat counters the agent reads.
type CPUStat struct {
	UsageUsec  int64 `json:"usage_usec"`
	UserUsec   int64 `json:"user_usec"`
	SystemUsec int64 `json:"system_usec"`
}

// Service persists samples and fans them out over the websocket hub.
type Service struct {
	deployments repository.DeploymentRepository
	stats       repository.StatsRepository
	hub         *ws.Hub
	logger      *slog.Logger
}

// New returns a stats ingestion service.
func New(deployments repository.DeploymentRepository, stats repository.StatsRepository, hub *ws.Hub, logger *slog.Logger) Service {
	return Service{deployments: deployments, stats: stats, hub: hub, logger: logger}
}

// Ingest resolves the reporting deployment, stores the sample and
// broadcasts it to subscribers watching that deployment.
func (s Service) Ingest(ctx context.Context, sample Sample) error {
	record, err := s.deployments.GetDeploymentByMonitoringID(ctx, sample.MonitoringID)
	if err != nil {
		return err
	}

	stat := &domain.DeploymentStat{
		DeploymentID:       record.ID,
		MemoryCurrentBytes: sample.MemoryCurrentBytes,
		MemoryMaxBytes:     sample.MemoryMaxBytes,
		CPUUsageUsec:       sample.CPU.UsageUsec,
		CPUUserUsec:        sample.CPU.UserUsec,
		CPUSystemUsec:      sample.CPU.SystemUsec,
	}
	if err := s.stats.InsertDeploymentStat(ctx, stat); err != nil {
		return err
	}

	payload, err := json.Marshal(map[string]any{
		"deploymentId":  record.ID,
		"memoryCurrent": stat.MemoryCurrentBytes,
		"memoryMax":     stat.MemoryMaxBytes,
		"cpuUsageUsec":  stat.CPUUsageUsec,
		"cpuUserUsec":   stat.CPUUserUsec,
		"cpuSystemUsec": stat.CPUSystemUsec,
		"timestamp":     time.Now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		s.logger.Error("failed to encode stat broadcast", "deployment_id", record.ID, "error", err)
		return nil
	}
	s.hub.Broadcast(strconv.FormatInt(record.ID, 10), payload)
	return nil
}

// List returns the most recent samples for a deployment.
func (s Service) List(ctx context.Context, deploymentID int64, limit int) ([]domain.DeploymentStat, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	return s.stats.ListDeploymentStats(ctx, deploymentID, limit)
}
