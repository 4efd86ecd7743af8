package domain

import "time"

// DeploymentStat is one resource-usage sample reported by the in-workload
// monitoring agent, correlated back to a deployment by its monitoring id.
type DeploymentStat struct {
	ID                 int64
	DeploymentID       int64
	MemoryCurrentBytes int64
	MemoryMaxBytes     int64
	CPUUsageUsec       int64
	CPUUserUsec        int64
	CPUSystemUsec      int64
	CreatedAt          time.Time
}
