package domain

import (
	"encoding/json"
	"time"
)

// ProviderType identifies a compute marketplace.
type ProviderType string

const (
	ProviderAkash   ProviderType = "akash"
	ProviderSpheron ProviderType = "spheron"
	ProviderAuto    ProviderType = "auto"
)

// Deployment status values. A deployment starts in StatusCreating and only
// ever moves into one of the terminal states below.
const (
	StatusCreating      = "creating"
	StatusClosed        = "closed"
	StatusClosedNoLease = "closed_no_lease"
	StatusClosedByUser  = "closed_by_user"
	StatusTerminated    = "terminated"
	StatusError         = "error"
	StatusErrorClosing  = "error_closing"
)

// TerminalStatuses lists every status a deployment cannot leave.
func TerminalStatuses() []string {
	return []string{
		StatusClosed,
		StatusClosedNoLease,
		StatusClosedByUser,
		StatusTerminated,
		StatusError,
		StatusErrorClosing,
	}
}

// IsTerminal reports whether status is one of the terminal states.
func IsTerminal(status string) bool {
	for _, s := range TerminalStatuses() {
		if s == status {
			return true
		}
	}
	return false
}

// Deployment is the persisted record of one workload instance on a
// marketplace. LeaseID is empty until negotiation completes and is
// immutable once set. APIKey is generated at creation and never rotated.
type Deployment struct {
	ID             int64
	UserID         string
	LeaseID        string
	MonitoringID   string
	Provider       ProviderType
	AppURL         string
	APIKey         string
	DeploymentType string
	Name           string
	Image          string
	CPUUnits       int
	Memory         string
	Storage        string
	Duration       string
	Status         string
	ParentID       *int64
	IsReplica      bool
	MinReplicas    int
	MaxReplicas    int
	ConfigSnapshot json.RawMessage
	CreatedAt      time.Time
}

// DeploymentUpdate captures the mutable fields of a deployment. Nil fields
// are left untouched.
type DeploymentUpdate struct {
	Status  *string
	AppURL  *string
	LeaseID *string
}

// DeploymentFilter narrows a per-user listing.
type DeploymentFilter struct {
	DeploymentType string
	Provider       ProviderType
	SortByRecency  bool
}

// DeploymentConfig is the normalized workload shape handed to manifest
// rendering and, through it, to a provider client. It is never persisted
// as-is; a snapshot is stored on the record when the manifest was generated
// from it.
type DeploymentConfig struct {
	ServiceType string            `json:"serviceType"`
	CPUUnits    int               `json:"appCpuUnits"`
	MemorySize  string            `json:"appMemorySize"`
	StorageSize string            `json:"appStorageSize"`
	Port        int               `json:"appPort"`
	Duration    string            `json:"deploymentDuration"`
	Image       string            `json:"image"`
	RepoURL     string            `json:"repoUrl,omitempty"`
	BranchName  string            `json:"branchName,omitempty"`
	Env         map[string]string `json:"env,omitempty"`
	RunCommands string            `json:"runCommands,omitempty"`
	Mode        string            `json:"spheronDeploymentMode,omitempty"`
	CustomName  string            `json:"-"`
}
