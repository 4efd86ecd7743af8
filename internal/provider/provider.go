package provider

import (
	"context"
	"errors"

	"github.com/driftlab/conduit/internal/domain"
)

// Commitment is the outcome of a successful negotiation: the marketplace's
// identifier for the running workload and, when already known, its
// reachable endpoint. AppURL may be empty when the marketplace is still
// provisioning; the workload is committed either way.
type Commitment struct {
	LeaseID string
	AppURL  string
}

// Client executes one marketplace's negotiation protocol. Implementations
// keep their network/session state internal and are safe for concurrent use.
type Client interface {
	Negotiate(ctx context.Context, manifest string) (Commitment, error)
	Teardown(ctx context.Context, leaseID string) error
}

var (
	// ErrTransactionRejected marks a remote negotiation step that was
	// explicitly refused (non-zero result code). Not retried.
	ErrTransactionRejected = errors.New("provider: transaction rejected")
	// ErrTimeout marks a bounded poll that exhausted its deadline.
	ErrTimeout = errors.New("provider: negotiation timed out")
)

// Registry is the static table of provider clients, built once at startup.
type Registry struct {
	clients map[domain.ProviderType]Client
}

// NewRegistry constructs a registry over the given clients.
func NewRegistry(akash, spheron Client) *Registry {
	return &Registry{clients: map[domain.ProviderType]Client{
		domain.ProviderAkash:   akash,
		domain.ProviderSpheron: spheron,
	}}
}

// Resolve maps a requested provider selector to a concrete client. Unknown
// selectors and "auto" deterministically fall back to Akash.
func (r *Registry) Resolve(p domain.ProviderType) (domain.ProviderType, Client) {
	if c, ok := r.clients[p]; ok && p != domain.ProviderAuto {
		return p, c
	}
	return domain.ProviderAkash, r.clients[domain.ProviderAkash]
}
