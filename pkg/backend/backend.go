// Package backend defines the capability set every container substrate
// (Docker daemon, Kubernetes API server) must implement identically, plus
// the shared domain types that flow across that boundary.
package backend

import "context"

// Ports describes a single container port mapping. The supervisor always
// speaks gRPC on TargetPort 50051 inside the container.
type Ports struct {
	HostPort   int
	TargetPort int
}

// RegistryConfig carries per-domain registry coordinates (e.g. a pull
// secret name) needed to run an image from a private registry.
type RegistryConfig struct {
	Registry   string
	PullSecret string
}

// PluginInstance is a container/deployment the supervisor has started or
// discovered, identified externally by (PluginID, Version) and internally
// by a backend-native Handle (container id, or Kubernetes resource name).
type PluginInstance struct {
	Handle    string
	PluginID  string
	Image     string
	Version   string
	Endpoint  string
	Endpoints []string
	Status    string // "ACTIVE" | "ERROR"
	Labels    map[string]string
}

// Filters selects instances by label-equality. Label entries are ANDed.
type Filters struct {
	Label []string
}

// SearchResult is the result of a Search call.
type SearchResult struct {
	Results    []PluginInstance
	TotalCount int
}

// Backend is the capability set every container substrate variant must
// honour identically. Implementations must never leak substrate-specific
// error types — every returned error is a *supervisorerr.Error.
type Backend interface {
	// Search returns instances whose labels AND-match every filter entry.
	// Never errors on an empty result; returns a configuration error if
	// the substrate is unreachable.
	Search(ctx context.Context, filters Filters) (SearchResult, error)

	// Run creates a new instance and blocks until it is observably running
	// or a bounded, backend-specific timeout elapses.
	Run(ctx context.Context, image string, labels map[string]string, ports Ports, name string, reg RegistryConfig) (PluginInstance, error)

	// Stop tears down an instance completely. Returns true only once the
	// teardown (including forced removal of the container artefact) is
	// complete.
	Stop(ctx context.Context, instance PluginInstance) (bool, error)

	// ListUsedPorts returns the set of host ports currently bound by the
	// backend. Never errors; returns an empty set on parse failures of
	// per-instance port data.
	ListUsedPorts(ctx context.Context) (map[int]struct{}, error)
}

// Name identifies which Backend variant a supervisor is configured with.
type Name string

const (
	Docker     Name = "DockerConnector"
	Kubernetes Name = "KubernetesConnector"
)
