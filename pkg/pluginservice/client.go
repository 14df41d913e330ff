// Package pluginservice is the outbound gRPC client for the central Plugin
// Service: the authority over each supervisor's desired plugin set and the
// destination of its inventory heartbeat.
package pluginservice

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"
)

// PluginInfo is one entry of the inventory a supervisor reports on publish.
type PluginInfo struct {
	PluginID  string
	Version   string
	State     string
	Endpoint  string
	Endpoints []string
}

// PublishRequest is the Supervisor.publish wire payload.
type PublishRequest struct {
	Name       string
	Hostname   string
	Tags       map[string]string
	Labels     map[string]string
	DomainID   string
	PluginInfo []PluginInfo
}

// SupervisorInfo is the canonical record the Plugin Service echoes back
// after a publish call.
type SupervisorInfo struct {
	Name     string
	Hostname string
	DomainID string
	State    string
}

// PluginSpec is one entry of the desired set returned by list_plugins.
type PluginSpec struct {
	PluginID    string
	Version     string
	ServiceType string
	State       string
	DomainID    string
}

// ListPluginsRequest is the Supervisor.list_plugins wire payload. At least
// one of SupervisorID or Hostname must be set.
type ListPluginsRequest struct {
	DomainID     string
	SupervisorID string
	Hostname     string
}

// ListPluginsResponse is the desired set the caller must reconcile against.
type ListPluginsResponse struct {
	Results    []PluginSpec
	TotalCount int
}

// Client is the Plugin Service's outbound surface. The wire calls
// themselves are out of scope — only this interface and the
// request/response shapes above are specified.
type Client interface {
	Publish(ctx context.Context, req PublishRequest) (SupervisorInfo, error)
	ListPlugins(ctx context.Context, req ListPluginsRequest) (ListPluginsResponse, error)
}

// grpcClient implements Client over a raw *grpc.ClientConn, using
// ClientConnInterface.Invoke directly rather than generated stubs — there
// is no .proto compilation pipeline in scope, only the method surface.
type grpcClient struct {
	conn grpc.ClientConnInterface
}

// New wraps an already-dialed connection to the Plugin Service.
func New(conn grpc.ClientConnInterface) Client {
	return &grpcClient{conn: conn}
}

var _ Client = (*grpcClient)(nil)

func (c *grpcClient) Publish(ctx context.Context, req PublishRequest) (SupervisorInfo, error) {
	ctx = withDomainID(ctx, req.DomainID)
	var resp SupervisorInfo
	if err := c.conn.Invoke(ctx, "/spaceone.api.supervisor.v1.Supervisor/publish", &req, &resp); err != nil {
		return SupervisorInfo{}, err
	}
	return resp, nil
}

func (c *grpcClient) ListPlugins(ctx context.Context, req ListPluginsRequest) (ListPluginsResponse, error) {
	ctx = withDomainID(ctx, req.DomainID)
	var resp ListPluginsResponse
	if err := c.conn.Invoke(ctx, "/spaceone.api.supervisor.v1.Supervisor/list_plugins", &req, &resp); err != nil {
		return ListPluginsResponse{}, err
	}
	return resp, nil
}

func withDomainID(ctx context.Context, domainID string) context.Context {
	return metadata.AppendToOutgoingContext(ctx, "x-domain-id", domainID)
}
