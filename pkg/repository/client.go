// Package repository is the outbound gRPC client for the Repository
// Service, resolving a plugin_id to the registry coordinates needed to
// pull and run its image.
package repository

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"
)

// PluginInfo is the registry metadata resolved for a plugin_id.
type PluginInfo struct {
	RegistryURL string
	Image       string
	Name        string
	ServiceType string
}

// Client is the Repository Service's outbound surface.
type Client interface {
	GetPlugin(ctx context.Context, pluginID, domainID string) (PluginInfo, error)
}

type grpcClient struct {
	conn grpc.ClientConnInterface
}

// New wraps an already-dialed connection to the Repository Service.
func New(conn grpc.ClientConnInterface) Client {
	return &grpcClient{conn: conn}
}

var _ Client = (*grpcClient)(nil)

type getPluginRequest struct {
	PluginID string
}

func (c *grpcClient) GetPlugin(ctx context.Context, pluginID, domainID string) (PluginInfo, error) {
	ctx = metadata.AppendToOutgoingContext(ctx, "x-domain-id", domainID)
	req := getPluginRequest{PluginID: pluginID}
	var resp PluginInfo
	if err := c.conn.Invoke(ctx, "/spaceone.api.repository.v1.Plugin/get", &req, &resp); err != nil {
		return PluginInfo{}, err
	}
	return resp, nil
}
