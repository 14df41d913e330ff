// Package docker implements the backend.Backend capability set against a
// local Docker daemon, reached over the Unix socket.
package docker

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/go-connections/nat"
	"k8s.io/klog/v2"

	"github.com/cloudforet-io/supervisor/pkg/backend"
	"github.com/cloudforet-io/supervisor/pkg/identity"
	"github.com/cloudforet-io/supervisor/pkg/supervisorerr"
)

// maxStatusChecks bounds the run-loop readiness poll: an initial 5s sleep
// plus up to maxStatusChecks 1s polls, about 185s in all.
const maxStatusChecks = 180

// sleep is overridden in tests to collapse real wait intervals.
var sleep = time.Sleep

// containerAPI is the subset of *client.Client this backend drives. Seamed
// out so tests can substitute a fake without a real daemon.
type containerAPI interface {
	ContainerList(ctx context.Context, options types.ContainerListOptions) ([]types.Container, error)
	ContainerInspect(ctx context.Context, id string) (types.ContainerJSON, error)
	ContainerCreate(ctx context.Context, cfg *container.Config, hostCfg *container.HostConfig, netCfg *network.NetworkingConfig, platform interface{}, name string) (container.CreateResponse, error)
	ContainerStart(ctx context.Context, id string, options types.ContainerStartOptions) error
	ContainerStop(ctx context.Context, id string, timeout *int) error
	ContainerRemove(ctx context.Context, id string, options types.ContainerRemoveOptions) error
}

// Backend implements backend.Backend against a Docker daemon.
type Backend struct {
	client containerAPI
}

// New connects to the local Docker daemon over its Unix socket.
func New() (*Backend, error) {
	cli, err := client.NewClientWithOpts(client.WithHost("unix:///var/run/docker.sock"), client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, supervisorerr.Configuration("docker configuration", err)
	}
	return &Backend{client: cli}, nil
}

// NewWithClient builds a Backend against an already-constructed client,
// primarily for tests.
func NewWithClient(c containerAPI) *Backend {
	return &Backend{client: c}
}

var _ backend.Backend = (*Backend)(nil)

func (b *Backend) Search(ctx context.Context, f backend.Filters) (backend.SearchResult, error) {
	args := filters.NewArgs()
	for _, label := range f.Label {
		args.Add("label", label)
	}

	containers, err := b.client.ContainerList(ctx, types.ContainerListOptions{All: true, Filters: args})
	if err != nil {
		return backend.SearchResult{}, supervisorerr.Configuration("docker configuration", err)
	}
	klog.V(4).Infof("[docker search] discovered containers: %d", len(containers))

	results := make([]backend.PluginInstance, 0, len(containers))
	for _, c := range containers {
		inspect, err := b.client.ContainerInspect(ctx, c.ID)
		if err != nil {
			klog.Warningf("[docker search] inspect %s: %v", c.ID, err)
			continue
		}
		results = append(results, instanceFromInspect(inspect))
	}

	return backend.SearchResult{Results: results, TotalCount: len(results)}, nil
}

func (b *Backend) Run(ctx context.Context, image string, labels map[string]string, ports backend.Ports, name string, _ backend.RegistryConfig) (backend.PluginInstance, error) {
	// ports(dict) semantics: {HostPort, TargetPort} -> docker wants
	// {'TargetPort/tcp': HostPort}.
	portKey, err := nat.NewPort("tcp", strconv.Itoa(ports.TargetPort))
	if err != nil {
		return backend.PluginInstance{}, supervisorerr.Configuration("docker configuration", err)
	}
	exposed := nat.PortSet{portKey: struct{}{}}
	bindings := nat.PortMap{portKey: []nat.PortBinding{{HostPort: strconv.Itoa(ports.HostPort)}}}

	cfg := &container.Config{
		Image:        image,
		Labels:       labels,
		ExposedPorts: exposed,
	}
	hostCfg := &container.HostConfig{
		PortBindings: bindings,
		AutoRemove:   true,
	}

	klog.V(4).Infof("[docker run] creating container %s from %s", name, image)
	created, err := b.client.ContainerCreate(ctx, cfg, hostCfg, nil, nil, name)
	if err != nil {
		klog.Errorf("[docker run] failed to create container: %v", err)
		return backend.PluginInstance{}, supervisorerr.Configuration("docker configuration", err)
	}

	if err := b.client.ContainerStart(ctx, created.ID, types.ContainerStartOptions{}); err != nil {
		klog.Errorf("[docker run] failed to start container: %v", err)
		return backend.PluginInstance{}, supervisorerr.Configuration("docker configuration", err)
	}

	status := b.waitUntilRunning(ctx, created.ID)
	klog.V(4).Infof("[docker run] final status: %s", status)

	inspect, err := b.client.ContainerInspect(ctx, created.ID)
	if err != nil {
		return backend.PluginInstance{}, supervisorerr.Configuration("docker configuration", err)
	}

	return instanceFromInspect(inspect), nil
}

// waitUntilRunning polls container status every 1s, after an initial 5s
// sleep, up to maxStatusChecks times. On timeout it returns whatever status
// was last observed — the caller is expected to detect a non-ACTIVE status
// and retry on a later sync tick.
func (b *Backend) waitUntilRunning(ctx context.Context, id string) string {
	sleep(5 * time.Second)
	status := b.containerStatus(ctx, id)
	for count := 1; status != "running" && count <= maxStatusChecks; count++ {
		sleep(1 * time.Second)
		status = b.containerStatus(ctx, id)
		klog.V(5).Infof("[docker run] status check: %s", status)
	}
	return status
}

func (b *Backend) containerStatus(ctx context.Context, id string) string {
	inspect, err := b.client.ContainerInspect(ctx, id)
	if err != nil || inspect.State == nil {
		return ""
	}
	return inspect.State.Status
}

func (b *Backend) Stop(ctx context.Context, instance backend.PluginInstance) (bool, error) {
	klog.V(4).Infof("[docker stop] stop & delete %s", instance.Handle)
	if err := b.client.ContainerStop(ctx, instance.Handle, nil); err != nil {
		klog.Errorf("[docker stop] failed to stop %s: %v", instance.Handle, err)
		return false, supervisorerr.Configuration("docker configuration", err)
	}
	if err := b.client.ContainerRemove(ctx, instance.Handle, types.ContainerRemoveOptions{Force: true}); err != nil {
		klog.Errorf("[docker stop] failed to remove %s: %v", instance.Handle, err)
		return false, supervisorerr.Configuration("docker configuration", err)
	}
	return true, nil
}

func (b *Backend) ListUsedPorts(ctx context.Context) (map[int]struct{}, error) {
	containers, err := b.client.ContainerList(ctx, types.ContainerListOptions{})
	if err != nil {
		// Never errors: an unreachable daemon here just yields no known
		// ports, which leaves the whole configured range open to the
		// allocator.
		return map[int]struct{}{}, nil
	}

	used := map[int]struct{}{}
	for _, c := range containers {
		if c.Ports == nil {
			klog.V(5).Infof("no Ports: %s", c.ID)
			continue
		}
		for _, p := range c.Ports {
			if p.PublicPort == 0 {
				continue
			}
			used[int(p.PublicPort)] = struct{}{}
		}
	}
	return used, nil
}

func instanceFromInspect(inspect types.ContainerJSON) backend.PluginInstance {
	labels := map[string]string{}
	if inspect.Config != nil {
		labels = inspect.Config.Labels
	}
	pluginID, image, version, endpoint := identity.FromLabels(labels)

	status := "ERROR"
	if inspect.State != nil && inspect.State.Status == "running" {
		status = "ACTIVE"
	}

	return backend.PluginInstance{
		Handle:   inspect.ID,
		PluginID: pluginID,
		Image:    image,
		Version:  version,
		Endpoint: endpoint,
		Status:   status,
		Labels:   labels,
	}
}
