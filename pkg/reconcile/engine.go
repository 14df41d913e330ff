// Package reconcile implements the sync state machine: it diffs a Plugin
// Service's desired plugin set against what is actually running on a
// Backend, installs what is missing, recovers what is broken, deletes
// what is stale, and republishes inventory.
package reconcile

import (
	"context"
	"fmt"
	"time"

	"k8s.io/klog/v2"

	"github.com/cloudforet-io/supervisor/pkg/backend"
	"github.com/cloudforet-io/supervisor/pkg/endpoint"
	"github.com/cloudforet-io/supervisor/pkg/identity"
	"github.com/cloudforet-io/supervisor/pkg/lock"
	"github.com/cloudforet-io/supervisor/pkg/pluginservice"
	"github.com/cloudforet-io/supervisor/pkg/portalloc"
	"github.com/cloudforet-io/supervisor/pkg/repository"
	"github.com/cloudforet-io/supervisor/pkg/supervisorerr"
)

// lockTTL is the distributed lock's auto-expiry, so a crashed supervisor
// never blocks its successor past one lock lifetime.
const lockTTL = 600 * time.Second

const targetPort = 50051

// recoverableStates are the desired-plugin states that trigger the
// recover stage rather than an ordinary install.
var recoverableStates = map[string]bool{
	"RE_PROVISIONING": true,
	"ERROR":           true,
}

// Clock lets tests fix "now" for deterministic instance names.
type Clock func() time.Time

// Engine owns one supervisor's reconciliation loop.
type Engine struct {
	BackendName backend.Name
	Substrate   backend.Backend
	Plugins     pluginservice.Client
	Repository  repository.Client
	Locker      lock.Locker
	Allocator   *portalloc.Allocator
	Registry    backend.RegistryConfig

	Name         string
	Hostname     string
	DomainID     string
	SupervisorID string

	// Tags/Labels are the fallback when no *Source is set (tests
	// construct an Engine with a fixed map directly). TagsSource/
	// LabelsSource, when set, are called fresh on every Publish so a
	// config reload (see config.Config.WatchReload) is reflected on the
	// supervisor's very next heartbeat, not only after a restart.
	Tags         map[string]string
	Labels       map[string]string
	TagsSource   func() map[string]string
	LabelsSource func() map[string]string

	Now Clock
}

func (e *Engine) tags() map[string]string {
	if e.TagsSource != nil {
		return e.TagsSource()
	}
	return e.Tags
}

func (e *Engine) labels() map[string]string {
	if e.LabelsSource != nil {
		return e.LabelsSource()
	}
	return e.Labels
}

func (e *Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

// Sync runs one full reconciliation tick. It returns false (with a nil
// error) whenever the tick was legitimately skipped — lock contention or
// a transient upstream failure — both of which the next tick retries.
func (e *Engine) Sync(ctx context.Context) (bool, error) {
	key := identity.LockKey(e.DomainID, e.Name)

	acquired, err := e.Locker.TryAcquire(ctx, key, lockTTL)
	if err != nil {
		klog.Errorf("[sync] lock acquire failed: %v", err)
		return false, nil
	}
	if !acquired {
		klog.V(4).Infof("[sync] %s already running, dropping tick", key)
		return false, nil
	}
	defer func() {
		if err := e.Locker.Release(ctx, key); err != nil {
			klog.Warningf("[sync] release lock %s: %v", key, err)
		}
	}()

	desired, err := e.fetchDesired(ctx)
	if err != nil {
		klog.Errorf("[sync] fetch desired set: %v", err)
		return false, nil
	}
	klog.V(4).Infof("[sync] num of plugins: %d", len(desired))

	e.recover(ctx, desired)

	if err := e.install(ctx, desired); err != nil {
		klog.Errorf("[sync] install plugins: %v", err)
		return false, err
	}

	if err := e.deleteStale(ctx, desired); err != nil {
		klog.Errorf("[sync] delete plugins: %v", err)
		return false, err
	}

	if _, err := e.Publish(ctx); err != nil {
		klog.Warningf("[sync] publish after sync: %v", err)
	}

	return true, nil
}

func (e *Engine) fetchDesired(ctx context.Context) ([]pluginservice.PluginSpec, error) {
	req := pluginservice.ListPluginsRequest{DomainID: e.DomainID, Hostname: e.Hostname}
	if e.SupervisorID != "" {
		req.SupervisorID = e.SupervisorID
	}
	resp, err := e.Plugins.ListPlugins(ctx, req)
	if err != nil {
		return nil, err
	}
	return resp.Results, nil
}

// recover installs a fresh instance for every desired plugin reported in
// RE_PROVISIONING or ERROR state, then stops exactly the old instance(s)
// that predated the fresh one — never the instance just installed.
func (e *Engine) recover(ctx context.Context, desired []pluginservice.PluginSpec) {
	for _, spec := range desired {
		if !recoverableStates[spec.State] {
			continue
		}

		stale, err := e.searchOwned(ctx, spec.PluginID, spec.Version)
		if err != nil {
			klog.Errorf("[recover] search existing %s/%s: %v", spec.PluginID, spec.Version, err)
			continue
		}

		if _, err := e.installOne(ctx, spec); err != nil {
			klog.Errorf("[recover] install fresh replica for %s/%s: %v", spec.PluginID, spec.Version, err)
			continue
		}

		for _, old := range stale {
			if _, err := e.Substrate.Stop(ctx, old); err != nil {
				klog.Errorf("[recover] stop stale instance %s: %v", old.Handle, err)
			}
		}
	}
}

func (e *Engine) install(ctx context.Context, desired []pluginservice.PluginSpec) error {
	var failed []string
	for _, spec := range desired {
		exists, err := e.exists(ctx, spec.PluginID, spec.Version)
		if err != nil {
			klog.Errorf("[install] search %s/%s: %v", spec.PluginID, spec.Version, err)
			failed = append(failed, spec.PluginID)
			continue
		}
		if exists {
			continue
		}

		if _, err := e.installOne(ctx, spec); err != nil {
			klog.Errorf("[install] install %s/%s: %v", spec.PluginID, spec.Version, err)
			failed = append(failed, spec.PluginID)
		}
	}

	if len(failed) > 0 {
		return supervisorerr.InstallPlugins(failed, fmt.Errorf("%d plugin(s) failed to install", len(failed)))
	}
	return nil
}

func (e *Engine) installOne(ctx context.Context, spec pluginservice.PluginSpec) (backend.PluginInstance, error) {
	pluginInfo, err := e.Repository.GetPlugin(ctx, spec.PluginID, e.DomainID)
	if err != nil {
		return backend.PluginInstance{}, err
	}
	imageURI := fmt.Sprintf("%s/%s:%s", pluginInfo.RegistryURL, pluginInfo.Image, spec.Version)

	used, err := e.Substrate.ListUsedPorts(ctx)
	if err != nil {
		return backend.PluginInstance{}, err
	}
	hostPort, err := e.Allocator.Allocate(used)
	if err != nil {
		return backend.PluginInstance{}, err
	}

	name, err := endpoint.InstanceName(spec.PluginID, e.now())
	if err != nil {
		e.Allocator.Release(hostPort)
		return backend.PluginInstance{}, err
	}

	ep := endpoint.Synthesize(e.BackendName, name, e.Hostname, hostPort)

	labels := map[string]string{
		identity.LabelSupervisorName: e.Name,
		identity.LabelDomainID:       e.DomainID,
		identity.LabelPluginID:       spec.PluginID,
		identity.LabelPluginImage:    pluginInfo.Image,
		identity.LabelPluginVersion:  spec.Version,
		identity.LabelResourceType:   pluginInfo.ServiceType,
		identity.LabelPluginEndpoint: ep,
	}

	instance, err := e.Substrate.Run(ctx, imageURI, labels, backend.Ports{HostPort: hostPort, TargetPort: targetPort}, name, e.Registry)
	if err != nil {
		e.Allocator.Release(hostPort)
		return backend.PluginInstance{}, err
	}
	return instance, nil
}

func (e *Engine) deleteStale(ctx context.Context, desired []pluginservice.PluginSpec) error {
	wanted := map[string]bool{}
	for _, spec := range desired {
		wanted[desiredKey(spec.PluginID, spec.Version)] = true
	}

	result, err := e.Substrate.Search(ctx, backend.Filters{Label: []string{
		identity.LabelSupervisorName + "=" + e.Name,
	}})
	if err != nil {
		return err
	}

	var failed []string
	for _, instance := range result.Results {
		if wanted[desiredKey(instance.PluginID, instance.Version)] {
			continue
		}
		if ok, err := e.Substrate.Stop(ctx, instance); err != nil || !ok {
			klog.Errorf("[delete] stop %s: %v", instance.Handle, err)
			failed = append(failed, instance.PluginID)
		}
	}

	if len(failed) > 0 {
		return supervisorerr.DeletePlugins(failed, fmt.Errorf("%d plugin(s) failed to delete", len(failed)))
	}
	return nil
}

// Publish re-derives local inventory and sends it to the Plugin Service.
// Idempotent — safe to call from either scheduler tick.
func (e *Engine) Publish(ctx context.Context) (pluginservice.SupervisorInfo, error) {
	result, err := e.Substrate.Search(ctx, backend.Filters{Label: []string{
		identity.LabelSupervisorName + "=" + e.Name,
	}})
	if err != nil {
		return pluginservice.SupervisorInfo{}, err
	}

	infos := make([]pluginservice.PluginInfo, 0, len(result.Results))
	for _, instance := range result.Results {
		endpoints := instance.Endpoints
		if len(endpoints) == 0 {
			endpoints = []string{instance.Endpoint}
		}
		infos = append(infos, pluginservice.PluginInfo{
			PluginID:  instance.PluginID,
			Version:   instance.Version,
			State:     instance.Status,
			Endpoint:  instance.Endpoint,
			Endpoints: endpoints,
		})
	}

	return e.Plugins.Publish(ctx, pluginservice.PublishRequest{
		Name:       e.Name,
		Hostname:   e.Hostname,
		Tags:       e.tags(),
		Labels:     e.labels(),
		DomainID:   e.DomainID,
		PluginInfo: infos,
	})
}

func (e *Engine) exists(ctx context.Context, pluginID, version string) (bool, error) {
	result, err := e.Substrate.Search(ctx, backend.Filters{Label: e.ownedFilter(pluginID, version)})
	if err != nil {
		return false, err
	}
	return result.TotalCount > 0, nil
}

func (e *Engine) searchOwned(ctx context.Context, pluginID, version string) ([]backend.PluginInstance, error) {
	result, err := e.Substrate.Search(ctx, backend.Filters{Label: e.ownedFilter(pluginID, version)})
	if err != nil {
		return nil, err
	}
	return result.Results, nil
}

func (e *Engine) ownedFilter(pluginID, version string) []string {
	return []string{
		identity.LabelSupervisorName + "=" + e.Name,
		identity.LabelPluginID + "=" + pluginID,
		identity.LabelPluginVersion + "=" + version,
	}
}

func desiredKey(pluginID, version string) string {
	return pluginID + "@" + version
}
