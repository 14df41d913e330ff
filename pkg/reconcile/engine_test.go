package reconcile

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/cloudforet-io/supervisor/pkg/backend"
	"github.com/cloudforet-io/supervisor/pkg/identity"
	"github.com/cloudforet-io/supervisor/pkg/lock"
	"github.com/cloudforet-io/supervisor/pkg/pluginservice"
	"github.com/cloudforet-io/supervisor/pkg/portalloc"
	"github.com/cloudforet-io/supervisor/pkg/repository"
)

// fakeBackend is an in-memory backend.Backend sufficient to drive the
// engine without a real Docker daemon or Kubernetes API server.
type fakeBackend struct {
	mu        sync.Mutex
	instances map[string]backend.PluginInstance
	seq       int
	runErr    error
	searchErr error
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{instances: map[string]backend.PluginInstance{}}
}

func (f *fakeBackend) Search(_ context.Context, filters backend.Filters) (backend.SearchResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.searchErr != nil {
		return backend.SearchResult{}, f.searchErr
	}

	var out []backend.PluginInstance
	for _, inst := range f.instances {
		if matchesAll(filters.Label, inst.Labels) {
			out = append(out, inst)
		}
	}
	return backend.SearchResult{Results: out, TotalCount: len(out)}, nil
}

func matchesAll(filters []string, labels map[string]string) bool {
	for _, f := range filters {
		var k, v string
		for i := 0; i < len(f); i++ {
			if f[i] == '=' {
				k, v = f[:i], f[i+1:]
				break
			}
		}
		if labels[k] != v {
			return false
		}
	}
	return true
}

func (f *fakeBackend) Run(_ context.Context, image string, labels map[string]string, ports backend.Ports, name string, _ backend.RegistryConfig) (backend.PluginInstance, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.runErr != nil {
		return backend.PluginInstance{}, f.runErr
	}
	f.seq++
	pluginID, image2, version, ep := identity.FromLabels(labels)
	_ = image2
	inst := backend.PluginInstance{
		Handle:   fmt.Sprintf("h-%d", f.seq),
		PluginID: pluginID,
		Image:    image,
		Version:  version,
		Endpoint: ep,
		Status:   "ACTIVE",
		Labels:   labels,
	}
	f.instances[inst.Handle] = inst
	return inst, nil
}

func (f *fakeBackend) Stop(_ context.Context, instance backend.PluginInstance) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.instances, instance.Handle)
	return true, nil
}

func (f *fakeBackend) ListUsedPorts(_ context.Context) (map[int]struct{}, error) {
	return map[int]struct{}{}, nil
}

// fakePlugins is a pluginservice.Client stub with a fixed desired set and
// a capturing Publish.
type fakePlugins struct {
	desired    []pluginservice.PluginSpec
	listErr    error
	published  []pluginservice.PublishRequest
	publishErr error
}

func (f *fakePlugins) ListPlugins(_ context.Context, _ pluginservice.ListPluginsRequest) (pluginservice.ListPluginsResponse, error) {
	if f.listErr != nil {
		return pluginservice.ListPluginsResponse{}, f.listErr
	}
	return pluginservice.ListPluginsResponse{Results: f.desired, TotalCount: len(f.desired)}, nil
}

func (f *fakePlugins) Publish(_ context.Context, req pluginservice.PublishRequest) (pluginservice.SupervisorInfo, error) {
	if f.publishErr != nil {
		return pluginservice.SupervisorInfo{}, f.publishErr
	}
	f.published = append(f.published, req)
	return pluginservice.SupervisorInfo{Name: req.Name, Hostname: req.Hostname, DomainID: req.DomainID, State: "ACTIVE"}, nil
}

// fakeRepository resolves every plugin to a fixed registry/image.
type fakeRepository struct{}

func (fakeRepository) GetPlugin(_ context.Context, pluginID, _ string) (repository.PluginInfo, error) {
	return repository.PluginInfo{RegistryURL: "registry.example.com", Image: pluginID, ServiceType: "identity.Schedule"}, nil
}

func newEngine(plugins pluginservice.Client, sub backend.Backend) *Engine {
	fixed := time.Date(2026, 7, 29, 10, 0, 0, 0, time.UTC)
	return &Engine{
		BackendName: backend.Docker,
		Substrate:   sub,
		Plugins:     plugins,
		Repository:  fakeRepository{},
		Locker:      lock.NewInProcess(),
		Allocator:   portalloc.NewAllocator(50000, 50010),
		Name:        "root",
		Hostname:    "host.example.com",
		DomainID:    "domain-1",
		Tags:        map[string]string{},
		Labels:      map[string]string{},
		Now:         func() time.Time { return fixed },
	}
}

func TestSyncFreshInstallCreatesInstanceForEachDesiredPlugin(t *testing.T) {
	sub := newFakeBackend()
	plugins := &fakePlugins{desired: []pluginservice.PluginSpec{
		{PluginID: "plugin-a", Version: "1.0", State: "ACTIVE"},
		{PluginID: "plugin-b", Version: "2.0", State: "ACTIVE"},
	}}
	e := newEngine(plugins, sub)

	ok, err := e.Sync(context.Background())
	require.NoError(t, err)
	require.True(t, ok)
	require.Len(t, sub.instances, 2)
	require.Len(t, plugins.published, 1)
	require.Len(t, plugins.published[0].PluginInfo, 2)
}

func TestSyncSteadyStateMakesNoChanges(t *testing.T) {
	sub := newFakeBackend()
	plugins := &fakePlugins{desired: []pluginservice.PluginSpec{
		{PluginID: "plugin-a", Version: "1.0", State: "ACTIVE"},
	}}
	e := newEngine(plugins, sub)

	_, err := e.Sync(context.Background())
	require.NoError(t, err)
	require.Len(t, sub.instances, 1)

	_, err = e.Sync(context.Background())
	require.NoError(t, err)
	require.Len(t, sub.instances, 1, "a second tick with an unchanged desired set must not add instances")
}

func TestSyncVersionUpgradeInstallsNewAndDeletesOld(t *testing.T) {
	sub := newFakeBackend()
	plugins := &fakePlugins{desired: []pluginservice.PluginSpec{
		{PluginID: "plugin-a", Version: "1.0", State: "ACTIVE"},
	}}
	e := newEngine(plugins, sub)
	_, err := e.Sync(context.Background())
	require.NoError(t, err)
	require.Len(t, sub.instances, 1)

	plugins.desired = []pluginservice.PluginSpec{
		{PluginID: "plugin-a", Version: "2.0", State: "ACTIVE"},
	}
	_, err = e.Sync(context.Background())
	require.NoError(t, err)
	require.Len(t, sub.instances, 1)
	for _, inst := range sub.instances {
		require.Equal(t, "2.0", inst.Version)
	}
}

func TestSyncReProvisioningInstallsFreshBeforeStoppingOld(t *testing.T) {
	sub := newFakeBackend()
	plugins := &fakePlugins{desired: []pluginservice.PluginSpec{
		{PluginID: "plugin-a", Version: "1.0", State: "ACTIVE"},
	}}
	e := newEngine(plugins, sub)
	_, err := e.Sync(context.Background())
	require.NoError(t, err)
	require.Len(t, sub.instances, 1)

	plugins.desired = []pluginservice.PluginSpec{
		{PluginID: "plugin-a", Version: "1.0", State: "RE_PROVISIONING"},
	}
	_, err = e.Sync(context.Background())
	require.NoError(t, err)
	require.Len(t, sub.instances, 1, "recover replaces the broken instance with exactly one fresh one")
}

func TestSyncDesiredShrinkDeletesTheDroppedPlugin(t *testing.T) {
	sub := newFakeBackend()
	plugins := &fakePlugins{desired: []pluginservice.PluginSpec{
		{PluginID: "plugin-a", Version: "1.0", State: "ACTIVE"},
		{PluginID: "plugin-b", Version: "1.0", State: "ACTIVE"},
	}}
	e := newEngine(plugins, sub)
	_, err := e.Sync(context.Background())
	require.NoError(t, err)
	require.Len(t, sub.instances, 2)

	plugins.desired = []pluginservice.PluginSpec{
		{PluginID: "plugin-a", Version: "1.0", State: "ACTIVE"},
	}
	_, err = e.Sync(context.Background())
	require.NoError(t, err)
	require.Len(t, sub.instances, 1)
	for _, inst := range sub.instances {
		require.Equal(t, "plugin-a", inst.PluginID)
	}
}

func TestSyncInstallStageBackendFailureSurfacesErrorAfterReleasingTheLock(t *testing.T) {
	sub := newFakeBackend()
	sub.runErr = fmt.Errorf("daemon unreachable")
	plugins := &fakePlugins{desired: []pluginservice.PluginSpec{
		{PluginID: "plugin-a", Version: "1.0", State: "ACTIVE"},
	}}
	e := newEngine(plugins, sub)

	ok, err := e.Sync(context.Background())
	require.Error(t, err)
	require.False(t, ok)
	require.Empty(t, sub.instances)

	// the lock must have been released despite the error, so the next
	// tick is free to retry rather than being stuck behind a stale hold.
	held, lockErr := e.Locker.TryAcquire(context.Background(), identity.LockKey(e.DomainID, e.Name), time.Minute)
	require.NoError(t, lockErr)
	require.True(t, held)
}

// TestSyncPluginServiceTransientFailureDropsTickWithNoMutations covers a
// transient Plugin Service failure during FETCH_DESIRED: the tick must
// log and retry on the next interval, never attempt a mutation, and
// never surface an error (the next tick is expected to recover on its
// own, same as dropping a tick on lock contention).
func TestSyncPluginServiceTransientFailureDropsTickWithNoMutations(t *testing.T) {
	sub := newFakeBackend()
	plugins := &fakePlugins{listErr: fmt.Errorf("plugin service unavailable")}
	e := newEngine(plugins, sub)

	ok, err := e.Sync(context.Background())
	require.NoError(t, err)
	require.False(t, ok)
	require.Empty(t, sub.instances)
	require.Empty(t, plugins.published)
}

func TestPublishReadsTagsAndLabelsSourceFreshOnEveryCall(t *testing.T) {
	sub := newFakeBackend()
	plugins := &fakePlugins{}
	e := newEngine(plugins, sub)

	current := map[string]string{"team": "platform"}
	e.Tags = map[string]string{"stale": "snapshot"} // must be ignored once *Source is set
	e.TagsSource = func() map[string]string { return current }
	e.LabelsSource = func() map[string]string { return map[string]string{"env": "prod"} }

	_, err := e.Publish(context.Background())
	require.NoError(t, err)
	require.Equal(t, "platform", plugins.published[0].Tags["team"])
	require.Equal(t, "prod", plugins.published[0].Labels["env"])

	// a config reload landing between two publishes (no restart) must be
	// reflected on the very next heartbeat.
	current["team"] = "platform-renamed"
	_, err = e.Publish(context.Background())
	require.NoError(t, err)
	require.Equal(t, "platform-renamed", plugins.published[1].Tags["team"])
}

func TestSyncDropsTickWhenLockAlreadyHeld(t *testing.T) {
	sub := newFakeBackend()
	plugins := &fakePlugins{}
	e := newEngine(plugins, sub)

	held, err := e.Locker.TryAcquire(context.Background(), identity.LockKey(e.DomainID, e.Name), time.Minute)
	require.NoError(t, err)
	require.True(t, held)

	ok, err := e.Sync(context.Background())
	require.NoError(t, err)
	require.False(t, ok)
}
