// Package kubernetes implements the backend.Backend capability set against
// a Kubernetes API server: one plugin instance is realized as a paired
// Service + Deployment in a configured namespace.
package kubernetes

import (
	"context"
	"fmt"
	"strings"
	"time"

	corev1 "k8s.io/api/core/v1"
	appsv1 "k8s.io/api/apps/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/util/intstr"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/klog/v2"

	"github.com/cloudforet-io/supervisor/pkg/backend"
	"github.com/cloudforet-io/supervisor/pkg/identity"
	"github.com/cloudforet-io/supervisor/pkg/supervisorerr"
)

const (
	targetPort = 50051

	// Readiness deadlines, per spec: log but do not fail past these.
	deploymentAvailableTimeout = 300 * time.Second
	deploymentAvailablePoll    = 10 * time.Second
	deploymentCreateSettle     = 30 * time.Second
	endpointsReadyTimeout      = 300 * time.Second
	endpointsReadyPoll         = 10 * time.Second
)

// sleep is overridden in tests to collapse real wait intervals.
var sleep = time.Sleep

// Config is the Kubernetes backend's static configuration, bound once at
// startup.
type Config struct {
	Namespace          string
	Headless           bool
	Hostname           string // cluster-internal DNS suffix, e.g. ns.svc.cluster.local
	Replica            map[string]int32
	DefaultReplicas    int32

	// ReplicaSource, when set, is consulted instead of Replica on every
	// Run call, so a config reload takes effect on the next install
	// without restarting the process. Replica remains the source of
	// truth when ReplicaSource is nil (tests construct Config directly).
	ReplicaSource func() map[string]int32
	NodeSelector       map[string]string
	ServiceAccountName string
	ImagePullSecrets   []string
	Env                []corev1.EnvVar
	Resources          corev1.ResourceRequirements
	Volumes            []corev1.Volume
	VolumeMounts       []corev1.VolumeMount

	// LegacyServiceTypeAlias, when true, also writes the deprecated
	// spaceone.supervisor.plugin.service_type annotation alongside
	// resource_type for consumers that have not migrated.
	LegacyServiceTypeAlias bool
}

// Backend implements backend.Backend against a Kubernetes API server.
type Backend struct {
	client kubernetes.Interface
	cfg    Config
}

// New builds a Backend using in-cluster credentials.
func New(cfg Config) (*Backend, error) {
	if cfg.Namespace == "" {
		return nil, supervisorerr.Configuration("kubernetes configuration", fmt.Errorf("namespace is required"))
	}

	restCfg, err := rest.InClusterConfig()
	if err != nil {
		return nil, supervisorerr.Configuration("kubernetes configuration", err)
	}

	clientset, err := kubernetes.NewForConfig(restCfg)
	if err != nil {
		return nil, supervisorerr.Configuration("kubernetes configuration", err)
	}

	if cfg.DefaultReplicas == 0 {
		cfg.DefaultReplicas = 1
	}

	return &Backend{client: clientset, cfg: cfg}, nil
}

// NewWithClient builds a Backend against an already-constructed clientset,
// primarily for tests (k8s.io/client-go/kubernetes/fake).
func NewWithClient(client kubernetes.Interface, cfg Config) *Backend {
	if cfg.DefaultReplicas == 0 {
		cfg.DefaultReplicas = 1
	}
	return &Backend{client: client, cfg: cfg}
}

var _ backend.Backend = (*Backend)(nil)

func (b *Backend) Search(ctx context.Context, f backend.Filters) (backend.SearchResult, error) {
	if len(f.Label) == 0 {
		return backend.SearchResult{}, nil
	}

	list, err := b.client.CoreV1().Services(b.cfg.Namespace).List(ctx, metav1.ListOptions{})
	if err != nil {
		return backend.SearchResult{}, supervisorerr.Configuration("kubernetes configuration", err)
	}

	results := make([]backend.PluginInstance, 0, len(list.Items))
	for i := range list.Items {
		svc := &list.Items[i]
		if !annotationsMatch(f.Label, svc.Annotations) {
			continue
		}
		instance, ok := b.instanceFromService(ctx, svc)
		if !ok {
			// Headless service with no ready endpoints yet: excluded from
			// inventory, it is still coming up.
			continue
		}
		results = append(results, instance)
	}

	return backend.SearchResult{Results: results, TotalCount: len(results)}, nil
}

// annotationsMatch checks every "k=v" filter entry against the service's
// annotations (exact match, AND semantics).
func annotationsMatch(filters []string, annotations map[string]string) bool {
	for _, f := range filters {
		k, v, found := strings.Cut(f, "=")
		if !found {
			return false
		}
		if annotations[k] != v {
			return false
		}
	}
	return true
}

func (b *Backend) Run(ctx context.Context, image string, labels map[string]string, ports backend.Ports, name string, _ backend.RegistryConfig) (backend.PluginInstance, error) {
	svc, err := b.getOrCreateService(ctx, labels, name, ports)
	if err != nil {
		klog.Errorf("[run] Failed to create kubernetes Service: %v", err)
		return backend.PluginInstance{}, supervisorerr.Configuration("kubernetes create", err)
	}

	dep, err := b.getOrCreateDeployment(ctx, labels, name, image)
	if err != nil {
		klog.Errorf("[run] Failed to create kubernetes Deployment: %v", err)
		return backend.PluginInstance{}, supervisorerr.Configuration("kubernetes create", err)
	}

	b.waitForDeploymentAvailable(ctx, dep.Name)

	if b.cfg.Headless {
		b.waitForEndpoints(ctx, name)
	}

	instance, ok := b.instanceFromService(ctx, svc)
	if !ok {
		// Not yet ready; return what we know rather than failing — the
		// next sync tick will re-observe via Search.
		instance = instanceFromServiceUnready(svc)
	}
	klog.V(4).Infof("[run] plugin: %+v", instance)
	return instance, nil
}

func (b *Backend) getOrCreateService(ctx context.Context, labels map[string]string, name string, ports backend.Ports) (*corev1.Service, error) {
	svc, err := b.client.CoreV1().Services(b.cfg.Namespace).Get(ctx, name, metav1.GetOptions{})
	if err == nil {
		klog.V(4).Infof("[run] found service: %s", name)
		return svc, nil
	}
	if !apierrors.IsNotFound(err) {
		return nil, err
	}

	mgmt := identity.CanonicalToManagement(labels)
	spec := corev1.ServiceSpec{
		Ports: []corev1.ServicePort{{
			Port:       int32(ports.HostPort),
			TargetPort: intstr.FromInt(ports.TargetPort),
		}},
		Selector: mgmt,
	}
	if b.cfg.Headless {
		spec.ClusterIP = corev1.ClusterIPNone
	}

	annotations := annotationsFor(labels, b.cfg.LegacyServiceTypeAlias)

	newSvc := &corev1.Service{
		ObjectMeta: metav1.ObjectMeta{
			Name:        name,
			Annotations: annotations,
			Labels:      mgmt,
		},
		Spec: spec,
	}
	created, err := b.client.CoreV1().Services(b.cfg.Namespace).Create(ctx, newSvc, metav1.CreateOptions{})
	if err != nil {
		return nil, err
	}
	klog.V(4).Infof("[run] created service: %s", name)
	return created, nil
}

func (b *Backend) getOrCreateDeployment(ctx context.Context, labels map[string]string, name, image string) (*appsv1.Deployment, error) {
	dep, err := b.client.AppsV1().Deployments(b.cfg.Namespace).Get(ctx, name, metav1.GetOptions{})
	if err == nil {
		klog.V(4).Infof("[_get_deployment] found deployment: %s", name)
		return dep, nil
	}
	if !apierrors.IsNotFound(err) {
		return nil, err
	}

	mgmt := identity.CanonicalToManagement(labels)
	replicas := b.replicaCount(mgmt[identity.MgmtResourceType], mgmt[identity.MgmtPluginID])

	newDep := &appsv1.Deployment{
		ObjectMeta: metav1.ObjectMeta{
			Name:   name,
			Labels: mgmt,
		},
		Spec: appsv1.DeploymentSpec{
			Replicas: &replicas,
			Selector: &metav1.LabelSelector{MatchLabels: mgmt},
			Template: corev1.PodTemplateSpec{
				ObjectMeta: metav1.ObjectMeta{Name: name, Labels: mgmt},
				Spec:       b.podSpec(name, image),
			},
		},
	}

	created, err := b.client.AppsV1().Deployments(b.cfg.Namespace).Create(ctx, newDep, metav1.CreateOptions{})
	if err != nil {
		return nil, err
	}
	klog.V(4).Infof("[run] created deployment: %s", name)
	return created, nil
}

func (b *Backend) podSpec(name, image string) corev1.PodSpec {
	container := corev1.Container{
		Name:            name,
		Image:           image,
		ImagePullPolicy: corev1.PullIfNotPresent,
		Ports:           []corev1.ContainerPort{{ContainerPort: targetPort}},
		LivenessProbe: &corev1.Probe{
			ProbeHandler: corev1.ProbeHandler{
				TCPSocket: &corev1.TCPSocketAction{Port: intstr.FromInt(targetPort)},
			},
		},
		Env:          b.cfg.Env,
		Resources:    b.cfg.Resources,
		VolumeMounts: b.cfg.VolumeMounts,
	}

	spec := corev1.PodSpec{
		Containers:         []corev1.Container{container},
		NodeSelector:       b.cfg.NodeSelector,
		ServiceAccountName: b.cfg.ServiceAccountName,
		Volumes:            b.cfg.Volumes,
	}
	for _, secret := range b.cfg.ImagePullSecrets {
		spec.ImagePullSecrets = append(spec.ImagePullSecrets, corev1.LocalObjectReference{Name: secret})
	}
	return spec
}

// replicaCount prefers the plugin-qualified "resource_type?plugin_id" key,
// falls back to the unqualified resource_type, then to the default.
func (b *Backend) replicaCount(resourceType, pluginID string) int32 {
	replica := b.cfg.Replica
	if b.cfg.ReplicaSource != nil {
		replica = b.cfg.ReplicaSource()
	}
	if replica != nil {
		qualified := resourceType + "?" + pluginID
		if n, ok := replica[qualified]; ok {
			return n
		}
		if n, ok := replica[resourceType]; ok {
			return n
		}
	}
	return b.cfg.DefaultReplicas
}

func (b *Backend) waitForDeploymentAvailable(ctx context.Context, name string) {
	sleep(deploymentCreateSettle)
	for waited := time.Duration(0); ; waited += deploymentAvailablePoll {
		dep, err := b.client.AppsV1().Deployments(b.cfg.Namespace).Get(ctx, name, metav1.GetOptions{})
		if err == nil && dep.Status.AvailableReplicas >= 1 {
			return
		}
		if waited >= deploymentAvailableTimeout {
			klog.Warningf("[run] deployment %s not available after %s, continuing", name, deploymentAvailableTimeout)
			return
		}
		sleep(deploymentAvailablePoll)
	}
}

func (b *Backend) waitForEndpoints(ctx context.Context, name string) []string {
	for waited := time.Duration(0); ; waited += endpointsReadyPoll {
		endpoints := b.getEndpoints(ctx, name)
		if len(endpoints) > 0 {
			return endpoints
		}
		if waited >= endpointsReadyTimeout {
			klog.Warningf("[run] endpoints for %s still empty after %s, continuing", name, endpointsReadyTimeout)
			return endpoints
		}
		sleep(endpointsReadyPoll)
	}
}

func (b *Backend) getEndpoints(ctx context.Context, name string) []string {
	ep, err := b.client.CoreV1().Endpoints(b.cfg.Namespace).Get(ctx, name, metav1.GetOptions{})
	if err != nil {
		klog.V(4).Infof("[_get_endpoints] failed to get endpoints for %s: %v", name, err)
		return nil
	}

	var result []string
	for _, subset := range ep.Subsets {
		port := singlePort(subset.Ports)
		for _, addr := range subset.Addresses {
			result = append(result, fmt.Sprintf("grpc://%s:%d", addr.IP, port))
		}
	}
	return result
}

func singlePort(ports []corev1.EndpointPort) int32 {
	if len(ports) == 1 {
		return ports[0].Port
	}
	return 0
}

func (b *Backend) Stop(ctx context.Context, instance backend.PluginInstance) (bool, error) {
	name := instance.Handle
	if err := b.client.CoreV1().Services(b.cfg.Namespace).Delete(ctx, name, metav1.DeleteOptions{}); err != nil && !apierrors.IsNotFound(err) {
		klog.Errorf("[stop] failed to delete service %s: %v", name, err)
		return false, supervisorerr.Configuration("kubernetes configuration", err)
	}
	if err := b.client.AppsV1().Deployments(b.cfg.Namespace).Delete(ctx, name, metav1.DeleteOptions{}); err != nil && !apierrors.IsNotFound(err) {
		klog.Errorf("[stop] failed to delete deployment %s: %v", name, err)
		return false, supervisorerr.Configuration("kubernetes configuration", err)
	}
	return true, nil
}

// ListUsedPorts has no meaning for the Kubernetes backend: Service ports
// are cluster-internal and do not contend with host ports the way Docker's
// do. The allocator still works because the engine's installOne always calls
// ListUsedPorts before Allocator.Allocate, and an empty set here simply means
// the whole configured range is available — Kubernetes Services do not
// collide with each other's "host" ports the way Docker containers do.
func (b *Backend) ListUsedPorts(ctx context.Context) (map[int]struct{}, error) {
	return map[int]struct{}{}, nil
}

func (b *Backend) instanceFromService(ctx context.Context, svc *corev1.Service) (backend.PluginInstance, bool) {
	pluginID, image, version, endpoint := identity.FromLabels(svc.Annotations)

	instance := backend.PluginInstance{
		Handle:   svc.Name,
		PluginID: pluginID,
		Image:    image,
		Version:  version,
		Endpoint: endpoint,
		Status:   "ACTIVE",
		Labels:   svc.Annotations,
	}

	if b.cfg.Headless {
		endpoints := b.getEndpoints(ctx, svc.Name)
		if len(endpoints) == 0 {
			return instance, false
		}
		instance.Endpoints = endpoints
	}

	return instance, true
}

func instanceFromServiceUnready(svc *corev1.Service) backend.PluginInstance {
	pluginID, image, version, endpoint := identity.FromLabels(svc.Annotations)
	return backend.PluginInstance{
		Handle:   svc.Name,
		PluginID: pluginID,
		Image:    image,
		Version:  version,
		Endpoint: endpoint,
		Status:   "ACTIVE",
		Labels:   svc.Annotations,
	}
}

func annotationsFor(labels map[string]string, legacyAlias bool) map[string]string {
	annotations := make(map[string]string, len(labels)+1)
	for k, v := range labels {
		annotations[k] = v
	}
	if legacyAlias {
		if rt, ok := labels[identity.LabelResourceType]; ok {
			annotations["spaceone.supervisor.plugin.service_type"] = rt
		}
	}
	return annotations
}
