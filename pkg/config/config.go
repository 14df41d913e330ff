// Package config builds the supervisor's immutable configuration once at
// startup from viper-bound sources, with fsnotify-driven hot reload
// limited to TAGS/LABELS and Kubernetes replica policy.
package config

import (
	"fmt"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"k8s.io/klog/v2"

	"github.com/cloudforet-io/supervisor/pkg/backend"
	"github.com/cloudforet-io/supervisor/pkg/supervisorerr"
)

// ConsulTokenInfo mirrors the original's TOKEN_INFO shape for a
// Consul-bootstrapped token.
type ConsulTokenInfo struct {
	Host   string
	Port   int
	Scheme string
	Token  string
	URI    string
}

// ConnectorConfig is the per-backend CONNECTORS.{backend} block.
type ConnectorConfig struct {
	StartPort        int
	EndPort          int
	Namespace        string
	ServiceAccount   string
	Headless         bool
	Replica          map[string]int32
	Env              map[string]string
	Resources        map[string]string
	Volumes          []string
	VolumeMounts     []string
	NodeSelector     map[string]string
	ImagePullSecrets []string
}

// Config is the supervisor's process-wide configuration, built once and
// passed by constructor injection to every component. The command package
// still reads its own process flags (config path, health port, Redis
// address) straight from viper.
type Config struct {
	Name     string
	Hostname string

	Token      string
	TokenInfo  *ConsulTokenInfo
	Backend    backend.Name
	Connectors map[backend.Name]ConnectorConfig

	PublishInterval int // seconds, default 30
	SyncInterval    int // seconds, default 120

	mu     sync.RWMutex
	tags   map[string]string
	labels map[string]string
}

// Tags returns the current hot-reloadable TAGS map.
func (c *Config) Tags() map[string]string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return copyMap(c.tags)
}

// Labels returns the current hot-reloadable LABELS map.
func (c *Config) Labels() map[string]string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return copyMap(c.labels)
}

func (c *Config) setTagsAndLabels(tags, labels map[string]string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tags = tags
	c.labels = labels
}

// Replica returns the current replica policy for name, reflecting any
// reload WatchReload has applied since startup. Wrapped in a closure as
// backend/kubernetes.Config.ReplicaSource, so every install reads the live
// policy instead of a startup snapshot.
func (c *Config) Replica(name backend.Name) map[string]int32 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return copyInt32Map(c.Connectors[name].Replica)
}

// Connector returns a snapshot of the named connector's configuration.
// Connectors is mutated under c.mu by WatchReload, so any read of it
// outside that lock (e.g. at startup in buildBackend) must go through
// here rather than indexing c.Connectors directly.
func (c *Config) Connector(name backend.Name) ConnectorConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Connectors[name]
}

func copyMap(m map[string]string) map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func copyInt32Map(m map[string]int32) map[string]int32 {
	out := make(map[string]int32, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// Load builds a Config from whatever viper has bound (flags, env, config
// file) at the moment of the call. It is read exactly once at startup;
// WatchReload below is the only mechanism for later changes.
func Load(v *viper.Viper) (*Config, error) {
	name := v.GetString("name")
	hostname := v.GetString("hostname")
	if name == "" {
		return nil, supervisorerr.Configuration("NAME", fmt.Errorf("NAME is required"))
	}
	if hostname == "" {
		return nil, supervisorerr.Configuration("HOSTNAME", fmt.Errorf("HOSTNAME is required"))
	}

	backendName := backend.Name(v.GetString("backend"))
	if backendName != backend.Docker && backendName != backend.Kubernetes {
		return nil, supervisorerr.WrongConfiguration("BACKEND")
	}

	cfg := &Config{
		Name:            name,
		Hostname:        hostname,
		Token:           v.GetString("token"),
		Backend:         backendName,
		Connectors:      map[backend.Name]ConnectorConfig{},
		PublishInterval: orDefault(v.GetInt("publish-interval"), 30),
		SyncInterval:    orDefault(v.GetInt("sync-interval"), 120),
	}

	if v.IsSet("token-info") {
		cfg.TokenInfo = &ConsulTokenInfo{
			Host:   v.GetString("token-info.host"),
			Port:   v.GetInt("token-info.port"),
			Scheme: v.GetString("token-info.scheme"),
			Token:  v.GetString("token-info.token"),
			URI:    v.GetString("token-info.uri"),
		}
	}

	var dockerConnector, k8sConnector ConnectorConfig
	if err := v.UnmarshalKey("connectors.docker", &dockerConnector); err != nil {
		return nil, supervisorerr.Configuration("CONNECTORS.DockerConnector", err)
	}
	if err := v.UnmarshalKey("connectors.kubernetes", &k8sConnector); err != nil {
		return nil, supervisorerr.Configuration("CONNECTORS.KubernetesConnector", err)
	}
	cfg.Connectors[backend.Docker] = dockerConnector
	cfg.Connectors[backend.Kubernetes] = k8sConnector

	tags := v.GetStringMapString("tags")
	labels := v.GetStringMapString("labels")
	if len(tags) == 0 {
		klog.Warning("TAGS is not configured")
	}
	cfg.setTagsAndLabels(tags, labels)

	return cfg, nil
}

// WatchReload hot-reloads TAGS, LABELS, and replica policy whenever the
// bound config file changes, leaving every other field fixed for the
// process lifetime.
func (c *Config) WatchReload(v *viper.Viper) {
	v.OnConfigChange(func(e fsnotify.Event) {
		klog.Infof("[config] reload triggered by %s", e.Name)
		c.setTagsAndLabels(v.GetStringMapString("tags"), v.GetStringMapString("labels"))

		var dockerConnector, k8sConnector ConnectorConfig
		if err := v.UnmarshalKey("connectors.docker", &dockerConnector); err == nil {
			c.mu.Lock()
			existing := c.Connectors[backend.Docker]
			existing.Replica = dockerConnector.Replica
			c.Connectors[backend.Docker] = existing
			c.mu.Unlock()
		}
		if err := v.UnmarshalKey("connectors.kubernetes", &k8sConnector); err == nil {
			c.mu.Lock()
			existing := c.Connectors[backend.Kubernetes]
			existing.Replica = k8sConnector.Replica
			c.Connectors[backend.Kubernetes] = existing
			c.mu.Unlock()
		}
	})
	v.WatchConfig()
}

func orDefault(value, fallback int) int {
	if value == 0 {
		return fallback
	}
	return value
}
