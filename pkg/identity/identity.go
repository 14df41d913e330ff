// Package identity defines the supervisor's own identity and the canonical
// label namespace every plugin instance is tagged with.
package identity

// Canonical label keys. Stable wire contract — never rename these.
const (
	LabelSupervisorName = "spaceone.supervisor.name"
	LabelDomainID       = "spaceone.supervisor.domain_id"
	LabelPluginID       = "spaceone.supervisor.plugin_id"
	LabelPluginImage    = "spaceone.supervisor.plugin.image"
	LabelPluginVersion  = "spaceone.supervisor.plugin.version"
	LabelResourceType   = "spaceone.supervisor.plugin.resource_type"
	LabelPluginEndpoint = "spaceone.supervisor.plugin.endpoint"

	// legacyLabelServiceType is the older canonical key for resource type,
	// from a second KubernetesConnector form found alongside the
	// authoritative one. Accepted as an input alias only; never written.
	legacyLabelServiceType = "spaceone.supervisor.plugin.service_type"
)

// Management label keys, the dot-free subset usable in Kubernetes label
// selectors.
const (
	MgmtSupervisorName = "supervisor_name"
	MgmtDomainID       = "domain_id"
	MgmtPluginID       = "plugin_id"
	MgmtVersion        = "version"
	MgmtResourceType   = "resource_type"
)

// Unknown is substituted for any canonical label missing from a discovered
// instance, so reporting never fails on a partially-labelled container.
const Unknown = "Unknown"

// Identity is the supervisor's own identity, immutable for the process
// lifetime.
type Identity struct {
	Name     string
	Hostname string
	DomainID string
	Tags     map[string]string
	Labels   map[string]string
}

// CanonicalToManagement maps the canonical label namespace to the reduced
// management-label subset used in Kubernetes label selectors. The mapping
// is exact and one-directional: unknown canonical keys are dropped, never
// aliased into the result.
func CanonicalToManagement(labels map[string]string) map[string]string {
	mgmt := make(map[string]string, 5)
	for k, v := range labels {
		switch k {
		case LabelSupervisorName:
			mgmt[MgmtSupervisorName] = v
		case LabelDomainID:
			mgmt[MgmtDomainID] = v
		case LabelPluginID:
			mgmt[MgmtPluginID] = v
		case LabelPluginVersion:
			mgmt[MgmtVersion] = v
		case LabelResourceType, legacyLabelServiceType:
			mgmt[MgmtResourceType] = v
		}
	}
	return mgmt
}

// FromLabels reads a canonical label map defensively, substituting Unknown
// for any missing key rather than erroring.
func FromLabels(labels map[string]string) (pluginID, image, version, endpoint string) {
	pluginID = valueOr(labels, LabelPluginID)
	image = valueOr(labels, LabelPluginImage)
	version = valueOr(labels, LabelPluginVersion)
	endpoint = valueOr(labels, LabelPluginEndpoint)
	return
}

func valueOr(labels map[string]string, key string) string {
	if v, ok := labels[key]; ok {
		return v
	}
	return Unknown
}

// LockKey builds the distributed lock key for a sync tick, scoped per
// (domain_id, name) as specified.
func LockKey(domainID, name string) string {
	return "supervisor:" + domainID + ":" + name
}
