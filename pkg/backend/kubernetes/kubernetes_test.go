package kubernetes

import (
	"context"
	"os"
	"testing"
	"time"

	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes/fake"

	"github.com/stretchr/testify/require"

	"github.com/cloudforet-io/supervisor/pkg/backend"
	"github.com/cloudforet-io/supervisor/pkg/identity"
)

func TestMain(m *testing.M) {
	sleep = func(time.Duration) {}
	os.Exit(m.Run())
}

func testLabels() map[string]string {
	return map[string]string{
		identity.LabelSupervisorName: "root",
		identity.LabelDomainID:       "domain-1",
		identity.LabelPluginID:       "plugin-1",
		identity.LabelPluginVersion:  "1.0",
		identity.LabelResourceType:   "identity.Schedule",
	}
}

func TestRunCreatesServiceAndDeployment(t *testing.T) {
	client := fake.NewSimpleClientset()
	b := NewWithClient(client, Config{Namespace: "plugins"})

	instance, err := b.Run(context.Background(), "repo/plugin:1.0", testLabels(),
		backend.Ports{HostPort: 50051, TargetPort: 50051}, "plugin-1-abcde", backend.RegistryConfig{})
	require.NoError(t, err)
	require.Equal(t, "plugin-1-abcde", instance.Handle)
	require.Equal(t, "plugin-1", instance.PluginID)

	svc, err := client.CoreV1().Services("plugins").Get(context.Background(), "plugin-1-abcde", metav1.GetOptions{})
	require.NoError(t, err)
	require.Equal(t, "domain-1", svc.Annotations[identity.LabelDomainID])
	require.Equal(t, "domain-1", svc.Labels[identity.MgmtDomainID])

	dep, err := client.AppsV1().Deployments("plugins").Get(context.Background(), "plugin-1-abcde", metav1.GetOptions{})
	require.NoError(t, err)
	require.Equal(t, int32(1), *dep.Spec.Replicas)
}

func TestRunIsIdempotentWhenServiceAlreadyExists(t *testing.T) {
	client := fake.NewSimpleClientset(&corev1.Service{
		ObjectMeta: metav1.ObjectMeta{Name: "plugin-1-abcde", Namespace: "plugins", Annotations: testLabels()},
	})
	b := NewWithClient(client, Config{Namespace: "plugins"})

	_, err := b.Run(context.Background(), "repo/plugin:1.0", testLabels(),
		backend.Ports{HostPort: 50051, TargetPort: 50051}, "plugin-1-abcde", backend.RegistryConfig{})
	require.NoError(t, err)
}

func TestReplicaCountPrefersPluginQualifiedKey(t *testing.T) {
	client := fake.NewSimpleClientset()
	b := NewWithClient(client, Config{
		Namespace: "plugins",
		Replica: map[string]int32{
			"identity.Schedule":             2,
			"identity.Schedule?plugin-1": 5,
		},
	})

	n := b.replicaCount("identity.Schedule", "plugin-1")
	require.Equal(t, int32(5), n)

	n = b.replicaCount("identity.Schedule", "plugin-other")
	require.Equal(t, int32(2), n)

	n = b.replicaCount("unmapped", "plugin-other")
	require.Equal(t, int32(1), n)
}

func TestReplicaCountPrefersReplicaSourceOverStaticReplicaAndReadsItFresh(t *testing.T) {
	client := fake.NewSimpleClientset()
	policy := map[string]int32{"identity.Schedule": 2}
	b := NewWithClient(client, Config{
		Namespace:     "plugins",
		Replica:       map[string]int32{"identity.Schedule": 99}, // must be ignored once ReplicaSource is set
		ReplicaSource: func() map[string]int32 { return policy },
	})

	require.Equal(t, int32(2), b.replicaCount("identity.Schedule", "plugin-1"))

	// Mutating the map ReplicaSource closes over simulates a config
	// reload landing between two installs, with no restart in between.
	policy["identity.Schedule"] = 7
	require.Equal(t, int32(7), b.replicaCount("identity.Schedule", "plugin-1"),
		"replicaCount must read ReplicaSource fresh on every call, not cache its first result")
}

func TestSearchMatchesOnAnnotations(t *testing.T) {
	client := fake.NewSimpleClientset(&corev1.Service{
		ObjectMeta: metav1.ObjectMeta{Name: "plugin-1-abcde", Namespace: "plugins", Annotations: testLabels()},
	})
	b := NewWithClient(client, Config{Namespace: "plugins"})

	result, err := b.Search(context.Background(), backend.Filters{
		Label: []string{identity.LabelDomainID + "=domain-1"},
	})
	require.NoError(t, err)
	require.Equal(t, 1, result.TotalCount)
	require.Equal(t, "plugin-1", result.Results[0].PluginID)

	result, err = b.Search(context.Background(), backend.Filters{
		Label: []string{identity.LabelDomainID + "=domain-2"},
	})
	require.NoError(t, err)
	require.Equal(t, 0, result.TotalCount)
}

func TestSearchExcludesHeadlessInstanceWithNoEndpoints(t *testing.T) {
	client := fake.NewSimpleClientset(&corev1.Service{
		ObjectMeta: metav1.ObjectMeta{Name: "plugin-1-abcde", Namespace: "plugins", Annotations: testLabels()},
	})
	b := NewWithClient(client, Config{Namespace: "plugins", Headless: true})

	result, err := b.Search(context.Background(), backend.Filters{
		Label: []string{identity.LabelDomainID + "=domain-1"},
	})
	require.NoError(t, err)
	require.Equal(t, 0, result.TotalCount)
}

func TestStopDeletesServiceAndDeployment(t *testing.T) {
	client := fake.NewSimpleClientset(
		&corev1.Service{ObjectMeta: metav1.ObjectMeta{Name: "plugin-1-abcde", Namespace: "plugins"}},
	)
	b := NewWithClient(client, Config{Namespace: "plugins"})

	ok, err := b.Stop(context.Background(), backend.PluginInstance{Handle: "plugin-1-abcde"})
	require.NoError(t, err)
	require.True(t, ok)

	_, err = client.CoreV1().Services("plugins").Get(context.Background(), "plugin-1-abcde", metav1.GetOptions{})
	require.Error(t, err)
}

func TestStopIsIdempotentWhenAlreadyGone(t *testing.T) {
	client := fake.NewSimpleClientset()
	b := NewWithClient(client, Config{Namespace: "plugins"})

	ok, err := b.Stop(context.Background(), backend.PluginInstance{Handle: "missing"})
	require.NoError(t, err)
	require.True(t, ok)
}

func TestAnnotationsForLegacyAlias(t *testing.T) {
	labels := testLabels()
	annotations := annotationsFor(labels, true)
	require.Equal(t, "identity.Schedule", annotations["spaceone.supervisor.plugin.service_type"])
}
