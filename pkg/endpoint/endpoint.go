// Package endpoint synthesizes the externally-advertised gRPC endpoint for
// a plugin and generates the deterministic, collision-resistant names its
// backend resources are created under.
package endpoint

import (
	"fmt"
	"time"

	hashids "github.com/speps/go-hashids/v2"

	"github.com/cloudforet-io/supervisor/pkg/backend"
	"k8s.io/klog/v2"
)

const (
	nameSalt     = "_create_unique_name"
	nameAlphabet = "qwertyuioplkjhgfdsazxcvbnm"
)

// UniqueName returns a short, readable, collision-resistant suffix encoding
// the current UTC timestamp down to the second.
func UniqueName(now time.Time) (string, error) {
	hd := hashids.NewData()
	hd.Salt = nameSalt
	hd.Alphabet = nameAlphabet
	h, err := hashids.NewWithData(hd)
	if err != nil {
		return "", err
	}
	utc := now.UTC()
	return h.Encode([]int{utc.Year(), int(utc.Month()), utc.Day(), utc.Hour(), utc.Minute(), utc.Second()})
}

// InstanceName builds the deterministic resource/container name for a
// freshly installed plugin instance.
func InstanceName(pluginID string, now time.Time) (string, error) {
	suffix, err := UniqueName(now)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s-%s", pluginID, suffix), nil
}

// Synthesize produces the gRPC endpoint URL a plugin instance will be
// reachable on, which must be written into the canonical label map before
// the container/deployment is created.
func Synthesize(backendName backend.Name, name, hostname string, hostPort int) string {
	switch backendName {
	case backend.Docker:
		return fmt.Sprintf("grpc://%s:%d", hostname, hostPort)
	case backend.Kubernetes:
		return fmt.Sprintf("grpc://%s.%s:%d", name, hostname, hostPort)
	default:
		klog.Errorf("[synthesize] undefined backend: %s", backendName)
		return ""
	}
}
