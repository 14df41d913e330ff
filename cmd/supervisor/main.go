// Command supervisor runs the plugin supervisor: it reconciles a desired
// plugin set from the Plugin Service against a container backend (Docker
// or Kubernetes) on two independent schedules.
package main

import (
	"github.com/cloudforet-io/supervisor/cmd/supervisor/cmd"
)

func main() {
	cmd.Execute()
}
