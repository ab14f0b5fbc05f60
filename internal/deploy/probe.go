package deploy

import (
	"strings"

	"github.com/kiranshivaraju/agentdeploy/internal/gcloud"
)

// ProbeResult is what one serial console sample says about the agent.
type ProbeResult int

const (
	ProbeNothing ProbeResult = iota
	// ProbeStarting means the service start command was issued.
	ProbeStarting
	// ProbeRunning means the agent confirmed it is listening.
	ProbeRunning
)

func (r ProbeResult) String() string {
	switch r {
	case ProbeStarting:
		return "starting"
	case ProbeRunning:
		return "running"
	default:
		return "nothing"
	}
}

// ClassifyProbe searches console output for the policy markers. The running
// marker wins when both are present.
func ClassifyProbe(output string, p Policy) ProbeResult {
	switch {
	case p.RunningMarker != "" && strings.Contains(output, p.RunningMarker):
		return ProbeRunning
	case p.StartingMarker != "" && strings.Contains(output, p.StartingMarker):
		return ProbeStarting
	default:
		return ProbeNothing
	}
}

// ParseInstanceName extracts the created VM name from provisioning output.
// The first capture group is used when the pattern has one. Names that are
// not valid instance names are ignored.
func ParseInstanceName(output string, p Policy) (string, bool) {
	if p.InstancePattern == nil {
		return "", false
	}
	for _, m := range p.InstancePattern.FindAllStringSubmatch(output, -1) {
		name := m[0]
		if len(m) > 1 && m[1] != "" {
			name = m[1]
		}
		if gcloud.ValidInstanceName(name) {
			return name, true
		}
	}
	return "", false
}
