// Package gcloud drives the provisioning CLI as an external process. Commands
// are always built as argument vectors; nothing here is passed through a shell.
package gcloud

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/kiranshivaraju/agentdeploy/pkg/models"
)

// Op identifies the kind of remote operation a Command performs. It is used
// for metrics labels and by test doubles to route calls.
type Op string

const (
	OpLaunch        Op = "launch"
	OpDescribe      Op = "describe"
	OpSerialOutput  Op = "serial_output"
	OpListInstances Op = "list_instances"
	OpConfigSSH     Op = "config_ssh"
	OpSSH           Op = "ssh"
)

// Command is a fully resolved process invocation.
type Command struct {
	Op   Op
	Name string
	Args []string
}

// String renders the command for logs. Arguments are quoted but the result
// is never executed.
func (c Command) String() string {
	parts := make([]string, 0, len(c.Args)+1)
	parts = append(parts, c.Name)
	for _, a := range c.Args {
		if a == "" || strings.ContainsAny(a, " \t\"'") {
			a = fmt.Sprintf("%q", a)
		}
		parts = append(parts, a)
	}
	return strings.Join(parts, " ")
}

// Redacted returns a copy of c with the given argument positions masked.
func (c Command) Redacted(positions ...int) Command {
	args := append([]string(nil), c.Args...)
	for _, p := range positions {
		if p >= 0 && p < len(args) {
			args[p] = "***"
		}
	}
	return Command{Op: c.Op, Name: c.Name, Args: args}
}

var instanceNameRe = regexp.MustCompile(`^[a-z]([-a-z0-9]{0,61}[a-z0-9])?$`)

// ValidInstanceName reports whether name satisfies the Compute Engine naming rule.
func ValidInstanceName(name string) bool {
	return instanceNameRe.MatchString(name)
}

// Commands builds provisioning CLI invocations. Zero value is not usable;
// Binary and LaunchScript must be set.
type Commands struct {
	Binary       string
	LaunchScript string
	Zone         string
	Project      string
	SSHUser      string
}

// Launch runs the provisioning script with the request fields as positional
// arguments. Argument 0 is the telegram token; callers should log
// Launch(req).Redacted(0).
func (b Commands) Launch(req models.DeploymentRequest) Command {
	return Command{
		Op:   OpLaunch,
		Name: b.LaunchScript,
		Args: []string{
			req.TelegramToken,
			req.AgentName,
			req.Description,
			req.SocialLink,
			req.WalletAddress,
			req.MemoryID,
		},
	}
}

// DescribeInstance reports the power status of one instance as JSON.
func (b Commands) DescribeInstance(name string) Command {
	return b.compute(OpDescribe, "instances", "describe", name, "--format=json(name,status)")
}

// SerialOutput fetches the serial console log of port 1.
func (b Commands) SerialOutput(name string) Command {
	return b.compute(OpSerialOutput, "instances", "get-serial-port-output", name, "--port=1")
}

// ListInstances lists the project's instances with their status as JSON.
func (b Commands) ListInstances() Command {
	c := b.compute(OpListInstances, "instances", "list", "--format=json(name,status)")
	return b.dropZone(c)
}

// ConfigSSH registers keyPath with the project's SSH metadata and writes the
// CLI's host aliases.
func (b Commands) ConfigSSH(keyPath string) Command {
	c := b.compute(OpConfigSSH, "config-ssh", "--ssh-key-file="+keyPath, "--quiet")
	return b.dropZone(c)
}

// SSH runs remoteCommand on the instance non-interactively.
func (b Commands) SSH(instance, keyPath, remoteCommand string) Command {
	target := instance
	if b.SSHUser != "" {
		target = b.SSHUser + "@" + instance
	}
	return b.compute(OpSSH, "ssh", target,
		"--ssh-key-file="+keyPath,
		"--command="+remoteCommand,
		"--strict-host-key-checking=no",
		"--quiet",
	)
}

func (b Commands) compute(op Op, args ...string) Command {
	full := append([]string{"compute"}, args...)
	if b.Zone != "" {
		full = append(full, "--zone="+b.Zone)
	}
	if b.Project != "" {
		full = append(full, "--project="+b.Project)
	}
	return Command{Op: op, Name: b.Binary, Args: full}
}

// dropZone removes the zone flag from commands that are project-wide.
func (b Commands) dropZone(c Command) Command {
	if b.Zone == "" {
		return c
	}
	out := c.Args[:0:0]
	for _, a := range c.Args {
		if a == "--zone="+b.Zone {
			continue
		}
		out = append(out, a)
	}
	c.Args = out
	return c
}
