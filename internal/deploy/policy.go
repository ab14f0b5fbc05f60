package deploy

import (
	"regexp"
	"time"
)

// Default marker strings printed to the serial console by the agent image.
const (
	DefaultRunningMarker   = "Eliza agent service is running on ports 3000 and 5173"
	DefaultStartingMarker  = "systemctl start eliza"
	DefaultInstancePattern = `\b(eliza-agent-[0-9]+)\b`
)

// Policy holds the timing and log-scraping contract of the orchestrator.
type Policy struct {
	PollInterval    time.Duration
	MaxWait         time.Duration
	FallbackTimeout time.Duration
	ProbeTimeout    time.Duration
	LaunchTimeout   time.Duration

	// SerialWindowBytes bounds how much of the console log is scanned.
	SerialWindowBytes int

	RunningMarker   string
	StartingMarker  string
	InstancePattern *regexp.Regexp

	RetentionAge time.Duration
}

// DefaultPolicy returns the production defaults.
func DefaultPolicy() Policy {
	return Policy{
		PollInterval:      30 * time.Second,
		MaxWait:           time.Hour,
		FallbackTimeout:   2 * time.Hour,
		ProbeTimeout:      2 * time.Minute,
		LaunchTimeout:     45 * time.Minute,
		SerialWindowBytes: 256 << 10,
		RunningMarker:     DefaultRunningMarker,
		StartingMarker:    DefaultStartingMarker,
		InstancePattern:   regexp.MustCompile(DefaultInstancePattern),
		RetentionAge:      24 * time.Hour,
	}
}

// withDefaults fills zero fields from DefaultPolicy.
func (p Policy) withDefaults() Policy {
	d := DefaultPolicy()
	if p.PollInterval <= 0 {
		p.PollInterval = d.PollInterval
	}
	if p.MaxWait <= 0 {
		p.MaxWait = d.MaxWait
	}
	if p.FallbackTimeout <= 0 {
		p.FallbackTimeout = d.FallbackTimeout
	}
	if p.ProbeTimeout <= 0 {
		p.ProbeTimeout = d.ProbeTimeout
	}
	if p.LaunchTimeout <= 0 {
		p.LaunchTimeout = d.LaunchTimeout
	}
	if p.SerialWindowBytes <= 0 {
		p.SerialWindowBytes = d.SerialWindowBytes
	}
	if p.RunningMarker == "" {
		p.RunningMarker = d.RunningMarker
	}
	if p.StartingMarker == "" {
		p.StartingMarker = d.StartingMarker
	}
	if p.InstancePattern == nil {
		p.InstancePattern = d.InstancePattern
	}
	if p.RetentionAge <= 0 {
		p.RetentionAge = d.RetentionAge
	}
	return p
}
