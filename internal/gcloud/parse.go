package gcloud

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// Instance power states reported by describe and list.
const (
	StatusRunning    = "RUNNING"
	StatusTerminated = "TERMINATED"
)

// Instance is the subset of instance metadata the service reads.
type Instance struct {
	Name   string `json:"name"`
	Status string `json:"status"`
}

// Running reports whether the instance is powered on.
func (i Instance) Running() bool {
	return strings.EqualFold(i.Status, StatusRunning)
}

// ParseInstance decodes the JSON printed by DescribeInstance.
func ParseInstance(out string) (Instance, error) {
	var inst Instance
	if err := json.Unmarshal([]byte(strings.TrimSpace(out)), &inst); err != nil {
		return Instance{}, fmt.Errorf("decoding instance: %w", err)
	}
	if inst.Name == "" {
		return Instance{}, fmt.Errorf("decoding instance: missing name")
	}
	return inst, nil
}

// ParseInstanceList decodes the JSON printed by ListInstances, sorted by name.
// Empty output is an empty list.
func ParseInstanceList(out string) ([]Instance, error) {
	out = strings.TrimSpace(out)
	if out == "" {
		return []Instance{}, nil
	}
	var list []Instance
	if err := json.Unmarshal([]byte(out), &list); err != nil {
		return nil, fmt.Errorf("decoding instance list: %w", err)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].Name < list[j].Name })
	return list, nil
}

// Tail returns at most n trailing bytes of s, cut at a line boundary when
// one is available inside the window.
func Tail(s string, n int) string {
	if n <= 0 || len(s) <= n {
		return s
	}
	cut := s[len(s)-n:]
	if i := strings.IndexByte(cut, '\n'); i >= 0 && i < len(cut)-1 {
		return cut[i+1:]
	}
	return cut
}
