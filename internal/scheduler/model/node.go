package model

import (
	"sort"
	"strings"

	"github.com/pkg/errors"
	"golang.org/x/exp/maps"
)

type Node struct {
	Name   string
	Labels map[string]string
}

// NodeSet is the set of nodes granted to a task. The first node is the one the task is launched on.
type NodeSet []Node

func (s NodeSet) Names() []string {
	names := make([]string, len(s))
	for i, node := range s {
		names[i] = node.Name
	}
	return names
}

// Primary returns the name of the first node, or the empty string if the set is empty.
func (s NodeSet) Primary() string {
	if len(s) == 0 {
		return ""
	}
	return s[0].Name
}

// Selector constrains placement to nodes carrying every one of its labels.
type Selector map[string]string

func (s Selector) Matches(labels map[string]string) bool {
	for k, v := range s {
		if labels[k] != v {
			return false
		}
	}
	return true
}

// Key returns a canonical string, equal for equal selectors.
func (s Selector) Key() string {
	keys := maps.Keys(s)
	sort.Strings(keys)
	var sb strings.Builder
	for i, k := range keys {
		if i > 0 {
			sb.WriteByte(',')
		}
		sb.WriteString(k)
		sb.WriteByte('=')
		sb.WriteString(s[k])
	}
	return sb.String()
}

type RestartMode int

const (
	// RestartAnywhere retries a task on any node.
	RestartAnywhere RestartMode = iota
	// RestartElsewhere retries a task on a node it has not previously been placed on.
	RestartElsewhere
)

func (m RestartMode) String() string {
	if m == RestartElsewhere {
		return "elsewhere"
	}
	return "anywhere"
}

func ParseRestartMode(s string) (RestartMode, error) {
	switch strings.ToLower(s) {
	case "", "anywhere":
		return RestartAnywhere, nil
	case "elsewhere":
		return RestartElsewhere, nil
	}
	return RestartAnywhere, errors.Errorf("unknown restart mode %q", s)
}

func (m RestartMode) MarshalText() ([]byte, error) {
	return []byte(m.String()), nil
}

func (m *RestartMode) UnmarshalText(text []byte) error {
	parsed, err := ParseRestartMode(string(text))
	if err != nil {
		return err
	}
	*m = parsed
	return nil
}
