package model

import (
	"strings"

	"github.com/pkg/errors"
)

// Priority is the discrete priority level of a job. Higher values are scheduled first.
type Priority int

const (
	PriorityIdle Priority = iota
	PriorityLowest
	PriorityLow
	PriorityNormal
	PriorityHigh
	PriorityHighest
)

var priorityNames = []string{"idle", "lowest", "low", "normal", "high", "highest"}

func (p Priority) String() string {
	if p < PriorityIdle || int(p) >= len(priorityNames) {
		return "unknown"
	}
	return priorityNames[p]
}

// ParsePriority accepts the names returned by Priority.String, case insensitively. The empty string is normal.
func ParsePriority(s string) (Priority, error) {
	if s == "" {
		return PriorityNormal, nil
	}
	for i, name := range priorityNames {
		if strings.EqualFold(name, s) {
			return Priority(i), nil
		}
	}
	return PriorityNormal, errors.Errorf("unknown priority %q", s)
}

func (p Priority) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

func (p *Priority) UnmarshalText(text []byte) error {
	parsed, err := ParsePriority(string(text))
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}
