package jobdb

import (
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// Tasks created by LOOP and REPLICATE are named after the task they were cloned from, suffixed with their iteration
// and replication indices, e.g. "process#2*1" for the second iteration of the first replica of "process".
const (
	iterationSeparator   = "#"
	replicationSeparator = "*"
)

func TaskName(base string, iteration, replication int) string {
	name := base
	if iteration > 0 {
		name += iterationSeparator + strconv.Itoa(iteration)
	}
	if replication > 0 {
		name += replicationSeparator + strconv.Itoa(replication)
	}
	return name
}

// BaseName strips iteration and replication suffixes.
func BaseName(name string) string {
	if idx := strings.IndexAny(name, iterationSeparator+replicationSeparator); idx != -1 {
		return name[:idx]
	}
	return name
}

func ValidateTaskName(name string) error {
	if strings.TrimSpace(name) == "" {
		return errors.New("task name must not be empty")
	}
	if strings.ContainsAny(name, iterationSeparator+replicationSeparator) {
		return errors.Errorf("task name %q must not contain %q or %q", name, iterationSeparator, replicationSeparator)
	}
	return nil
}
