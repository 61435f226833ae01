package metrics

const (
	// Prefix is common to all metric names
	Prefix = "flowscheduler_"

	// Prometheus Labels
	kindLabel   = "kind"
	statusLabel = "status"
	setLabel    = "set"
)
