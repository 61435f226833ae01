package configuration

import (
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/pkg/errors"

	"github.com/armadaproject/flowscheduler/internal/common/config"
	"github.com/armadaproject/flowscheduler/internal/common/logging"
	"github.com/armadaproject/flowscheduler/internal/scheduler/model"
)

const (
	PersistenceMemory = "memory"
	PersistenceRedis  = "redis"
)

type Configuration struct {
	Logging logging.Config
	Metrics MetricsConfig
	// How often the scheduling cycle should run
	CyclePeriod time.Duration `validate:"required"`
	// How often the nodes of running tasks are probed
	LivenessCheckPeriod time.Duration `validate:"required"`
	// How long a finished job stays in the registry once its result has been retrieved
	JobRemovalDelay time.Duration `validate:"required"`
	// How long a task whose node died waits before it is retried
	FailureRetryDelay time.Duration
	// Backoff applied to tasks retried after an application error
	Backoff BackoffConfig
	// Maximum number of executables kept in memory once loaded back from persistence
	ExecutableCacheSize int `validate:"required,gt=0"`
	// Capacity of each of the command queues of the scheduler
	CommandQueueSize int `validate:"required,gt=0"`
	// Events buffered per subscriber before they are dropped
	EventBufferSize int `validate:"required,gt=0"`
	// Applied to job descriptions that leave these out
	JobDefaults JobDefaults
	Persistence PersistenceConfig
	// Nodes of the in-process resource manager
	Local LocalConfig
}

func (c Configuration) Validate() error {
	validate := validator.New()
	validate.RegisterStructValidation(PersistenceConfigValidation, PersistenceConfig{})
	if err := validate.Struct(c); err != nil {
		return err
	}
	return c.Logging.Validate()
}

type MetricsConfig struct {
	// If true, metrics are not served.
	Disabled bool
	Port     uint16
	// Buckets of the scheduling cycle time histogram, in seconds.
	CycleTimeHistogram HistogramConfig
}

type HistogramConfig struct {
	Start  float64 `validate:"gt=0"`
	Factor float64 `validate:"gt=1"`
	Count  int     `validate:"gt=0"`
}

type BackoffConfig struct {
	// Added to the delay of every further attempt
	Increment time.Duration `validate:"required"`
	Max       time.Duration `validate:"required"`
}

type JobDefaults struct {
	Priority    model.Priority
	RestartMode model.RestartMode
}

type PersistenceConfig struct {
	// Either memory or redis
	Backend string             `validate:"required,oneof=memory redis"`
	Redis   config.RedisConfig `validate:"-"`
	// How long to keep trying to reach redis on startup
	ConnectTimeout time.Duration
	// Changes queued for writing before new ones are dropped
	QueueSize     int `validate:"required,gt=0"`
	RetryAttempts uint
	RetryDelay    time.Duration
	// If true, removing a job also deletes its stored state. Otherwise results of removed jobs stay retrievable.
	DeleteRemovedJobs bool
}

// PersistenceConfigValidation checks the redis settings only when redis is the backend.
func PersistenceConfigValidation(sl validator.StructLevel) {
	c := sl.Current().Interface().(PersistenceConfig)
	if c.Backend != PersistenceRedis {
		return
	}
	if len(c.Redis.Addrs) == 0 {
		sl.ReportError(c.Redis.Addrs, "Addrs", "Addrs", "required", "")
	}
	if c.Redis.PoolSize <= 0 {
		sl.ReportError(c.Redis.PoolSize, "PoolSize", "PoolSize", "required", "")
	}
}

type LocalConfig struct {
	Nodes []NodeGroup `validate:"dive"`
}

// NodeGroup is a number of identical nodes.
type NodeGroup struct {
	Count  int `validate:"gt=0"`
	Labels config.StringMap
}

// Load reads the scheduler configuration from defaultPath, merges the overrides on top of it and validates the
// result. Environment variables prefixed with FLOWSCHEDULER_ override file values.
func Load(defaultPath string, overrides []string) (Configuration, error) {
	var c Configuration
	if _, err := config.LoadConfig(&c, defaultPath, overrides, "FLOWSCHEDULER"); err != nil {
		return c, err
	}
	if err := c.Validate(); err != nil {
		config.LogValidationErrors(err)
		return c, errors.WithMessage(err, "invalid configuration")
	}
	return c, nil
}
