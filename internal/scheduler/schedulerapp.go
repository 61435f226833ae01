package scheduler

import (
	"net/http"
	"sync"
	"time"

	"github.com/go-redis/redis"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	log "github.com/sirupsen/logrus"
	"github.com/weaveworks/promrus"
	"k8s.io/utils/clock"

	"github.com/armadaproject/flowscheduler/internal/common/app"
	"github.com/armadaproject/flowscheduler/internal/common/armadacontext"
	"github.com/armadaproject/flowscheduler/internal/common/health"
	"github.com/armadaproject/flowscheduler/internal/common/serve"
	"github.com/armadaproject/flowscheduler/internal/common/task"
	"github.com/armadaproject/flowscheduler/internal/common/util"
	"github.com/armadaproject/flowscheduler/internal/scheduler/configuration"
	"github.com/armadaproject/flowscheduler/internal/scheduler/local"
	"github.com/armadaproject/flowscheduler/internal/scheduler/metrics"
	"github.com/armadaproject/flowscheduler/internal/scheduler/model"
	"github.com/armadaproject/flowscheduler/internal/scheduler/persistence"
	"github.com/armadaproject/flowscheduler/internal/scheduler/policy"
)

// Client drives a running scheduler. The application stops once it returns.
type Client func(ctx *armadacontext.Context, s *Scheduler) error

var addLogHook sync.Once

// Run sets up a Scheduler on the local runtime and runs it until a SIGTERM is received or, if client is not nil,
// until client returns.
func Run(config configuration.Configuration, client Client) error {
	ctx, cancel := armadacontext.WithCancel(
		armadacontext.New(app.CreateContextWithShutdown(), log.NewEntry(log.StandardLogger())),
	)
	defer cancel()
	g, ctx := armadacontext.ErrGroup(ctx)
	addLogHook.Do(func() {
		log.AddHook(promrus.MustNewPrometheusHook())
	})

	// List of services to run concurrently.
	// Services are only started once every component has been set up.
	var services []func() error

	//////////////////////////////////////////////////////////////////////////
	// Persistence
	//////////////////////////////////////////////////////////////////////////
	store, closeStore, err := createStore(ctx, config.Persistence)
	if err != nil {
		return err
	}
	defer closeStore()

	//////////////////////////////////////////////////////////////////////////
	// Local runtime
	//////////////////////////////////////////////////////////////////////////
	var nodes []model.Node
	for _, group := range config.Local.Nodes {
		nodes = append(nodes, local.GenerateNodes(group.Count, group.Labels)...)
	}
	pool := local.NewNodePool(nodes...)
	launcher := local.NewLauncher(pool, local.NewRegistry())
	log.Infof("local runtime has %d nodes", len(nodes))

	//////////////////////////////////////////////////////////////////////////
	// Scheduler
	//////////////////////////////////////////////////////////////////////////
	schedulerMetrics := metrics.New(config.Metrics.CycleTimeHistogram)
	if err := prometheus.Register(schedulerMetrics); err != nil {
		return errors.WithStack(err)
	}
	defer prometheus.Unregister(schedulerMetrics)
	s, err := NewScheduler(config, pool, pool, launcher, store, policy.PriorityPolicy{}, clock.RealClock{}, schedulerMetrics)
	if err != nil {
		return errors.WithMessage(err, "error creating scheduler")
	}
	services = append(services, func() error { return s.Run(ctx) })

	//////////////////////////////////////////////////////////////////////////
	// Health checks and metrics
	//////////////////////////////////////////////////////////////////////////
	startupCompleteCheck := health.NewStartupCompleteChecker()
	if !config.Metrics.Disabled {
		mux := http.NewServeMux()
		health.SetupHttpMux(mux, health.NewMultiChecker(startupCompleteCheck, s))
		shutdownHttpServer := serve.ServeHttp(config.Metrics.Port, mux)
		defer shutdownHttpServer()
	}

	//////////////////////////////////////////////////////////////////////////
	// Background tasks
	//////////////////////////////////////////////////////////////////////////
	taskManager := task.NewBackgroundTaskManager(metrics.Prefix, prometheus.DefaultRegisterer, clock.RealClock{})
	if err := taskManager.Register(s.CheckLiveness, config.LivenessCheckPeriod, "liveness_check"); err != nil {
		return errors.WithStack(err)
	}
	defer func() {
		if timedOut := taskManager.StopAll(time.Second); timedOut {
			log.Warn("background tasks did not stop in time")
		}
	}()

	if client != nil {
		services = append(services, func() error {
			defer cancel()
			return client(ctx, s)
		})
	}

	for _, service := range services {
		g.Go(service)
	}
	startupCompleteCheck.MarkComplete()
	ctx.Log.Info("scheduler application started")
	return g.Wait()
}

func createStore(ctx *armadacontext.Context, config configuration.PersistenceConfig) (persistence.Store, func(), error) {
	if config.Backend != configuration.PersistenceRedis {
		log.Info("persisting jobs in memory")
		return persistence.NewMemoryStore(), func() {}, nil
	}
	log.Infof("persisting jobs to redis at %v", config.Redis.Addrs)
	redisClient := redis.NewUniversalClient(config.Redis.AsUniversalOptions())
	closeClient := func() {
		if err := redisClient.Close(); err != nil {
			log.WithError(errors.WithStack(err)).Warnf("Redis client didn't close down cleanly")
		}
	}
	connectCtx, cancel := armadacontext.WithTimeout(ctx, config.ConnectTimeout)
	defer cancel()
	err := util.RetryUntilSuccess(
		connectCtx,
		func() error { return redisClient.Ping().Err() },
		func(err error) { log.WithError(err).Warn("redis not reachable yet") },
		time.Second,
	)
	if err != nil {
		closeClient()
		return nil, nil, errors.WithMessage(err, "error connecting to redis")
	}
	return persistence.NewRedisStore(redisClient), closeClient, nil
}
