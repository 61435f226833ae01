package task

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"k8s.io/utils/clock"
)

type task struct {
	function    func()
	interval    time.Duration
	metricName  string
	stopChannel chan bool
}

// BackgroundTaskManager is not threadsafe, it should only be accessed from a single thread.
type BackgroundTaskManager struct {
	tasks         []*task
	metricsPrefix string
	registerer    prometheus.Registerer
	clock         clock.WithTicker
	wg            *sync.WaitGroup
}

func NewBackgroundTaskManager(metricsPrefix string, registerer prometheus.Registerer, clock clock.WithTicker) *BackgroundTaskManager {
	return &BackgroundTaskManager{
		tasks:         []*task{},
		metricsPrefix: metricsPrefix,
		registerer:    registerer,
		clock:         clock,
		wg:            &sync.WaitGroup{},
	}
}

// Register starts calling backgroundTask immediately and then once every interval until StopAll is called.
func (m *BackgroundTaskManager) Register(backgroundTask func(), interval time.Duration, metricName string) error {
	task := &task{
		function:    backgroundTask,
		interval:    interval,
		metricName:  metricName,
		stopChannel: make(chan bool),
	}
	histogram := prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    m.metricsPrefix + task.metricName + "_latency_seconds",
			Help:    "Background loop " + task.metricName + " latency in seconds",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 15),
		})
	if err := m.registerer.Register(histogram); err != nil {
		return err
	}
	m.startBackgroundTask(task, histogram)
	m.tasks = append(m.tasks, task)
	return nil
}

// StopAll stops every registered task and returns true if they failed to finish within timeout.
func (m *BackgroundTaskManager) StopAll(timeout time.Duration) bool {
	m.stopTasks()
	return m.waitForShutdownCompletion(timeout)
}

func (m *BackgroundTaskManager) startBackgroundTask(task *task, histogram prometheus.Histogram) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		run := func() {
			start := m.clock.Now()
			task.function()
			histogram.Observe(m.clock.Since(start).Seconds())
		}
		run()

		ticker := m.clock.NewTicker(task.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C():
			case <-task.stopChannel:
				return
			}
			run()
		}
	}()
}

func (m *BackgroundTaskManager) waitForShutdownCompletion(timeout time.Duration) bool {
	c := make(chan struct{})
	go func() {
		defer close(c)
		m.wg.Wait()
	}()
	select {
	case <-c:
		return false // completed normally
	case <-time.After(timeout):
		return true // timed out
	}
}

func (m *BackgroundTaskManager) stopTasks() {
	for _, task := range m.tasks {
		close(task.stopChannel)
	}
}
