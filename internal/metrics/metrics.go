// Package metrics exports run progress as Prometheus metrics. A Collector
// subscribes to the event bus and never calls back into the engine.
package metrics

import (
	"context"
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/aristath/conductor/internal/events"
)

const namespace = "conductor"

// Collector holds the run metrics.
//
// Metrics:
//   - conductor_task_transitions_total{to}
//   - conductor_qa_iterations_total{outcome}
//   - conductor_qa_iteration_duration_seconds
//   - conductor_qa_stuck_total
//   - conductor_escalations_total{reason}
//   - conductor_merges_total{class}
//   - conductor_checkpoints_total{trigger}
//   - conductor_agent_crashes_total
//   - conductor_agents{state}
//   - conductor_tasks{status}
//   - conductor_active_wave
type Collector struct {
	TaskTransitions   *prometheus.CounterVec
	Iterations        *prometheus.CounterVec
	IterationDuration prometheus.Histogram
	Stuck             prometheus.Counter
	Escalations       *prometheus.CounterVec
	Merges            *prometheus.CounterVec
	Checkpoints       *prometheus.CounterVec
	Crashes           prometheus.Counter
	Agents            *prometheus.GaugeVec
	Tasks             *prometheus.GaugeVec
	ActiveWave        prometheus.Gauge

	mu     sync.Mutex
	agents map[string]string // agent id -> state
}

// New creates a collector registered with reg.
func New(reg prometheus.Registerer) *Collector {
	f := promauto.With(reg)
	return &Collector{
		TaskTransitions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "task_transitions_total",
			Help:      "Task status transitions by target status.",
		}, []string{"to"}),
		Iterations: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "qa_iterations_total",
			Help:      "QA iterations by outcome.",
		}, []string{"outcome"}),
		IterationDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "qa_iteration_duration_seconds",
			Help:      "Wall-clock duration of one QA iteration.",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 12), // 1s to ~1h
		}),
		Stuck: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "qa_stuck_total",
			Help:      "Times a task was seen repeating the same failure.",
		}),
		Escalations: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "escalations_total",
			Help:      "Tasks handed to a human, by reason.",
		}, []string{"reason"}),
		Merges: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "merges_total",
			Help:      "Merge attempts by conflict class.",
		}, []string{"class"}),
		Checkpoints: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "checkpoints_total",
			Help:      "Checkpoints created by trigger.",
		}, []string{"trigger"}),
		Crashes: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "agent_crashes_total",
			Help:      "Agents removed after a worker panic.",
		}),
		Agents: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "agents",
			Help:      "Pooled agents by state.",
		}, []string{"state"}),
		Tasks: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "tasks",
			Help:      "Tasks of the current plan by status.",
		}, []string{"status"}),
		ActiveWave: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_wave",
			Help:      "Index of the wave currently executing.",
		}),
		agents: make(map[string]string),
	}
}

// Observe updates the metrics for one event.
func (c *Collector) Observe(ev events.Event) {
	switch e := ev.(type) {
	case events.TaskStatusEvent:
		c.TaskTransitions.WithLabelValues(e.To).Inc()
	case events.TaskMergedEvent:
		c.Merges.WithLabelValues(e.ConflictClass).Inc()
	case events.IterationFinishedEvent:
		c.Iterations.WithLabelValues(e.Outcome).Inc()
		c.IterationDuration.Observe(e.Duration.Seconds())
	case events.QAStuckEvent:
		c.Stuck.Inc()
	case events.EscalationEvent:
		c.Escalations.WithLabelValues(e.Reason).Inc()
	case events.CheckpointCreatedEvent:
		c.Checkpoints.WithLabelValues(e.Trigger).Inc()
	case events.AgentCrashedEvent:
		c.Crashes.Inc()
		c.agentState(e.AgentID, "")
	case events.AgentStateEvent:
		state := e.State
		if state == "terminated" {
			state = ""
		}
		c.agentState(e.AgentID, state)
	case events.WaveStartedEvent:
		c.ActiveWave.Set(float64(e.Index))
	case events.RunProgressEvent:
		c.Tasks.WithLabelValues("pending").Set(float64(e.Pending))
		c.Tasks.WithLabelValues("running").Set(float64(e.Running))
		c.Tasks.WithLabelValues("completed").Set(float64(e.Completed))
		c.Tasks.WithLabelValues("failed").Set(float64(e.Failed))
		c.Tasks.WithLabelValues("escalated").Set(float64(e.Escalated))
	}
}

// agentState moves an agent between state gauges. An empty state removes it.
func (c *Collector) agentState(id, state string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if prev, ok := c.agents[id]; ok {
		c.Agents.WithLabelValues(prev).Dec()
		delete(c.agents, id)
	}
	if state != "" {
		c.agents[id] = state
		c.Agents.WithLabelValues(state).Inc()
	}
}

// Run feeds every bus event into the collector until ctx is done or the bus
// is closed.
func (c *Collector) Run(ctx context.Context, bus *events.EventBus) {
	ch := bus.SubscribeAll(events.DefaultBuffer)
	defer bus.Unsubscribe(ch)

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			c.Observe(ev)
		}
	}
}

// Handler serves the metrics gathered by g.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
