package observability

import (
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"sync"
)

// Metrics is a minimal Prometheus-text exposition surface. Counters only;
// scrape via WriteHTTP on /metrics.
type Metrics struct {
	llmRequests        *CounterVec
	cacheEvents        *CounterVec
	breakerTransitions *CounterVec
	trainingOutcomes   *CounterVec
	apiRequests        *CounterVec
}

var (
	initOnce sync.Once
	current  *Metrics
)

func Init() *Metrics {
	initOnce.Do(func() {
		current = &Metrics{
			llmRequests:        newCounterVec("ragserver_llm_requests_total", "LLM requests by provider and status.", []string{"provider", "status"}),
			cacheEvents:        newCounterVec("ragserver_cache_events_total", "Cache hits and misses by cache name.", []string{"cache", "event"}),
			breakerTransitions: newCounterVec("ragserver_breaker_transitions_total", "Circuit breaker state transitions by provider.", []string{"provider", "state"}),
			trainingOutcomes:   newCounterVec("ragserver_training_outcomes_total", "Training saga outcomes.", []string{"outcome"}),
			apiRequests:        newCounterVec("ragserver_api_requests_total", "API requests by route and status.", []string{"route", "status"}),
		}
	})
	return current
}

// Current returns the process metrics, or nil when Init was never called.
func Current() *Metrics { return current }

func (m *Metrics) ObserveLLMRequest(provider, status string) {
	if m == nil {
		return
	}
	m.llmRequests.Inc(provider, status)
}

func (m *Metrics) ObserveCacheEvent(cache, event string) {
	if m == nil {
		return
	}
	m.cacheEvents.Inc(cache, event)
}

func (m *Metrics) ObserveBreakerTransition(provider, state string) {
	if m == nil {
		return
	}
	m.breakerTransitions.Inc(provider, state)
}

func (m *Metrics) ObserveTrainingOutcome(outcome string) {
	if m == nil {
		return
	}
	m.trainingOutcomes.Inc(outcome)
}

func (m *Metrics) ObserveAPI(route, status string) {
	if m == nil {
		return
	}
	m.apiRequests.Inc(route, status)
}

func (m *Metrics) WriteHTTP(w http.ResponseWriter, r *http.Request) {
	if m == nil {
		http.Error(w, "metrics disabled", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
	_ = m.WritePrometheus(w)
}

func (m *Metrics) WritePrometheus(w io.Writer) error {
	for _, cv := range []*CounterVec{m.llmRequests, m.cacheEvents, m.breakerTransitions, m.trainingOutcomes, m.apiRequests} {
		if err := cv.write(w); err != nil {
			return err
		}
	}
	return nil
}

type CounterVec struct {
	mu     sync.Mutex
	name   string
	help   string
	labels []string
	values map[string]float64
}

func newCounterVec(name, help string, labels []string) *CounterVec {
	return &CounterVec{
		name:   name,
		help:   help,
		labels: labels,
		values: map[string]float64{},
	}
}

func (c *CounterVec) Inc(labelValues ...string) {
	if c == nil || len(labelValues) != len(c.labels) {
		return
	}
	c.mu.Lock()
	c.values[strings.Join(labelValues, "\x00")]++
	c.mu.Unlock()
}

func (c *CounterVec) write(w io.Writer) error {
	c.mu.Lock()
	keys := make([]string, 0, len(c.values))
	for k := range c.values {
		keys = append(keys, k)
	}
	snapshot := make(map[string]float64, len(c.values))
	for k, v := range c.values {
		snapshot[k] = v
	}
	c.mu.Unlock()

	sort.Strings(keys)
	if _, err := fmt.Fprintf(w, "# HELP %s %s\n# TYPE %s counter\n", c.name, c.help, c.name); err != nil {
		return err
	}
	for _, k := range keys {
		parts := strings.Split(k, "\x00")
		pairs := make([]string, 0, len(parts))
		for i, v := range parts {
			pairs = append(pairs, fmt.Sprintf("%s=%q", c.labels[i], v))
		}
		if _, err := fmt.Fprintf(w, "%s{%s} %g\n", c.name, strings.Join(pairs, ","), snapshot[k]); err != nil {
			return err
		}
	}
	return nil
}
