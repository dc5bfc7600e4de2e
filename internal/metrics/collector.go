// Package metrics exposes prometheus collectors for dialogue sessions and
// LLM gateway calls. A nil *Collector is valid and records nothing.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "cota"

type Collector struct {
	turnsTotal         *prometheus.CounterVec
	actionsTotal       *prometheus.CounterVec
	sessionsEnded      *prometheus.CounterVec
	llmRequestsTotal   *prometheus.CounterVec
	llmRequestDuration *prometheus.HistogramVec
	llmTokensUsed      *prometheus.CounterVec
	llmCost            *prometheus.CounterVec
}

// NewCollector registers every collector on reg. Passing nil uses the
// default registerer.
func NewCollector(reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)

	return &Collector{
		turnsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "dialogue_turns_total",
				Help:      "Dialogue turns taken, by side",
			},
			[]string{"side"},
		),
		actionsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "dialogue_actions_total",
				Help:      "Actions executed, by action name and outcome",
			},
			[]string{"action", "outcome"},
		),
		sessionsEnded: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "dialogue_sessions_ended_total",
				Help:      "Sessions ended, by termination reason",
			},
			[]string{"reason"},
		),
		llmRequestsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "llm_requests_total",
				Help:      "Total number of LLM requests",
			},
			[]string{"provider", "outcome"},
		),
		llmRequestDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "llm_request_duration_seconds",
				Help:      "LLM request duration in seconds",
				Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
			},
			[]string{"provider"},
		),
		llmTokensUsed: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "llm_tokens_used_total",
				Help:      "Total number of tokens used",
			},
			[]string{"provider", "type"},
		),
		llmCost: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "llm_cost_usd_total",
				Help:      "Estimated LLM cost in USD",
			},
			[]string{"model"},
		),
	}
}

func (c *Collector) RecordTurn(side string) {
	if c == nil {
		return
	}
	c.turnsTotal.WithLabelValues(side).Inc()
}

func (c *Collector) RecordAction(action, outcome string) {
	if c == nil {
		return
	}
	c.actionsTotal.WithLabelValues(action, outcome).Inc()
}

func (c *Collector) RecordSessionEnd(reason string) {
	if c == nil {
		return
	}
	c.sessionsEnded.WithLabelValues(reason).Inc()
}

func (c *Collector) RecordLLMRequest(provider, outcome string, d time.Duration) {
	if c == nil {
		return
	}
	c.llmRequestsTotal.WithLabelValues(provider, outcome).Inc()
	c.llmRequestDuration.WithLabelValues(provider).Observe(d.Seconds())
}

func (c *Collector) RecordTokens(provider string, prompt, completion int) {
	if c == nil {
		return
	}
	c.llmTokensUsed.WithLabelValues(provider, "prompt").Add(float64(prompt))
	c.llmTokensUsed.WithLabelValues(provider, "completion").Add(float64(completion))
}

func (c *Collector) RecordCost(model string, usd float64) {
	if c == nil || usd <= 0 {
		return
	}
	c.llmCost.WithLabelValues(model).Add(usd)
}
