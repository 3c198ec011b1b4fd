// Package metrics provides Prometheus instrumentation for the
// moderation engine. It exposes counters for evaluations and applied
// enforcement actions, counters for admission challenge outcomes, and
// histograms for evaluation latency.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// MessagesEvaluated counts message evaluations, labeled by
	// outcome: "clean", "matched", "newcomer_link", or "classifier".
	MessagesEvaluated = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "guard_messages_evaluated_total",
		Help: "Total number of messages evaluated against chat rules",
	}, []string{"outcome"})

	// ActionsApplied counts enforcement actions performed through the
	// actuator, labeled by action ("delete", "mute", "notify", "kick",
	// "ban") and result ("ok", "error").
	ActionsApplied = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "guard_actions_applied_total",
		Help: "Total number of enforcement actions applied",
	}, []string{"action", "result"})

	// ChallengesTotal counts admission challenge outcomes, labeled
	// "issued", "passed", or "expired".
	ChallengesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "guard_challenges_total",
		Help: "Total number of admission challenges by outcome",
	}, []string{"outcome"})

	// EvaluationLatency records end-to-end message evaluation latency
	// in seconds, including text extraction when it runs.
	EvaluationLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "guard_evaluation_latency_seconds",
		Help:    "Message evaluation latency in seconds",
		Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5},
	})

	// ClassifierCalls counts auxiliary classifier invocations, labeled
	// "ok", "flagged", or "error".
	ClassifierCalls = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "guard_classifier_calls_total",
		Help: "Total number of content classifier calls",
	}, []string{"result"})

	// ExtractorCalls counts OCR text extractions, labeled "ok",
	// "cached", or "error".
	ExtractorCalls = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "guard_extractor_calls_total",
		Help: "Total number of image text extractions",
	}, []string{"result"})
)

func init() {
	prometheus.MustRegister(
		MessagesEvaluated,
		ActionsApplied,
		ChallengesTotal,
		EvaluationLatency,
		ClassifierCalls,
		ExtractorCalls,
	)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
