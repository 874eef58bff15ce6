// Package metrics exposes the node's prometheus instrumentation.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Metrics struct {
	OrdersIngested   prometheus.Counter
	OrdersDuplicate  prometheus.Counter
	OrdersMalformed  prometheus.Counter
	BatchesProposed  prometheus.Counter
	TasksExpired     prometheus.Counter
	ConsensusReached prometheus.Counter
	VotesRejected    prometheus.Counter
	Settlements      *prometheus.CounterVec
	BookDepth        *prometheus.GaugeVec
}

func New(reg *prometheus.Registry) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		OrdersIngested: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "cownet", Name: "orders_ingested_total",
			Help: "Orders accepted onto the book.",
		}),
		OrdersDuplicate: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "cownet", Name: "orders_duplicate_total",
			Help: "Order events dropped as duplicate delivery.",
		}),
		OrdersMalformed: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "cownet", Name: "orders_malformed_total",
			Help: "Order events dropped as malformed.",
		}),
		BatchesProposed: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "cownet", Name: "batches_proposed_total",
			Help: "Match batches escalated to consensus tasks.",
		}),
		TasksExpired: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "cownet", Name: "tasks_expired_total",
			Help: "Tasks expired without reaching quorum.",
		}),
		ConsensusReached: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "cownet", Name: "consensus_reached_total",
			Help: "Tasks that reached quorum consensus.",
		}),
		VotesRejected: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "cownet", Name: "votes_rejected_total",
			Help: "Votes rejected as ineligible, duplicate, late or unproven.",
		}),
		Settlements: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "cownet", Name: "settlements_total",
			Help: "Settlement submissions by outcome.",
		}, []string{"status"}),
		BookDepth: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "cownet", Name: "book_depth",
			Help: "Resting orders per venue.",
		}, []string{"venue"}),
	}
}

// Handler serves the registry for the API server's /metrics route.
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}
