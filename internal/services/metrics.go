package services

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Outcome label values for identity_requests_total.
const (
	outcomeCreated   = "created" // fresh primary
	outcomeLinked    = "linked"  // new secondary under an existing primary
	outcomeMatched   = "matched" // nothing new to record
	outcomeInvalid   = "invalid"
	outcomeError     = "error"
	outcomeConflicts = "conflicts" // retries exhausted
)

var (
	identifyTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "identity",
		Name:      "requests_total",
		Help:      "Identify calls by outcome.",
	}, []string{"outcome"})

	demotionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "identity",
		Name:      "demotions_total",
		Help:      "Primary contacts demoted to secondary during merges.",
	})

	insertConflictsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "identity",
		Name:      "insert_conflicts_total",
		Help:      "Inserts rejected by the matching unique index and retried.",
	})

	clusterSize = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "identity",
		Name:      "cluster_size",
		Help:      "Number of contacts in the cluster returned to the caller.",
		Buckets:   []float64{1, 2, 3, 5, 8, 13, 21, 50, 100, 250, 1000},
	})
)
