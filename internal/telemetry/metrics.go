package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	Connections = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "trivia",
		Name:      "connections",
		Help:      "Live client connections held by the registry.",
	})

	SendFailures = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "trivia",
		Name:      "send_failures_total",
		Help:      "Event sends dropped because the connection was closed or saturated.",
	})

	SessionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "trivia",
		Name:      "sessions_active",
		Help:      "Sessions that have not reached a terminal status.",
	})

	SessionsEnded = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "trivia",
		Name:      "sessions_ended_total",
		Help:      "Sessions that reached a terminal status, by reason.",
	}, []string{"reason"})

	Answers = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "trivia",
		Name:      "answers_total",
		Help:      "Answer submissions by outcome (accepted or rejection reason).",
	}, []string{"outcome"})

	RankingWrites = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "trivia",
		Name:      "ranking_writes_total",
		Help:      "Ranking store writes by result (ok, retry, failed).",
	}, []string{"result"})
)
