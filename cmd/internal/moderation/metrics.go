package moderation

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var checksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "pawfect",
	Name:      "moderation_checks_total",
	Help:      "Moderation checks, by outcome.",
}, []string{"outcome"})
