package otp

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	issuedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "pawfect",
		Name:      "otp_issued_total",
		Help:      "One-time codes issued, by purpose.",
	}, []string{"purpose"})

	verifyTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "pawfect",
		Name:      "otp_verify_total",
		Help:      "One-time code verifications, by result.",
	}, []string{"result"})
)
