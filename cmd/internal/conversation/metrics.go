package conversation

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	messagesSent = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "pawfect",
		Name:      "messages_sent_total",
		Help:      "Messages stored, by sender role.",
	}, []string{"sender_role"})

	messagesRead = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "pawfect",
		Name:      "messages_read_total",
		Help:      "Messages flipped to read.",
	})
)
