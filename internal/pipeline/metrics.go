package pipeline

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	uploadsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "clipsight_pipeline_uploads_total",
		Help: "Upload orchestrations by final stage reached (done or the failing stage).",
	}, []string{"stage"})
	pollAttemptsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "clipsight_pipeline_poll_attempts_total",
		Help: "Record fetches issued by the poller, by result.",
	}, []string{"result"})
	chatTurnsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "clipsight_pipeline_chat_turns_total",
		Help: "Chat turns by outcome.",
	}, []string{"outcome"})
)
