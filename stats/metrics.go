package stats

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var receivedCounter = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "interflow_messages_received_total",
	Help: "counter of messages received by a channel's source connector",
}, []string{"channel"})

var filteredCounter = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "interflow_messages_filtered_total",
	Help: "counter of connector messages dropped by a filter",
}, []string{"channel"})

var sentCounter = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "interflow_messages_sent_total",
	Help: "counter of connector messages successfully sent by destinations",
}, []string{"channel"})

var erroredCounter = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "interflow_messages_errored_total",
	Help: "counter of connector messages which ended in ERROR",
}, []string{"channel"})

var queueDepthGauge = promauto.NewGaugeVec(prometheus.GaugeOpts{
	Name: "interflow_queue_depth",
	Help: "current depth of a destination retry queue",
}, []string{"channel", "connector"})

func observeAggregate(channelID string, d Deltas) {
	if d.Received > 0 {
		receivedCounter.WithLabelValues(channelID).Add(float64(d.Received))
	}
	if d.Filtered > 0 {
		filteredCounter.WithLabelValues(channelID).Add(float64(d.Filtered))
	}
	if d.Sent > 0 {
		sentCounter.WithLabelValues(channelID).Add(float64(d.Sent))
	}
	if d.Errored > 0 {
		erroredCounter.WithLabelValues(channelID).Add(float64(d.Errored))
	}
}

// SetQueueDepth publishes the instantaneous depth of a destination queue.
func SetQueueDepth(channelID, connector string, depth int) {
	queueDepthGauge.WithLabelValues(channelID, connector).Set(float64(depth))
}
