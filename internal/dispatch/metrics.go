package dispatch

import "github.com/prometheus/client_golang/prometheus"

var (
	tasksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vvx_tasks_processed_total",
			Help: "Tasks reaching a terminal outcome on this worker, by outcome.",
		},
		[]string{"outcome"},
	)

	speakerSwitchesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "vvx_speaker_switches_total",
			Help: "Speaker switch calls issued to the remote engine.",
		},
	)

	requeuesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "vvx_requeues_total",
			Help: "Tasks returned to the queue for redelivery.",
		},
	)

	emptyPollsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "vvx_empty_polls_total",
			Help: "Queue polls that returned no task.",
		},
	)

	synthesisDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name: "vvx_synthesis_duration_seconds",
			Help: "Blocking synthesis call duration in seconds.",
			// The service injects multi-second latency, so the buckets
			// skew high compared to typical HTTP histograms.
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
		},
	)
)

func init() {
	prometheus.MustRegister(tasksTotal)
	prometheus.MustRegister(speakerSwitchesTotal)
	prometheus.MustRegister(requeuesTotal)
	prometheus.MustRegister(emptyPollsTotal)
	prometheus.MustRegister(synthesisDuration)
}
