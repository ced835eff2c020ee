package lifecycle

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ticksTotal counts lifecycle ticks.
	// Labels: outcome (idle, rolled, failed)
	ticksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "pixelboard",
		Subsystem: "lifecycle",
		Name:      "ticks_total",
		Help:      "Total lifecycle ticks by outcome",
	}, []string{"outcome"})

	archivesWritten = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "pixelboard",
		Subsystem: "lifecycle",
		Name:      "archives_written_total",
		Help:      "Archives written at cycle boundaries",
	})

	archiveBlobBytes = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "pixelboard",
		Subsystem: "lifecycle",
		Name:      "archive_blob_bytes",
		Help:      "Compressed size of archived grids",
		Buckets:   prometheus.ExponentialBuckets(256, 4, 8),
	})

	// voteRewardRuns counts vote periods tallied.
	// Labels: outcome (rewarded, cooldown, no_votes)
	voteRewardRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "pixelboard",
		Subsystem: "lifecycle",
		Name:      "vote_reward_runs_total",
		Help:      "Vote periods tallied by outcome",
	}, []string{"outcome"})
)
