package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

type Metrics struct {
	DownloadsStarted       prometheus.Counter
	DownloadsFailed        prometheus.Counter
	StreamsStarted         prometheus.Counter
	StreamsFailed          prometheus.Counter
	StreamsCancelled       prometheus.Counter
	ConversationsMigrated  prometheus.Counter
	TitlesGenerated        prometheus.Counter
}

var (
	once   sync.Once
	global *Metrics
)

func Global() *Metrics {
	once.Do(func() {
		global = &Metrics{
			DownloadsStarted: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "pocketllm",
				Name:      "model_downloads_started_total",
				Help:      "Total model downloads started",
			}),
			DownloadsFailed: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "pocketllm",
				Name:      "model_downloads_failed_total",
				Help:      "Total model download or prepare failures",
			}),
			StreamsStarted: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "pocketllm",
				Name:      "streams_started_total",
				Help:      "Total generation streams started",
			}),
			StreamsFailed: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "pocketllm",
				Name:      "streams_failed_total",
				Help:      "Total generation streams that ended in error",
			}),
			StreamsCancelled: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "pocketllm",
				Name:      "streams_cancelled_total",
				Help:      "Total generation streams aborted by the user",
			}),
			ConversationsMigrated: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "pocketllm",
				Name:      "conversations_migrated_total",
				Help:      "Total legacy message records migrated to conversations",
			}),
			TitlesGenerated: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "pocketllm",
				Name:      "titles_generated_total",
				Help:      "Total conversation titles generated",
			}),
		}
		prometheus.MustRegister(
			global.DownloadsStarted,
			global.DownloadsFailed,
			global.StreamsStarted,
			global.StreamsFailed,
			global.StreamsCancelled,
			global.ConversationsMigrated,
			global.TitlesGenerated,
		)
	})
	return global
}
