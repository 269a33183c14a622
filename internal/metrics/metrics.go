package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

type Metrics struct {
	GenerationsAttempted prometheus.Counter
	GenerationsSucceeded prometheus.Counter
	GenerationsFailed    prometheus.Counter
	ProviderRetries      prometheus.Counter
}

var (
	once   sync.Once
	global *Metrics
)

func Global() *Metrics {
	once.Do(func() {
		global = &Metrics{
			GenerationsAttempted: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "imgforge",
				Name:      "generations_attempted_total",
				Help:      "Total generation attempts started",
			}),
			GenerationsSucceeded: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "imgforge",
				Name:      "generations_succeeded_total",
				Help:      "Total generations completed successfully",
			}),
			GenerationsFailed: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "imgforge",
				Name:      "generations_failed_total",
				Help:      "Total generations that ended in failure",
			}),
			ProviderRetries: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "imgforge",
				Name:      "provider_retries_total",
				Help:      "Total provider call retries after transient failures",
			}),
		}
		prometheus.MustRegister(global.GenerationsAttempted, global.GenerationsSucceeded, global.GenerationsFailed, global.ProviderRetries)
	})
	return global
}
