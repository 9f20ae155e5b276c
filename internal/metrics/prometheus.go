package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const promNamespace = "flowbot"

type promCounter struct {
	counter prometheus.Counter
}

func (p promCounter) Inc() {
	p.counter.Inc()
}

type Prometheus struct {
	Metrics *Metrics

	registry *prometheus.Registry
}

func NewPrometheus() *Prometheus {
	registry := prometheus.NewRegistry()
	counter := func(name, help string) prometheus.Counter {
		c := prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: promNamespace,
			Name:      name,
			Help:      help,
		})
		registry.MustRegister(c)
		return c
	}

	m := &Metrics{
		Cycles:             promCounter{counter("cycles_total", "Total number of trading cycles executed.")},
		DecisionsOpen:      promCounter{counter("decisions_open_total", "Total number of OPEN decisions.")},
		DecisionsClose:     promCounter{counter("decisions_close_total", "Total number of CLOSE decisions.")},
		DecisionsHold:      promCounter{counter("decisions_hold_total", "Total number of HOLD decisions.")},
		OrdersPlaced:       promCounter{counter("orders_placed_total", "Total number of orders placed.")},
		OrdersFailed:       promCounter{counter("orders_failed_total", "Total number of order placement failures.")},
		ExecSuccess:        promCounter{counter("executions_success_total", "Total number of successful executions.")},
		ExecPartial:        promCounter{counter("executions_partial_total", "Total number of partial executions.")},
		ExecError:          promCounter{counter("executions_error_total", "Total number of failed executions.")},
		ProtectionRepairs:  promCounter{counter("protection_repairs_total", "Total number of protective order repair attempts.")},
		ForcedFlattens:     promCounter{counter("forced_flattens_total", "Total number of forced position flattens.")},
		CircuitActivations: promCounter{counter("circuit_activations_total", "Total number of account circuit breaker activations.")},
		TriggersSuppressed: promCounter{counter("triggers_suppressed_total", "Total number of trigger gate suppressions.")},
		OrphansCancelled:   promCounter{counter("orphan_orders_cancelled_total", "Total number of orphan protective orders cancelled.")},
	}

	return &Prometheus{
		Metrics:  m,
		registry: registry,
	}
}

func (p *Prometheus) Handler() http.Handler {
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{})
}
