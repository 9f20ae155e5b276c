package metrics

type Counter interface {
	Inc()
}

type Metrics struct {
	Cycles             Counter
	DecisionsOpen      Counter
	DecisionsClose     Counter
	DecisionsHold      Counter
	OrdersPlaced       Counter
	OrdersFailed       Counter
	ExecSuccess        Counter
	ExecPartial        Counter
	ExecError          Counter
	ProtectionRepairs  Counter
	ForcedFlattens     Counter
	CircuitActivations Counter
	TriggersSuppressed Counter
	OrphansCancelled   Counter
}

type noopCounter struct{}

func (noopCounter) Inc() {}

func NewNoop() *Metrics {
	n := noopCounter{}
	return &Metrics{
		Cycles:             n,
		DecisionsOpen:      n,
		DecisionsClose:     n,
		DecisionsHold:      n,
		OrdersPlaced:       n,
		OrdersFailed:       n,
		ExecSuccess:        n,
		ExecPartial:        n,
		ExecError:          n,
		ProtectionRepairs:  n,
		ForcedFlattens:     n,
		CircuitActivations: n,
		TriggersSuppressed: n,
		OrphansCancelled:   n,
	}
}
