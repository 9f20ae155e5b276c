package exec

import "errors"

var (
	ErrLiquidityInsufficient = errors.New("fallback chain exhausted: liquidity insufficient")
	ErrProtectionIncomplete  = errors.New("protective order placement incomplete")
)

type Status string

const (
	StatusSuccess Status = "success"
	StatusPartial Status = "partial"
	StatusPending Status = "pending"
	StatusNoop    Status = "noop"
	StatusError   Status = "error"
)

// Step records one attempt in the degradation path.
type Step struct {
	Tag       string
	OrderID   string
	FilledQty float64
	Err       string
}

// Result is the terminal outcome of one routing call. Status is always one
// of the five values; success is never inferred from a missing error.
type Result struct {
	Status             Status
	FilledQty          float64
	AvgPrice           float64
	RemainingQty       float64
	TPOrderID          string
	SLOrderID          string
	ProtectionComplete bool
	RolledBack         bool
	Path               []Step
	Err                error
}

func (r *Result) step(tag, orderID string, filled float64, err error) {
	s := Step{Tag: tag, OrderID: orderID, FilledQty: filled}
	if err != nil {
		s.Err = err.Error()
	}
	r.Path = append(r.Path, s)
}
