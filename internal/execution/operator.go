package execution

import (
	"github.com/tarungka/blockstream/internal/block"
)

// PhysicalOperator is the pull-based contract every pipeline stage
// implements. Upstream bundles are pushed in with AddInput, ready output is
// pulled out with HasNext/GetNext; the runner never blocks inside an
// operator.
//
// Operators are not safe for concurrent use; the runner drives each chain
// from a single goroutine.
type PhysicalOperator interface {
	// Name identifies the operator in stats and logs.
	Name() string
	// AddInput accepts one bundle from upstream input inputIndex. It may
	// enqueue zero or more output bundles as a side effect.
	AddInput(bundle *RefBundle, inputIndex int) error
	// InputDone notifies the operator that no further AddInput calls will
	// arrive, letting it flush and report completion.
	InputDone()
	// HasNext reports whether at least one output bundle is ready without
	// blocking.
	HasNext() bool
	// GetNext removes and returns the next ready output bundle in FIFO
	// order. It fails if HasNext is false.
	GetNext() (*RefBundle, error)
	// NumOutputsTotal is the best current estimate of the operator's total
	// output row count. The estimate may tighten over time; ok is false
	// while it is unknown.
	NumOutputsTotal() (n int64, ok bool)
	// Stats returns the metadata of every output block produced so far,
	// keyed by operator name. For observability only.
	Stats() map[string][]block.Metadata
	// Completed reports whether the operator will accept no more input and
	// has no more output to produce.
	Completed() bool
}
