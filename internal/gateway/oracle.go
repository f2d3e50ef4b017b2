package gateway

import (
	"context"
	"fmt"
	"sync"
)

// SimulatedOracle serves results set through Report, falling back to
// Default when a market has none.
type SimulatedOracle struct {
	Default string

	mu      sync.RWMutex
	results map[string]string
}

// NewSimulatedOracle creates an oracle answering def for unknown markets.
// An empty def makes unknown markets return ErrNoResult.
func NewSimulatedOracle(def string) *SimulatedOracle {
	return &SimulatedOracle{Default: def, results: make(map[string]string)}
}

// Report records the result of a market.
func (o *SimulatedOracle) Report(marketID, side string) {
	o.mu.Lock()
	o.results[marketID] = side
	o.mu.Unlock()
}

func (o *SimulatedOracle) FetchResult(_ context.Context, marketID string) (string, error) {
	o.mu.RLock()
	side, ok := o.results[marketID]
	o.mu.RUnlock()
	if ok {
		return side, nil
	}
	if o.Default == "" {
		return "", fmt.Errorf("%w: %s", ErrNoResult, marketID)
	}
	return o.Default, nil
}
