package grid

import (
	"errors"
	"fmt"
	"strings"
)

// ErrNotActive is returned by Run when the orchestrator has not reached the Active state.
var ErrNotActive = errors.New("grid: orchestrator is not active")

// ConfigError lists every validation problem found in a GridConfig.
type ConfigError struct {
	Problems []string
}

func (e *ConfigError) Error() string {
	return "invalid grid config: " + strings.Join(e.Problems, "; ")
}

// TransientError wraps a failed broker or feed call. It is logged and absorbed;
// the next tick's reconciliation or replenishment corrects the effect.
type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// DataIntegrityError reports local state that disagrees with the broker,
// e.g. a SELL fill larger than the tracked position.
type DataIntegrityError struct {
	Symbol string
	Detail string
}

func (e *DataIntegrityError) Error() string {
	return fmt.Sprintf("data integrity error on %s: %s", e.Symbol, e.Detail)
}

func transient(op string, err error) error {
	if err == nil {
		return nil
	}
	return &TransientError{Op: op, Err: err}
}
