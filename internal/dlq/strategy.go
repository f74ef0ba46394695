package dlq

import (
	"fmt"
	"math"
	"time"
)

// Strategy decides how long an item waits before it is attempted again.
type Strategy string

const (
	StrategyImmediate   Strategy = "immediate"
	StrategyFixed       Strategy = "fixed"
	StrategyLinear      Strategy = "linear"
	StrategyExponential Strategy = "exponential"
)

// ParseStrategy validates a configured strategy name; empty means exponential.
func ParseStrategy(s string) (Strategy, error) {
	switch Strategy(s) {
	case "":
		return StrategyExponential, nil
	case StrategyImmediate, StrategyFixed, StrategyLinear, StrategyExponential:
		return Strategy(s), nil
	}
	return "", fmt.Errorf("dlq: unknown retry strategy %q", s)
}

// RetryPolicy turns an item's retry count into a delay.
type RetryPolicy struct {
	Strategy     Strategy      `json:"strategy" yaml:"strategy"`
	InitialDelay time.Duration `json:"initial_delay" yaml:"initial_delay"`
	// MaxDelay caps every delay when positive.
	MaxDelay time.Duration `json:"max_delay" yaml:"max_delay"`
}

// Delay for an item that has already been retried retryCount times:
//
//	immediate    0
//	fixed        initial
//	linear       initial * (retryCount+1)
//	exponential  initial * 2^retryCount
func (p RetryPolicy) Delay(retryCount int) time.Duration {
	if retryCount < 0 {
		retryCount = 0
	}
	var d time.Duration
	switch p.Strategy {
	case StrategyImmediate:
		return 0
	case StrategyFixed:
		d = p.InitialDelay
	case StrategyLinear:
		d = p.InitialDelay * time.Duration(retryCount+1)
	default:
		d = p.InitialDelay
		for i := 0; i < retryCount; i++ {
			if d > math.MaxInt64/2 {
				d = math.MaxInt64
				break
			}
			d *= 2
		}
	}
	if p.MaxDelay > 0 && d > p.MaxDelay {
		d = p.MaxDelay
	}
	return d
}
