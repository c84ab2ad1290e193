// Package balance fronts pools of remote targets with a weighted,
// circuit-breaking selector and retries controlled overloads.
package balance

import (
	"errors"
	"time"

	"github.com/WizardTales/MicroWizard/core"
)

// Selector errors
var (
	ErrEmptyPool    = errors.New("pool has no targets")
	ErrAllOpen      = errors.New("all target breakers are open")
	ErrNilAction    = errors.New("target action has no call")
	ErrInvalidGroup = errors.New("invalid pattern group")
)

// Action is the invocable end of a target.
type Action struct {
	ID   string
	Call core.Handler
}

// TargetConfig describes where a target lives. ID identifies the target for
// removal; Weight scales its share of calls (zero means 1).
type TargetConfig struct {
	ID     string `json:"id" yaml:"id"`
	Pin    string `json:"pin,omitempty" yaml:"pin,omitempty"`
	Host   string `json:"host,omitempty" yaml:"host,omitempty"`
	Port   int    `json:"port,omitempty" yaml:"port,omitempty"`
	Model  string `json:"model,omitempty" yaml:"model,omitempty"`
	Weight int    `json:"weight,omitempty" yaml:"weight,omitempty"`
}

// Target is one member of a pool.
type Target struct {
	ID     string
	Action Action
	Config TargetConfig

	handle Handle
}

// ClientSpec names the pins a client binding serves. Pin and Pins are merged.
type ClientSpec struct {
	Pin    string
	Pins   []string
	Model  string
	Config TargetConfig
}

// Strategy selects how the default selector orders candidates.
type Strategy uint8

const (
	// StrategyWeightedRoundRobin spreads calls in proportion to weight
	StrategyWeightedRoundRobin Strategy = iota

	// StrategyRandom picks a weighted random target
	StrategyRandom

	// StrategyLeastActive picks the target with the fewest calls in flight
	StrategyLeastActive
)

// String returns the string representation of Strategy.
func (s Strategy) String() string {
	switch s {
	case StrategyWeightedRoundRobin:
		return "weighted_round_robin"
	case StrategyRandom:
		return "random"
	case StrategyLeastActive:
		return "least_active"
	default:
		return "unknown"
	}
}

// ParseStrategy maps a configured name to a Strategy.
func ParseStrategy(name string) (Strategy, error) {
	switch name {
	case "", "weighted_round_robin":
		return StrategyWeightedRoundRobin, nil
	case "random":
		return StrategyRandom, nil
	case "least_active":
		return StrategyLeastActive, nil
	}
	return 0, errors.New("unknown strategy: " + name)
}

// CircuitBreaker holds the breaker timings of a pool.
type CircuitBreaker struct {
	// ClosingTimeout is how long a tripped target stays open before a probe
	ClosingTimeout time.Duration

	// RetryTimeout is the pause between attempts of one call
	RetryTimeout time.Duration

	// FailureThreshold is the number of consecutive overloads that trip a target
	FailureThreshold uint32
}

// DefaultCircuitBreaker returns the default breaker timings.
func DefaultCircuitBreaker() CircuitBreaker {
	return CircuitBreaker{
		ClosingTimeout:   1000 * time.Millisecond,
		RetryTimeout:     100 * time.Millisecond,
		FailureThreshold: 1,
	}
}

// DefaultMaxAttempts bounds the attempts of a single call.
const DefaultMaxAttempts = 10
