package metering

import "fmt"

// Mode selects when usage is written to the ledger.
type Mode string

const (
	// ModeSummary aggregates during the session and bills once at the end.
	ModeSummary Mode = "summary"
	// ModePerCall also records every event as its own ledger entry.
	ModePerCall Mode = "per_call"
)

// CreditPolicy selects what happens when the ledger reports insufficient
// credit.
type CreditPolicy string

const (
	// PolicyLogOnly skips the debit and lets the session continue.
	PolicyLogOnly CreditPolicy = "log_only"
	// PolicyEnforce refuses to start unfunded sessions and suspends running
	// ones.
	PolicyEnforce CreditPolicy = "enforce"
)

const DefaultQueueSize = 256

type Config struct {
	Mode      Mode
	Policy    CreditPolicy
	QueueSize int
}

func DefaultConfig() Config {
	return Config{Mode: ModeSummary, Policy: PolicyLogOnly, QueueSize: DefaultQueueSize}
}

func (c Config) Validate() error {
	switch c.Mode {
	case ModeSummary, ModePerCall:
	default:
		return fmt.Errorf("unknown metering mode %q", c.Mode)
	}
	switch c.Policy {
	case PolicyLogOnly, PolicyEnforce:
	default:
		return fmt.Errorf("unknown credit policy %q", c.Policy)
	}
	if c.QueueSize <= 0 {
		return fmt.Errorf("queue size must be positive, got %d", c.QueueSize)
	}
	return nil
}
