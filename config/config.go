// Package config defines the operational configuration surface this
// core reads at startup, on top of the protocol constants carried in
// the genesis block itself (internal/params.Params).
package config

import (
	"time"

	"github.com/duniter-io/ucoin-core/internal/params"
	"github.com/jessevdk/go-flags"
	"github.com/pkg/errors"
)

const defaultBranchesWindowSize = 100

// Config is the node-local operational configuration of spec.md §6:
// `branchesWindowSize, participate, powDelay, cpu, rootoffset`, plus the
// protocol constants a brand-new currency's root block is generated
// with (irrelevant once a genesis block has actually been read from the
// DAL, but required to call generateManualRoot on an empty chain).
type Config struct {
	BranchesWindowSize int           `long:"branchesWindowSize" description:"sliding fork window size (W)"`
	Participate        bool          `long:"participate" description:"mine and self-issue blocks"`
	PowDelay           time.Duration `long:"powDelay" description:"delay before resuming self-mining after issuing a block"`
	CPU                float64       `long:"cpu" description:"PoW worker CPU throttle, in (0,1]"`
	RootOffset         int64         `long:"rootoffset" description:"seconds subtracted from now() to compute the root block's medianTime"`

	Params params.Params `group:"Protocol parameters" namespace:"protocol"`
}

// Default returns a Config with the branch window and CPU throttle set
// to their defaults; callers must still fill in Params before generating
// a root block, and CPU/PowDelay/Participate before mining.
func Default() *Config {
	return &Config{
		BranchesWindowSize: defaultBranchesWindowSize,
		CPU:                1,
	}
}

// Parse populates cfg from argv using go-flags, in the same option-group
// style the teacher core uses for its own CLI flags.
func Parse(cfg *Config, argv []string) ([]string, error) {
	parser := flags.NewParser(cfg, flags.Default)
	rest, err := parser.ParseArgs(argv)
	if err != nil {
		return nil, errors.Wrap(err, "config: parsing arguments")
	}
	return rest, nil
}

// Validate checks the operational fields and delegates protocol-constant
// validation to Params.Validate.
func (c *Config) Validate() error {
	if c.BranchesWindowSize < 0 {
		return errors.New("config: branchesWindowSize must be ≥ 0")
	}
	if c.CPU <= 0 || c.CPU > 1 {
		return errors.New("config: cpu must be in (0,1]")
	}
	if c.PowDelay < 0 {
		return errors.New("config: powDelay must be ≥ 0")
	}
	if c.Participate {
		if err := c.Params.Validate(); err != nil {
			return errors.Wrap(err, "config: protocol parameters")
		}
	}
	return nil
}
