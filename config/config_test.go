package config_test

import (
	"testing"
	"time"

	"github.com/duniter-io/ucoin-core/config"
	"github.com/duniter-io/ucoin-core/internal/params"
)

func wellFormedParams() params.Params {
	return params.Params{
		Currency:         "test_currency",
		C:                0.05,
		Dt:               86400,
		UD0:              100,
		SigDelay:         1,
		SigValidity:      1000000,
		SigQty:           3,
		SigWoT:           5,
		MsValidity:       1000000,
		StepMax:          3,
		MedianTimeBlocks: 11,
		AvgGenTime:       300,
		DtDiffEval:       10,
		BlocksRot:        20,
		PercentRot:       0.67,
	}
}

func TestDefaultIsValidWithoutParticipation(t *testing.T) {
	cfg := config.Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("expected the zero-value operational config to validate, got %s", err)
	}
}

func TestValidateRejectsOutOfRangeCPU(t *testing.T) {
	cfg := config.Default()
	cfg.CPU = 0
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected cpu=0 to be rejected")
	}
	cfg.CPU = 1.5
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected cpu=1.5 to be rejected")
	}
}

func TestValidateRejectsNegativeBranchesWindowOrPowDelay(t *testing.T) {
	cfg := config.Default()
	cfg.BranchesWindowSize = -1
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected a negative branchesWindowSize to be rejected")
	}

	cfg = config.Default()
	cfg.PowDelay = -1 * time.Second
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected a negative powDelay to be rejected")
	}
}

func TestValidateDelegatesToParamsOnlyWhenParticipating(t *testing.T) {
	cfg := config.Default()
	cfg.Participate = false
	// Params is left zero-valued (invalid), but non-participation must
	// not require it.
	if err := cfg.Validate(); err != nil {
		t.Fatalf("expected non-participating config to skip Params validation, got %s", err)
	}

	cfg.Participate = true
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected participating config with zero-valued Params to fail")
	}

	cfg.Params = wellFormedParams()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("expected a well-formed Params to validate, got %s", err)
	}
}

func TestParseReadsLongFlags(t *testing.T) {
	cfg := &config.Config{}
	rest, err := config.Parse(cfg, []string{
		"--branchesWindowSize=50",
		"--participate",
		"--cpu=0.5",
		"--rootoffset=120",
		"leftover-arg",
	})
	if err != nil {
		t.Fatalf("Parse: %s", err)
	}
	if cfg.BranchesWindowSize != 50 || cfg.CPU != 0.5 || cfg.RootOffset != 120 || !cfg.Participate {
		t.Fatalf("unexpected parsed config: %+v", cfg)
	}
	if len(rest) != 1 || rest[0] != "leftover-arg" {
		t.Fatalf("expected the positional leftover argument preserved, got %+v", rest)
	}
}
