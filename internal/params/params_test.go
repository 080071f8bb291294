package params_test

import (
	"testing"

	"github.com/duniter-io/ucoin-core/internal/params"
)

func validParams() params.Params {
	return params.Params{
		Currency:         "test_currency",
		C:                0.0488,
		Dt:               86400,
		UD0:              1000,
		SigDelay:         5259600,
		SigValidity:      63115200,
		SigQty:           2,
		SigWoT:           2,
		MsValidity:       31557600,
		StepMax:          3,
		MedianTimeBlocks: 11,
		AvgGenTime:       300,
		DtDiffEval:       12,
		BlocksRot:        20,
		PercentRot:       0.67,
	}
}

func TestValidateAcceptsWellFormedParams(t *testing.T) {
	p := validParams()
	if err := p.Validate(); err != nil {
		t.Fatalf("expected valid params to pass, got: %s", err)
	}
}

func TestValidateRejectsBadFields(t *testing.T) {
	mutations := []func(*params.Params){
		func(p *params.Params) { p.Currency = "" },
		func(p *params.Params) { p.C = 0 },
		func(p *params.Params) { p.Dt = 0 },
		func(p *params.Params) { p.SigQty = 0 },
		func(p *params.Params) { p.SigWoT = 0 },
		func(p *params.Params) { p.StepMax = 0 },
		func(p *params.Params) { p.MedianTimeBlocks = 0 },
		func(p *params.Params) { p.AvgGenTime = 0 },
		func(p *params.Params) { p.DtDiffEval = 0 },
		func(p *params.Params) { p.BlocksRot = 0 },
		func(p *params.Params) { p.PercentRot = 0 },
		func(p *params.Params) { p.PercentRot = 1.5 },
	}
	for i, mutate := range mutations {
		p := validParams()
		mutate(&p)
		if err := p.Validate(); err == nil {
			t.Errorf("mutation %d: expected an error, got nil", i)
		}
	}
}
