package pipeline

import (
	"context"
	"errors"
	"testing"
)

func setStep(name, key string, value any, cmd Command) Step {
	return NewStep(name, func(context.Context, Context) (Context, Command, error) {
		return Context{key: value}, cmd, nil
	})
}

func TestRegistry_RunMergesAndContinues(t *testing.T) {
	reg, err := Init(Config{Pipelines: map[string][]string{
		"refund.stripe": {"a", "b"},
	}}, []Step{
		setStep("a", "a", 1, Continue),
		NewStep("b", func(_ context.Context, pc Context) (Context, Command, error) {
			if pc.Int64("a") != 1 {
				t.Errorf("step b should see update of step a, got %v", pc["a"])
			}
			return Context{"b": "done"}, Continue, nil
		}),
	}, nil)
	if err != nil {
		t.Fatalf("init failed: %v", err)
	}

	input := Context{"order_id": "O1"}
	res, err := reg.Run(context.Background(), "refund.stripe", input)
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if res.Halted() {
		t.Fatal("pipeline should not halt")
	}
	if res.Context.String("b") != "done" || res.Context.String("order_id") != "O1" {
		t.Fatalf("unexpected result context: %+v", res.Context)
	}
	if _, leaked := input["a"]; leaked {
		t.Fatal("input context must not be mutated")
	}
}

func TestRegistry_HaltStopsExecution(t *testing.T) {
	called := false
	reg, err := Init(Config{Pipelines: map[string][]string{"p": {"check", "never"}}}, []Step{
		setStep("check", "refund_status", "already_refunded", Halt),
		NewStep("never", func(context.Context, Context) (Context, Command, error) {
			called = true
			return nil, Continue, nil
		}),
	}, nil)
	if err != nil {
		t.Fatalf("init failed: %v", err)
	}

	res, err := reg.Run(context.Background(), "p", Context{})
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if called {
		t.Fatal("step after HALT must not run")
	}
	if res.HaltedBy != "check" || res.Context.String("refund_status") != "already_refunded" {
		t.Fatalf("unexpected result: %+v", res)
	}
}

func TestRegistry_ErrorsPropagate(t *testing.T) {
	domainErr := errors.New("refund already issued for this line item")
	reg, err := Init(Config{Pipelines: map[string][]string{
		"err":   {"fail"},
		"panic": {"explode"},
	}}, []Step{
		NewStep("fail", func(context.Context, Context) (Context, Command, error) {
			return nil, Continue, domainErr
		}),
		NewStep("explode", func(context.Context, Context) (Context, Command, error) {
			panic("psp client bug")
		}),
	}, nil)
	if err != nil {
		t.Fatalf("init failed: %v", err)
	}

	if _, err := reg.Run(context.Background(), "err", Context{}); !errors.Is(err, domainErr) {
		t.Fatalf("expected domain error, got %v", err)
	}

	_, err = reg.Run(context.Background(), "panic", Context{})
	var panicErr *StepPanicError
	if !errors.As(err, &panicErr) || panicErr.Step != "explode" {
		t.Fatalf("expected step panic error, got %v", err)
	}

	if _, err := reg.Run(context.Background(), "missing", Context{}); !errors.Is(err, ErrUnknownPipeline) {
		t.Fatalf("expected ErrUnknownPipeline, got %v", err)
	}
}

func TestInit_FailsFast(t *testing.T) {
	cases := map[string]Config{
		"unknown step": {Pipelines: map[string][]string{"p": {"ghost"}}},
		"empty steps":  {Pipelines: map[string][]string{"p": {}}},
	}
	for name, cfg := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := Init(cfg, []Step{setStep("a", "a", 1, Continue)}, nil); !errors.Is(err, ErrInvalidConfig) {
				t.Fatalf("expected ErrInvalidConfig, got %v", err)
			}
		})
	}

	if _, err := Init(Config{}, []Step{setStep("a", "a", 1, Continue), setStep("a", "b", 2, Continue)}, nil); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("expected duplicate step error, got %v", err)
	}
}
