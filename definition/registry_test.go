package definition_test

import (
	"errors"
	"testing"
	"time"

	"github.com/cascadehq/cascade"
	"github.com/cascadehq/cascade/definition"
)

func validDefinition() *definition.Definition {
	return &definition.Definition{
		Type:  "order-pipeline",
		Entry: "reserve",
		Steps: map[string]*definition.Step{
			"reserve": {
				Triggers: []definition.Trigger{
					{Target: "charge", Condition: definition.ConditionSuccess},
					{Target: "release", Delay: 30 * time.Second, Condition: definition.ConditionFailure},
				},
			},
			"charge": {
				Retry: &definition.RetryPolicy{MaxAttempts: 3, Delay: 10 * time.Second},
				Triggers: []definition.Trigger{
					{Target: "release", Condition: definition.ConditionFailure},
				},
			},
			"release": {},
		},
	}
}

func TestRegisterAndLookup(t *testing.T) {
	r := definition.NewRegistry()
	if err := r.Register(validDefinition()); err != nil {
		t.Fatalf("register failed: %v", err)
	}

	d, err := r.Lookup("order-pipeline")
	if err != nil {
		t.Fatalf("lookup failed: %v", err)
	}
	if d.Type != "order-pipeline" {
		t.Errorf("expected type order-pipeline, got %q", d.Type)
	}
	if d.Entry != "reserve" {
		t.Errorf("expected entry reserve, got %q", d.Entry)
	}
	if len(d.Steps) != 3 {
		t.Errorf("expected 3 steps, got %d", len(d.Steps))
	}
}

func TestLookupNotFound(t *testing.T) {
	r := definition.NewRegistry()
	_, err := r.Lookup("missing")
	if !errors.Is(err, cascade.ErrDefinitionNotFound) {
		t.Errorf("expected ErrDefinitionNotFound, got %v", err)
	}
}

func TestRegisterDuplicateFails(t *testing.T) {
	r := definition.NewRegistry()
	if err := r.Register(validDefinition()); err != nil {
		t.Fatalf("first register failed: %v", err)
	}
	err := r.Register(validDefinition())
	if !errors.Is(err, cascade.ErrDuplicateDefinition) {
		t.Errorf("expected ErrDuplicateDefinition, got %v", err)
	}
}

func TestRegisterValidation(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*definition.Definition)
	}{
		{"empty type", func(d *definition.Definition) { d.Type = "" }},
		{"no steps", func(d *definition.Definition) { d.Steps = nil }},
		{"no entry", func(d *definition.Definition) { d.Entry = "" }},
		{"unknown entry", func(d *definition.Definition) { d.Entry = "missing" }},
		{"nil step", func(d *definition.Definition) { d.Steps["reserve"] = nil }},
		{"mismatched step id", func(d *definition.Definition) { d.Steps["reserve"].ID = "other" }},
		{"empty trigger target", func(d *definition.Definition) {
			d.Steps["reserve"].Triggers[0].Target = ""
		}},
		{"unknown trigger target", func(d *definition.Definition) {
			d.Steps["reserve"].Triggers[0].Target = "missing"
		}},
		{"negative trigger delay", func(d *definition.Definition) {
			d.Steps["reserve"].Triggers[1].Delay = -time.Second
		}},
		{"unknown condition", func(d *definition.Definition) {
			d.Steps["reserve"].Triggers[0].Condition = "sometimes"
		}},
		{"retry zero attempts", func(d *definition.Definition) {
			d.Steps["charge"].Retry.MaxAttempts = 0
		}},
		{"retry negative attempts", func(d *definition.Definition) {
			d.Steps["charge"].Retry.MaxAttempts = -1
		}},
		{"retry negative delay", func(d *definition.Definition) {
			d.Steps["charge"].Retry.Delay = -time.Second
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := definition.NewRegistry()
			d := validDefinition()
			tt.mutate(d)

			err := r.Register(d)
			var verr *definition.ValidationError
			if !errors.As(err, &verr) {
				t.Fatalf("expected ValidationError, got %v", err)
			}

			// Rejection is atomic: nothing stored.
			if _, lookupErr := r.Lookup(d.Type); lookupErr == nil && d.Type != "" {
				t.Error("rejected definition was stored")
			}
		})
	}
}

func TestRegisterNormalizes(t *testing.T) {
	r := definition.NewRegistry()
	d := &definition.Definition{
		Type:  "normalize-check",
		Entry: "a",
		Steps: map[string]*definition.Step{
			"a": {Triggers: []definition.Trigger{{Target: "b"}}},
			"b": {},
		},
	}
	if err := r.Register(d); err != nil {
		t.Fatalf("register failed: %v", err)
	}

	stored, err := r.Lookup("normalize-check")
	if err != nil {
		t.Fatalf("lookup failed: %v", err)
	}
	a := stored.Steps["a"]
	if a.ID != "a" {
		t.Errorf("expected step ID filled from key, got %q", a.ID)
	}
	if a.Handler != "a" {
		t.Errorf("expected handler defaulted to step ID, got %q", a.Handler)
	}
	if a.Triggers[0].Condition != definition.ConditionAny {
		t.Errorf("expected empty condition defaulted to any, got %q", a.Triggers[0].Condition)
	}
}

func TestRegisteredDefinitionIsACopy(t *testing.T) {
	r := definition.NewRegistry()
	d := validDefinition()
	if err := r.Register(d); err != nil {
		t.Fatalf("register failed: %v", err)
	}

	// Mutating the caller's definition after registration must not affect
	// the stored copy.
	d.Steps["reserve"].Triggers[0].Target = "mutated"
	d.Entry = "mutated"

	stored, err := r.Lookup("order-pipeline")
	if err != nil {
		t.Fatalf("lookup failed: %v", err)
	}
	if stored.Entry != "reserve" {
		t.Errorf("stored entry mutated: %q", stored.Entry)
	}
	if stored.Steps["reserve"].Triggers[0].Target != "charge" {
		t.Errorf("stored trigger mutated: %q", stored.Steps["reserve"].Triggers[0].Target)
	}
}

func TestTypes(t *testing.T) {
	r := definition.NewRegistry()
	if err := r.Register(validDefinition()); err != nil {
		t.Fatalf("register failed: %v", err)
	}

	types := r.Types()
	if len(types) != 1 || types[0] != "order-pipeline" {
		t.Errorf("expected [order-pipeline], got %v", types)
	}
}

func TestConditionMatches(t *testing.T) {
	tests := []struct {
		cond    definition.Condition
		success bool
		want    bool
	}{
		{definition.ConditionAny, true, true},
		{definition.ConditionAny, false, true},
		{definition.ConditionSuccess, true, true},
		{definition.ConditionSuccess, false, false},
		{definition.ConditionFailure, true, false},
		{definition.ConditionFailure, false, true},
		{definition.Condition("bogus"), true, false},
	}

	for _, tt := range tests {
		if got := tt.cond.Matches(tt.success); got != tt.want {
			t.Errorf("Condition(%q).Matches(%v) = %v, want %v", tt.cond, tt.success, got, tt.want)
		}
	}
}
