package loadout

import (
	"errors"
	"reflect"
	"testing"
)

func TestFeatureAdvanceOrder(t *testing.T) {
	g := NewFeatureInitStateGraph("test")

	tests := []struct {
		to      FeatureStage
		wantErr bool
	}{
		{DependenciesReady, true},
		{DataAvailable, false},
		{DataAvailable, true},
		{Uninitialized, true},
		{DependenciesReady, false},
		{Initialized, false},
		{Initialized, true},
	}
	for _, tt := range tests {
		err := g.Advance("a", tt.to)
		if tt.wantErr {
			var te *TransitionError
			if !errors.As(err, &te) || !errors.Is(err, ErrInvalidTransition) {
				t.Fatalf("advance to %s: got %v, want a TransitionError", tt.to, err)
			}
			if te.Blocker != nil {
				t.Fatalf("advance to %s: unexpected blocker %+v", tt.to, te.Blocker)
			}
			continue
		}
		if err != nil {
			t.Fatalf("advance to %s: %v", tt.to, err)
		}
		if g.Stage("a") != tt.to {
			t.Fatalf("stage %s, want %s", g.Stage("a"), tt.to)
		}
	}
}

func TestFeatureDependencyGates(t *testing.T) {
	g := NewFeatureInitStateGraph("test")
	if err := g.Register("b", Dependency{Feature: "a", Stage: DependenciesReady}); err != nil {
		t.Fatal(err)
	}

	var unblocked []FeatureStateChange
	g.OnUnblocked(func(f FeatureID, next FeatureStage) {
		unblocked = append(unblocked, FeatureStateChange{Feature: f, Stage: next})
	})

	// Stages below the gate are free.
	if err := g.Advance("b", DataAvailable); err != nil {
		t.Fatalf("b to DataAvailable: %v", err)
	}

	err := g.Advance("b", DependenciesReady)
	var te *TransitionError
	if !errors.As(err, &te) || te.Blocker == nil || te.Blocker.Feature != "a" {
		t.Fatalf("got %v, want a blocked transition on a", err)
	}
	if g.Stage("b") != DataAvailable {
		t.Fatalf("failed advance changed the stage to %s", g.Stage("b"))
	}
	if got := g.Blockers("b"); len(got) != 1 || got[0].Feature != "a" {
		t.Fatalf("blockers %+v", got)
	}
	if g.CanAdvance("b") {
		t.Fatalf("b reported as able to advance")
	}

	if err := g.Advance("a", DataAvailable); err != nil {
		t.Fatal(err)
	}
	if len(unblocked) != 0 {
		t.Fatalf("unblocked early: %+v", unblocked)
	}
	if err := g.Advance("a", DependenciesReady); err != nil {
		t.Fatal(err)
	}

	want := []FeatureStateChange{{Feature: "b", Stage: DependenciesReady}}
	if !reflect.DeepEqual(unblocked, want) {
		t.Fatalf("unblocked %+v, want %+v", unblocked, want)
	}
	// Unblocking never advances by itself.
	if g.Stage("b") != DataAvailable {
		t.Fatalf("b advanced on its own to %s", g.Stage("b"))
	}
	if !g.CanAdvance("b") {
		t.Fatalf("b still blocked")
	}
	if err := g.Advance("b", DependenciesReady); err != nil {
		t.Fatal(err)
	}
}

func TestFeatureCallbacks(t *testing.T) {
	g := NewFeatureInitStateGraph("test")

	var fired []FeatureStateChange
	record := func(c FeatureStateChange) { fired = append(fired, c) }

	g.RegisterCallback("a", DataAvailable, record)
	g.RegisterCallback("a", Initialized, record)
	h := g.RegisterCallback("a", DependenciesReady, record)
	if g.Pending() != 3 {
		t.Fatalf("pending = %d, want 3", g.Pending())
	}
	if !g.Unregister(h) {
		t.Fatalf("unregister of a pending callback failed")
	}
	if g.Unregister(h) {
		t.Fatalf("unregister twice succeeded")
	}

	if err := g.Advance("a", DataAvailable); err != nil {
		t.Fatal(err)
	}
	if err := g.Advance("a", DependenciesReady); err != nil {
		t.Fatal(err)
	}
	if len(fired) != 1 || fired[0].Stage != DataAvailable {
		t.Fatalf("fired %+v", fired)
	}

	// Registering for a stage already reached fires right away, once.
	g.RegisterCallback("a", DataAvailable, record)
	if len(fired) != 2 || fired[1].Stage != DataAvailable {
		t.Fatalf("late callback did not fire immediately: %+v", fired)
	}

	if err := g.Advance("a", Initialized); err != nil {
		t.Fatal(err)
	}
	if len(fired) != 3 || fired[2].Stage != Initialized {
		t.Fatalf("fired %+v", fired)
	}
	if g.Pending() != 0 {
		t.Fatalf("callbacks left pending: %d", g.Pending())
	}
}

func TestFeatureReentrantAdvance(t *testing.T) {
	g := NewFeatureInitStateGraph("test")

	var order []string
	g.RegisterCallback("a", DataAvailable, func(FeatureStateChange) {
		order = append(order, "a:data")
		if err := g.Advance("b", DataAvailable); err != nil {
			t.Errorf("advance from callback: %v", err)
		}
		order = append(order, "a:data:done")
	})
	g.RegisterCallback("a", DataAvailable, func(FeatureStateChange) {
		order = append(order, "a:data:second")
	})
	g.RegisterCallback("b", DataAvailable, func(FeatureStateChange) {
		order = append(order, "b:data")
	})

	if err := g.Advance("a", DataAvailable); err != nil {
		t.Fatal(err)
	}

	want := []string{"a:data", "a:data:done", "a:data:second", "b:data"}
	if !reflect.DeepEqual(order, want) {
		t.Fatalf("order %v, want %v", order, want)
	}
	if g.Stage("b") != DataAvailable {
		t.Fatalf("b at %s", g.Stage("b"))
	}
}

func TestFeatureDependencyCycle(t *testing.T) {
	g := NewFeatureInitStateGraph("test")
	if err := g.Register("b", Dependency{Feature: "a", Stage: DataAvailable}); err != nil {
		t.Fatal(err)
	}
	if err := g.Register("c", Dependency{Feature: "b", Stage: DataAvailable}); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name    string
		feature FeatureID
		dep     FeatureID
	}{
		{"self", "a", "a"},
		{"direct", "a", "b"},
		{"transitive", "a", "c"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := g.Register(tt.feature, Dependency{Feature: tt.dep, Stage: Initialized})
			if !errors.Is(err, ErrDependencyCycle) {
				t.Fatalf("got %v, want ErrDependencyCycle", err)
			}
		})
	}
}

func TestFeatureRegisterPastGate(t *testing.T) {
	g := NewFeatureInitStateGraph("test")
	if err := g.Advance("b", DataAvailable); err != nil {
		t.Fatal(err)
	}
	err := g.Register("b", Dependency{Feature: "a", Stage: DataAvailable})
	if !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("got %v, want ErrInvalidTransition", err)
	}
	if len(g.Blockers("b")) != 0 {
		t.Fatalf("rejected dependency was recorded")
	}
}

func TestFeatureGraphClose(t *testing.T) {
	g := NewFeatureInitStateGraph("test")
	called := false
	g.RegisterCallback("a", DataAvailable, func(FeatureStateChange) { called = true })

	g.Close()
	if err := g.Advance("a", DataAvailable); !errors.Is(err, ErrClosed) {
		t.Fatalf("got %v, want ErrClosed", err)
	}
	if called || g.Pending() != 0 {
		t.Fatalf("callbacks survived close")
	}
}

func TestFeatureStageString(t *testing.T) {
	tests := []struct {
		stage FeatureStage
		want  string
	}{
		{Uninitialized, "Uninitialized"},
		{DataAvailable, "DataAvailable"},
		{DependenciesReady, "DependenciesReady"},
		{Initialized, "Initialized"},
		{FeatureStage(42), "Unknown"},
	}
	for _, tt := range tests {
		if got := tt.stage.String(); got != tt.want {
			t.Errorf("%d.String() = %q, want %q", int(tt.stage), got, tt.want)
		}
	}
	if _, ok := Initialized.Next(); ok {
		t.Errorf("Initialized has a next stage")
	}
}

func TestFeatureRejectedRegisterLeavesGraph(t *testing.T) {
	g := NewFeatureInitStateGraph("test")
	if err := g.Register("b", Dependency{Feature: "a", Stage: DataAvailable}); err != nil {
		t.Fatal(err)
	}
	if err := g.Advance("c", DataAvailable); err != nil {
		t.Fatal(err)
	}
	want := g.Features()

	tests := []struct {
		name    string
		feature FeatureID
		deps    []Dependency
		wantErr error
	}{
		{
			name:    "cycle after a new dependency",
			feature: "a",
			deps: []Dependency{
				{Feature: "x", Stage: DataAvailable},
				{Feature: "b", Stage: DataAvailable},
			},
			wantErr: ErrDependencyCycle,
		},
		{
			name:    "dependency behind the current stage",
			feature: "c",
			deps: []Dependency{
				{Feature: "y", Stage: DataAvailable},
				{Feature: "z", Stage: DataAvailable},
			},
			wantErr: ErrInvalidTransition,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := g.Register(tt.feature, tt.deps...); !errors.Is(err, tt.wantErr) {
				t.Fatalf("got %v, want %v", err, tt.wantErr)
			}
			if got := g.Features(); !reflect.DeepEqual(got, want) {
				t.Fatalf("features %v, want %v", got, want)
			}
			if got := g.Blockers(tt.feature); len(got) != 0 {
				t.Fatalf("rejected dependencies kept: %+v", got)
			}
		})
	}
}
