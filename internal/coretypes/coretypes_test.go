package coretypes

import (
	"context"
	"testing"
)

func TestSignature_StableAcrossRegenerationsOfSameDefinition(t *testing.T) {
	build := func() *Task {
		return &Task{
			Name:         "compile",
			Dependencies: []Dependency{stubDependency{key: "a.c"}},
			Targets:      []Target{stubTarget{key: "a.o"}},
			SetupTasks:   []string{"setup"},
			Actions:      []Action{{Func: stubAction}},
		}
	}

	a, b := build(), build()
	if a.Signature() != b.Signature() {
		t.Fatalf("two builds of an identical definition produced different signatures:\n%s\n%s", a.Signature(), b.Signature())
	}
}

func TestSignature_ChangesWithDependencySet(t *testing.T) {
	base := &Task{Name: "t", Dependencies: []Dependency{stubDependency{key: "a.c"}}, Actions: []Action{{Func: stubAction}}}
	changed := &Task{Name: "t", Dependencies: []Dependency{stubDependency{key: "a.c"}, stubDependency{key: "b.c"}}, Actions: []Action{{Func: stubAction}}}

	if base.Signature() == changed.Signature() {
		t.Fatal("adding a dependency must change the signature")
	}
}

func TestSignature_DependencyAndTargetOrderDoesNotMatter(t *testing.T) {
	forward := &Task{
		Name:         "t",
		Dependencies: []Dependency{stubDependency{key: "a.c"}, stubDependency{key: "b.c"}},
		Targets:      []Target{stubTarget{key: "a.o"}, stubTarget{key: "b.o"}},
	}
	backward := &Task{
		Name:         "t",
		Dependencies: []Dependency{stubDependency{key: "b.c"}, stubDependency{key: "a.c"}},
		Targets:      []Target{stubTarget{key: "b.o"}, stubTarget{key: "a.o"}},
	}

	if forward.Signature() != backward.Signature() {
		t.Fatal("§4.4 treats the dependency and target lists as sets: declaration order must not affect the signature")
	}
}

func TestSignature_GetargsProducerValueSplitDoesNotCollide(t *testing.T) {
	valueZ := "z"
	a := &Task{Name: "t", Getargs: map[string]GetArgsRef{"p": {Producer: "x.y", Value: &valueZ}}}

	valueYZ := "y.z"
	b := &Task{Name: "t", Getargs: map[string]GetArgsRef{"p": {Producer: "x", Value: &valueYZ}}}

	if a.Signature() == b.Signature() {
		t.Fatalf("Producer=%q Value=%q must not collide with Producer=%q Value=%q:\n%s\n%s",
			"x.y", "z", "x", "y.z", a.Signature(), b.Signature())
	}
}

func TestSignature_SetupTaskOrderMatters(t *testing.T) {
	forward := &Task{Name: "t", SetupTasks: []string{"a", "b"}}
	backward := &Task{Name: "t", SetupTasks: []string{"b", "a"}}

	if forward.Signature() == backward.Signature() {
		t.Fatal("setup-tasks is a list, not a set: reordering it must change the signature")
	}
}

func TestValidateSavedValue(t *testing.T) {
	tests := []struct {
		name    string
		value   any
		wantErr bool
	}{
		{name: "nil", value: nil},
		{name: "bool", value: true},
		{name: "int64", value: int64(7)},
		{name: "float64", value: 3.14},
		{name: "string", value: "ok"},
		{name: "list of scalars", value: []any{"a", int64(1), nil}},
		{name: "nested map", value: map[string]any{"k": []any{true, 1.0}}},
		{name: "channel is not serializable", value: make(chan int), wantErr: true},
		{name: "list containing a func", value: []any{func() {}}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateSavedValue(tt.value)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ValidateSavedValue(%#v) error = %v, wantErr %v", tt.value, err, tt.wantErr)
			}
		})
	}
}

func TestSavedValues_CloneIsIndependent(t *testing.T) {
	v := SavedValues{"a": 1}
	c := v.Clone()
	c["a"] = 2
	if v["a"] != 1 {
		t.Fatal("mutating a clone must not affect the original")
	}
}

type stubDependency struct{ key string }

func (s stubDependency) Key() string                                     { return s.key }
func (s stubDependency) Exists(context.Context) (bool, error)             { return true, nil }
func (s stubDependency) Witness(context.Context) (Witness, error)         { return nil, nil }
func (s stubDependency) ModifiedSince(context.Context, Witness) (bool, error) { return false, nil }
func (s stubDependency) MatchStrategy() MatchStrategy                     { return MatchExact }

type stubTarget struct{ key string }

func (s stubTarget) Key() string                         { return s.key }
func (s stubTarget) Exists(context.Context) (bool, error) { return true, nil }
func (s stubTarget) MatchStrategy() MatchStrategy         { return MatchExact }

func stubAction(context.Context, *Task) ActionResult { return ActionResult{Success: true} }
