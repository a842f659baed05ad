package module

import (
	"context"
	"reflect"
	"testing"

	"github.com/paulschiretz/pgl-backitup/pkg/config"
	"github.com/paulschiretz/pgl-backitup/pkg/runctx"
)

func named(name string, afterBackup bool) Module {
	return &Func{
		Desc:      Descriptor{Name: name, AfterBackup: afterBackup},
		ExecuteFn: func(context.Context, *config.Config, *runctx.Context) error { return nil },
	}
}

func TestRegistry(t *testing.T) {
	r, err := NewRegistry(named("signal", true), named("iobroker", false), named("telegram", true), named("clean", false))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if got, want := r.Names(), []string{"iobroker", "clean", "signal", "telegram"}; !reflect.DeepEqual(got, want) {
		t.Errorf("expected order %v, got %v", want, got)
	}
	if len(r.MainPhase()) != 2 || len(r.AfterBackupPhase()) != 2 {
		t.Errorf("unexpected phase split: %d main, %d after", len(r.MainPhase()), len(r.AfterBackupPhase()))
	}
	if r.Position("signal") != 2 || r.Position("unknown") != -1 {
		t.Errorf("unexpected positions: signal=%d unknown=%d", r.Position("signal"), r.Position("unknown"))
	}
	if m, ok := r.Lookup("clean"); !ok || m.Descriptor().Name != "clean" {
		t.Error("expected lookup of clean to succeed")
	}
}

func TestRegistry_RejectsDuplicates(t *testing.T) {
	if _, err := NewRegistry(named("mysql", false), named("mysql", false)); err == nil {
		t.Fatal("expected duplicate name to be rejected")
	}
	if _, err := NewRegistry(named("", false)); err == nil {
		t.Fatal("expected empty name to be rejected")
	}
}

func TestFunc_EnabledDefaultsToTrue(t *testing.T) {
	cfg := config.NewDefault()
	if !named("x", false).Enabled(&cfg) {
		t.Error("expected module without EnabledFn to be enabled")
	}
}
