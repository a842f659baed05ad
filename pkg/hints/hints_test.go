package hints_test

import (
	"errors"
	"fmt"
	"testing"

	"github.com/paulschiretz/pgl-backitup/pkg/hints"
)

func TestHint(t *testing.T) {
	var (
		errBase      = errors.New("base error")
		errNothing   = hints.New("nothing to upload")
		errPromoted  = hints.Wrap(errBase)
		errWrappedUp = fmt.Errorf("ftp: %w", errNothing)
	)

	if hints.Wrap(nil) != nil {
		t.Error("Wrap(nil) should return nil")
	}
	if errNothing.Error() != "nothing to upload" {
		t.Errorf("expected message %q, got %q", "nothing to upload", errNothing.Error())
	}

	testCases := []struct {
		name     string
		err      error
		expected bool
	}{
		{"NilError", nil, false},
		{"StandardError", errBase, false},
		{"NewHint", errNothing, true},
		{"PromotedError", errPromoted, true},
		{"HintWrappedByFmt", errWrappedUp, true},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			if got := hints.IsHint(tc.err); got != tc.expected {
				t.Errorf("IsHint(%v) = %v, want %v", tc.err, got, tc.expected)
			}
		})
	}

	t.Run("Is", func(t *testing.T) {
		if !hints.Is(errWrappedUp, errNothing) {
			t.Error("expected wrapped hint to match its sentinel")
		}
		if hints.Is(errBase, errBase) {
			t.Error("a plain error must not match as a hint")
		}
		if !errors.Is(errPromoted, errBase) {
			t.Error("promoted hint should unwrap to the original error")
		}
	})
}
