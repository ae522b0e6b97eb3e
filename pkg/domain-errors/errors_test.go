package domainerrors

import (
	"errors"
	"fmt"
	"testing"
)

func TestErrorFormatting(t *testing.T) {
	plain := New(CodeNotFound, "contact missing")
	if plain.Error() != "not_found: contact missing" {
		t.Fatalf("unexpected message: %q", plain.Error())
	}

	wrapped := Wrap(errors.New("row gone"), CodeNotFound, "contact missing")
	if wrapped.Error() != "not_found: contact missing: row gone" {
		t.Fatalf("unexpected wrapped message: %q", wrapped.Error())
	}
}

func TestHasCodeWalksTheChain(t *testing.T) {
	inner := New(CodeConflict, "serialization failure")
	outer := Wrap(inner, CodeUnavailable, "retries exhausted")

	if !HasCode(outer, CodeUnavailable) {
		t.Fatal("expected outer code to match")
	}
	if !HasCode(outer, CodeConflict) {
		t.Fatal("expected inner code to match through the chain")
	}
	if HasCode(outer, CodeNotFound) {
		t.Fatal("unexpected match for absent code")
	}
	if HasCode(nil, CodeConflict) {
		t.Fatal("nil error must not match")
	}
}

func TestHasCodeSeesThroughFmtWrapping(t *testing.T) {
	err := fmt.Errorf("resolve: %w", New(CodeInvalidInput, "empty observation"))
	if !HasCode(err, CodeInvalidInput) {
		t.Fatal("expected code through fmt.Errorf wrapping")
	}
}

func TestCodeOf(t *testing.T) {
	if got := CodeOf(New(CodeTimeout, "deadline")); got != CodeTimeout {
		t.Fatalf("CodeOf = %v", got)
	}
	if got := CodeOf(errors.New("anonymous")); got != CodeInternal {
		t.Fatalf("uncoded error must map to internal, got %v", got)
	}
	if got := CodeOf(Wrap(New(CodeConflict, "inner"), CodeUnavailable, "outer")); got != CodeUnavailable {
		t.Fatalf("CodeOf must report the outermost code, got %v", got)
	}
}

func TestUnwrapExposesCause(t *testing.T) {
	cause := errors.New("root cause")
	if !errors.Is(Wrap(cause, CodeInternal, "wrapped"), cause) {
		t.Fatal("errors.Is must reach the cause")
	}
}
