package engine

import (
	"context"
	"testing"
)

func TestAnonymizeSubjectNoopWhenUnset(t *testing.T) {
	got, err := AnonymizeSubject(context.Background(), Config{}, "0042")
	if err != nil {
		t.Fatalf("AnonymizeSubject: %v", err)
	}
	if got != "0042" {
		t.Fatalf("got %q, want 0042", got)
	}
}

func TestAnonymizeSubjectRunsCommand(t *testing.T) {
	cfg := Config{AnonCmd: "/bin/echo"}
	got, err := AnonymizeSubject(context.Background(), cfg, "0042")
	if err != nil {
		t.Fatalf("AnonymizeSubject: %v", err)
	}
	if got != "0042" {
		t.Fatalf("got %q, want 0042", got)
	}
}

func TestAnonymizeSubjectRejectsEmptyOutput(t *testing.T) {
	cfg := Config{AnonCmd: "/bin/true"}
	if _, err := AnonymizeSubject(context.Background(), cfg, "0042"); err == nil {
		t.Fatalf("expected an error for empty anon-cmd output")
	}
}
