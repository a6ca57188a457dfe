package logging

import (
	"testing"

	"github.com/sirupsen/logrus"
)

func TestNewParsesValidLevel(t *testing.T) {
	l := New("debug", "")
	if l.GetLevel() != logrus.DebugLevel {
		t.Fatalf("expected debug level, got %v", l.GetLevel())
	}
}

func TestNewFallsBackToInfoOnInvalidLevel(t *testing.T) {
	l := New("not-a-level", "")
	if l.GetLevel() != logrus.InfoLevel {
		t.Fatalf("expected fallback to info level, got %v", l.GetLevel())
	}
}

func TestGlobalReturnsANonNilLogger(t *testing.T) {
	if Global() == nil {
		t.Fatal("expected Global() to return a non-nil logger")
	}
}
