package debug

import (
	"bytes"
	"strings"
	"testing"
)

func TestLevels_FilterByLevel(t *testing.T) {
	var buf bytes.Buffer
	SetOutput(&buf)
	Init(LevelLive)
	defer Init(LevelOff)

	Info("backend %s", "mock")
	Motor("left", 0.5, "running")
	Verbose("hidden")
	GPIO("WritePin", 17, true)

	out := buf.String()
	if !strings.Contains(out, "[INFO] backend mock") {
		t.Errorf("missing info line in %q", out)
	}
	if !strings.Contains(out, "Motor left: speed=+0.50 (running)") {
		t.Errorf("missing motor line in %q", out)
	}
	if strings.Contains(out, "hidden") || strings.Contains(out, "[GPIO]") {
		t.Errorf("verbose/trace output leaked at level 2: %q", out)
	}
}

func TestLevels_OffPrintsNothing(t *testing.T) {
	var buf bytes.Buffer
	SetOutput(&buf)
	Init(LevelOff)

	Info("nothing")
	Error(nil)
	Summary("title")

	if buf.Len() != 0 {
		t.Errorf("expected no output at level 0, got %q", buf.String())
	}
}

func TestIsEnabled(t *testing.T) {
	Init(LevelVerbose)
	defer Init(LevelOff)

	if !IsEnabled(LevelInfo) || !IsEnabled(LevelVerbose) {
		t.Error("levels <= 3 should be enabled")
	}
	if IsEnabled(LevelTrace) {
		t.Error("trace should be disabled at level 3")
	}
}
