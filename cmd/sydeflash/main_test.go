package main

import (
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/LoveWonYoung/sydeflash/fault"
	"github.com/LoveWonYoung/sydeflash/flash_driver"
)

func TestParseNumber(t *testing.T) {
	for in, want := range map[string]uint32{
		"0":      0,
		"127":    127,
		" 42 ":   42,
		"0x7f":   0x7F,
		"0X1000": 0x1000,
	} {
		got, err := parseNumber(in)
		if err != nil {
			t.Errorf("parseNumber(%q): %v", in, err)
			continue
		}
		if got != want {
			t.Errorf("parseNumber(%q) = %d, want %d", in, got, want)
		}
	}
	for _, in := range []string{"", "0x", "-1", "12ab", "0x1FFFFFFFF"} {
		if _, err := parseNumber(in); err == nil {
			t.Errorf("parseNumber(%q) should fail", in)
		}
	}
}

func TestExitCode(t *testing.T) {
	step := func(s flash_driver.Step, err error) error {
		return &flash_driver.StepError{Step: s, Err: err}
	}
	cases := []struct {
		name string
		err  error
		want int
	}{
		{"ok", nil, exitOK},
		{"init", step(flash_driver.StepInit, fault.ErrPrecondition), exitInit},
		{"activate", step(flash_driver.StepActivate, fault.ErrTimeout), exitActivate},
		{"read info", step(flash_driver.StepReadInfo, fault.ErrTransport), exitReadInfo},
		{"check memory", step(flash_driver.StepCheckMemory, fault.ErrPrecondition), exitUpdate},
		{"update", fmt.Errorf("node 3: %w", step(flash_driver.StepUpdate, fault.ErrChecksum)), exitUpdate},
		{"reset", step(flash_driver.StepReset, fault.ErrTimeout), exitReset},
		{"usage", usagef("--file is required"), exitInvalidParams},
		{"bad system file", fmt.Errorf("system.toml: %w", fault.ErrPrecondition), exitInvalidParams},
		{"no interface", fmt.Errorf("open can0: %w", fault.ErrTransport), exitInit},
		{"unreachable", fmt.Errorf("no route: %w", fault.ErrTopology), exitInit},
		{"other", errors.New("boom"), exitInvalidParams},
	}
	for _, c := range cases {
		if got := exitCode(c.err); got != c.want {
			t.Errorf("%s: exitCode = %d, want %d", c.name, got, c.want)
		}
	}
}

func TestSummarize(t *testing.T) {
	err := &flash_driver.StepError{
		Step: flash_driver.StepUpdate,
		Err:  fmt.Errorf("transfer data: 7f 36 73: %w", fault.ErrSequence),
	}
	got := summarize(err)
	if !strings.HasPrefix(got, flash_driver.StepUpdate.String()) {
		t.Errorf("summary %q should name the step", got)
	}
	if strings.Contains(got, "7f 36") {
		t.Errorf("summary %q should not carry the raw response", got)
	}

	if got := summarize(usagef("--bitrate: invalid value %q", "x")); !strings.HasPrefix(got, "invalid parameters") {
		t.Errorf("usage summary = %q", got)
	}
	if got := summarize(errors.New("boom")); got != "boom" {
		t.Errorf("plain summary = %q", got)
	}
}
