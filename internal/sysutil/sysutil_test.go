package sysutil

import (
	"testing"

	"github.com/rs/zerolog"
)

func TestSetLogLevel(t *testing.T) {
	orig := zerolog.GlobalLevel()
	t.Cleanup(func() { zerolog.SetGlobalLevel(orig) })

	cases := []struct {
		in   string
		want zerolog.Level
	}{
		{"debug", zerolog.DebugLevel},
		{"trace", zerolog.TraceLevel},
		{"  DeBuG  ", zerolog.DebugLevel},
		{"info", zerolog.InfoLevel},
		{"", zerolog.InfoLevel},
		{"warn", zerolog.WarnLevel},
		{"warning", zerolog.WarnLevel},
		{"error", zerolog.ErrorLevel},
		{"fatal", zerolog.FatalLevel},
		{"panic", zerolog.PanicLevel},
		{"unknown", zerolog.InfoLevel},
	}

	for _, tc := range cases {
		got := SetLogLevel(tc.in)
		if got != tc.want {
			t.Fatalf("SetLogLevel(%q) returned %v; want %v", tc.in, got, tc.want)
		}
		if lvl := zerolog.GlobalLevel(); lvl != tc.want {
			t.Fatalf("SetLogLevel(%q) applied %v; want %v", tc.in, lvl, tc.want)
		}
	}
}

func TestFirstNonEmpty(t *testing.T) {
	if got := FirstNonEmpty(); got != "" {
		t.Fatalf("FirstNonEmpty() = %q; want \"\"", got)
	}
	if got := FirstNonEmpty(" ", "\t", "\n"); got != "" {
		t.Fatalf("FirstNonEmpty(blanks) = %q; want \"\"", got)
	}
	// Chosen value keeps its original spacing.
	if got := FirstNonEmpty("   ", "  v1.4.0  ", "dev"); got != "  v1.4.0  " {
		t.Fatalf("FirstNonEmpty(...) = %q; want %q", got, "  v1.4.0  ")
	}
	if got := FirstNonEmpty("v2.0.0", "dev"); got != "v2.0.0" {
		t.Fatalf("FirstNonEmpty(...) = %q; want %q", got, "v2.0.0")
	}
}
