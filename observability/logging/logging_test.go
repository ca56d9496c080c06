package logging

import (
	"log/slog"
	"testing"
)

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"INFO":    slog.LevelInfo,
		" warn ":  slog.LevelWarn,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
		"":        slog.LevelInfo,
		"verbose": slog.LevelInfo,
	}
	for input, want := range cases {
		if got := parseLevel(input); got != want {
			t.Errorf("parseLevel(%q) = %v, want %v", input, got, want)
		}
	}
}

func TestRemapAttrRenamesDefaultKeys(t *testing.T) {
	attr := remapAttr(nil, slog.String(slog.MessageKey, "hello"))
	if attr.Key != "message" {
		t.Fatalf("message key remapped to %q", attr.Key)
	}
	attr = remapAttr(nil, slog.Any(slog.LevelKey, slog.LevelWarn))
	if attr.Key != "severity" || attr.Value.String() != "WARN" {
		t.Fatalf("level remapped to %s=%s", attr.Key, attr.Value.String())
	}
	attr = remapAttr(nil, slog.String("order_id", "order-1"))
	if attr.Key != "order_id" {
		t.Fatalf("unrelated key rewritten to %q", attr.Key)
	}
}
