package logging

import (
	"bytes"
	"errors"
	"log/slog"
	"strings"
	"testing"
)

func TestCLIHandlerFormatsAttrs(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	logger := slog.New(New(ModeCLI, &buf, slog.LevelDebug, false)).With("stage", "rootfs")
	logger.WithGroup("pkg").Warn("optional package failed", "name", "retroarch", "error", errors.New("exit status 1"))

	out := buf.String()
	for _, want := range []string{"-> ", "WARN", "optional package failed", "stage=rootfs", "pkg.name=retroarch", `pkg.error="exit status 1"`} {
		if !strings.Contains(out, want) {
			t.Fatalf("output %q does not contain %q", out, want)
		}
	}
}

func TestCLIHandlerRespectsLevel(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	logger := slog.New(New(ModeCLI, &buf, slog.LevelWarn, false))
	logger.Info("hidden")
	if buf.Len() != 0 {
		t.Fatalf("info record written at warn level: %q", buf.String())
	}
}

func TestFanoutWritesToEveryHandler(t *testing.T) {
	t.Parallel()

	var text, jsonBuf bytes.Buffer
	logger := slog.New(Fanout(
		New(ModeCLI, &text, slog.LevelInfo, false),
		New(ModeJSON, &jsonBuf, slog.LevelDebug, false),
	))
	logger.Debug("debug only in json")
	logger.Info("both")

	if strings.Contains(text.String(), "debug only") {
		t.Fatalf("text handler received debug record: %q", text.String())
	}
	if !strings.Contains(jsonBuf.String(), `"msg":"debug only in json"`) {
		t.Fatalf("json handler missing debug record: %q", jsonBuf.String())
	}
	if !strings.Contains(text.String(), "both") || !strings.Contains(jsonBuf.String(), `"msg":"both"`) {
		t.Fatalf("record not fanned out: text=%q json=%q", text.String(), jsonBuf.String())
	}
}

func TestParseLevel(t *testing.T) {
	t.Parallel()

	cases := map[string]slog.Level{
		"":        slog.LevelInfo,
		"DEBUG":   slog.LevelDebug,
		"warning": slog.LevelWarn,
		"err":     slog.LevelError,
	}
	for in, want := range cases {
		got, err := ParseLevel(in)
		if err != nil {
			t.Fatalf("ParseLevel(%q) error = %v", in, err)
		}
		if got != want {
			t.Fatalf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
	if _, err := ParseLevel("loud"); err == nil {
		t.Fatal("ParseLevel(loud) error = nil, want non-nil")
	}
}
