package vmlog_test

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"

	"roguevm/internal/vmlog"
)

func TestHandlerFormatsMessageAndAttrs(t *testing.T) {
	var buf bytes.Buffer
	logger := vmlog.NewLogger(&buf)
	logger.Info("mapped range", slog.Uint64("device_addr", 0x1000), slog.Int("size", 4096))

	out := buf.String()
	if !strings.Contains(out, "mapped range") {
		t.Fatalf("output missing message: %q", out)
	}
	if !strings.Contains(out, "device_addr=4096") && !strings.Contains(out, "device_addr=0x1000") {
		// slog.Uint64 renders as a plain decimal by default.
		if !strings.Contains(out, "device_addr=") {
			t.Fatalf("output missing device_addr attr: %q", out)
		}
	}
	if !strings.Contains(out, "size=4096") {
		t.Fatalf("output missing size attr: %q", out)
	}
}

func TestLevelGatesOutput(t *testing.T) {
	prev := vmlog.Level.Level()
	defer vmlog.Level.Set(prev)
	vmlog.Level.Set(slog.LevelWarn)

	var buf bytes.Buffer
	logger := vmlog.NewLogger(&buf)
	logger.Info("should not appear")
	if buf.Len() != 0 {
		t.Fatalf("Info logged while level is Warn: %q", buf.String())
	}

	logger.Warn("should appear")
	if buf.Len() == 0 {
		t.Fatal("Warn did not log while level is Warn")
	}
}
