//go:build linux

package vm

import (
	"bytes"
	"errors"
	"log/slog"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestProbeMSRs(t *testing.T) {
	got := probeMSRs(func() ([]uint32, error) {
		return []uint32{0x10, 0x174}, nil
	})

	if diff := cmp.Diff([]uint32{0x10, 0x174}, got); diff != "" {
		t.Fatalf("msrs differ: %s", diff)
	}
}

func TestProbeMSRsFails(t *testing.T) {
	var logs bytes.Buffer
	defer slog.SetDefault(slog.Default())
	slog.SetDefault(slog.New(slog.NewTextHandler(&logs, nil)))

	got := probeMSRs(func() ([]uint32, error) {
		return nil, errors.New("boom")
	})

	if got == nil || len(got) != 0 {
		t.Fatalf("want empty list, got %v", got)
	}

	if !strings.Contains(logs.String(), "level=WARN") || !strings.Contains(logs.String(), "boom") {
		t.Errorf("failure wasn't logged: %q", logs.String())
	}
}
