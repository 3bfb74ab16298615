package storage

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/spf13/afero"
)

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

func memFS(t *testing.T, files ...string) afero.Fs {
	t.Helper()
	fs := afero.NewMemMapFs()
	for _, f := range files {
		if err := afero.WriteFile(fs, f, []byte("x"), 0o644); err != nil {
			t.Fatalf("WriteFile(%s) error = %v", f, err)
		}
	}
	return fs
}

func TestScanOrderAndFilter(t *testing.T) {
	fs := memFS(t,
		"/sdcard/b.mp3",
		"/sdcard/a.MP3",
		"/sdcard/notes.txt",
		"/sdcard/album/01.mp3",
		"/sdcard/.trash/old.mp3",
		"/sdcard/.hidden.mp3",
	)

	var got []string
	s := NewScanner(fs, "/sdcard", []string{".mp3"}, discard)
	if err := s.Scan(context.Background(), func(track string) error {
		got = append(got, track)
		return nil
	}); err != nil {
		t.Fatalf("Scan() error = %v", err)
	}

	want := []string{"/sdcard/a.MP3", "/sdcard/album/01.mp3", "/sdcard/b.mp3"}
	if len(got) != len(want) {
		t.Fatalf("Scan() = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("Scan()[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestScanStopsOnCallbackError(t *testing.T) {
	fs := memFS(t, "/sdcard/a.mp3", "/sdcard/b.mp3")
	stop := errors.New("enough")

	calls := 0
	err := NewScanner(fs, "/sdcard", []string{"mp3"}, discard).Scan(context.Background(), func(string) error {
		calls++
		return stop
	})
	if !errors.Is(err, stop) || calls != 1 {
		t.Errorf("Scan() = %v after %d calls, want %v after 1", err, calls, stop)
	}
}

func TestScanCancelled(t *testing.T) {
	fs := memFS(t, "/sdcard/a.mp3")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := NewScanner(fs, "/sdcard", []string{"mp3"}, discard).Scan(ctx, func(string) error { return nil })
	if !errors.Is(err, context.Canceled) {
		t.Errorf("Scan() error = %v, want context.Canceled", err)
	}
}

func TestPresent(t *testing.T) {
	fs := memFS(t, "/sdcard/a.mp3")
	if err := fs.MkdirAll("/mnt/empty", 0o755); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		root string
		want bool
	}{
		{root: "/sdcard", want: true},
		{root: "/mnt/empty", want: false},
		{root: "/missing", want: false},
		{root: "/sdcard/a.mp3", want: false},
	}
	for _, tt := range tests {
		if got := Present(fs, tt.root); got != tt.want {
			t.Errorf("Present(%s) = %v, want %v", tt.root, got, tt.want)
		}
	}
}
