package storage

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/afero"
)

// Present reports whether a medium is mounted at root. An unmounted mount
// point is an empty directory.
func Present(fs afero.Fs, root string) bool {
	ok, err := afero.DirExists(fs, root)
	if err != nil || !ok {
		return false
	}
	empty, err := afero.IsEmpty(fs, root)
	return err == nil && !empty
}

// Scanner finds playable tracks on a storage medium.
type Scanner struct {
	fs     afero.Fs
	root   string
	exts   map[string]bool
	logger *slog.Logger
}

// NewScanner matches files under root whose extension, without the dot and
// case-insensitive, is one of exts.
func NewScanner(fs afero.Fs, root string, exts []string, logger *slog.Logger) *Scanner {
	m := make(map[string]bool, len(exts))
	for _, e := range exts {
		m[strings.ToLower(strings.TrimPrefix(e, "."))] = true
	}
	return &Scanner{fs: fs, root: root, exts: m, logger: logger}
}

// Scan walks the medium in lexical order and calls fn once per matching
// file. Hidden files and directories are skipped.
func (s *Scanner) Scan(ctx context.Context, fn func(track string) error) error {
	found := 0
	err := afero.Walk(s.fs, s.root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			s.logger.Warn("Skipping unreadable path", slog.String("path", path), slog.Any("error", err))
			return nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}

		name := info.Name()
		if path != s.root && strings.HasPrefix(name, ".") {
			if info.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if info.IsDir() || !s.match(name) {
			return nil
		}

		found++
		return fn(path)
	})
	if err != nil {
		return fmt.Errorf("scan %s: %w", s.root, err)
	}

	s.logger.Info("Storage scan complete", slog.String("root", s.root), slog.Int("tracks", found))
	return nil
}

func (s *Scanner) match(name string) bool {
	ext := strings.ToLower(strings.TrimPrefix(filepath.Ext(name), "."))
	return ext != "" && s.exts[ext]
}
