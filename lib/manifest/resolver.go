// Copyright 2026 The NMProxy Authors
// SPDX-License-Identifier: Apache-2.0

package manifest

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
)

// Resolver searches the configured directories for host manifests.
// The path lists are fixed at construction and freely shared across
// request goroutines.
type Resolver struct {
	logger   *slog.Logger
	chromium []string
	mozilla  []string
}

// NewResolver builds a resolver over the given per-ecosystem search
// path lists. The lists are used in order; earlier directories take
// precedence.
func NewResolver(logger *slog.Logger, chromiumPaths, mozillaPaths []string) *Resolver {
	return &Resolver{
		logger:   logger,
		chromium: chromiumPaths,
		mozilla:  mozillaPaths,
	}
}

// SearchPaths returns the configured path list for an ecosystem.
func (r *Resolver) SearchPaths(ecosystem Ecosystem) []string {
	if ecosystem == Chromium {
		return r.chromium
	}
	return r.mozilla
}

// Resolution is the result of a successful manifest search.
type Resolution struct {
	// Manifest is the parsed, validated manifest.
	Manifest Manifest

	// Raw is the manifest file's content exactly as read from disk.
	// GetManifest replies carry these bytes verbatim.
	Raw []byte

	// Path is the absolute path of the manifest file. The Mozilla
	// invocation convention passes it to the host as its first
	// argument.
	Path string
}

// Resolve searches the ecosystem's directories for <name>.json and
// returns the first candidate that fully validates. Candidates that
// fail to read or validate are logged and skipped. Returns
// ErrInvalidName for malformed host names (before touching the
// filesystem), ErrNotFound when every directory is exhausted, and the
// context error when ctx is cancelled mid-search.
func (r *Resolver) Resolve(ctx context.Context, name string, ecosystem Ecosystem) (*Resolution, error) {
	if !ValidHostName(name) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidName, name)
	}

	basename := name + ".json"
	for _, directory := range r.SearchPaths(ecosystem) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		candidate := filepath.Join(directory, basename)
		raw, err := os.ReadFile(candidate)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				r.logger.Debug("no manifest candidate", "path", candidate)
			} else {
				r.logger.Warn("skipping unreadable manifest candidate",
					"path", candidate, "error", err)
			}
			continue
		}

		parsed, err := Parse(raw)
		if err != nil {
			r.logger.Warn("skipping manifest that is not valid JSON",
				"path", candidate, "error", err)
			continue
		}
		if err := parsed.Validate(name); err != nil {
			r.logger.Warn("skipping invalid manifest",
				"path", candidate, "error", err)
			continue
		}

		absolutePath, err := filepath.Abs(candidate)
		if err != nil {
			r.logger.Warn("skipping manifest with unresolvable path",
				"path", candidate, "error", err)
			continue
		}

		r.logger.Debug("found manifest", "host", name, "path", absolutePath)
		return &Resolution{Manifest: *parsed, Raw: raw, Path: absolutePath}, nil
	}

	return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
}
