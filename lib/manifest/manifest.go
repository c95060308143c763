// Copyright 2026 The NMProxy Authors
// SPDX-License-Identifier: Apache-2.0

package manifest

import (
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"regexp"
)

var (
	// ErrInvalidName is returned for host names that fail the grammar
	// check. No filesystem access happens for such names.
	ErrInvalidName = errors.New("manifest: invalid native messaging host name")

	// ErrNotFound is returned when no search directory yields a valid
	// manifest for the requested host.
	ErrNotFound = errors.New("manifest: could not find native messaging host")
)

// hostNamePattern is the grammar for valid host names: one or more
// dot-separated groups of word characters. This is the pattern from
// the Mozilla native manifests documentation:
// https://developer.mozilla.org/en-US/docs/Mozilla/Add-ons/WebExtensions/Native_manifests#native_messaging_manifests
var hostNamePattern = regexp.MustCompile(`^\w+(\.\w+)*$`)

// ValidHostName reports whether name is a well-formed native
// messaging host name. Everything the broker does with a name (file
// lookup, logging, handle bookkeeping) assumes this has been checked
// first.
func ValidHostName(name string) bool {
	return hostNamePattern.MatchString(name)
}

// Manifest is the broker-relevant subset of a native messaging host
// manifest. Manifests carry additional fields (description,
// allowed_origins, allowed_extensions) that the broker neither
// validates nor uses; callers receive the raw file bytes, so nothing
// is lost by not parsing them.
type Manifest struct {
	// Name is the host name declared by the manifest. Must equal the
	// requested host name exactly.
	Name string `json:"name"`

	// Type is the host transport type. Only "stdio" hosts can be
	// brokered.
	Type string `json:"type"`

	// Path is the host executable. Must be absolute; a relative path
	// would resolve against the broker's working directory, which no
	// manifest author controls.
	Path string `json:"path"`
}

// Parse decodes the broker-relevant fields from raw manifest bytes.
func Parse(raw []byte) (*Manifest, error) {
	parsed := &Manifest{}
	if err := json.Unmarshal(raw, parsed); err != nil {
		return nil, err
	}
	return parsed, nil
}

// Validate checks the structural invariants against the requested
// host name. A manifest failing any check is treated by the search
// exactly like a missing file.
func (m *Manifest) Validate(requestedName string) error {
	if m.Name != requestedName {
		return fmt.Errorf("manifest names %q, request was for %q", m.Name, requestedName)
	}
	if m.Type != "stdio" {
		return fmt.Errorf("manifest type %q is not a stdio native messaging host", m.Type)
	}
	if !filepath.IsAbs(m.Path) {
		return fmt.Errorf("manifest path %q is not absolute", m.Path)
	}
	return nil
}
