// Copyright 2026 The NMProxy Authors
// SPDX-License-Identifier: Apache-2.0

package wire

import (
	"fmt"
	"strconv"
	"strings"
)

// handlePrefix is the object path segment under which host handles
// live.
const handlePrefix = ObjectPath + "/"

// FormatHandle builds the handle string for a host identifier.
// Handles look like "/org/freedesktop/nativemessagingproxy/4221047219".
func FormatHandle(id uint64) string {
	return handlePrefix + strconv.FormatUint(id, 10)
}

// ParseHandle extracts the host identifier from a handle string.
// Returns an error for anything that FormatHandle could not have
// produced, so the broker can reject malformed handles before
// touching the registry.
func ParseHandle(handle string) (uint64, error) {
	rest, ok := strings.CutPrefix(handle, handlePrefix)
	if !ok {
		return 0, fmt.Errorf("handle %q does not start with %s", handle, handlePrefix)
	}
	id, err := strconv.ParseUint(rest, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("handle %q has a malformed identifier: %w", handle, err)
	}
	return id, nil
}
