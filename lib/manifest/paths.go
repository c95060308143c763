// Copyright 2026 The NMProxy Authors
// SPDX-License-Identifier: Apache-2.0

package manifest

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Ecosystem selects which browser convention governs manifest search
// locations and host invocation arguments.
type Ecosystem string

const (
	// Chromium covers Chrome and Chromium. Hosts are invoked as
	// [path, origin].
	Chromium Ecosystem = "chromium"

	// Mozilla covers Firefox. Hosts are invoked as
	// [path, manifestPath, extensionID]. This is also the fallback
	// for unrecognized mode strings.
	Mozilla Ecosystem = "mozilla"
)

// ParseEcosystem maps a caller-supplied mode string to an Ecosystem.
// Anything that is not exactly "chromium" means Mozilla; callers
// sending garbage get the Mozilla search order rather than an error.
func ParseEcosystem(mode string) Ecosystem {
	if mode == string(Chromium) {
		return Chromium
	}
	return Mozilla
}

// EnvHostLocations is the environment variable that, when set,
// replaces both ecosystems' search paths with one colon-separated
// list. This is the contract test harnesses and portal backends use
// to point the broker at a private manifest directory.
const EnvHostLocations = "XNMP_HOST_LOCATIONS"

// SearchPathsFromEnv returns the override list from EnvHostLocations
// and whether the variable was set. A set-but-empty variable yields
// an empty list, making every lookup fail with not-found rather than
// falling back to the defaults.
func SearchPathsFromEnv() ([]string, bool) {
	value, set := os.LookupEnv(EnvHostLocations)
	if !set {
		return nil, false
	}
	if value == "" {
		return nil, true
	}
	return strings.Split(value, ":"), true
}

// DefaultSearchPaths returns the documented manifest locations for an
// ecosystem, per-user directories first. Chromium locations:
// https://developer.chrome.com/docs/extensions/nativeMessaging/#native-messaging-host-location
// Mozilla locations:
// https://developer.mozilla.org/en-US/docs/Mozilla/Add-ons/WebExtensions/Native_manifests#manifest_location
//
// Returns an error when the user's home or config directory cannot be
// resolved; the broker treats that as fatal at startup since the
// trust order would silently lose its highest-priority entries.
func DefaultSearchPaths(ecosystem Ecosystem) ([]string, error) {
	switch ecosystem {
	case Chromium:
		configDir, err := os.UserConfigDir()
		if err != nil {
			return nil, fmt.Errorf("resolving user config directory: %w", err)
		}
		return []string{
			filepath.Join(configDir, "google-chrome", "NativeMessagingHosts"),
			filepath.Join(configDir, "chromium", "NativeMessagingHosts"),
			"/etc/opt/chrome/native-messaging-hosts",
			"/etc/chromium/native-messaging-hosts",
		}, nil
	case Mozilla:
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("resolving home directory: %w", err)
		}
		configDir, err := os.UserConfigDir()
		if err != nil {
			return nil, fmt.Errorf("resolving user config directory: %w", err)
		}
		return []string{
			filepath.Join(homeDir, ".mozilla", "native-messaging-hosts"),
			filepath.Join(configDir, "mozilla", "native-messaging-hosts"),
			"/usr/lib/mozilla/native-messaging-hosts",
			"/usr/lib64/mozilla/native-messaging-hosts",
		}, nil
	}
	return nil, fmt.Errorf("unknown ecosystem %q", ecosystem)
}
