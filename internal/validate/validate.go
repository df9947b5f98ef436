// Package validate holds the input-sanitization checks that guard the task
// store's invariants (spec.md §3) and prevent directory-traversal and
// log-injection: filenames, labels, magnet links, and infohashes. Grounded on
// the original implementation's app/validation.py module, translated into the
// idiom of explicit error returns instead of raised exceptions.
package validate

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

const (
	MaxLabelLength    = 500
	MaxFilenameLength = 255
	MaxMagnetLength   = 10000
)

var (
	ErrEmpty     = errors.New("validate: value is required")
	ErrTooLong   = errors.New("validate: value exceeds maximum length")
	ErrBadFormat = errors.New("validate: invalid format")
)

var infohashHexPattern = regexp.MustCompile(`^[0-9a-fA-F]{40}$`)
var infohashBase32Pattern = regexp.MustCompile(`^[A-Za-z2-7]{32}$`)

// reservedNames are the "." and ".." directory entries plus the Windows device
// names, all unsafe as file names regardless of the storage backend.
var reservedNames = map[string]bool{
	".": true, "..": true,
	"CON": true, "PRN": true, "AUX": true, "NUL": true,
	"COM1": true, "COM2": true, "COM3": true, "COM4": true, "COM5": true,
	"COM6": true, "COM7": true, "COM8": true, "COM9": true,
	"LPT1": true, "LPT2": true, "LPT3": true, "LPT4": true, "LPT5": true,
	"LPT6": true, "LPT7": true, "LPT8": true, "LPT9": true,
}

// FileName enforces spec.md §3's TaskFile.Name invariant: never contains
// "..", "/", "\", or NUL, and is never empty, over-long, or a reserved device
// name.
func FileName(name string) error {
	if name == "" {
		return fmt.Errorf("%w: file name", ErrEmpty)
	}
	if len(name) > MaxFilenameLength {
		return fmt.Errorf("%w: file name", ErrTooLong)
	}
	if strings.ContainsAny(name, "/\\") {
		return fmt.Errorf("%w: file name cannot contain path separators", ErrBadFormat)
	}
	if strings.Contains(name, "\x00") {
		return fmt.Errorf("%w: file name contains a null byte", ErrBadFormat)
	}
	if strings.Contains(name, "..") {
		return fmt.Errorf("%w: file name cannot contain \"..\"", ErrBadFormat)
	}
	for _, r := range name {
		if r < 0x20 {
			return fmt.Errorf("%w: file name contains control characters", ErrBadFormat)
		}
	}
	if reservedNames[strings.ToUpper(name)] {
		return fmt.Errorf("%w: %q is a reserved file name", ErrBadFormat, name)
	}
	return nil
}

// Label sanitizes a task's optional human label: rejects input longer than
// MaxLabelLength, then strips control characters and trims whitespace. Unlike
// FileName it rejects nothing else — callers get back a cleaned string.
func Label(label string) (string, error) {
	if len(label) > MaxLabelLength {
		return "", fmt.Errorf("%w: label", ErrTooLong)
	}
	var b strings.Builder
	for _, r := range label {
		if r >= 0x20 {
			b.WriteRune(r)
		}
	}
	return strings.TrimSpace(b.String()), nil
}

// MagnetLink enforces the minimal shape a magnet URI must have before it is
// handed to torrentmeta for infohash extraction.
func MagnetLink(magnet string) error {
	if magnet == "" {
		return fmt.Errorf("%w: magnet link", ErrEmpty)
	}
	if len(magnet) > MaxMagnetLength {
		return fmt.Errorf("%w: magnet link", ErrTooLong)
	}
	if !strings.HasPrefix(magnet, "magnet:") {
		return fmt.Errorf("%w: magnet link must start with \"magnet:\"", ErrBadFormat)
	}
	if !strings.Contains(strings.ToLower(magnet), "xt=urn:btih:") {
		return fmt.Errorf("%w: magnet link is missing an info hash", ErrBadFormat)
	}
	return nil
}

// Infohash validates and lower-cases a 40-char hex or 32-char base32
// BitTorrent infohash.
func Infohash(infohash string) (string, error) {
	switch len(infohash) {
	case 40:
		if !infohashHexPattern.MatchString(infohash) {
			return "", fmt.Errorf("%w: info hash", ErrBadFormat)
		}
	case 32:
		if !infohashBase32Pattern.MatchString(infohash) {
			return "", fmt.Errorf("%w: info hash", ErrBadFormat)
		}
	default:
		return "", fmt.Errorf("%w: info hash must be 40 hex or 32 base32 characters", ErrBadFormat)
	}
	return strings.ToLower(infohash), nil
}

// ForLog strips newlines and control characters from a value before it is
// interpolated into a log line, preventing log injection via attacker-
// controlled task labels or source strings.
func ForLog(value string, maxLength int) string {
	var b strings.Builder
	for _, r := range value {
		if r >= 0x20 {
			b.WriteRune(r)
		} else {
			b.WriteRune(' ')
		}
	}
	out := b.String()
	if maxLength > 0 && len(out) > maxLength {
		out = out[:maxLength] + "..."
	}
	return out
}
