package utils

import (
	"fmt"
	"path"
	"strconv"
	"strings"
	"time"
)

// ArchiveExt is the extension of every snapshot archive.
const ArchiveExt = ".zip"

const timestampLayout = "2006-01-02T15-04-05"

// GenerateSnapshotName creates a timestamped archive name.
// Format: base-2006-01-02T15-04-05-000Z.zip
// Dashes replace colons for filesystem compatibility.
func GenerateSnapshotName(baseName string, timestamp time.Time) string {
	t := timestamp.UTC()
	ms := t.Nanosecond() / 1000000
	timeStr := fmt.Sprintf("%s-%03dZ", t.Format(timestampLayout), ms)

	baseName = strings.TrimSuffix(baseName, "-")
	if baseName == "" {
		baseName = "snapshot"
	}
	return fmt.Sprintf("%s-%s%s", baseName, timeStr, ArchiveExt)
}

// ParseSnapshotName extracts the timestamp from an archive name or key.
func ParseSnapshotName(name string) (time.Time, error) {
	name = strings.TrimSuffix(path.Base(name), ArchiveExt)

	// 2006-01-02T15-04-05-000Z
	if len(name) < 24 {
		return time.Time{}, fmt.Errorf("filename too short to contain timestamp")
	}

	timeStr := name[len(name)-24:]
	if !strings.HasSuffix(timeStr, "Z") {
		return time.Time{}, fmt.Errorf("invalid timestamp format")
	}

	ms, err := strconv.Atoi(timeStr[20:23])
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid milliseconds: %w", err)
	}

	t, err := time.Parse(timestampLayout, timeStr[:19])
	if err != nil {
		return time.Time{}, err
	}
	return t.Add(time.Duration(ms) * time.Millisecond).UTC(), nil
}

// NormalizePrefix strips leading and trailing slashes from a key prefix.
func NormalizePrefix(prefix string) string {
	return strings.Trim(strings.TrimSpace(prefix), "/")
}

// ObjectKey joins a normalized prefix and an archive name.
func ObjectKey(prefix, name string) string {
	p := NormalizePrefix(prefix)
	if p == "" {
		return name
	}
	return p + "/" + name
}

// ListPrefix returns the prefix used to enumerate snapshots under prefix.
func ListPrefix(prefix string) string {
	p := NormalizePrefix(prefix)
	if p == "" {
		return ""
	}
	return p + "/"
}

// IsSnapshotKey reports whether key names an archive produced for baseName.
func IsSnapshotKey(key, baseName string) bool {
	if !strings.HasSuffix(key, ArchiveExt) {
		return false
	}
	return strings.HasPrefix(path.Base(key), strings.TrimSuffix(baseName, "-")+"-")
}
