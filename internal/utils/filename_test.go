package utils

import (
	"strings"
	"testing"
	"time"
)

func TestGenerateSnapshotName(t *testing.T) {
	timestamp := time.Date(2025, 1, 21, 10, 30, 45, 123000000, time.UTC)

	tests := []struct {
		name     string
		baseName string
		want     string
	}{
		{
			name:     "base name",
			baseName: "world-backup",
			want:     "world-backup-2025-01-21T10-30-45-123Z.zip",
		},
		{
			name:     "empty base name",
			baseName: "",
			want:     "snapshot-2025-01-21T10-30-45-123Z.zip",
		},
		{
			name:     "base name with trailing dash",
			baseName: "survival-",
			want:     "survival-2025-01-21T10-30-45-123Z.zip",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := GenerateSnapshotName(tt.baseName, timestamp)
			if got != tt.want {
				t.Errorf("GenerateSnapshotName() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestGenerateSnapshotName_UsesUTC(t *testing.T) {
	loc := time.FixedZone("UTC+2", 2*60*60)
	local := time.Date(2025, 1, 21, 12, 30, 45, 0, loc)

	got := GenerateSnapshotName("w", local)
	if got != "w-2025-01-21T10-30-45-000Z.zip" {
		t.Errorf("GenerateSnapshotName() = %v", got)
	}
	if strings.Contains(got, ":") {
		t.Errorf("name should not contain colons, got: %s", got)
	}
}

func TestParseSnapshotName(t *testing.T) {
	tests := []struct {
		name     string
		filename string
		want     time.Time
		wantErr  bool
	}{
		{
			name:     "bare name",
			filename: "world-backup-2025-01-21T10-30-45-123Z.zip",
			want:     time.Date(2025, 1, 21, 10, 30, 45, 123000000, time.UTC),
		},
		{
			name:     "object key",
			filename: "mc-backups/survival/world-backup-2025-01-21T10-30-45-123Z.zip",
			want:     time.Date(2025, 1, 21, 10, 30, 45, 123000000, time.UTC),
		},
		{
			name:     "too short",
			filename: "world.zip",
			wantErr:  true,
		},
		{
			name:     "invalid timestamp",
			filename: "backup-invalid-timestamp-here.zip",
			wantErr:  true,
		},
		{
			name:     "invalid milliseconds",
			filename: "w-2025-01-21T10-30-45-abcZ.zip",
			wantErr:  true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseSnapshotName(tt.filename)
			if (err != nil) != tt.wantErr {
				t.Errorf("ParseSnapshotName() error = %v, wantErr %v", err, tt.wantErr)
				return
			}
			if !tt.wantErr && !got.Equal(tt.want) {
				t.Errorf("ParseSnapshotName() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestRoundTrip(t *testing.T) {
	for _, base := range []string{"", "world-backup", "survival", "creative-"} {
		t.Run("base="+base, func(t *testing.T) {
			original := time.Now().UTC().Truncate(time.Millisecond)
			name := GenerateSnapshotName(base, original)

			parsed, err := ParseSnapshotName(name)
			if err != nil {
				t.Fatalf("Failed to parse generated name: %v", err)
			}
			if !parsed.Equal(original) {
				t.Errorf("Round trip failed: original=%v, parsed=%v", original, parsed)
			}
		})
	}
}

func TestObjectKey(t *testing.T) {
	tests := []struct {
		prefix string
		want   string
		list   string
	}{
		{"mc-backups", "mc-backups/a.zip", "mc-backups/"},
		{"/mc-backups/", "mc-backups/a.zip", "mc-backups/"},
		{" servers/survival/ ", "servers/survival/a.zip", "servers/survival/"},
		{"", "a.zip", ""},
		{"/", "a.zip", ""},
	}

	for _, tt := range tests {
		t.Run(tt.prefix, func(t *testing.T) {
			if got := ObjectKey(tt.prefix, "a.zip"); got != tt.want {
				t.Errorf("ObjectKey() = %q, want %q", got, tt.want)
			}
			if got := ListPrefix(tt.prefix); got != tt.list {
				t.Errorf("ListPrefix() = %q, want %q", got, tt.list)
			}
		})
	}
}

func TestIsSnapshotKey(t *testing.T) {
	tests := []struct {
		key  string
		want bool
	}{
		{"mc-backups/world-backup-2025-01-21T10-30-45-123Z.zip", true},
		{"world-backup-2025-01-21T10-30-45-123Z.zip", true},
		{"mc-backups/world-backup-2025-01-21T10-30-45-123Z.tar.gz", false},
		{"mc-backups/creative-2025-01-21T10-30-45-123Z.zip", false},
		{"mc-backups/world-backups.zip", false},
		{"mc-backups/notes.txt", false},
	}

	for _, tt := range tests {
		t.Run(tt.key, func(t *testing.T) {
			if got := IsSnapshotKey(tt.key, "world-backup"); got != tt.want {
				t.Errorf("IsSnapshotKey(%q) = %v, want %v", tt.key, got, tt.want)
			}
		})
	}
}
