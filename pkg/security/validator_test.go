package security

import (
	"errors"
	"testing"
)

func testLimits() Limits {
	return Limits{MaxFileSize: 1024, MaxTotalSize: 1024, MaxCompressionRatio: 10.0}
}

func TestValidatePath_PathTraversal(t *testing.T) {
	v := NewValidator(testLimits())

	tests := []struct {
		path      string
		shouldErr bool
	}{
		{"install.sh", false},
		{"agent/kvmagent.py", false},
		{"../etc/passwd", true},
		{"/etc/passwd", true},
		{"agent/../install.sh", false},
		{"agent/../../etc/passwd", true},
		{"..", true},
		{"..hidden", false},
		{"", true},
	}

	for _, tt := range tests {
		err := v.ValidatePath(tt.path)
		if tt.shouldErr && err == nil {
			t.Errorf("expected error for path: %q", tt.path)
		}
		if !tt.shouldErr && err != nil {
			t.Errorf("unexpected error for path %q: %v", tt.path, err)
		}
		if err != nil && !errors.Is(err, ErrUnsafeBundle) {
			t.Errorf("error for %q does not wrap ErrUnsafeBundle: %v", tt.path, err)
		}
	}
}

func TestValidateSymlink(t *testing.T) {
	v := NewValidator(testLimits())

	tests := []struct {
		link      string
		target    string
		shouldErr bool
	}{
		{"agent/bin/current", "../lib/agent-1.2", false},
		{"agent/python", "python3", false},
		{"agent/python", "/usr/bin/python3", true},
		{"agent/escape", "../../etc/shadow", true},
		{"a", "b/../../../c", true},
	}

	for _, tt := range tests {
		err := v.ValidateSymlink(tt.link, tt.target)
		if tt.shouldErr && err == nil {
			t.Errorf("expected error for symlink %s -> %s", tt.link, tt.target)
		}
		if !tt.shouldErr && err != nil {
			t.Errorf("unexpected error for symlink %s -> %s: %v", tt.link, tt.target, err)
		}
	}
}

func TestValidateMode(t *testing.T) {
	v := NewValidator(testLimits())

	if err := v.ValidateMode("install.sh", 0o755); err != nil {
		t.Errorf("unexpected error for 0755: %v", err)
	}
	if err := v.ValidateMode("bin/su", 0o4755); err == nil {
		t.Error("expected error for a setuid entry")
	}
	if err := v.ValidateMode("bin/wall", 0o2755); err == nil {
		t.Error("expected error for a setgid entry")
	}
}

func TestValidateFileSize(t *testing.T) {
	v := NewValidator(Limits{MaxFileSize: 100, MaxTotalSize: 1000, MaxCompressionRatio: 10.0})

	if err := v.ValidateFileSize(50); err != nil {
		t.Errorf("expected no error for size 50, got: %v", err)
	}

	if err := v.ValidateFileSize(150); err == nil {
		t.Error("expected error for size 150 exceeding limit 100")
	}
}

func TestValidateCompressionRatio(t *testing.T) {
	v := NewValidator(Limits{MaxFileSize: 1024, MaxTotalSize: 10240, MaxCompressionRatio: 10.0})

	if err := v.ValidateCompressionRatio(10, 100); err != nil {
		t.Errorf("expected no error for ratio 10.0, got: %v", err)
	}

	if err := v.ValidateCompressionRatio(50, 1000); err == nil {
		t.Error("expected error for ratio 20.0 exceeding limit 10.0")
	}

	if err := v.ValidateCompressionRatio(0, 1000); err == nil {
		t.Error("expected error for an empty archive")
	}
}

func TestAddExtractedSize_ExceedsTotal(t *testing.T) {
	v := NewValidator(Limits{MaxFileSize: 1024, MaxTotalSize: 500, MaxCompressionRatio: 10.0})

	if err := v.AddExtractedSize(400); err != nil {
		t.Errorf("unexpected error: %v", err)
	}

	if err := v.AddExtractedSize(200); err == nil {
		t.Error("expected error when total extracted exceeds limit")
	}

	if v.Entries() != 2 || v.TotalSize() != 600 {
		t.Errorf("counters mismatch: entries=%d total=%d", v.Entries(), v.TotalSize())
	}

	v.Reset()
	if v.Entries() != 0 || v.TotalSize() != 0 {
		t.Error("reset did not clear the counters")
	}
}
