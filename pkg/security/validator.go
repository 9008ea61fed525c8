package security

import (
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
)

// ErrUnsafeBundle marks every rejection of an agent bundle entry.
var ErrUnsafeBundle = errors.New("unsafe agent bundle")

// Limits bounds what an agent bundle may expand to
type Limits struct {
	MaxFileSize         int64
	MaxTotalSize        int64
	MaxCompressionRatio float64
}

// Validator checks agent bundle entries before they are staged on disk.
// It tracks the running extracted size of one bundle; call Reset between bundles.
type Validator struct {
	limits Limits

	mu               sync.Mutex
	currentTotalSize int64
	entries          int
}

// NewValidator creates a new bundle validator
func NewValidator(limits Limits) *Validator {
	slog.Info("security_validator_init",
		"max_file_size_mb", limits.MaxFileSize/1024/1024,
		"max_total_size_mb", limits.MaxTotalSize/1024/1024,
		"max_compression_ratio", limits.MaxCompressionRatio)

	return &Validator{limits: limits}
}

func reject(reason, format string, args ...any) error {
	slog.Error("security_bundle_entry_rejected", "reason", reason, "detail", fmt.Sprintf(format, args...))
	return fmt.Errorf("%w: "+format, append([]any{ErrUnsafeBundle}, args...)...)
}

// ValidatePath rejects entry names that would land outside the staging directory
func (v *Validator) ValidatePath(name string) error {
	if name == "" || strings.ContainsRune(name, 0) {
		return reject("invalid_name", "invalid entry name %q", name)
	}
	if filepath.IsAbs(name) {
		return reject("absolute_path", "absolute path not allowed: %s", name)
	}

	clean := filepath.Clean(name)
	if clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return reject("path_traversal", "path traversal detected: %s", name)
	}
	return nil
}

// ValidateSymlink validates a symlink target in the context of the symlink's location.
// The bundle is staged on the management node and copied to hosts as is, so
// absolute targets are rejected along with relative ones escaping the bundle root.
func (v *Validator) ValidateSymlink(symlinkPath, targetPath string) error {
	if filepath.IsAbs(targetPath) {
		return reject("absolute_symlink", "symlink %s points to absolute path %s", symlinkPath, targetPath)
	}

	resolved := filepath.Clean(filepath.Join(filepath.Dir(symlinkPath), targetPath))

	depth := 0
	for _, part := range strings.Split(resolved, string(filepath.Separator)) {
		switch part {
		case "..":
			depth--
		case "", ".":
		default:
			depth++
		}
		if depth < 0 {
			return reject("symlink_traversal", "symlink %s -> %s resolves to %s", symlinkPath, targetPath, resolved)
		}
	}

	slog.Debug("security_symlink_validated", "symlink", symlinkPath, "target", targetPath)
	return nil
}

// ValidateMode rejects setuid and setgid entries
func (v *Validator) ValidateMode(name string, mode int64) error {
	const setuid, setgid = 0o4000, 0o2000
	if mode&(setuid|setgid) != 0 {
		return reject("privileged_mode", "entry %s has mode %o", name, mode)
	}
	return nil
}

// ValidateFileSize checks if a file exceeds max file size
func (v *Validator) ValidateFileSize(size int64) error {
	if size > v.limits.MaxFileSize {
		return reject("file_too_large", "file size %d exceeds max %d", size, v.limits.MaxFileSize)
	}
	return nil
}

// AddExtractedSize tracks total extracted size and checks against limit
func (v *Validator) AddExtractedSize(size int64) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	v.currentTotalSize += size
	v.entries++

	if v.currentTotalSize > v.limits.MaxTotalSize {
		return reject("bundle_too_large", "total extracted size %d exceeds max %d",
			v.currentTotalSize, v.limits.MaxTotalSize)
	}
	return nil
}

// ValidateCompressionRatio checks for compression bombs
func (v *Validator) ValidateCompressionRatio(compressedSize, uncompressedSize int64) error {
	if compressedSize == 0 {
		return reject("empty_archive", "compressed size cannot be zero")
	}

	ratio := float64(uncompressedSize) / float64(compressedSize)
	if ratio > v.limits.MaxCompressionRatio {
		return reject("compression_bomb", "compression ratio %.2f exceeds max %.2f (compressed: %d, uncompressed: %d)",
			ratio, v.limits.MaxCompressionRatio, compressedSize, uncompressedSize)
	}

	slog.Info("security_compression_validated", "ratio", ratio, "compressed_mb", compressedSize/1024/1024, "uncompressed_mb", uncompressedSize/1024/1024)
	return nil
}

// Reset resets the counters before a new bundle
func (v *Validator) Reset() {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.currentTotalSize = 0
	v.entries = 0
}

// TotalSize returns the extracted size of the current bundle
func (v *Validator) TotalSize() int64 {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.currentTotalSize
}

// Entries returns the number of regular files counted for the current bundle
func (v *Validator) Entries() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.entries
}
