package bootstrap

import (
	"archive/tar"
	"bufio"
	"compress/gzip"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/fly-io/hostdriver/pkg/security"
)

// ExtractBundle extracts an agent bundle (tar, optionally gzip compressed) into
// destDir, validating every entry.
func ExtractBundle(bundlePath, destDir string, validator *security.Validator) error {
	validator.Reset()

	f, err := os.Open(bundlePath)
	if err != nil {
		return fmt.Errorf("failed to open bundle: %w", err)
	}
	defer f.Close()

	br := bufio.NewReader(f)
	var r io.Reader = br
	if magic, err := br.Peek(2); err == nil && magic[0] == 0x1f && magic[1] == 0x8b {
		gz, err := gzip.NewReader(br)
		if err != nil {
			return fmt.Errorf("failed to open gzip stream: %w", err)
		}
		defer gz.Close()
		r = gz
	}

	tarReader := tar.NewReader(r)
	for {
		header, err := tarReader.Next()
		if err == io.EOF {
			break
		}
		if errors.Is(err, tar.ErrInsecurePath) {
			return fmt.Errorf("%w: %v", security.ErrUnsafeBundle, err)
		}
		if err != nil {
			return fmt.Errorf("tar read error: %w", err)
		}

		if err := validator.ValidatePath(header.Name); err != nil {
			return err
		}
		if err := validator.ValidateMode(header.Name, header.Mode); err != nil {
			return err
		}

		target := filepath.Join(destDir, header.Name)

		switch header.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0o755); err != nil {
				return fmt.Errorf("failed to create directory: %w", err)
			}

		case tar.TypeReg:
			if err := validator.ValidateFileSize(header.Size); err != nil {
				return err
			}
			if err := validator.AddExtractedSize(header.Size); err != nil {
				return err
			}
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return fmt.Errorf("failed to create parent dir: %w", err)
			}

			out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, os.FileMode(header.Mode).Perm())
			if err != nil {
				return fmt.Errorf("failed to create file: %w", err)
			}
			// The header size is already validated; never write past it.
			if _, err := io.Copy(out, io.LimitReader(tarReader, header.Size)); err != nil {
				out.Close()
				return fmt.Errorf("failed to write file: %w", err)
			}
			out.Close()

		case tar.TypeSymlink:
			if err := validator.ValidateSymlink(header.Name, header.Linkname); err != nil {
				return err
			}
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return fmt.Errorf("failed to create parent dir: %w", err)
			}
			if err := os.Symlink(header.Linkname, target); err != nil && !os.IsExist(err) {
				return fmt.Errorf("failed to create symlink: %w", err)
			}

		case tar.TypeXGlobalHeader:

		default:
			// Hard links, devices and fifos have no place in an agent bundle.
			return fmt.Errorf("%w: entry %s has unsupported type %q", security.ErrUnsafeBundle, header.Name, header.Typeflag)
		}
	}

	fi, err := os.Stat(bundlePath)
	if err != nil {
		return fmt.Errorf("failed to stat bundle: %w", err)
	}
	return validator.ValidateCompressionRatio(fi.Size(), validator.TotalSize())
}
