package pathcompression

import (
	"archive/tar"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/zstd"
	"github.com/klauspost/pgzip"

	"github.com/paulschiretz/pgl-backitup/pkg/plog"
	"github.com/paulschiretz/pgl-backitup/pkg/util"
)

// Extract unpacks a tar.gz or tar.zst archive into absTargetDir. The format is
// detected from the archive name. Existing files are replaced.
func Extract(ctx context.Context, absArchivePath, absTargetDir string) (Stats, error) {
	format, ok := FormatFromName(absArchivePath)
	if !ok {
		return Stats{}, fmt.Errorf("unsupported archive: %s", filepath.Base(absArchivePath))
	}

	plog.Notice("EXTRACT", "archive", absArchivePath, "target", absTargetDir)

	f, err := os.Open(absArchivePath)
	if err != nil {
		return Stats{}, err
	}
	defer f.Close()

	var r io.Reader
	switch format {
	case TarZst:
		zr, err := zstd.NewReader(f)
		if err != nil {
			return Stats{}, fmt.Errorf("failed to create zstd reader: %w", err)
		}
		defer zr.Close()
		r = zr
	default:
		gz, err := pgzip.NewReader(f)
		if err != nil {
			return Stats{}, fmt.Errorf("failed to create gzip reader: %w", err)
		}
		defer gz.Close()
		r = gz
	}

	if err := os.MkdirAll(absTargetDir, util.UserWritableDirPerms); err != nil {
		return Stats{}, fmt.Errorf("failed to create target directory: %w", err)
	}
	cleanTarget := filepath.Clean(absTargetDir)

	var stats Stats
	tr := tar.NewReader(r)
	for {
		if err := ctx.Err(); err != nil {
			return stats, err
		}

		header, err := tr.Next()
		if errors.Is(err, io.EOF) {
			return stats, nil
		}
		if err != nil {
			return stats, err
		}
		stats.Entries++

		// Reject entries that would land outside the target ("../../etc/passwd").
		absTarget := filepath.Join(cleanTarget, util.NormalizePath(header.Name))
		if absTarget != cleanTarget && !strings.HasPrefix(absTarget, cleanTarget+string(os.PathSeparator)) {
			return stats, fmt.Errorf("illegal file path in archive: %s", header.Name)
		}

		// Strip SUID and SGID bits.
		mode := os.FileMode(header.Mode).Perm()

		switch header.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(absTarget, util.WithUserWritePermission(mode)); err != nil {
				return stats, err
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(absTarget), util.UserWritableDirPerms); err != nil {
				return stats, err
			}
			// Remove first so a symlink planted by an earlier entry is not followed.
			_ = os.Remove(absTarget)
			out, err := os.OpenFile(absTarget, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, mode)
			if err != nil {
				return stats, err
			}
			n, err := io.Copy(out, tr)
			stats.BytesWritten += n
			if cerr := out.Close(); err == nil {
				err = cerr
			}
			if err != nil {
				return stats, fmt.Errorf("failed to write %s: %w", header.Name, err)
			}
			_ = os.Chtimes(absTarget, header.ModTime, header.ModTime)
		case tar.TypeSymlink:
			if err := os.MkdirAll(filepath.Dir(absTarget), util.UserWritableDirPerms); err != nil {
				return stats, err
			}
			_ = os.Remove(absTarget)
			if err := os.Symlink(header.Linkname, absTarget); err != nil {
				return stats, err
			}
		default:
			plog.Debug("Skipping unsupported tar entry", "name", header.Name, "type", header.Typeflag)
		}
	}
}
