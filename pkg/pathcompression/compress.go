package pathcompression

import (
	"archive/tar"
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/klauspost/compress/zstd"
	"github.com/klauspost/pgzip"
	"golang.org/x/sync/errgroup"

	"github.com/paulschiretz/pgl-backitup/pkg/plog"
	"github.com/paulschiretz/pgl-backitup/pkg/util"
)

// readAheadLimit is the largest file a worker buffers in memory before taking the
// tar writer lock. Larger files are streamed while holding the lock.
const readAheadLimit = 1 << 20

// Options controls how a directory is archived.
type Options struct {
	Format       Format
	Level        Level
	Workers      int
	BufferSizeKB int
	// Exclude holds glob patterns matched against the slash separated relative path
	// and the base name of every entry. A matching directory is skipped entirely.
	Exclude []string
	// OnCreate is called once the archive file exists on disk, before any content is written.
	OnCreate func(absArchivePath string)
}

// Stats summarises a finished compression.
type Stats struct {
	Entries      int64
	BytesRead    int64
	BytesWritten int64
}

type tarItem struct {
	absSrcPath string
	relPathKey string
	info       os.FileInfo
}

type compressor struct {
	src     string
	opts    Options
	mu      sync.Mutex
	tw      *tar.Writer
	entries atomic.Int64
	read    atomic.Int64
}

// CompressDir archives the contents of absSourceDir into absArchivePath.
// The archive is written in place; on failure the partial file is removed.
func CompressDir(ctx context.Context, absSourceDir, absArchivePath string, opts Options) (stats Stats, retErr error) {
	info, err := os.Stat(absSourceDir)
	if err != nil {
		return Stats{}, fmt.Errorf("failed to stat source %s: %w", absSourceDir, err)
	}
	if !info.IsDir() {
		return Stats{}, fmt.Errorf("source %s is not a directory", absSourceDir)
	}
	if opts.Format == "" {
		opts.Format = TarGz
	}
	if opts.Workers < 1 {
		opts.Workers = 1
	}
	if opts.BufferSizeKB < 1 {
		opts.BufferSizeKB = 256
	}

	plog.Notice("COMPRESS", "source", absSourceDir, "archive", absArchivePath)

	f, err := os.OpenFile(absArchivePath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, util.UserWritableFilePerms)
	if err != nil {
		return Stats{}, fmt.Errorf("failed to create archive: %w", err)
	}
	if opts.OnCreate != nil {
		opts.OnCreate(absArchivePath)
	}
	defer func() {
		if retErr != nil {
			f.Close()
			if err := os.Remove(absArchivePath); err != nil && !os.IsNotExist(err) {
				plog.Warn("Failed to remove partial archive", "path", absArchivePath, "error", err)
			}
		}
	}()

	cw := &countingWriter{w: f}
	c := &compressor{src: absSourceDir, opts: opts}
	if err := c.writeArchive(ctx, cw); err != nil {
		return Stats{}, err
	}
	if err := f.Close(); err != nil {
		return Stats{}, fmt.Errorf("failed to close archive: %w", err)
	}

	return Stats{Entries: c.entries.Load(), BytesRead: c.read.Load(), BytesWritten: cw.n}, nil
}

func (c *compressor) writeArchive(ctx context.Context, w io.Writer) (retErr error) {
	bufWriter := bufio.NewWriterSize(w, c.opts.BufferSizeKB*1024)

	compressedWriter, err := newCompressedWriter(bufWriter, c.opts.Format, c.opts.Level)
	if err != nil {
		return err
	}
	c.tw = tar.NewWriter(compressedWriter)

	defer func() {
		if err := c.tw.Close(); err != nil && retErr == nil {
			retErr = fmt.Errorf("tar writer close failed: %w", err)
		}
		if err := compressedWriter.Close(); err != nil && retErr == nil {
			retErr = fmt.Errorf("compressed writer close failed: %w", err)
		}
		if err := bufWriter.Flush(); err != nil && retErr == nil {
			retErr = fmt.Errorf("buffer flush failed: %w", err)
		}
	}()

	g, gctx := errgroup.WithContext(ctx)
	items := make(chan tarItem, c.opts.Workers*4)

	// Producer: walks the tree and feeds the workers.
	g.Go(func() error {
		defer close(items)
		return filepath.WalkDir(c.src, func(absSrcPath string, d fs.DirEntry, walkErr error) error {
			if walkErr != nil {
				return walkErr
			}
			if err := gctx.Err(); err != nil {
				return err
			}
			if absSrcPath == c.src {
				return nil
			}
			relPathKey, err := filepath.Rel(c.src, absSrcPath)
			if err != nil {
				return fmt.Errorf("failed to get relative path for %s: %w", absSrcPath, err)
			}
			relPathKey = util.NormalizePath(relPathKey)

			if c.excluded(relPathKey, d.Name()) {
				plog.Debug("Excluding", "path", relPathKey)
				if d.IsDir() {
					return filepath.SkipDir
				}
				return nil
			}

			info, err := d.Info()
			if err != nil {
				return fmt.Errorf("failed to get file info for %s: %w", absSrcPath, err)
			}
			select {
			case items <- tarItem{absSrcPath: absSrcPath, relPathKey: relPathKey, info: info}:
				return nil
			case <-gctx.Done():
				return gctx.Err()
			}
		})
	})

	for range c.opts.Workers {
		g.Go(func() error {
			buf := make([]byte, c.opts.BufferSizeKB*1024)
			for item := range items {
				if err := c.writeItem(item, buf); err != nil {
					return err
				}
			}
			return nil
		})
	}

	return g.Wait()
}

func (c *compressor) excluded(relPathKey, baseName string) bool {
	for _, pattern := range c.opts.Exclude {
		if ok, _ := filepath.Match(pattern, relPathKey); ok {
			return true
		}
		if ok, _ := filepath.Match(pattern, baseName); ok {
			return true
		}
	}
	return false
}

func (c *compressor) writeItem(item tarItem, buf []byte) error {
	c.entries.Add(1)
	mode := item.info.Mode()
	switch {
	case mode.IsDir():
		return c.writeHeaderOnly(item, "")
	case mode&os.ModeSymlink != 0:
		linkTarget, err := os.Readlink(item.absSrcPath)
		if err != nil {
			return fmt.Errorf("failed to read link %s: %w", item.absSrcPath, err)
		}
		return c.writeHeaderOnly(item, linkTarget)
	case mode.IsRegular():
		return c.writeFile(item, buf)
	default:
		plog.Debug("Skipping special file", "path", item.relPathKey, "mode", mode)
		return nil
	}
}

func (c *compressor) writeHeaderOnly(item tarItem, linkTarget string) error {
	header, err := tar.FileInfoHeader(item.info, linkTarget)
	if err != nil {
		return fmt.Errorf("failed to create tar header for %s: %w", item.relPathKey, err)
	}
	header.Name = item.relPathKey
	if item.info.IsDir() {
		header.Name += "/"
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	return c.tw.WriteHeader(header)
}

func (c *compressor) writeFile(item tarItem, buf []byte) error {
	f, err := secureFileOpen(item.absSrcPath, item.info)
	if err != nil {
		return fmt.Errorf("failed to open file %s: %w", item.absSrcPath, err)
	}
	defer f.Close()

	header, err := tar.FileInfoHeader(item.info, "")
	if err != nil {
		return fmt.Errorf("failed to create tar header for %s: %w", item.relPathKey, err)
	}
	header.Name = item.relPathKey
	size := item.info.Size()

	// Small files are read outside the lock so workers overlap their I/O.
	var src io.Reader = f
	if size <= readAheadLimit {
		data := make([]byte, size)
		if _, err := io.ReadFull(f, data); err != nil {
			return fmt.Errorf("failed to read file %s: %w", item.absSrcPath, err)
		}
		f.Close()
		src = bytes.NewReader(data)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.tw.WriteHeader(header); err != nil {
		return fmt.Errorf("failed to write tar header for %s: %w", item.relPathKey, err)
	}
	n, err := io.CopyBuffer(c.tw, src, buf)
	c.read.Add(n)
	if err != nil {
		return fmt.Errorf("failed to write %s: %w", item.relPathKey, err)
	}
	return nil
}

// secureFileOpen opens a file and verifies it is still the file that was walked.
// A size change after the tar header was built would corrupt the archive.
func secureFileOpen(absFilePath string, expected os.FileInfo) (*os.File, error) {
	f, err := os.Open(absFilePath)
	if err != nil {
		return nil, err
	}
	openedInfo, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to stat opened file: %w", err)
	}
	if !os.SameFile(expected, openedInfo) {
		f.Close()
		return nil, fmt.Errorf("file changed during backup: %s", absFilePath)
	}
	if openedInfo.Size() != expected.Size() {
		f.Close()
		return nil, fmt.Errorf("file size changed during backup: %s", absFilePath)
	}
	return f, nil
}

func newCompressedWriter(w io.Writer, format Format, level Level) (io.WriteCloser, error) {
	switch format {
	case TarZst:
		var encoderLevel zstd.EncoderLevel
		switch level {
		case Fastest:
			encoderLevel = zstd.SpeedFastest
		case Better:
			encoderLevel = zstd.SpeedBetterCompression
		case Best:
			encoderLevel = zstd.SpeedBestCompression
		default:
			encoderLevel = zstd.SpeedDefault
		}
		zw, err := zstd.NewWriter(w, zstd.WithEncoderLevel(encoderLevel))
		if err != nil {
			return nil, fmt.Errorf("failed to create zstd writer: %w", err)
		}
		return zw, nil
	case TarGz:
		var lvl int
		switch level {
		case Fastest:
			lvl = pgzip.BestSpeed
		case Better:
			lvl = 6
		case Best:
			lvl = pgzip.BestCompression
		default:
			lvl = pgzip.DefaultCompression
		}
		gw, err := pgzip.NewWriterLevel(w, lvl)
		if err != nil {
			return nil, fmt.Errorf("failed to create gzip writer: %w", err)
		}
		return gw, nil
	default:
		return nil, errors.New("unsupported format: " + string(format))
	}
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (cw *countingWriter) Write(p []byte) (int, error) {
	n, err := cw.w.Write(p)
	cw.n += int64(n)
	return n, err
}
