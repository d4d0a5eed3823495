package image

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/ulikunitz/xz"
)

const (
	// progressInterval is how often download progress is logged.
	progressInterval = 10 * time.Second

	// copyBufSize is the buffer size for streaming copies.
	copyBufSize = 1 << 20
)

// Downloader streams release artifacts into a shared cache directory keyed
// by filename.
type Downloader struct {
	log      logrus.FieldLogger
	cacheDir string
	client   *http.Client
}

// NewDownloader creates a downloader writing into cacheDir.
func NewDownloader(
	log logrus.FieldLogger, cacheDir string, timeout time.Duration,
) *Downloader {
	return &Downloader{
		log:      log.WithField("component", "downloader"),
		cacheDir: cacheDir,
		client:   &http.Client{Timeout: timeout},
	}
}

// Download fetches the artifact and returns the local path. When the cache
// already holds the filename and force is false, no network transfer
// happens. Transport errors propagate unwrapped by any retry layer; retries
// belong to the caller.
func (d *Downloader) Download(
	ctx context.Context, info *Info, force bool,
) (string, error) {
	target := filepath.Join(d.cacheDir, info.Filename)

	if !force {
		if _, err := os.Stat(target); err == nil {
			d.log.WithField("path", target).Debug("Using cached image")

			return target, nil
		}
	}

	if err := os.MkdirAll(d.cacheDir, 0755); err != nil {
		return "", fmt.Errorf("creating cache directory: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, info.URL, nil)
	if err != nil {
		return "", fmt.Errorf("building request: %w", err)
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf(
			"downloading %s: unexpected status %s", info.URL, resp.Status,
		)
	}

	partial := target + ".partial"

	f, err := os.Create(partial)
	if err != nil {
		return "", fmt.Errorf("creating temp file: %w", err)
	}

	written, err := d.copyWithProgress(ctx, f, resp.Body, resp.ContentLength)

	closeErr := f.Close()

	if err != nil {
		_ = os.Remove(partial)

		if isNoSpace(err) {
			d.diagnoseDiskSpace(d.cacheDir)
		}

		return "", fmt.Errorf("streaming download: %w", err)
	}

	if closeErr != nil {
		_ = os.Remove(partial)

		return "", fmt.Errorf("closing temp file: %w", closeErr)
	}

	if err := os.Rename(partial, target); err != nil {
		_ = os.Remove(partial)

		return "", fmt.Errorf("renaming temp file: %w", err)
	}

	d.log.WithFields(logrus.Fields{
		"path":  target,
		"bytes": written,
	}).Info("Image downloaded")

	return target, nil
}

// Decompress expands an xz artifact next to the source file and returns the
// decompressed path. Temp-then-rename, same as Download.
func (d *Downloader) Decompress(info *Info, srcPath string) (string, error) {
	if !info.Compressed() {
		return srcPath, nil
	}

	target := filepath.Join(filepath.Dir(srcPath), info.ExpectedName)

	if _, err := os.Stat(target); err == nil {
		return target, nil
	}

	src, err := os.Open(srcPath)
	if err != nil {
		return "", fmt.Errorf("opening compressed image: %w", err)
	}
	defer src.Close()

	xzr, err := xz.NewReader(src)
	if err != nil {
		return "", fmt.Errorf("initializing xz reader: %w", err)
	}

	partial := target + ".partial"

	dst, err := os.Create(partial)
	if err != nil {
		return "", fmt.Errorf("creating temp file: %w", err)
	}

	start := time.Now()

	written, err := io.CopyBuffer(dst, xzr, make([]byte, copyBufSize))

	closeErr := dst.Close()

	if err != nil {
		_ = os.Remove(partial)

		if isNoSpace(err) {
			d.diagnoseDiskSpace(filepath.Dir(srcPath))
		}

		return "", fmt.Errorf("decompressing image: %w", err)
	}

	if closeErr != nil {
		_ = os.Remove(partial)

		return "", fmt.Errorf("closing decompressed image: %w", closeErr)
	}

	if err := os.Rename(partial, target); err != nil {
		_ = os.Remove(partial)

		return "", fmt.Errorf("renaming decompressed image: %w", err)
	}

	d.log.WithFields(logrus.Fields{
		"path":     target,
		"bytes":    written,
		"duration": time.Since(start).Round(time.Second),
	}).Info("Image decompressed")

	return target, nil
}

// copyWithProgress streams body to f, logging progress periodically.
func (d *Downloader) copyWithProgress(
	ctx context.Context, f *os.File, body io.Reader, total int64,
) (int64, error) {
	var written int64

	buf := make([]byte, copyBufSize)
	lastLog := time.Now()

	for {
		select {
		case <-ctx.Done():
			return written, ctx.Err()
		default:
		}

		n, readErr := body.Read(buf)

		if n > 0 {
			if _, err := f.Write(buf[:n]); err != nil {
				return written, err
			}

			written += int64(n)
		}

		if time.Since(lastLog) >= progressInterval {
			entry := d.log.WithField("bytes", written)

			if total > 0 {
				entry = entry.WithField(
					"percent", fmt.Sprintf("%.1f", float64(written)*100/float64(total)),
				)
			}

			entry.Info("Download in progress")

			lastLog = time.Now()
		}

		if readErr == io.EOF {
			return written, nil
		}

		if readErr != nil {
			return written, readErr
		}
	}
}
