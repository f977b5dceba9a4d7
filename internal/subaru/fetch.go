package subaru

import (
	"context"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"

	"github.com/schollz/progressbar/v3"
	"golang.org/x/sys/unix"
	"lukechampine.com/blake3"
)

type downloadOptions struct {
	Quiet bool // Quiet suppresses all stdout/stderr/progress output
}

// downloadFile downloads a URL into destFile. The destination is
// locked with flock for the duration so concurrent operations sharing
// a directory never interleave partial writes. The blake3 digest of
// the downloaded body is logged for diagnostics.
func downloadFile(ctx context.Context, client *http.Client, rawURL, destFile string, opt downloadOptions) error {
	if err := os.MkdirAll(filepath.Dir(destFile), 0o755); err != nil {
		return fmt.Errorf("failed to create download directory: %w", err)
	}

	lockPath := destFile + ".lock"
	lock, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open download lock: %w", err)
	}
	defer lock.Close()

	if err := unix.Flock(int(lock.Fd()), unix.LOCK_EX); err != nil {
		return fmt.Errorf("failed to lock %s: %w", lockPath, err)
	}
	defer unix.Flock(int(lock.Fd()), unix.LOCK_UN)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return fmt.Errorf("invalid download url %s: %w", rawURL, err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("download of %s failed: %w", rawURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("download of %s failed: %s", rawURL, resp.Status)
	}

	tmpPath := destFile + ".part"
	out, err := os.Create(tmpPath)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", tmpPath, err)
	}

	var dst io.Writer = out
	if !opt.Quiet {
		bar := progressbar.DefaultBytes(resp.ContentLength, filepath.Base(destFile))
		dst = io.MultiWriter(out, bar)
	}

	h := blake3.New(32, nil)
	if _, err := io.Copy(io.MultiWriter(dst, h), resp.Body); err != nil {
		out.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("download of %s interrupted: %w", rawURL, err)
	}
	if err := out.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return err
	}

	if err := os.Rename(tmpPath, destFile); err != nil {
		return fmt.Errorf("failed to move %s into place: %w", tmpPath, err)
	}
	debugf("downloaded %s (blake3 %s)\n", destFile, hex.EncodeToString(h.Sum(nil)))
	return nil
}
