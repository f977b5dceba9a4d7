package subaru

import (
	"archive/tar"
	"bufio"
	"compress/bzip2"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/klauspost/pgzip"
	"github.com/ulikunitz/xz"
)

// archiveReader returns a decompressing reader for the archive,
// chosen by file extension.
func archiveReader(path string, f *os.File) (io.Reader, func(), error) {
	noop := func() {}
	switch {
	case strings.HasSuffix(path, ".tar.gz") || strings.HasSuffix(path, ".tgz"):
		gz, err := pgzip.NewReader(f)
		if err != nil {
			return nil, noop, fmt.Errorf("failed to create gzip reader for %s: %w", path, err)
		}
		return gz, func() { gz.Close() }, nil
	case strings.HasSuffix(path, ".tar.bz2"):
		return bzip2.NewReader(f), noop, nil
	case strings.HasSuffix(path, ".tar.xz"):
		xzr, err := xz.NewReader(f)
		if err != nil {
			return nil, noop, fmt.Errorf("failed to create xz reader for %s: %w", path, err)
		}
		return xzr, noop, nil
	case strings.HasSuffix(path, ".tar.zst"):
		zr, err := zstd.NewReader(f)
		if err != nil {
			return nil, noop, fmt.Errorf("failed to create zstd reader for %s: %w", path, err)
		}
		return zr, func() { zr.Close() }, nil
	case strings.HasSuffix(path, ".tar"):
		return f, noop, nil
	}
	return nil, noop, fmt.Errorf("unsupported archive format: %s", path)
}

// extractArchive unpacks a tar archive into dest, stripping the
// single top-level directory that source snapshots carry.
func extractArchive(archivePath, dest string) error {
	f, err := os.Open(archivePath)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", archivePath, err)
	}
	defer f.Close()

	r, closeReader, err := archiveReader(archivePath, f)
	if err != nil {
		return err
	}
	defer closeReader()

	tr := tar.NewReader(r)

	// Track the prefix for stripping (e.g., "foo/")
	var prefix string
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("error reading tar header in %s: %w", archivePath, err)
		}

		if hdr.Typeflag == tar.TypeXHeader || hdr.Typeflag == tar.TypeXGlobalHeader {
			if _, err := io.Copy(io.Discard, tr); err != nil {
				return fmt.Errorf("error skipping extended header data in %s: %w", archivePath, err)
			}
			continue
		}

		if prefix == "" && (hdr.Typeflag == tar.TypeDir || hdr.Typeflag == tar.TypeReg) {
			if slashIdx := strings.Index(hdr.Name, "/"); slashIdx != -1 {
				prefix = hdr.Name[:slashIdx+1]
			}
		}

		targetName := strings.TrimPrefix(hdr.Name, prefix)
		if targetName == "" || strings.Contains(targetName, "..") {
			continue
		}
		targetPath := filepath.Join(dest, targetName)

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(targetPath, os.FileMode(hdr.Mode)|0o700); err != nil {
				return fmt.Errorf("failed to create dir %s: %w", targetPath, err)
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(targetPath), 0o755); err != nil {
				return fmt.Errorf("failed to create parent dir for %s: %w", targetPath, err)
			}
			out, err := os.OpenFile(targetPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, os.FileMode(hdr.Mode))
			if err != nil {
				return fmt.Errorf("failed to create %s: %w", targetPath, err)
			}
			if _, err := io.Copy(out, tr); err != nil {
				out.Close()
				return fmt.Errorf("failed to write %s: %w", targetPath, err)
			}
			out.Close()
		case tar.TypeSymlink:
			_ = os.Symlink(hdr.Linkname, targetPath)
		}
	}
	return nil
}

// scanPkgBuildDate extracts the builddate field from the .PKGINFO
// entry embedded in a built package archive. Returns the zero time
// when the archive is unreadable; one broken cached file must not
// abort a whole history reconstruction.
func scanPkgBuildDate(archivePath string) time.Time {
	f, err := os.Open(archivePath)
	if err != nil {
		return time.Time{}
	}
	defer f.Close()

	r, closeReader, err := archiveReader(archivePath, f)
	if err != nil {
		return time.Time{}
	}
	defer closeReader()

	tr := tar.NewReader(r)
	for {
		hdr, err := tr.Next()
		if err != nil {
			return time.Time{}
		}
		if filepath.Base(hdr.Name) != ".PKGINFO" {
			continue
		}
		scanner := bufio.NewScanner(tr)
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if !strings.HasPrefix(line, "builddate") {
				continue
			}
			parts := strings.SplitN(line, "=", 2)
			if len(parts) != 2 {
				continue
			}
			secs, err := strconv.ParseInt(strings.TrimSpace(parts[1]), 10, 64)
			if err != nil {
				return time.Time{}
			}
			return time.Unix(secs, 0).UTC()
		}
		return time.Time{}
	}
}
