// Package artifact knows the naming scheme of the backup tool's output files
// and locates them on disk. It also provides a bounded integrity probe for
// compressed artifacts so corrupt output is caught before upload.
package artifact

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/klauspost/pgzip"

	"github.com/paulschiretz/pgl-vzbackup/pkg/plog"
)

// DataExtensions are the recognized artifact payload suffixes, in match
// order (longest first so ".tar" does not shadow ".tar.zst").
var DataExtensions = []string{".tar.zst", ".tar.gz", ".tar.lzo", ".tgz", ".tar"}

// AuxExtensions are non-payload companions the backup tool writes alongside
// artifacts. They are pruned with the payload but never uploaded or verified.
var AuxExtensions = []string{".log"}

// integrityProbeLimit bounds how much decompressed data the probe reads.
// Enough to catch a corrupt or truncated stream head without decoding a
// multi-gigabyte archive.
const integrityProbeLimit = 4 << 20

// Artifact is one backup output file.
type Artifact struct {
	Path    string
	Name    string
	Size    int64
	ModTime time.Time
}

// Prefix returns the artifact name prefix for a container.
func Prefix(containerID string) string {
	return fmt.Sprintf("vzdump-lxc-%s-", containerID)
}

// IsData reports whether name is a payload artifact for the container.
func IsData(name, containerID string) bool {
	if !strings.HasPrefix(name, Prefix(containerID)) {
		return false
	}
	for _, ext := range DataExtensions {
		if strings.HasSuffix(name, ext) {
			return true
		}
	}
	return false
}

// Matches reports whether name belongs to the container's artifact set,
// payload or companion.
func Matches(name, containerID string) bool {
	if IsData(name, containerID) {
		return true
	}
	if !strings.HasPrefix(name, Prefix(containerID)) {
		return false
	}
	for _, ext := range AuxExtensions {
		if strings.HasSuffix(name, ext) {
			return true
		}
	}
	return false
}

// FindSince returns the container's payload artifacts in dir modified at or
// after the given time, sorted by the directory listing order.
func FindSince(dir, containerID string, since time.Time) ([]Artifact, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read artifact directory %s: %w", dir, err)
	}

	var found []Artifact
	for _, entry := range entries {
		if entry.IsDir() || !IsData(entry.Name(), containerID) {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			plog.Warn("Skipping unreadable directory entry", "name", entry.Name(), "error", err)
			continue
		}
		if info.ModTime().Before(since) {
			continue
		}
		found = append(found, Artifact{
			Path:    filepath.Join(dir, entry.Name()),
			Name:    entry.Name(),
			Size:    info.Size(),
			ModTime: info.ModTime(),
		})
	}
	return found, nil
}

// StartOfDay returns midnight of t's calendar day in t's location.
func StartOfDay(t time.Time) time.Time {
	year, month, day := t.Date()
	return time.Date(year, month, day, 0, 0, 0, 0, t.Location())
}

// VerifyIntegrity opens the artifact and decodes a bounded amount of its
// stream to detect corrupt or truncated output. Formats without a decoder
// (lzo) are skipped with a debug note. The verification read is trusted over
// the backup tool's exit code.
func VerifyIntegrity(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open artifact: %w", err)
	}
	defer f.Close()

	switch {
	case strings.HasSuffix(path, ".tar.zst"):
		dec, err := zstd.NewReader(f)
		if err != nil {
			return fmt.Errorf("corrupt zstd stream: %w", err)
		}
		defer dec.Close()
		if _, err := io.CopyN(io.Discard, dec, integrityProbeLimit); err != nil && err != io.EOF {
			return fmt.Errorf("corrupt zstd stream: %w", err)
		}
	case strings.HasSuffix(path, ".tar.gz"), strings.HasSuffix(path, ".tgz"):
		gz, err := pgzip.NewReader(f)
		if err != nil {
			return fmt.Errorf("corrupt gzip stream: %w", err)
		}
		defer gz.Close()
		if _, err := io.CopyN(io.Discard, gz, integrityProbeLimit); err != nil && err != io.EOF {
			return fmt.Errorf("corrupt gzip stream: %w", err)
		}
	case strings.HasSuffix(path, ".tar"):
		if err := verifyTarMagic(f); err != nil {
			return err
		}
	default:
		plog.Debug("No integrity probe for artifact format, skipping", "path", path)
	}
	return nil
}

// verifyTarMagic checks the ustar magic at offset 257 of a plain tar file.
func verifyTarMagic(f *os.File) error {
	header := make([]byte, 262)
	if _, err := io.ReadFull(f, header); err != nil {
		return fmt.Errorf("artifact too short to be a tar archive: %w", err)
	}
	if string(header[257:262]) != "ustar" {
		return fmt.Errorf("artifact is missing the tar magic")
	}
	return nil
}
