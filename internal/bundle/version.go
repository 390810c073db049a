package bundle

import (
	"archive/tar"
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
)

// ManifestFile is the version manifest at the root of a bundle archive and of every
// installed bundle directory.
const ManifestFile = "VERSION"

const maxManifest = 4 << 10

// ParseVersion encodes "major.minor[.patch]" as major*1_000_000 + minor*1_000 + patch.
func ParseVersion(s string) (int, error) {
	s = strings.TrimSpace(s)
	parts := strings.Split(s, ".")
	if len(parts) < 2 || len(parts) > 3 {
		return 0, fmt.Errorf("%w: %q", ErrBadManifest, s)
	}
	v := 0
	for i, scale := range []int{1_000_000, 1_000, 1} {
		if i >= len(parts) {
			break
		}
		n, err := strconv.Atoi(parts[i])
		if err != nil || n < 0 || n > 999 {
			return 0, fmt.Errorf("%w: %q", ErrBadManifest, s)
		}
		v += n * scale
	}
	return v, nil
}

// FormatVersion is the inverse of ParseVersion.
func FormatVersion(v int) string {
	return fmt.Sprintf("%d.%d.%d", v/1_000_000, v/1_000%1_000, v%1_000)
}

// NeedsUpgrade reports whether available is newer than installed.
func NeedsUpgrade(installed, available int) bool { return available > installed }

// InstalledVersion reads the manifest of an unpacked bundle. A missing or unreadable
// manifest counts as version 0.
func InstalledVersion(dir string) int {
	b, err := os.ReadFile(filepath.Join(dir, ManifestFile))
	if err != nil {
		return 0
	}
	v, err := ParseVersion(string(b))
	if err != nil {
		return 0
	}
	return v
}

// ArchiveVersion reads the manifest from a tar archive, optionally gzip or zstd
// compressed, without unpacking it. A missing manifest counts as version 0.
func ArchiveVersion(archive string) (int, error) {
	raw, err := ArchiveManifest(archive)
	if err != nil || raw == "" {
		return 0, err
	}
	return ParseVersion(raw)
}

// ArchiveManifest returns the raw manifest text, or "" when the archive has none.
func ArchiveManifest(archive string) (string, error) {
	f, err := os.Open(filepath.Clean(archive))
	if err != nil {
		return "", err
	}
	defer func() { _ = f.Close() }()

	r, closeFn, err := decompress(bufio.NewReader(f))
	if err != nil {
		return "", fmt.Errorf("%s: %w", archive, err)
	}
	defer closeFn()

	tr := tar.NewReader(r)
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			return "", nil
		}
		if err != nil {
			return "", fmt.Errorf("%s: %w", archive, err)
		}
		if hdr.Typeflag != tar.TypeReg || path.Clean(hdr.Name) != ManifestFile {
			continue
		}
		b, err := io.ReadAll(io.LimitReader(tr, maxManifest))
		if err != nil {
			return "", err
		}
		return strings.TrimSpace(string(b)), nil
	}
}

var (
	gzipMagic = []byte{0x1f, 0x8b}
	zstdMagic = []byte{0x28, 0xb5, 0x2f, 0xfd}
)

func decompress(br *bufio.Reader) (io.Reader, func(), error) {
	head, _ := br.Peek(4)
	switch {
	case bytes.HasPrefix(head, gzipMagic):
		zr, err := gzip.NewReader(br)
		if err != nil {
			return nil, nil, err
		}
		return zr, func() { _ = zr.Close() }, nil
	case bytes.HasPrefix(head, zstdMagic):
		zr, err := zstd.NewReader(br, zstd.WithDecoderConcurrency(1))
		if err != nil {
			return nil, nil, err
		}
		return zr, zr.Close, nil
	}
	return br, func() {}, nil
}
