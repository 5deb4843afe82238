package archive

import (
	"bufio"
	"compress/bzip2"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/ulikunitz/xz"
)

// Compression identifies the compression layer around a tar stream
type Compression string

const (
	None  Compression = "none"
	Gzip  Compression = "gzip"
	Zstd  Compression = "zstd"
	XZ    Compression = "xz"
	Bzip2 Compression = "bzip2"
)

var suffixes = []struct {
	suffix      string
	compression Compression
}{
	{".tar.zst", Zstd},
	{".tzst", Zstd},
	{".tar.gz", Gzip},
	{".tgz", Gzip},
	{".tar.xz", XZ},
	{".txz", XZ},
	{".tar.bz2", Bzip2},
	{".tbz2", Bzip2},
	{".tar", None},
}

// DetectFormat selects the decompressor from the filename suffix
func DetectFormat(filename string) (Compression, error) {
	name := strings.ToLower(filepath.Base(filename))
	for _, s := range suffixes {
		if strings.HasSuffix(name, s.suffix) {
			return s.compression, nil
		}
	}
	return "", fmt.Errorf("%w: %s", ErrUnknownFormat, filepath.Base(filename))
}

// decompress wraps r according to c. The returned closer releases decoder
// resources and does not close r.
func decompress(c Compression, r io.Reader) (io.Reader, func(), error) {
	switch c {
	case None:
		return r, func() {}, nil
	case Gzip:
		gz, err := gzip.NewReader(r)
		if err != nil {
			return nil, nil, fmt.Errorf("creating gzip reader: %w", err)
		}
		return gz, func() { _ = gz.Close() }, nil
	case Zstd:
		zr, err := zstd.NewReader(r)
		if err != nil {
			return nil, nil, fmt.Errorf("creating zstd reader: %w", err)
		}
		return zr, zr.Close, nil
	case XZ:
		xr, err := xz.NewReader(bufio.NewReader(r))
		if err != nil {
			return nil, nil, fmt.Errorf("creating xz reader: %w", err)
		}
		return xr, func() {}, nil
	case Bzip2:
		return bzip2.NewReader(r), func() {}, nil
	}
	return nil, nil, fmt.Errorf("%w: compression %q", ErrUnknownFormat, c)
}
