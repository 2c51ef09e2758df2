package pipeline

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/screenager/photon/internal/photonerr"
)

// headerLen is how many leading bytes format sniffing needs: WebP requires
// bytes 8..12 and HEIC the ftyp box at offset 4.
const headerLen = 12

// SniffFormat identifies an image container from its leading bytes. It
// returns the canonical format name, or ok=false when no known magic
// matches. TIFF requires all four signature bytes: a bare "II" or "MM"
// prefix is not a TIFF.
func SniffFormat(header []byte) (string, bool) {
	switch {
	case len(header) >= 3 && header[0] == 0xFF && header[1] == 0xD8 && header[2] == 0xFF:
		return "jpeg", true
	case bytes.HasPrefix(header, []byte{0x89, 'P', 'N', 'G'}):
		return "png", true
	case bytes.HasPrefix(header, []byte("GIF8")):
		return "gif", true
	case len(header) >= 12 && bytes.HasPrefix(header, []byte("RIFF")) && bytes.Equal(header[8:12], []byte("WEBP")):
		return "webp", true
	case bytes.HasPrefix(header, []byte{'I', 'I', 0x2A, 0x00}),
		bytes.HasPrefix(header, []byte{'M', 'M', 0x00, 0x2A}):
		return "tiff", true
	case len(header) >= 12 && bytes.Equal(header[4:8], []byte("ftyp")):
		return "heic", true
	}
	return "", false
}

// validated is what Validate learns about a file before decoding starts.
type validated struct {
	format string
	size   int64
}

// Validate checks existence, the raw byte-size bound, and the magic-byte
// signature. Short files are sniffed on whatever bytes exist; genuine read
// errors propagate as IO errors and are never misreported as a size problem.
func Validate(path string, maxFileSizeMB uint64) (validated, error) {
	fi, err := os.Stat(path)
	if err != nil {
		return validated{}, photonerr.IO(path, err)
	}
	if fi.Size() > int64(maxFileSizeMB)*1024*1024 {
		return validated{}, photonerr.FileTooLarge(path, fi.Size(), int64(maxFileSizeMB))
	}

	f, err := os.Open(path)
	if err != nil {
		return validated{}, photonerr.IO(path, err)
	}
	defer f.Close()

	header := make([]byte, headerLen)
	n, err := io.ReadFull(f, header)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
		return validated{}, photonerr.IO(path, err)
	}

	format, ok := SniffFormat(header[:n])
	if !ok {
		return validated{}, photonerr.New(photonerr.KindDecode, "validate", path,
			fmt.Errorf("no known image signature in first %d bytes", n))
	}
	return validated{format: format, size: fi.Size()}, nil
}
