package format

import (
	"bytes"
	"fmt"

	"github.com/c360/renderflow/errors"
)

// Magic byte signatures for binary formats
var (
	pngMagic  = []byte{0x89, 0x50, 0x4E, 0x47, 0x0D, 0x0A, 0x1A, 0x0A}
	jpegMagic = []byte{0xFF, 0xD8, 0xFF}
	pdfMagic  = []byte("%PDF-")
	gzipMagic = []byte{0x1F, 0x8B}
	riffMagic = []byte("RIFF")
	webpMark  = []byte("WEBP")
)

// Validate checks that data carries the byte signature expected for the
// format. A renderer that answers 200 with garbage fails here; the failure is
// classified transient because it may be a transient renderer fault.
func Validate(f Format, data []byte) error {
	if len(data) == 0 {
		return errors.WrapTransient(errors.ErrSignatureMismatch, "format", "Validate", "empty payload")
	}

	var ok bool
	switch f {
	case PNG:
		ok = bytes.HasPrefix(data, pngMagic)
	case JPEG:
		ok = bytes.HasPrefix(data, jpegMagic)
	case PDF:
		ok = bytes.HasPrefix(data, pdfMagic)
	case WebP:
		ok = len(data) >= 12 && bytes.HasPrefix(data, riffMagic) && bytes.Equal(data[8:12], webpMark)
	case SVG:
		ok = hasSVGRoot(data)
	case SVGZ:
		ok = bytes.HasPrefix(data, gzipMagic)
	default:
		return errors.WrapInvalid(errors.ErrUnsupportedFormat, "format", "Validate", string(f))
	}

	if !ok {
		return errors.WrapTransient(errors.ErrSignatureMismatch, "format", "Validate",
			fmt.Sprintf("payload does not look like %s", f))
	}
	return nil
}

// hasSVGRoot checks for an <svg root element, tolerating an XML declaration,
// comments, and a DOCTYPE before it. Only the first 1KB is inspected.
func hasSVGRoot(data []byte) bool {
	head := data
	if len(head) > 1024 {
		head = head[:1024]
	}
	return bytes.Contains(head, []byte("<svg"))
}
