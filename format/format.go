// Package format implements the multi-format generation orchestrator:
// kind/format compatibility, renderer invocation, byte-signature validation,
// post-processing, and partial-failure batch aggregation.
package format

// Format identifies an output artifact format.
type Format string

// Supported output formats
const (
	SVG  Format = "svg"
	SVGZ Format = "svgz" // gzip-compressed SVG, derived from SVG
	PNG  Format = "png"
	JPEG Format = "jpeg"
	WebP Format = "webp"
	PDF  Format = "pdf"
)

// Kind identifies a diagram kind understood by the renderer.
type Kind string

// Supported diagram kinds
const (
	Flowchart Kind = "flowchart"
	Sequence  Kind = "sequence"
	Class     Kind = "class"
	State     Kind = "state"
	ER        Kind = "er"
	Gantt     Kind = "gantt"
	Pie       Kind = "pie"
	Mindmap   Kind = "mindmap"
)

// mimeTypes maps each format to its MIME type.
var mimeTypes = map[Format]string{
	SVG:  "image/svg+xml",
	SVGZ: "image/svg+xml", // served with Content-Encoding: gzip
	PNG:  "image/png",
	JPEG: "image/jpeg",
	WebP: "image/webp",
	PDF:  "application/pdf",
}

// MIMEType returns the MIME type for a format, or application/octet-stream
// for unknown formats.
func MIMEType(f Format) string {
	if mt, ok := mimeTypes[f]; ok {
		return mt
	}
	return "application/octet-stream"
}

// baseFormat maps derived formats to the format actually requested from the
// renderer. SVGZ is produced by compressing a rendered SVG locally.
var baseFormat = map[Format]Format{
	SVGZ: SVG,
}

// Base returns the renderer-side format for f.
func Base(f Format) Format {
	if b, ok := baseFormat[f]; ok {
		return b
	}
	return f
}

// compatibility is the static kind/format support table. Not every diagram
// kind renders sensibly to every format; raster exports in particular are
// limited to kinds the renderer rasterizes well.
var compatibility = map[Kind][]Format{
	Flowchart: {SVG, SVGZ, PNG, JPEG, WebP, PDF},
	Sequence:  {SVG, SVGZ, PNG, JPEG, PDF},
	Class:     {SVG, SVGZ, PNG, PDF},
	State:     {SVG, SVGZ, PNG, PDF},
	ER:        {SVG, SVGZ, PNG, PDF},
	Gantt:     {SVG, SVGZ, PNG, JPEG, PDF},
	Pie:       {SVG, SVGZ, PNG, JPEG, WebP},
	Mindmap:   {SVG, SVGZ, PNG},
}

// IsSupported reports whether the kind/format pair is in the compatibility
// table.
func IsSupported(kind Kind, f Format) bool {
	for _, supported := range compatibility[kind] {
		if supported == f {
			return true
		}
	}
	return false
}

// SupportedFormats returns the formats available for a diagram kind, in
// preference order. The returned slice must not be mutated.
func SupportedFormats(kind Kind) []Format {
	return compatibility[kind]
}

// KnownKind reports whether the kind appears in the compatibility table.
func KnownKind(kind Kind) bool {
	_, ok := compatibility[kind]
	return ok
}

// recommendations maps abstract use cases to preferred formats.
var recommendations = map[string]Format{
	"web":      SVG,
	"print":    PDF,
	"archival": PNG,
}

// Recommend returns the preferred format for a use case and diagram kind,
// falling back to the kind's first supported format when the preference is
// unsupported or the use case is unknown.
func Recommend(useCase string, kind Kind) Format {
	if preferred, ok := recommendations[useCase]; ok && IsSupported(kind, preferred) {
		return preferred
	}

	if formats := compatibility[kind]; len(formats) > 0 {
		return formats[0]
	}
	return SVG
}
