package format

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsSupported(t *testing.T) {
	tests := []struct {
		kind     Kind
		format   Format
		expected bool
	}{
		{Flowchart, SVG, true},
		{Flowchart, PDF, true},
		{Flowchart, WebP, true},
		{Mindmap, SVG, true},
		{Mindmap, PDF, false},
		{Mindmap, JPEG, false},
		{Pie, PDF, false},
		{Pie, WebP, true},
		{Kind("bogus"), SVG, false},
		{Flowchart, Format("tiff"), false},
	}

	for _, test := range tests {
		t.Run(string(test.kind)+"/"+string(test.format), func(t *testing.T) {
			assert.Equal(t, test.expected, IsSupported(test.kind, test.format))
		})
	}
}

func TestKnownKind(t *testing.T) {
	assert.True(t, KnownKind(Flowchart))
	assert.True(t, KnownKind(Gantt))
	assert.False(t, KnownKind(Kind("bogus")))
}

func TestMIMEType(t *testing.T) {
	assert.Equal(t, "image/svg+xml", MIMEType(SVG))
	assert.Equal(t, "image/svg+xml", MIMEType(SVGZ))
	assert.Equal(t, "image/png", MIMEType(PNG))
	assert.Equal(t, "application/pdf", MIMEType(PDF))
	assert.Equal(t, "application/octet-stream", MIMEType(Format("tiff")))
}

func TestBase(t *testing.T) {
	assert.Equal(t, SVG, Base(SVGZ))
	assert.Equal(t, PNG, Base(PNG))
	assert.Equal(t, SVG, Base(SVG))
}

func TestRecommend(t *testing.T) {
	tests := []struct {
		name     string
		useCase  string
		kind     Kind
		expected Format
	}{
		{"web prefers svg", "web", Flowchart, SVG},
		{"print prefers pdf", "print", Flowchart, PDF},
		{"archival prefers png", "archival", Sequence, PNG},
		{"print falls back when pdf unsupported", "print", Pie, SVG},
		{"unknown use case falls back", "carrier-pigeon", Flowchart, SVG},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			assert.Equal(t, test.expected, Recommend(test.useCase, test.kind))
		})
	}
}

func TestSupportedFormats(t *testing.T) {
	formats := SupportedFormats(Flowchart)
	assert.NotEmpty(t, formats)
	assert.Contains(t, formats, SVG)

	assert.Empty(t, SupportedFormats(Kind("bogus")))
}
