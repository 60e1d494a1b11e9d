package sandbox

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/harun/capsule/pkg/manifest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildDocument(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "index.html"), []byte("<!doctype html><title>x</title>"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "app.mjs"), []byte("export const x = 1;"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "blob.js"), []byte{0x00, 0x01, 0x02, 0xff, 0xfe, 0x00}, 0644))

	t.Run("html is loaded as is", func(t *testing.T) {
		doc, err := BuildDocument(dir, &manifest.Manifest{Name: "Page", Main: "index.html"})
		require.NoError(t, err)
		assert.False(t, doc.Wrapped)
		assert.Equal(t, "page", doc.PluginID)
		assert.Equal(t, filepath.Join(dir, "index.html"), doc.EntryPath)
		assert.Contains(t, doc.MimeType, "text/html")
	})

	t.Run("module script gets module shell", func(t *testing.T) {
		doc, err := BuildDocument(dir, &manifest.Manifest{Name: "<Mod>", Main: "app.mjs"})
		require.NoError(t, err)
		assert.True(t, doc.Wrapped)
		assert.Contains(t, doc.HTML, `type="module"`)
		assert.Contains(t, doc.HTML, "<title>&lt;Mod&gt;</title>")
		assert.Contains(t, doc.HTML, "export const x = 1;")
	})

	t.Run("binary entry is refused", func(t *testing.T) {
		_, err := BuildDocument(dir, &manifest.Manifest{Name: "Bin", Main: "blob.js"})
		assert.ErrorIs(t, err, ErrBinaryEntry)
	})

	t.Run("escaping entry is refused", func(t *testing.T) {
		_, err := BuildDocument(dir, &manifest.Manifest{Name: "Esc", Main: "../outside.html"})
		assert.Error(t, err)
	})
}

func TestGeometryFromHints(t *testing.T) {
	no := false

	tests := []struct {
		name  string
		hints *manifest.WindowHints
		want  Geometry
	}{
		{
			name:  "defaults",
			hints: nil,
			want:  Geometry{Width: 800, Height: 600, MinWidth: 400, MinHeight: 300, Resizable: true},
		},
		{
			name:  "explicit size",
			hints: &manifest.WindowHints{Width: 500, Height: 900, Resizable: &no},
			want:  Geometry{Width: 500, Height: 900, MinWidth: 400, MinHeight: 300, Resizable: false},
		},
		{
			name:  "clamped to bounds",
			hints: &manifest.WindowHints{Width: 100, Height: 2000, MaxHeight: 1000},
			want:  Geometry{Width: 400, Height: 1000, MinWidth: 400, MinHeight: 300, MaxHeight: 1000, Resizable: true},
		},
		{
			name:  "custom minimums",
			hints: &manifest.WindowHints{MinWidth: 200, MinHeight: 100, Width: 250},
			want:  Geometry{Width: 250, Height: 600, MinWidth: 200, MinHeight: 100, Resizable: true},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, GeometryFromHints(tt.hints))
		})
	}
}

func TestEscapeScript(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{`const s = "</script>";`, `const s = "<\/script>";`},
		{`const s = "</SCRIPT>";`, `const s = "<\/SCRIPT>";`},
		{`x = "</ScRiPt >"`, `x = "<\/ScRiPt >"`},
		{`a < b && c </ d`, `a < b && c </ d`},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got := escapeScript(tt.in)
			assert.Equal(t, tt.want, got)
			assert.NotRegexp(t, `(?i)</script`, got)
		})
	}
}
