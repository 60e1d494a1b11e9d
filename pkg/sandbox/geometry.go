package sandbox

import "github.com/harun/capsule/pkg/manifest"

const (
	DefaultWidth     = 800
	DefaultHeight    = 600
	DefaultMinWidth  = 400
	DefaultMinHeight = 300
)

// Geometry is the effective window size policy
type Geometry struct {
	Width     int  `json:"width"`
	Height    int  `json:"height"`
	MinWidth  int  `json:"minWidth"`
	MinHeight int  `json:"minHeight"`
	MaxWidth  int  `json:"maxWidth,omitempty"`
	MaxHeight int  `json:"maxHeight,omitempty"`
	Resizable bool `json:"resizable"`
}

// GeometryFromHints applies manifest hints over the defaults. Width and
// height are clamped into the [min, max] range.
func GeometryFromHints(hints *manifest.WindowHints) Geometry {
	g := Geometry{
		Width:     DefaultWidth,
		Height:    DefaultHeight,
		MinWidth:  DefaultMinWidth,
		MinHeight: DefaultMinHeight,
		Resizable: true,
	}
	if hints == nil {
		return g
	}

	if hints.Width > 0 {
		g.Width = hints.Width
	}
	if hints.Height > 0 {
		g.Height = hints.Height
	}
	if hints.MinWidth > 0 {
		g.MinWidth = hints.MinWidth
	}
	if hints.MinHeight > 0 {
		g.MinHeight = hints.MinHeight
	}
	g.MaxWidth = hints.MaxWidth
	g.MaxHeight = hints.MaxHeight
	if hints.Resizable != nil {
		g.Resizable = *hints.Resizable
	}

	g.Width = clamp(g.Width, g.MinWidth, g.MaxWidth)
	g.Height = clamp(g.Height, g.MinHeight, g.MaxHeight)
	return g
}

func clamp(v, lo, hi int) int {
	if v < lo {
		v = lo
	}
	if hi > 0 && v > hi {
		v = hi
	}
	return v
}
