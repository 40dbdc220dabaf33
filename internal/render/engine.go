// Package render turns markup into PDF bytes through a bounded pool of
// headless browser engines.
package render

import "context"

// PageFormat is the fixed output page geometry. Margins are left at the
// engine defaults.
type PageFormat struct {
	WidthInches     float64
	HeightInches    float64
	PrintBackground bool
}

var A4 = PageFormat{WidthInches: 8.27, HeightInches: 11.69, PrintBackground: true}

// Engine is one running rendering process. Each Render call must use a fresh
// isolated context inside the engine and discard it afterwards.
type Engine interface {
	Render(ctx context.Context, markup []byte, format PageFormat) ([]byte, error)
	Close() error
}

// Launcher starts a new engine process.
type Launcher func(ctx context.Context) (Engine, error)
