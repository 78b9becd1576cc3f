// Package chart renders candlestick images consumed by the predictor.
package chart

import (
	"context"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"time"

	"github.com/Hasnain410/forex-live-trader/internal/market"
)

// Renderer turns a bar series into an image artifact on disk and returns
// its path. Rendering is CPU-bound; callers bound concurrency themselves.
type Renderer interface {
	Render(ctx context.Context, pair string, bars []market.Bar, sessionTime time.Time) (string, error)
}

// Candlestick is a minimal PNG candlestick renderer. It draws green/red
// bodies with wicks over a dark background, enough visual structure for
// bias analysis without an external plotting toolchain.
type Candlestick struct {
	Dir    string
	Width  int
	Height int
}

// NewCandlestick creates a renderer writing 1280x720 PNGs under dir.
func NewCandlestick(dir string) *Candlestick {
	return &Candlestick{Dir: dir, Width: 1280, Height: 720}
}

var (
	colorBg   = color.RGBA{R: 18, G: 20, B: 26, A: 255}
	colorGrid = color.RGBA{R: 40, G: 44, B: 52, A: 255}
	colorUp   = color.RGBA{R: 38, G: 166, B: 91, A: 255}
	colorDown = color.RGBA{R: 214, G: 69, B: 65, A: 255}
)

// Render draws the bars and writes <dir>/<pair>_<unix>.png.
func (c *Candlestick) Render(ctx context.Context, pair string, bars []market.Bar, sessionTime time.Time) (string, error) {
	if len(bars) == 0 {
		return "", fmt.Errorf("chart: %s: no bars to render", pair)
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}

	high, low, _ := market.Extremes(bars)
	if high == low {
		high += 1e-9
	}

	img := image.NewRGBA(image.Rect(0, 0, c.Width, c.Height))
	fill(img, img.Bounds(), colorBg)

	const margin = 20
	plotW := c.Width - 2*margin
	plotH := c.Height - 2*margin

	// Horizontal gridlines at price quartiles.
	for i := 0; i <= 4; i++ {
		y := margin + i*plotH/4
		fill(img, image.Rect(margin, y, c.Width-margin, y+1), colorGrid)
	}

	// Price to pixel-y, inverted so higher prices sit higher on screen.
	toY := func(p float64) int {
		return margin + int(float64(plotH)*(1-(p-low)/(high-low)))
	}

	slot := float64(plotW) / float64(len(bars))
	bodyW := int(slot * 0.6)
	if bodyW < 1 {
		bodyW = 1
	}

	for i, b := range bars {
		x := margin + int(slot*float64(i)+slot/2)
		col := colorUp
		if b.Close < b.Open {
			col = colorDown
		}

		// Wick.
		fill(img, image.Rect(x, toY(b.High), x+1, toY(b.Low)+1), col)

		// Body.
		top, bot := toY(b.Open), toY(b.Close)
		if top > bot {
			top, bot = bot, top
		}
		if bot == top {
			bot++
		}
		fill(img, image.Rect(x-bodyW/2, top, x+bodyW/2+1, bot), col)
	}

	if err := os.MkdirAll(c.Dir, 0o755); err != nil {
		return "", fmt.Errorf("chart: create dir: %w", err)
	}
	path := filepath.Join(c.Dir, fmt.Sprintf("%s_%d.png", pair, sessionTime.UTC().Unix()))

	f, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("chart: %w", err)
	}
	defer f.Close()

	if err := png.Encode(f, img); err != nil {
		return "", fmt.Errorf("chart: encode %s: %w", pair, err)
	}
	return path, nil
}

func fill(img *image.RGBA, r image.Rectangle, col color.RGBA) {
	r = r.Intersect(img.Bounds())
	for y := r.Min.Y; y < r.Max.Y; y++ {
		for x := r.Min.X; x < r.Max.X; x++ {
			img.SetRGBA(x, y, col)
		}
	}
}
