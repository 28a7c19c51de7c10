// Package chart renders forecast series as PNG line charts.
package chart

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"math"

	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"

	"github.com/avelar/meteocast/internal/models"
)

const (
	chartWidth  = 800
	chartHeight = 400

	marginLeft   = 60
	marginRight  = 150
	marginTop    = 40
	marginBottom = 50
)

var (
	background    = color.RGBA{255, 255, 255, 255}
	gridColor     = color.RGBA{230, 230, 230, 255}
	axisColor     = color.RGBA{60, 60, 60, 255}
	textColor     = color.RGBA{40, 40, 40, 255}
	seasonalColor = color.RGBA{120, 160, 220, 255}
	finalColor    = color.RGBA{210, 80, 50, 255}
)

// Render plots the seasonal baseline against the blended final series
// for one forecast and returns the encoded PNG.
func Render(location string, rows []models.ForecastRow) ([]byte, error) {
	if len(rows) == 0 {
		return nil, fmt.Errorf("chart: no rows to plot")
	}

	img := image.NewRGBA(image.Rect(0, 0, chartWidth, chartHeight))
	for y := 0; y < chartHeight; y++ {
		for x := 0; x < chartWidth; x++ {
			img.SetRGBA(x, y, background)
		}
	}

	lo, hi := valueRange(rows)
	plot := image.Rect(marginLeft, marginTop, chartWidth-marginRight, chartHeight-marginBottom)

	drawGrid(img, plot, lo, hi)
	drawXLabels(img, plot, rows)

	seasonal := make([]float64, len(rows))
	final := make([]float64, len(rows))
	for i, r := range rows {
		seasonal[i] = r.Seasonal
		final[i] = r.Final
	}
	drawSeries(img, plot, seasonal, lo, hi, seasonalColor, false)
	drawSeries(img, plot, final, lo, hi, finalColor, true)

	title := fmt.Sprintf("%s %d-day forecast (%s)", location, len(rows), rows[0].Mode)
	drawText(img, title, marginLeft, 25, textColor)
	drawLegend(img, plot)

	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, fmt.Errorf("chart: encode: %w", err)
	}
	return buf.Bytes(), nil
}

// valueRange pads the observed min/max by one degree so lines never
// touch the frame.
func valueRange(rows []models.ForecastRow) (float64, float64) {
	lo, hi := math.Inf(1), math.Inf(-1)
	for _, r := range rows {
		lo = math.Min(lo, math.Min(r.Seasonal, r.Final))
		hi = math.Max(hi, math.Max(r.Seasonal, r.Final))
	}
	lo, hi = lo-1, hi+1
	if hi-lo < 4 {
		mid := (hi + lo) / 2
		lo, hi = mid-2, mid+2
	}
	return lo, hi
}

func drawGrid(img *image.RGBA, plot image.Rectangle, lo, hi float64) {
	step := tickStep(hi - lo)
	for v := math.Ceil(lo/step) * step; v <= hi; v += step {
		y := yFor(v, plot, lo, hi)
		drawLine(img, plot.Min.X, y, plot.Max.X, y, gridColor)
		drawText(img, fmt.Sprintf("%.0f°C", v), 8, y+4, textColor)
	}

	drawLine(img, plot.Min.X, plot.Min.Y, plot.Min.X, plot.Max.Y, axisColor)
	drawLine(img, plot.Min.X, plot.Max.Y, plot.Max.X, plot.Max.Y, axisColor)
}

// tickStep picks a 1/2/5-style interval giving roughly five gridlines.
func tickStep(span float64) float64 {
	raw := span / 5
	mag := math.Pow(10, math.Floor(math.Log10(raw)))
	norm := raw / mag
	switch {
	case norm < 1.5:
		return mag
	case norm < 3.5:
		return 2 * mag
	case norm < 7.5:
		return 5 * mag
	default:
		return 10 * mag
	}
}

func drawXLabels(img *image.RGBA, plot image.Rectangle, rows []models.ForecastRow) {
	every := 1
	if len(rows) > 10 {
		every = len(rows) / 10
	}
	for i, r := range rows {
		if i%every != 0 {
			continue
		}
		x := xFor(i, len(rows), plot)
		drawLine(img, x, plot.Max.Y, x, plot.Max.Y+4, axisColor)
		label := r.Date.Format("Jan 2")
		drawText(img, label, x-len(label)*7/2, plot.Max.Y+20, textColor)
	}
}

func drawSeries(img *image.RGBA, plot image.Rectangle, vals []float64, lo, hi float64, col color.RGBA, markers bool) {
	for i := 1; i < len(vals); i++ {
		x0, y0 := xFor(i-1, len(vals), plot), yFor(vals[i-1], plot, lo, hi)
		x1, y1 := xFor(i, len(vals), plot), yFor(vals[i], plot, lo, hi)
		drawLine(img, x0, y0, x1, y1, col)
	}
	if !markers {
		return
	}
	for i, v := range vals {
		x, y := xFor(i, len(vals), plot), yFor(v, plot, lo, hi)
		for dy := -2; dy <= 2; dy++ {
			for dx := -2; dx <= 2; dx++ {
				setPixel(img, x+dx, y+dy, col)
			}
		}
	}
}

func drawLegend(img *image.RGBA, plot image.Rectangle) {
	x := plot.Max.X + 12
	entries := []struct {
		label string
		col   color.RGBA
	}{
		{"seasonal", seasonalColor},
		{"final", finalColor},
	}
	for i, e := range entries {
		y := plot.Min.Y + 16 + i*20
		drawLine(img, x, y-4, x+24, y-4, e.col)
		drawText(img, e.label, x+30, y, textColor)
	}
}

func xFor(i, n int, plot image.Rectangle) int {
	if n <= 1 {
		return (plot.Min.X + plot.Max.X) / 2
	}
	return plot.Min.X + i*(plot.Dx())/(n-1)
}

func yFor(v float64, plot image.Rectangle, lo, hi float64) int {
	frac := (v - lo) / (hi - lo)
	return plot.Max.Y - int(frac*float64(plot.Dy()))
}

func drawLine(img *image.RGBA, x0, y0, x1, y1 int, col color.RGBA) {
	dx, dy := x1-x0, y1-y0
	steps := abs(dx)
	if abs(dy) > steps {
		steps = abs(dy)
	}
	if steps == 0 {
		setPixel(img, x0, y0, col)
		return
	}
	for i := 0; i <= steps; i++ {
		setPixel(img, x0+dx*i/steps, y0+dy*i/steps, col)
	}
}

func setPixel(img *image.RGBA, x, y int, col color.RGBA) {
	if image.Pt(x, y).In(img.Bounds()) {
		img.SetRGBA(x, y, col)
	}
}

func drawText(img *image.RGBA, text string, x, y int, col color.Color) {
	d := &font.Drawer{
		Dst:  img,
		Src:  image.NewUniform(col),
		Face: basicfont.Face7x13,
		Dot:  fixed.Point26_6{X: fixed.I(x), Y: fixed.I(y)},
	}
	d.DrawString(text)
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
