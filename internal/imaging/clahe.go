package imaging

import (
	"image"
	"math"
)

// clahe applies contrast-limited adaptive histogram equalization to a
// grayscale image and returns a new image. The implementation mirrors the
// OpenCV algorithm: per-tile clipped histograms with the excess
// redistributed across all bins, then bilinear blending of the neighboring
// tile mappings at every pixel. It is a pure function; nothing is shared
// between calls.
func clahe(src *image.Gray, tilesX, tilesY int, clipLimit float64) *image.Gray {
	bounds := src.Bounds()
	w := bounds.Dx()
	h := bounds.Dy()
	if w == 0 || h == 0 {
		return src
	}

	if tilesX > w {
		tilesX = w
	}
	if tilesY > h {
		tilesY = h
	}

	// Tile boundaries partition the image evenly; edge tiles may differ in
	// size by one pixel.
	xBounds := tileBounds(w, tilesX)
	yBounds := tileBounds(h, tilesY)

	luts := make([][][256]uint8, tilesY)
	for ty := 0; ty < tilesY; ty++ {
		luts[ty] = make([][256]uint8, tilesX)
		for tx := 0; tx < tilesX; tx++ {
			luts[ty][tx] = tileLUT(src, xBounds[tx], xBounds[tx+1], yBounds[ty], yBounds[ty+1], clipLimit)
		}
	}

	centersX := tileCenters(xBounds)
	centersY := tileCenters(yBounds)

	dst := image.NewGray(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		ty0, ty1, wy := neighborWeight(centersY, float64(y))
		for x := 0; x < w; x++ {
			tx0, tx1, wx := neighborWeight(centersX, float64(x))
			g := src.GrayAt(bounds.Min.X+x, bounds.Min.Y+y).Y

			top := (1-wx)*float64(luts[ty0][tx0][g]) + wx*float64(luts[ty0][tx1][g])
			bot := (1-wx)*float64(luts[ty1][tx0][g]) + wx*float64(luts[ty1][tx1][g])
			v := (1-wy)*top + wy*bot

			dst.Pix[y*dst.Stride+x] = uint8(clampRound(v))
		}
	}
	return dst
}

// tileBounds returns n+1 boundaries splitting length evenly into n parts.
func tileBounds(length, n int) []int {
	bounds := make([]int, n+1)
	for i := 0; i <= n; i++ {
		bounds[i] = i * length / n
	}
	return bounds
}

// tileCenters returns the pixel-space center of each tile.
func tileCenters(bounds []int) []float64 {
	centers := make([]float64, len(bounds)-1)
	for i := range centers {
		centers[i] = (float64(bounds[i]) + float64(bounds[i+1]) - 1) / 2
	}
	return centers
}

// neighborWeight locates the two tile centers bracketing pos and the
// interpolation weight toward the second. Pixels outside the outermost
// centers clamp to the edge tile.
func neighborWeight(centers []float64, pos float64) (lo, hi int, weight float64) {
	n := len(centers)
	if pos <= centers[0] {
		return 0, 0, 0
	}
	if pos >= centers[n-1] {
		return n - 1, n - 1, 0
	}
	hi = 1
	for centers[hi] < pos {
		hi++
	}
	lo = hi - 1
	return lo, hi, (pos - centers[lo]) / (centers[hi] - centers[lo])
}

// tileLUT builds the clipped-histogram equalization mapping for one tile.
func tileLUT(src *image.Gray, x0, x1, y0, y1 int, clipLimit float64) [256]uint8 {
	min := src.Bounds().Min
	var hist [256]int
	for y := y0; y < y1; y++ {
		for x := x0; x < x1; x++ {
			hist[src.GrayAt(min.X+x, min.Y+y).Y]++
		}
	}

	area := (x1 - x0) * (y1 - y0)
	clip := int(clipLimit * float64(area) / 256)
	if clip < 1 {
		clip = 1
	}

	excess := 0
	for i := range hist {
		if hist[i] > clip {
			excess += hist[i] - clip
			hist[i] = clip
		}
	}

	// Redistribute the clipped mass evenly; the remainder goes to the
	// lowest bins, matching the OpenCV behavior closely enough that the
	// mapping stays within a gray level of the reference.
	bonus := excess / 256
	residual := excess % 256
	for i := range hist {
		hist[i] += bonus
		if i < residual {
			hist[i]++
		}
	}

	var lut [256]uint8
	scale := 255.0 / float64(area)
	cum := 0
	for i := range hist {
		cum += hist[i]
		lut[i] = uint8(clampRound(float64(cum) * scale))
	}
	return lut
}

func clampRound(v float64) int {
	r := int(math.Round(v))
	if r < 0 {
		return 0
	}
	if r > 255 {
		return 255
	}
	return r
}
