package solvers

import (
	"context"
	"image"
	"math"
	"math/rand"

	"github.com/disintegration/imaging"

	"geekedapi/core"
	"geekedapi/utils"
)

const (
	// The piece image carries transparent padding around the visible shape.
	slidePieceOffset = 41.0
	slideScale       = 1.0059466666666665

	cannyLow  = 100.0
	cannyHigh = 200.0
)

type Slide struct{}

func (Slide) Solve(ctx context.Context, ch *core.Challenge) (core.Answer, error) {
	piece, err := fetchImage(ctx, ch, ch.Slice, "slice")
	if err != nil {
		return nil, err
	}
	bg, err := fetchImage(ctx, ch, ch.Bg, "background")
	if err != nil {
		return nil, err
	}

	left := FindSlidePosition(piece, bg) + rand.Float64()*0.5
	return core.Answer{
		"setLeft":      left,
		"passtime":     utils.Passtime(utils.DragPath(left)),
		"userresponse": left/slideScale + 2,
	}, nil
}

// FindSlidePosition matches the piece's edge map against the background's and
// returns the slider distance for the best match.
func FindSlidePosition(piece, bg image.Image) float64 {
	pe := edgeMap(piece)
	be := edgeMap(bg)
	x, _ := matchTemplate(be, pe)
	return float64(x) + float64(piece.Bounds().Dx())/2 - slidePieceOffset
}

// edgeMap is a Canny style detector: blur, Sobel gradients, non-maximum
// suppression, then double threshold with one step of hysteresis.
func edgeMap(img image.Image) *grayPlane {
	p := toPlane(imaging.Blur(img, 0.8))
	w, h := p.w, p.h

	mag := make([]float64, w*h)
	dir := make([]float64, w*h)
	for y := 1; y < h-1; y++ {
		for x := 1; x < w-1; x++ {
			gx := -p.at(x-1, y-1) + p.at(x+1, y-1) -
				2*p.at(x-1, y) + 2*p.at(x+1, y) -
				p.at(x-1, y+1) + p.at(x+1, y+1)
			gy := -p.at(x-1, y-1) - 2*p.at(x, y-1) - p.at(x+1, y-1) +
				p.at(x-1, y+1) + 2*p.at(x, y+1) + p.at(x+1, y+1)
			mag[y*w+x] = math.Hypot(gx, gy)
			dir[y*w+x] = math.Atan2(gy, gx)
		}
	}

	thin := make([]float64, w*h)
	for y := 1; y < h-1; y++ {
		for x := 1; x < w-1; x++ {
			i := y*w + x
			angle := dir[i] * 180 / math.Pi
			if angle < 0 {
				angle += 180
			}
			var n1, n2 float64
			switch {
			case angle < 22.5 || angle >= 157.5:
				n1, n2 = mag[i+1], mag[i-1]
			case angle < 67.5:
				n1, n2 = mag[i-w+1], mag[i+w-1]
			case angle < 112.5:
				n1, n2 = mag[i+w], mag[i-w]
			default:
				n1, n2 = mag[i-w-1], mag[i+w+1]
			}
			if mag[i] >= n1 && mag[i] >= n2 {
				thin[i] = mag[i]
			}
		}
	}

	out := &grayPlane{w: w, h: h, pix: make([]float64, w*h)}
	for i, v := range thin {
		if v >= cannyHigh {
			out.pix[i] = 255
		}
	}
	for y := 1; y < h-1; y++ {
		for x := 1; x < w-1; x++ {
			i := y*w + x
			if out.pix[i] != 0 || thin[i] < cannyLow {
				continue
			}
			for _, j := range []int{i - w - 1, i - w, i - w + 1, i - 1, i + 1, i + w - 1, i + w, i + w + 1} {
				if thin[j] >= cannyHigh {
					out.pix[i] = 255
					break
				}
			}
		}
	}
	return out
}

// matchTemplate returns the top-left corner maximizing the normalized cross
// correlation sum(I*T) / sqrt(sum(I^2) * sum(T^2)).
func matchTemplate(img, tpl *grayPlane) (int, int) {
	if tpl.w > img.w || tpl.h > img.h {
		return 0, 0
	}

	type point struct {
		dx, dy int
		v      float64
	}
	var nonzero []point
	var tplSq float64
	for y := 0; y < tpl.h; y++ {
		for x := 0; x < tpl.w; x++ {
			if v := tpl.at(x, y); v != 0 {
				nonzero = append(nonzero, point{x, y, v})
				tplSq += v * v
			}
		}
	}
	if tplSq == 0 {
		return 0, 0
	}

	// Integral image of squares gives each window's sum(I^2) in O(1).
	iw := img.w + 1
	sq := make([]float64, iw*(img.h+1))
	for y := 0; y < img.h; y++ {
		var row float64
		for x := 0; x < img.w; x++ {
			v := img.at(x, y)
			row += v * v
			sq[(y+1)*iw+x+1] = sq[y*iw+x+1] + row
		}
	}

	bestX, bestY, best := 0, 0, -1.0
	for y := 0; y+tpl.h <= img.h; y++ {
		for x := 0; x+tpl.w <= img.w; x++ {
			winSq := sq[(y+tpl.h)*iw+x+tpl.w] - sq[y*iw+x+tpl.w] - sq[(y+tpl.h)*iw+x] + sq[y*iw+x]
			if winSq <= 0 {
				continue
			}
			var cross float64
			for _, p := range nonzero {
				cross += img.at(x+p.dx, y+p.dy) * p.v
			}
			if score := cross / math.Sqrt(winSq*tplSq); score > best {
				best, bestX, bestY = score, x, y
			}
		}
	}
	return bestX, bestY
}
