package solvers

import (
	"bytes"
	"context"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"

	"github.com/disintegration/imaging"
	_ "golang.org/x/image/webp"

	"geekedapi/core"
)

func fetchImage(ctx context.Context, ch *core.Challenge, path, what string) (image.Image, error) {
	if path == "" {
		return nil, &core.CaptchaFailedError{Message: fmt.Sprintf("challenge has no %s image", what)}
	}
	if ch.Assets == nil {
		return nil, fmt.Errorf("%w: no asset fetcher for %s image", core.ErrSolverUnavailable, what)
	}
	raw, err := ch.Assets.FetchAsset(ctx, path)
	if err != nil {
		return nil, err
	}
	img, err := imaging.Decode(bytes.NewReader(raw))
	if err != nil {
		return nil, &core.CaptchaFailedError{Message: fmt.Sprintf("failed to decode %s image: %v", what, err)}
	}
	return img, nil
}

// grayPlane is a row-major float copy of a single channel image.
type grayPlane struct {
	w, h int
	pix  []float64
}

func (g *grayPlane) at(x, y int) float64 { return g.pix[y*g.w+x] }

func toPlane(img image.Image) *grayPlane {
	gray := imaging.Grayscale(img)
	b := gray.Bounds()
	p := &grayPlane{w: b.Dx(), h: b.Dy(), pix: make([]float64, b.Dx()*b.Dy())}
	for y := 0; y < p.h; y++ {
		row := gray.Pix[y*gray.Stride:]
		for x := 0; x < p.w; x++ {
			p.pix[y*p.w+x] = float64(row[x*4])
		}
	}
	return p
}
