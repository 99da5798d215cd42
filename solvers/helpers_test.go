package solvers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"image"
	"image/color"
	"testing"

	"github.com/disintegration/imaging"
	"github.com/stretchr/testify/require"

	"geekedapi/core"
)

type assetMap map[string][]byte

func (a assetMap) FetchAsset(_ context.Context, path string) ([]byte, error) {
	b, ok := a[path]
	if !ok {
		return nil, fmt.Errorf("%w: %s", core.ErrNetwork, path)
	}
	return b, nil
}

func encodePNG(t *testing.T, img image.Image) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, imaging.Encode(&buf, img, imaging.PNG))
	return buf.Bytes()
}

func filled(w, h int, c color.Color) *image.NRGBA {
	return imaging.New(w, h, c)
}

func fillRect(img *image.NRGBA, r image.Rectangle, c color.Color) {
	for y := r.Min.Y; y < r.Max.Y; y++ {
		for x := r.Min.X; x < r.Max.X; x++ {
			img.Set(x, y, c)
		}
	}
}

func mustJSON(t *testing.T, v any) json.RawMessage {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	return b
}
