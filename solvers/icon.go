package solvers

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"image"
	"math"
	"math/rand"
	"path"
	"strings"

	"github.com/disintegration/imaging"
	"go.uber.org/zap"

	"geekedapi/core"
	"geekedapi/utils"
)

// Question icons are served under stable file names, one per direction.
var iconDirections = map[string]string{
	"8da090c135ff029f3b5e19f4c44f73c8.png": "u",
	"cb0eaa639b2117a69a81af3d8c1496a1.png": "d",
	"315ce8665e781dabcd1eb09d3e604803.png": "l",
	"38bd9dda695098c7dfad74c921923a7d.png": "lu",
	"502e51dbabf411beba2dcd55fd38ebbd.png": "ld",
	"2b2387f566f6a03ed594d4d7cfda471f.png": "r",
	"78dc29045d587ad054c7353732df53c5.png": "ru",
	"23ef93e6b0e0df0e15b66667c99a5fb4.png": "rd",
}

const (
	iconInputHeight  = 64
	iconInstruction  = "direction"
	iconScaleX       = 33.0 / 100
	iconScaleY       = 49.0 / 100
	iconMinDimension = 20
)

type Icon struct {
	Recognizer Recognizer
	Logger     *zap.Logger
}

func QuestionDirection(question string) (string, bool) {
	dir, ok := iconDirections[path.Base(question)]
	return dir, ok
}

// LabelDirection extracts the direction from labels such as "butterfly_lu".
func LabelDirection(label string) (string, bool) {
	i := strings.LastIndex(label, "_")
	if i < 0 || i == len(label)-1 {
		return "", false
	}
	return label[i+1:], true
}

type box struct {
	x1, y1, x2, y2 int
}

func (b box) center() (float64, float64) {
	return float64(b.x1) + float64(b.x2-b.x1)/2, float64(b.y1) + float64(b.y2-b.y1)/2
}

func (Icon) scaled(x, y float64) [2]float64 {
	return [2]float64{x * iconScaleX, y * iconScaleY}
}

func (s Icon) Solve(ctx context.Context, ch *core.Challenge) (core.Answer, error) {
	if s.Recognizer == nil {
		return nil, fmt.Errorf("%w: icon challenges need a recognizer", core.ErrSolverUnavailable)
	}
	logger := utils.OrNop(s.Logger)

	var questions []string
	if err := json.Unmarshal(ch.Ques, &questions); err != nil || len(questions) == 0 {
		return nil, &core.CaptchaFailedError{Message: "icon challenge has no questions"}
	}
	img, err := fetchImage(ctx, ch, ch.Imgs, "icon")
	if err != nil {
		return nil, err
	}

	boxes := detectIcons(img)
	type detected struct {
		box box
		dir string
	}
	var icons []detected
	for _, b := range boxes {
		dir, err := s.classify(ctx, img, b)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			logger.Debug("icon classification failed", zap.Error(err))
			continue
		}
		icons = append(icons, detected{box: b, dir: dir})
	}
	logger.Debug("icons classified", zap.Int("detected", len(boxes)), zap.Int("classified", len(icons)))

	positions := make([]*[2]float64, len(questions))
	used := make([]bool, len(icons))
	for qi, q := range questions {
		want, ok := QuestionDirection(q)
		if !ok {
			continue
		}
		for ii, icon := range icons {
			if !used[ii] && icon.dir == want {
				p := s.scaled(icon.box.center())
				positions[qi] = &p
				used[ii] = true
				break
			}
		}
	}

	var spare [][2]float64
	for ii, icon := range icons {
		if !used[ii] {
			spare = append(spare, s.scaled(icon.box.center()))
		}
	}
	for qi := range positions {
		if positions[qi] == nil && len(spare) > 0 {
			k := rand.Intn(len(spare))
			p := spare[k]
			spare = append(spare[:k], spare[k+1:]...)
			positions[qi] = &p
		}
	}

	response := make([][2]float64, len(questions))
	clicks := make([][2]int, len(questions))
	for qi, p := range positions {
		if p == nil {
			fallback := s.scaled(50+float64(qi)*80, 100)
			p = &fallback
		}
		response[qi] = *p
		clicks[qi] = [2]int{int(math.Round(p[0] / iconScaleX)), int(math.Round(p[1] / iconScaleY))}
	}

	return core.Answer{
		"passtime":     utils.Passtime(utils.ClickPath(clicks)),
		"userresponse": response,
	}, nil
}

// classify sends the crop, normalized to the recognizer's input height.
func (s Icon) classify(ctx context.Context, img image.Image, b box) (string, error) {
	crop := imaging.Crop(img, image.Rect(b.x1, b.y1, b.x2, b.y2))
	width := int(math.Max(1, math.Round(float64(b.x2-b.x1)*iconInputHeight/float64(b.y2-b.y1))))
	resized := imaging.Grayscale(imaging.Resize(crop, width, iconInputHeight, imaging.Lanczos))

	var buf bytes.Buffer
	if err := imaging.Encode(&buf, resized, imaging.PNG); err != nil {
		return "", err
	}
	label, err := s.Recognizer.Classify(ctx, base64.StdEncoding.EncodeToString(buf.Bytes()), iconInstruction)
	if err != nil {
		return "", err
	}
	dir, ok := LabelDirection(label)
	if !ok {
		return "", fmt.Errorf("unexpected label %q", label)
	}
	return dir, nil
}

// detectIcons binarizes with Otsu's threshold and keeps connected components
// sized like an icon.
func detectIcons(img image.Image) []box {
	p := toPlane(img)
	threshold := otsuThreshold(p)

	fg := make([]bool, len(p.pix))
	for i, v := range p.pix {
		fg[i] = v <= float64(threshold)
	}

	area := p.w * p.h
	minArea, maxArea := area/400, area/4
	maxDim := min(p.w, p.h) / 2

	var out []box
	for _, b := range components(fg, p.w, p.h) {
		w, h := b.x2-b.x1, b.y2-b.y1
		if w*h < minArea || w*h > maxArea {
			continue
		}
		if w < iconMinDimension || h < iconMinDimension || w > maxDim || h > maxDim {
			continue
		}
		if float64(w)/float64(h) <= 0.3 || float64(h)/float64(w) <= 0.3 {
			continue
		}
		out = append(out, b)
	}
	return out
}

func otsuThreshold(p *grayPlane) uint8 {
	var hist [256]uint64
	for _, v := range p.pix {
		hist[uint8(v)]++
	}
	total := uint64(len(p.pix))

	var sum uint64
	for i, c := range hist {
		sum += uint64(i) * c
	}

	var sumB, wB uint64
	var best float64
	var threshold uint8
	for i, c := range hist {
		wB += c
		if wB == 0 {
			continue
		}
		wF := total - wB
		if wF == 0 {
			break
		}
		sumB += uint64(i) * c
		mB := float64(sumB) / float64(wB)
		mF := float64(sum-sumB) / float64(wF)
		if v := float64(wB) * float64(wF) * (mB - mF) * (mB - mF); v > best {
			best, threshold = v, uint8(i)
		}
	}
	return threshold
}

// components returns bounding boxes (exclusive max) of 4-connected regions.
func components(fg []bool, w, h int) []box {
	seen := make([]bool, len(fg))
	var out []box
	var stack []int

	for start := range fg {
		if !fg[start] || seen[start] {
			continue
		}
		b := box{x1: w, y1: h}
		seen[start] = true
		stack = append(stack[:0], start)
		for len(stack) > 0 {
			i := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			x, y := i%w, i/w
			b.x1, b.y1 = min(b.x1, x), min(b.y1, y)
			b.x2, b.y2 = max(b.x2, x+1), max(b.y2, y+1)

			if x > 0 && fg[i-1] && !seen[i-1] {
				seen[i-1] = true
				stack = append(stack, i-1)
			}
			if x < w-1 && fg[i+1] && !seen[i+1] {
				seen[i+1] = true
				stack = append(stack, i+1)
			}
			if y > 0 && fg[i-w] && !seen[i-w] {
				seen[i-w] = true
				stack = append(stack, i-w)
			}
			if y < h-1 && fg[i+w] && !seen[i+w] {
				seen[i+w] = true
				stack = append(stack, i+w)
			}
		}
		out = append(out, b)
	}
	return out
}
