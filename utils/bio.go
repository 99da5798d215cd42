package utils

import (
	"math"
	"math/rand"
)

const (
	MinPasstime = 600
	MaxPasstime = 1200
)

type MouseEvent struct {
	Type string
	X    int
	Y    int
}

type SubEvent struct {
	Event         MouseEvent
	SincePrevious int
}

func GenerateMouseClickEvent(coords [2]int) []SubEvent {
	return []SubEvent{
		{Event: MouseEvent{"Down", coords[0], coords[1]}, SincePrevious: rand.Intn(40) + 20},
		{Event: MouseEvent{"Up", coords[0], coords[1]}, SincePrevious: rand.Intn(60) + 40},
	}
}

func GenerateBezierPath(coords [][2]int, deviation, steps int) []SubEvent {
	var path []SubEvent
	for i := 0; i < len(coords)-1; i++ {
		start, end := coords[i], coords[i+1]
		tValues := make([]float64, steps+1)
		for t := 0; t <= steps; t++ {
			tValues[t] = easeOut(float64(t) / float64(steps))
		}
		ctrl1 := randomControlPoint(start, end, deviation)
		ctrl2 := randomControlPoint(start, end, deviation)
		for _, point := range makeBezier(start, ctrl1, ctrl2, end, tValues) {
			path = append(path, SubEvent{
				Event:         MouseEvent{"Move", point[0], point[1]},
				SincePrevious: rand.Intn(12) + 14,
			})
		}
	}
	return path
}

// DragPath simulates pressing the slider handle, dragging it distance px
// to the right and releasing it.
func DragPath(distance float64) []SubEvent {
	start := [2]int{20 + rand.Intn(10), 180 + rand.Intn(10)}
	end := [2]int{start[0] + int(math.Round(distance)), start[1] + rand.Intn(5) - 2}

	events := []SubEvent{{Event: MouseEvent{"Down", start[0], start[1]}, SincePrevious: 0}}
	events = append(events, GenerateBezierPath([][2]int{start, end}, 6, 30)...)
	events = append(events, SubEvent{Event: MouseEvent{"Up", end[0], end[1]}, SincePrevious: rand.Intn(80) + 40})
	return events
}

// ClickPath moves across the given points and clicks each one in order.
func ClickPath(points [][2]int) []SubEvent {
	current := [2]int{rand.Intn(300), rand.Intn(250)}
	var events []SubEvent
	for _, p := range points {
		events = append(events, GenerateBezierPath([][2]int{current, p}, 20, 12)...)
		events = append(events, GenerateMouseClickEvent(p)...)
		current = p
	}
	return events
}

// Passtime is the elapsed time of the events in ms, clamped to the range the
// service accepts.
func Passtime(events []SubEvent) int {
	total := 0
	for _, e := range events {
		total += e.SincePrevious
	}
	if total < MinPasstime {
		return MinPasstime + rand.Intn(MaxPasstime-MinPasstime)/4
	}
	if total > MaxPasstime {
		return MaxPasstime - rand.Intn(MaxPasstime-MinPasstime)/4
	}
	return total
}

func easeOut(t float64) float64 {
	return 1 - math.Pow(1-t, 3)
}

func randomControlPoint(p1, p2 [2]int, deviation int) [2]int {
	// Calculate midpoint between p1 and p2
	midX := (p1[0] + p2[0]) / 2
	midY := (p1[1] + p2[1]) / 2

	if deviation <= 0 {
		return [2]int{midX, midY}
	}
	return [2]int{
		midX + rand.Intn(deviation) - deviation/2,
		midY + rand.Intn(deviation) - deviation/2,
	}
}

func makeBezier(start, ctrl1, ctrl2, end [2]int, tValues []float64) [][2]int {
	var points [][2]int
	for _, t := range tValues {
		x := math.Pow(1-t, 3)*float64(start[0]) + 3*t*math.Pow(1-t, 2)*float64(ctrl1[0]) +
			3*(1-t)*t*t*float64(ctrl2[0]) + t*t*t*float64(end[0])
		y := math.Pow(1-t, 3)*float64(start[1]) + 3*t*math.Pow(1-t, 2)*float64(ctrl1[1]) +
			3*(1-t)*t*t*float64(ctrl2[1]) + t*t*t*float64(end[1])
		points = append(points, [2]int{int(math.Round(x)), int(math.Round(y))})
	}
	return points
}
