package solvers

import (
	"context"
	"encoding/json"
	"fmt"

	"geekedapi/core"
)

type Gobang struct{}

func (Gobang) Solve(_ context.Context, ch *core.Challenge) (core.Answer, error) {
	if len(ch.Ques) == 0 {
		return nil, &core.CaptchaFailedError{Message: "gobang challenge has no board"}
	}
	var board [][]int
	if err := json.Unmarshal(ch.Ques, &board); err != nil {
		return nil, &core.CaptchaFailedError{Message: fmt.Sprintf("gobang board: %v", err)}
	}

	move, ok := FindFourInLine(board)
	if !ok {
		return nil, &core.CaptchaFailedError{Message: "could not solve gobang puzzle"}
	}
	return core.Answer{"userresponse": move}, nil
}

type cell [2]int

// FindFourInLine looks for a full length line holding n-1 equal stones and
// one gap, and returns [[from], [to]]: a same colored stone outside the line
// and the gap it should move into.
func FindFourInLine(board [][]int) ([2][2]int, bool) {
	n := len(board)
	for _, row := range board {
		if len(row) != n {
			return [2][2]int{}, false
		}
	}

	for _, line := range boardLines(n) {
		if len(line) < n {
			continue
		}

		freq := map[int]int{}
		for _, p := range line {
			freq[board[p[0]][p[1]]]++
		}
		if freq[0] == n-1 {
			continue
		}

		target, found := 0, false
		for v, count := range freq {
			if v != 0 && count == n-1 {
				target, found = v, true
				break
			}
		}
		if !found {
			continue
		}

		var gap cell
		hasGap := false
		for _, p := range line {
			if board[p[0]][p[1]] == 0 {
				gap, hasGap = p, true
				break
			}
		}
		if !hasGap {
			continue
		}

		if from, ok := removeCandidate(board, target, line); ok {
			return [2][2]int{from, gap}, true
		}
	}
	return [2][2]int{}, false
}

// boardLines lists rows, columns and both diagonal families.
func boardLines(n int) [][]cell {
	var lines [][]cell
	for r := 0; r < n; r++ {
		var line []cell
		for c := 0; c < n; c++ {
			line = append(line, cell{r, c})
		}
		lines = append(lines, line)
	}
	for c := 0; c < n; c++ {
		var line []cell
		for r := 0; r < n; r++ {
			line = append(line, cell{r, c})
		}
		lines = append(lines, line)
	}
	for start := 0; start < n; start++ {
		var line []cell
		for i := 0; i < n-start; i++ {
			line = append(line, cell{start + i, i})
		}
		lines = append(lines, line)
	}
	for start := 1; start < n; start++ {
		var line []cell
		for i := 0; i < n-start; i++ {
			line = append(line, cell{i, start + i})
		}
		lines = append(lines, line)
	}
	for start := 0; start < n; start++ {
		var line []cell
		for i := 0; i <= start; i++ {
			line = append(line, cell{start - i, i})
		}
		lines = append(lines, line)
	}
	for start := 1; start < n; start++ {
		var line []cell
		for i := 0; i < n-start; i++ {
			line = append(line, cell{n - 1 - i, start + i})
		}
		lines = append(lines, line)
	}
	return lines
}

func removeCandidate(board [][]int, target int, exclude []cell) (cell, bool) {
	skip := make(map[cell]bool, len(exclude))
	for _, p := range exclude {
		skip[p] = true
	}
	for r := range board {
		for c := range board[r] {
			if !skip[cell{r, c}] && board[r][c] == target {
				return cell{r, c}, true
			}
		}
	}
	return cell{}, false
}
