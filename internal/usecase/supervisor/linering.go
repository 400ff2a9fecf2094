package supervisor

import (
	"bufio"
	"io"
)

// lineRing keeps the most recent max lines, dropping the oldest on overflow.
type lineRing struct {
	lines []string
	start int
	max   int
	total int // lines ever pushed, including dropped
}

func newLineRing(maxLines int) *lineRing {
	return &lineRing{
		lines: make([]string, 0, min(maxLines, 256)),
		max:   maxLines,
	}
}

// Push appends one line.
func (r *lineRing) Push(line string) {
	r.total++
	if r.max <= 0 {
		return
	}
	if len(r.lines) < r.max {
		r.lines = append(r.lines, line)
		return
	}
	r.lines[r.start] = line
	r.start = (r.start + 1) % r.max
}

// ReadFrom pushes every line of rd. Line endings are stripped and a final
// line without a newline is kept.
func (r *lineRing) ReadFrom(rd io.Reader) error {
	br := bufio.NewReader(rd)
	for {
		line, err := br.ReadString('\n')
		if line != "" {
			r.Push(trimEOL(line))
		}
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
	}
}

// Lines returns the retained lines, earliest first.
func (r *lineRing) Lines() []string {
	out := make([]string, 0, len(r.lines))
	out = append(out, r.lines[r.start:]...)
	return append(out, r.lines[:r.start]...)
}

// Total returns the number of lines ever pushed.
func (r *lineRing) Total() int {
	return r.total
}
