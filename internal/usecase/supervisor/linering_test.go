package supervisor

import (
	"strings"
	"testing"
)

func TestLineRingUnderCapacity(t *testing.T) {
	r := newLineRing(5)
	r.Push("a")
	r.Push("b")

	if got := strings.Join(r.Lines(), ","); got != "a,b" {
		t.Errorf("Lines = %q", got)
	}
	if r.Total() != 2 {
		t.Errorf("Total = %d, want 2", r.Total())
	}
}

func TestLineRingOverflow(t *testing.T) {
	r := newLineRing(3)
	for _, s := range []string{"1", "2", "3", "4", "5"} {
		r.Push(s)
	}

	if got := strings.Join(r.Lines(), ","); got != "3,4,5" {
		t.Errorf("Lines = %q, want 3,4,5", got)
	}
	if r.Total() != 5 {
		t.Errorf("Total = %d, want 5", r.Total())
	}
}

func TestLineRingReadFrom(t *testing.T) {
	r := newLineRing(10)
	if err := r.ReadFrom(strings.NewReader("x\r\ny\nlast")); err != nil {
		t.Fatalf("ReadFrom: %v", err)
	}

	if got := strings.Join(r.Lines(), ","); got != "x,y,last" {
		t.Errorf("Lines = %q", got)
	}
}

func TestLineRingZeroCapacity(t *testing.T) {
	r := newLineRing(0)
	r.Push("a")
	if len(r.Lines()) != 0 {
		t.Error("zero-capacity ring should retain nothing")
	}
}
