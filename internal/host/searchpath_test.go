package host

import (
	"errors"
	"testing"

	"pgregory.net/rapid"
)

func TestSearchPath_PushPop(t *testing.T) {
	p := NewSearchPath("/base")
	p.Push("/a")
	p.Push("/b")

	if p.Len() != 3 {
		t.Fatalf("Len() = %d, want 3", p.Len())
	}
	if got, _ := p.Pop(); got != "/b" {
		t.Errorf("Pop() = %q, want /b", got)
	}
	if got := p.Dirs(); len(got) != 2 || got[1] != "/a" {
		t.Errorf("Dirs() = %v", got)
	}
}

func TestSearchPath_PopEmpty(t *testing.T) {
	p := NewSearchPath()
	if _, err := p.Pop(); !errors.Is(err, ErrSearchPathEmpty) {
		t.Errorf("got %v, want ErrSearchPathEmpty", err)
	}
}

func TestSearchPath_DirsIsCopy(t *testing.T) {
	p := NewSearchPath("/a")
	d := p.Dirs()
	d[0] = "/mutated"
	if p.Dirs()[0] != "/a" {
		t.Error("Dirs() exposed internal slice")
	}
}

func TestSearchPath_WithRestores(t *testing.T) {
	p := NewSearchPath("/base")
	restore := p.With("/script")
	if p.Len() != 2 {
		t.Fatalf("Len() after With = %d", p.Len())
	}
	restore()
	restore()
	if p.Len() != 1 {
		t.Errorf("Len() after restore = %d, want 1", p.Len())
	}
}

// Scoped pushes restore the original length however they nest and whether
// or not the scoped work panics.
func TestSearchPath_WithIsBalanced(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		p := NewSearchPath(rapid.SliceOfN(rapid.StringMatching(`/[a-z]{1,6}`), 0, 4).Draw(t, "seed")...)
		before := p.Len()

		depth := rapid.IntRange(1, 6).Draw(t, "depth")
		panicAt := rapid.IntRange(0, depth).Draw(t, "panicAt")

		var nest func(level int)
		nest = func(level int) {
			if level == depth {
				return
			}
			restore := p.With(rapid.StringMatching(`/[a-z]{1,6}`).Draw(t, "dir"))
			defer restore()
			if level == panicAt {
				panic("scoped failure")
			}
			nest(level + 1)
		}

		func() {
			defer func() { _ = recover() }()
			nest(0)
		}()

		if p.Len() != before {
			t.Fatalf("Len() = %d after scoped work, want %d", p.Len(), before)
		}
	})
}
