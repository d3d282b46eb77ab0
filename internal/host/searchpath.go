package host

// SearchPath is the process-wide module search scope: the directories a
// script runtime consults when resolving modules, most recently pushed last.
//
// SearchPath takes no locks. It is only ever touched from the main loop,
// which serialises every access; script loading must never move off it.
type SearchPath struct {
	dirs []string
}

// NewSearchPath creates a search path seeded with dirs.
func NewSearchPath(dirs ...string) *SearchPath {
	return &SearchPath{dirs: append([]string(nil), dirs...)}
}

// Push appends dir.
func (p *SearchPath) Push(dir string) {
	p.dirs = append(p.dirs, dir)
}

// Pop removes and returns the most recently pushed directory.
func (p *SearchPath) Pop() (string, error) {
	if len(p.dirs) == 0 {
		return "", ErrSearchPathEmpty
	}
	last := p.dirs[len(p.dirs)-1]
	p.dirs = p.dirs[:len(p.dirs)-1]
	return last, nil
}

// Len returns the number of entries.
func (p *SearchPath) Len() int {
	return len(p.dirs)
}

// Dirs returns a copy of the entries in push order.
func (p *SearchPath) Dirs() []string {
	out := make([]string, len(p.dirs))
	copy(out, p.dirs)
	return out
}

// With pushes dir and returns a func that restores the path to the length
// it had before the push. The restore func is safe to call more than once.
//
//	restore := path.With(dir)
//	defer restore()
func (p *SearchPath) With(dir string) (restore func()) {
	n := len(p.dirs)
	p.Push(dir)
	return func() {
		if len(p.dirs) > n {
			p.dirs = p.dirs[:n]
		}
	}
}
