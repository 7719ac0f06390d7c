package crawler

import (
	"fmt"
	"strings"
)

// Mark is a single coordination flag carried on a record.
type Mark uint16

// Coordination marks.
const (
	MarkSeed Mark = 1 << iota
	MarkGenerate
	MarkFetch
	MarkParse
	MarkInternal
	MarkInactive
)

var markNames = []struct {
	mark Mark
	name string
}{
	{MarkSeed, "SEED"},
	{MarkGenerate, "GENERATE"},
	{MarkFetch, "FETCH"},
	{MarkParse, "PARSE"},
	{MarkInternal, "INTERNAL"},
	{MarkInactive, "INACTIVE"},
}

func (m Mark) String() string {
	for _, entry := range markNames {
		if entry.mark == m {
			return entry.name
		}
	}
	return "UNKNOWN"
}

// Marks is the bitset of marks present on a record.
type Marks uint16

// Has reports whether mark is set.
func (m Marks) Has(mark Mark) bool {
	return m&Marks(mark) != 0
}

// Set adds mark.
func (m *Marks) Set(mark Mark) {
	*m |= Marks(mark)
}

// Clear removes mark.
func (m *Marks) Clear(mark Mark) {
	*m &^= Marks(mark)
}

func (m Marks) String() string {
	if m == 0 {
		return ""
	}
	names := make([]string, 0, len(markNames))
	for _, entry := range markNames {
		if m.Has(entry.mark) {
			names = append(names, entry.name)
		}
	}
	return strings.Join(names, ",")
}

// MarshalText renders the set as a comma separated list of names.
func (m Marks) MarshalText() ([]byte, error) {
	return []byte(m.String()), nil
}

// UnmarshalText parses the form written by MarshalText. Names are matched
// case-insensitively; an unknown name is an error.
func (m *Marks) UnmarshalText(text []byte) error {
	var out Marks
	for name := range strings.SplitSeq(string(text), ",") {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		mark, ok := parseMark(name)
		if !ok {
			return fmt.Errorf("unknown mark %q", name)
		}
		out.Set(mark)
	}
	*m = out
	return nil
}

func parseMark(name string) (Mark, bool) {
	for _, entry := range markNames {
		if strings.EqualFold(entry.name, name) {
			return entry.mark, true
		}
	}
	return 0, false
}
