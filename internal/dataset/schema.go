package dataset

import (
	"path/filepath"
	"sort"
	"strings"

	"github.com/pkg/errors"
)

// DefaultReservedColumns are helper columns that never name a class.
var DefaultReservedColumns = []string{"testset"}

// positive is the only cell value that flags a class.
const positive = "1"

// column is a candidate class column: its position in the row and header name.
type column struct {
	pos  int
	name string
}

// ClassSchema maps class names to dense label indices assigned in the order
// the names were first seen in the header. It is immutable once parsed.
type ClassSchema struct {
	index      map[string]int
	candidates []column
}

// ParseHeader builds a ClassSchema from an annotation header row. Column 0 is
// the filename column. Columns whose lowercase name is in reserved (or
// DefaultReservedColumns when reserved is empty) are skipped.
func ParseHeader(header []string, reserved ...string) (*ClassSchema, error) {
	if len(header) < 2 {
		return nil, errors.Wrapf(ErrSchema, "header has %d columns, need a filename column and at least one class", len(header))
	}
	if len(reserved) == 0 {
		reserved = DefaultReservedColumns
	}
	skip := make(map[string]struct{}, len(reserved))
	for _, r := range reserved {
		skip[strings.ToLower(r)] = struct{}{}
	}

	s := &ClassSchema{index: make(map[string]int)}
	for pos := 1; pos < len(header); pos++ {
		name := header[pos]
		if _, ok := skip[strings.ToLower(name)]; ok {
			continue
		}
		s.candidates = append(s.candidates, column{pos: pos, name: name})
		if _, ok := s.index[name]; !ok {
			s.index[name] = len(s.index)
		}
	}

	if len(s.candidates) == 0 {
		return nil, errors.Wrap(ErrSchema, "no class columns left after excluding reserved columns")
	}
	return s, nil
}

// Len returns the number of distinct classes.
func (s *ClassSchema) Len() int {
	return len(s.index)
}

// Index returns the label index of a class name.
func (s *ClassSchema) Index(name string) (int, bool) {
	i, ok := s.index[name]
	return i, ok
}

// Names returns the class names ordered by label index. It is rebuilt from
// the mapping on every call.
func (s *ClassSchema) Names() []string {
	type entry struct {
		name  string
		index int
	}
	entries := make([]entry, 0, len(s.index))
	for name, i := range s.index {
		entries = append(entries, entry{name: name, index: i})
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].index < entries[j].index
	})

	names := make([]string, len(entries))
	for i, e := range entries {
		names[i] = e.name
	}
	return names
}

// Resolve turns one data row into a Sample. The first candidate column, in
// header order, whose trimmed cell is "1" decides the label; any later
// positive flags in the same row are ignored. Rows that are empty or have no
// positive flag yield ok == false.
func (s *ClassSchema) Resolve(row []string, baseDir string) (Sample, bool) {
	if len(row) == 0 {
		return Sample{}, false
	}

	filename := strings.TrimSpace(row[0])
	for _, col := range s.candidates {
		if col.pos >= len(row) {
			break
		}
		if strings.TrimSpace(row[col.pos]) != positive {
			continue
		}
		return Sample{
			Path:  filepath.Join(baseDir, filename),
			Label: s.index[col.name],
		}, true
	}
	return Sample{}, false
}
