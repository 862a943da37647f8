package keys

import (
	"strconv"
	"strings"

	"github.com/cockroachdb/errors"
)

// ErrInvalidPageable is returned for negative page numbers or sizes and
// unknown sort directions.
var ErrInvalidPageable = errors.New("keys: invalid pageable")

// Unsorted is the sort segment of every request without an explicit order,
// and of requests that explicitly ask for the feature's default order.
const Unsorted = "unsorted"

// Direction is a sort direction.
type Direction string

const (
	ASC  Direction = "ASC"
	DESC Direction = "DESC"
)

// Order sorts by one property.
type Order struct {
	Property  string
	Direction Direction
}

// Asc returns an ascending order on property.
func Asc(property string) Order { return Order{Property: property, Direction: ASC} }

// Desc returns a descending order on property.
func Desc(property string) Order { return Order{Property: property, Direction: DESC} }

func (o Order) normalize() Order {
	dir := Direction(strings.ToUpper(strings.TrimSpace(string(o.Direction))))
	if dir == "" {
		dir = ASC
	}
	return Order{Property: strings.TrimSpace(o.Property), Direction: dir}
}

// Sort is an ordered list of orders; the first order is the primary one.
type Sort []Order

// Normalize trims property names, upper-cases directions, defaults missing
// directions to ASC and drops orders without a property.
func (s Sort) Normalize() Sort {
	out := make(Sort, 0, len(s))
	for _, o := range s {
		o = o.normalize()
		if o.Property == "" {
			continue
		}
		out = append(out, o)
	}
	return out
}

// Equal reports whether s and other sort the same way once normalized.
func (s Sort) Equal(other Sort) bool {
	a, b := s.Normalize(), other.Normalize()
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// String renders the normalized sort as "prop:DIR,prop:DIR", or Unsorted.
func (s Sort) String() string {
	n := s.Normalize()
	if len(n) == 0 {
		return Unsorted
	}
	parts := make([]string, len(n))
	for i, o := range n {
		parts[i] = escape(o.Property) + ":" + escape(string(o.Direction))
	}
	return strings.Join(parts, ",")
}

// Canonical renders s for use in a key. An empty sort and a sort equal to
// def both render as Unsorted so they share cache entries.
func (s Sort) Canonical(def Sort) string {
	if len(def.Normalize()) > 0 && s.Equal(def) {
		return Unsorted
	}
	return s.String()
}

// ParseSort reads "savedAt:desc,name" style specs. Directions are optional.
func ParseSort(spec string) (Sort, error) {
	var out Sort
	for _, part := range strings.Split(spec, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		prop, dir, _ := strings.Cut(part, ":")
		o := Order{Property: prop, Direction: Direction(dir)}.normalize()
		if o.Direction != ASC && o.Direction != DESC {
			return nil, errors.Wrapf(ErrInvalidPageable, "sort direction %q", dir)
		}
		out = append(out, o)
	}
	return out, nil
}

// Pageable selects one page of a sorted result.
type Pageable struct {
	Page int
	Size int
	Sort Sort
}

// NewPageable validates and builds a Pageable.
func NewPageable(page, size int, orders ...Order) (Pageable, error) {
	p := Pageable{Page: page, Size: size, Sort: Sort(orders)}
	if err := p.Validate(); err != nil {
		return Pageable{}, err
	}
	return p, nil
}

// MustPageable is NewPageable for constant arguments; it panics on error.
func MustPageable(page, size int, orders ...Order) Pageable {
	p, err := NewPageable(page, size, orders...)
	if err != nil {
		panic(err)
	}
	return p
}

// Validate rejects negative pages or sizes and unknown directions.
func (p Pageable) Validate() error {
	if p.Page < 0 {
		return errors.Wrapf(ErrInvalidPageable, "page %d", p.Page)
	}
	if p.Size < 0 {
		return errors.Wrapf(ErrInvalidPageable, "size %d", p.Size)
	}
	for _, o := range p.Sort.Normalize() {
		if o.Direction != ASC && o.Direction != DESC {
			return errors.Wrapf(ErrInvalidPageable, "sort direction %q", o.Direction)
		}
	}
	return nil
}

// Offset returns the index of the first row of the page.
func (p Pageable) Offset() int {
	return p.Page * p.Size
}

// Segment renders "page:<n>:size:<s>:sort:<spec>" with the sort canonicalized
// against def.
func (p Pageable) Segment(def Sort) string {
	return "page:" + strconv.Itoa(p.Page) +
		":size:" + strconv.Itoa(p.Size) +
		":sort:" + p.Sort.Canonical(def)
}
