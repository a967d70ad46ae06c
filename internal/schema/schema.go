// Package schema is the Go stand-in for the schema-compiler-generated
// type table described in spec.md §6: a compile-time mapping from a
// numeric data_type to the fixed size and element kind the real
// schema-compiler would derive from a data-shape definition. The
// router treats this as an external collaborator; nothing here decides
// wire format, only what a given data_type means.
package schema

// ElementKind mirrors spec.md §3's TypedSample.element_kind.
type ElementKind uint8

const (
	KindUnsigned ElementKind = iota
	KindSigned
	KindFloat
	KindBool
	KindString
)

func (k ElementKind) String() string {
	switch k {
	case KindUnsigned:
		return "unsigned"
	case KindSigned:
		return "signed"
	case KindFloat:
		return "float"
	case KindBool:
		return "bool"
	case KindString:
		return "string"
	default:
		return "unknown"
	}
}

// Entry describes one registered data_type: its fixed size in bytes
// (FixedSize==0 means variable-length, valid only for KindString where
// FixedPad supplies the schema's padded width) and its element kind.
type Entry struct {
	Kind      ElementKind
	FixedSize int // per-element size in bytes, for fixed-width numeric/bool types
	FixedPad  int // padded width in bytes, for KindString entries
}

// Table is a read-only map from data_type to Entry, built once at
// startup from the (external) schema compiler's output. A nil *Table
// or a lookup miss is not an error: Lookup reports it as ok=false and
// the caller decides what a miss means.
type Table struct {
	entries map[uint16]Entry
}

// New builds a Table from a set of entries.
func New(entries map[uint16]Entry) *Table {
	cp := make(map[uint16]Entry, len(entries))
	for k, v := range entries {
		cp[k] = v
	}
	return &Table{entries: cp}
}

// Lookup returns the Entry registered for dataType.
func (t *Table) Lookup(dataType uint16) (Entry, bool) {
	if t == nil {
		return Entry{}, false
	}
	e, ok := t.entries[dataType]
	return e, ok
}

// Register adds or replaces an entry. Intended for tests and for
// application startup code that builds the table incrementally instead
// of in one literal.
func (t *Table) Register(dataType uint16, e Entry) {
	if t.entries == nil {
		t.entries = make(map[uint16]Entry)
	}
	t.entries[dataType] = e
}
