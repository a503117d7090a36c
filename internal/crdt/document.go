// Package crdt implements a replicated growable array of runes and a bridge
// that keeps one text field convergent over an append-only update log.
package crdt

import (
	"errors"
	"strings"
)

// ErrMalformedUpdate indicates update bytes that cannot be decoded or that
// carry structurally invalid operations.
var ErrMalformedUpdate = errors.New("crdt: malformed update")

// ID is a Lamport identifier. Counters order causally related inserts; the
// replica breaks ties between concurrent ones.
type ID struct {
	Counter uint64
	Replica string
}

// IsZero reports whether the id is the document head sentinel.
func (id ID) IsZero() bool {
	return id.Counter == 0 && id.Replica == ""
}

// after reports whether id sorts after other in integration order.
func (id ID) after(other ID) bool {
	if id.Counter != other.Counter {
		return id.Counter > other.Counter
	}
	return id.Replica > other.Replica
}

type opKind uint8

const (
	opInsert opKind = 1
	opDelete opKind = 2
)

// op is one insert (id, origin, value) or one delete (target id).
type op struct {
	kind   opKind
	id     ID
	origin ID
	value  rune
}

type element struct {
	id      ID
	value   rune
	deleted bool
}

// Document is a single-writer-per-replica RGA. It is not safe for concurrent
// use; callers serialize access.
type Document struct {
	replica  string
	clock    uint64
	elements []element
	index    map[ID]int
	deletes  map[ID]struct{}
	pending  []op
}

// NewDocument constructs an empty document that issues ids for replica.
func NewDocument(replica string) *Document {
	return &Document{
		replica: replica,
		index:   make(map[ID]int),
		deletes: make(map[ID]struct{}),
	}
}

// Replica returns the identifier used for locally generated operations.
func (d *Document) Replica() string {
	return d.replica
}

// Text renders the visible characters.
func (d *Document) Text() string {
	var builder strings.Builder
	for _, current := range d.elements {
		if !current.deleted {
			builder.WriteRune(current.value)
		}
	}
	return builder.String()
}

// PendingCount reports operations parked until their causal dependencies arrive.
func (d *Document) PendingCount() int {
	return len(d.pending)
}

// Apply decodes an update and integrates its operations. Already known
// operations are skipped; operations whose dependencies are missing are parked.
// A malformed update leaves the document untouched.
func (d *Document) Apply(payload []byte) (bool, error) {
	update, err := decodeUpdate(payload)
	if err != nil {
		return false, err
	}
	changed := false
	for _, incoming := range update.ops {
		integrated, known := d.integrate(incoming)
		if integrated {
			changed = true
		}
		if !integrated && !known {
			d.pending = append(d.pending, incoming)
		}
	}
	if changed {
		d.drainPending()
	}
	return changed, nil
}

// Replace builds an update that deletes deleteCount visible runes starting at
// position and inserts text there. The document is not modified; apply the
// returned payload once it has been durably recorded.
func (d *Document) Replace(position, deleteCount int, text string) ([]byte, error) {
	visible := d.visibleIDs()
	if position < 0 || deleteCount < 0 || position+deleteCount > len(visible) {
		return nil, errors.New("crdt: replace range out of bounds")
	}

	ops := make([]op, 0, deleteCount+len(text))
	for _, target := range visible[position : position+deleteCount] {
		ops = append(ops, op{kind: opDelete, id: target})
	}

	origin := ID{}
	if position > 0 {
		origin = visible[position-1]
	}
	counter := d.clock
	for _, value := range text {
		counter++
		id := ID{Counter: counter, Replica: d.replica}
		ops = append(ops, op{kind: opInsert, id: id, origin: origin, value: value})
		origin = id
	}
	return encodeUpdate(update{replica: d.replica, ops: ops}), nil
}

func (d *Document) visibleIDs() []ID {
	ids := make([]ID, 0, len(d.elements))
	for _, current := range d.elements {
		if !current.deleted {
			ids = append(ids, current.id)
		}
	}
	return ids
}

// integrate applies one operation. known is true when the operation had
// already been applied.
func (d *Document) integrate(incoming op) (integrated bool, known bool) {
	switch incoming.kind {
	case opDelete:
		if _, done := d.deletes[incoming.id]; done {
			return false, true
		}
		position, ok := d.index[incoming.id]
		if !ok {
			return false, false
		}
		d.elements[position].deleted = true
		d.deletes[incoming.id] = struct{}{}
		return true, false
	default:
		if _, exists := d.index[incoming.id]; exists {
			return false, true
		}
		position := 0
		if !incoming.origin.IsZero() {
			originPosition, ok := d.index[incoming.origin]
			if !ok {
				return false, false
			}
			position = originPosition + 1
		}
		for position < len(d.elements) && d.elements[position].id.after(incoming.id) {
			position++
		}
		d.insertAt(position, element{id: incoming.id, value: incoming.value})
		if incoming.id.Counter > d.clock {
			d.clock = incoming.id.Counter
		}
		return true, false
	}
}

func (d *Document) insertAt(position int, value element) {
	d.elements = append(d.elements, element{})
	copy(d.elements[position+1:], d.elements[position:])
	d.elements[position] = value
	for i := position; i < len(d.elements); i++ {
		d.index[d.elements[i].id] = i
	}
}

func (d *Document) drainPending() {
	for progressed := true; progressed && len(d.pending) > 0; {
		progressed = false
		remaining := d.pending[:0]
		for _, parked := range d.pending {
			integrated, known := d.integrate(parked)
			if integrated {
				progressed = true
				continue
			}
			if known {
				continue
			}
			remaining = append(remaining, parked)
		}
		d.pending = remaining
	}
}
