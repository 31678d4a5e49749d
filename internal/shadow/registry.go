// Package shadow keeps the per-structure lists of nodes that were shadowed
// (copied to a new address) since their owning header was last written.
// Each list is intrusive over an arena of slots: a node holds only its slot
// ID, and the slot carries an explicit link state so "on the list and last"
// is never confused with "not on any list".
package shadow

import (
	"fmt"
	"sync"
)

// Kind selects one of the registry's lists.
type Kind uint8

const (
	Internal Kind = iota
	Leaf
	DataBlock
	numKinds
)

func (k Kind) String() string {
	switch k {
	case Internal:
		return "internal"
	case Leaf:
		return "leaf"
	case DataBlock:
		return "data block"
	default:
		return fmt.Sprintf("Kind(%d)", uint8(k))
	}
}

// ID names a slot in the arena. Zero is never allocated.
type ID uint64

const NoID ID = 0

// State is the membership state of a slot.
type State uint8

const (
	// Unlinked slots are on no list.
	Unlinked State = iota
	// Linked slots are on a list and have a successor.
	Linked
	// Terminal slots are the last member of their list.
	Terminal
)

func (s State) String() string {
	switch s {
	case Unlinked:
		return "unlinked"
	case Linked:
		return "linked"
	case Terminal:
		return "terminal"
	default:
		return fmt.Sprintf("State(%d)", uint8(s))
	}
}

// Link is a slot's position in its list.
type Link struct {
	State State
	Next  ID
	Prev  ID
}

type slot struct {
	kind Kind
	link Link
}

type list struct {
	head ID
	tail ID
	n    int
}

// Registry owns the arena and one list per Kind.
type Registry struct {
	mu    sync.Mutex
	slots map[ID]*slot
	lists [numKinds]list
	next  ID
}

func NewRegistry() *Registry {
	return &Registry{slots: make(map[ID]*slot)}
}

// Register allocates an unlinked slot of the given kind.
func (r *Registry) Register(kind Kind) ID {
	if kind >= numKinds {
		panic(fmt.Sprintf("shadow: invalid kind %d", kind))
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	r.next++
	r.slots[r.next] = &slot{kind: kind}
	return r.next
}

func (r *Registry) get(id ID) *slot {
	s, ok := r.slots[id]
	if !ok {
		panic(fmt.Sprintf("shadow: unknown slot %d", id))
	}
	return s
}

// Link appends id to its kind's list. Linking a slot that is already on a
// list panics.
func (r *Registry) Link(id ID) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s := r.get(id)
	if s.link.State != Unlinked {
		panic(fmt.Sprintf("shadow: slot %d already %s", id, s.link.State))
	}
	l := &r.lists[s.kind]
	if l.tail != NoID {
		prev := r.get(l.tail)
		prev.link.State = Linked
		prev.link.Next = id
	} else {
		l.head = id
	}
	s.link = Link{State: Terminal, Prev: l.tail}
	l.tail = id
	l.n++
}

// Unlink removes id from its list. Unlinking an unlinked slot is a no-op.
func (r *Registry) Unlink(id ID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.unlink(r.get(id))
}

func (r *Registry) unlink(s *slot) {
	if s.link.State == Unlinked {
		return
	}
	l := &r.lists[s.kind]
	if s.link.Prev != NoID {
		prev := r.get(s.link.Prev)
		prev.link.Next = s.link.Next
		if s.link.State == Terminal {
			prev.link.State = Terminal
		}
	} else {
		l.head = s.link.Next
	}
	if s.link.State == Terminal {
		l.tail = s.link.Prev
	} else {
		r.get(s.link.Next).link.Prev = s.link.Prev
	}
	s.link = Link{}
	l.n--
}

func (r *Registry) State(id ID) State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.get(id).link.State
}

func (r *Registry) IsLinked(id ID) bool {
	return r.State(id) != Unlinked
}

// Members returns the list for kind from head to tail.
func (r *Registry) Members(kind Kind) []ID {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []ID
	for id := r.lists[kind].head; id != NoID; {
		out = append(out, id)
		s := r.get(id)
		if s.link.State == Terminal {
			break
		}
		id = s.link.Next
	}
	return out
}

func (r *Registry) Len(kind Kind) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lists[kind].n
}

// Reset empties every list, walking each one to its terminal slot and
// marking every member unlinked. It returns the number of slots released
// from lists.
func (r *Registry) Reset() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := 0
	for k := range r.lists {
		l := &r.lists[k]
		id := l.head
		for id != NoID {
			s := r.get(id)
			state, next := s.link.State, s.link.Next
			s.link = Link{}
			n++
			if state == Terminal {
				break
			}
			id = next
		}
		*l = list{}
	}
	return n
}

// Release unlinks id and drops it from the arena.
func (r *Registry) Release(id ID) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s := r.get(id)
	r.unlink(s)
	delete(r.slots, id)
}

// Slots returns the number of allocated slots.
func (r *Registry) Slots() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.slots)
}
