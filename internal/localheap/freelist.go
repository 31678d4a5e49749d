package localheap

// FreeBlock is one free run inside the data block.
type FreeBlock struct {
	Offset uint64
	Size   uint64
}

func (b FreeBlock) end() uint64 { return b.Offset + b.Size }

const nilNode = -1

type flNode struct {
	FreeBlock
	prev, next int
}

// FreeList is a doubly linked list of free runs kept in an arena. Nodes are
// addressed by index, and removed indices are reused. The list order is the
// order runs are chained on disk, not offset order.
type FreeList struct {
	nodes []flNode
	spare []int
	head  int
	tail  int
	n     int
}

func newFreeList() FreeList {
	return FreeList{head: nilNode, tail: nilNode}
}

func (l *FreeList) alloc(b FreeBlock) int {
	nd := flNode{FreeBlock: b, prev: nilNode, next: nilNode}
	if k := len(l.spare); k > 0 {
		i := l.spare[k-1]
		l.spare = l.spare[:k-1]
		l.nodes[i] = nd
		return i
	}
	l.nodes = append(l.nodes, nd)
	return len(l.nodes) - 1
}

// PushBack appends b and returns its node index.
func (l *FreeList) PushBack(b FreeBlock) int {
	i := l.alloc(b)
	l.nodes[i].prev = l.tail
	if l.tail != nilNode {
		l.nodes[l.tail].next = i
	} else {
		l.head = i
	}
	l.tail = i
	l.n++
	return i
}

// PushFront prepends b and returns its node index.
func (l *FreeList) PushFront(b FreeBlock) int {
	i := l.alloc(b)
	l.nodes[i].next = l.head
	if l.head != nilNode {
		l.nodes[l.head].prev = i
	} else {
		l.tail = i
	}
	l.head = i
	l.n++
	return i
}

// Remove unlinks node i and recycles its index.
func (l *FreeList) Remove(i int) {
	nd := l.nodes[i]
	if nd.prev != nilNode {
		l.nodes[nd.prev].next = nd.next
	} else {
		l.head = nd.next
	}
	if nd.next != nilNode {
		l.nodes[nd.next].prev = nd.prev
	} else {
		l.tail = nd.prev
	}
	l.nodes[i] = flNode{prev: nilNode, next: nilNode}
	l.spare = append(l.spare, i)
	l.n--
}

// Head returns the first run in list order.
func (l *FreeList) Head() (FreeBlock, bool) {
	if l.head == nilNode {
		return FreeBlock{}, false
	}
	return l.nodes[l.head].FreeBlock, true
}

func (l *FreeList) Len() int { return l.n }

// Blocks returns the runs in list order.
func (l *FreeList) Blocks() []FreeBlock {
	out := make([]FreeBlock, 0, l.n)
	for i := l.head; i != nilNode; i = l.nodes[i].next {
		out = append(out, l.nodes[i].FreeBlock)
	}
	return out
}

// find returns the node index of the run starting at off.
func (l *FreeList) find(off uint64) int {
	for i := l.head; i != nilNode; i = l.nodes[i].next {
		if l.nodes[i].Offset == off {
			return i
		}
	}
	return nilNode
}

// overlaps reports whether [off, off+size) intersects any run.
func (l *FreeList) overlaps(off, size uint64) bool {
	for i := l.head; i != nilNode; i = l.nodes[i].next {
		b := l.nodes[i].FreeBlock
		if off < b.end() && b.Offset < off+size {
			return true
		}
	}
	return false
}

// each visits the runs in list order with the offset of the next run, or
// ok=false for the last one.
func (l *FreeList) each(fn func(b FreeBlock, next uint64, ok bool)) {
	for i := l.head; i != nilNode; i = l.nodes[i].next {
		nx := l.nodes[i].next
		if nx == nilNode {
			fn(l.nodes[i].FreeBlock, 0, false)
		} else {
			fn(l.nodes[i].FreeBlock, l.nodes[nx].Offset, true)
		}
	}
}

func (l *FreeList) reset() {
	*l = newFreeList()
}
