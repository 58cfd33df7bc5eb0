package local

// node is an intrusive doubly linked list element owned by a shard.
type node[V any] struct {
	key string
	val V

	// head is MRU, tail is LRU.
	prev *node[V]
	next *node[V]

	// UnixNano timestamps; zero deadlines mean "no TTL".
	written int64
	wexp    int64 // write deadline
	aexp    int64 // access deadline
}

// deadline returns the earliest non-zero deadline, or 0.
func (n *node[V]) deadline() int64 {
	switch {
	case n.wexp == 0:
		return n.aexp
	case n.aexp == 0:
		return n.wexp
	case n.wexp < n.aexp:
		return n.wexp
	default:
		return n.aexp
	}
}

func (n *node[V]) expired(now int64) bool {
	d := n.deadline()
	return d != 0 && now > d
}
