// Package waitregistry implements the intrusive, multi-key FIFO waiter
// index that underpins the fiber interpreter's select semantics: O(1)
// registration, O(1) wake-one with atomic sibling-arm cancellation, and
// O(arms) cancellation by registration handle.
package waitregistry

// WaitKeyKind distinguishes the two kinds of source a select arm can wait
// on.
type WaitKeyKind int

const (
	// QueueKind keys on a named message queue.
	QueueKind WaitKeyKind = iota
	// FutureKind keys on a future identifier.
	FutureKind
)

// WaitKey identifies the source a select arm waits on: either a named
// queue or a future ID. The ID field holds the queue name or future ID
// depending on Kind.
type WaitKey struct {
	Kind WaitKeyKind
	ID   string
}

// Queue builds a WaitKey for a named queue.
func Queue(name string) WaitKey { return WaitKey{Kind: QueueKind, ID: name} }

// Future builds a WaitKey for a future ID.
func Future(id string) WaitKey { return WaitKey{Kind: FutureKind, ID: id} }

// SelectArm describes one arm of a registered select: the key it waits on,
// the optional local name to bind the delivered value to, and the state to
// resume at on wake. Next is opaque to the registry — it is whatever the
// caller (the scheduler) needs to resume the fiber.
type SelectArm[Next any] struct {
	Key  WaitKey
	Bind *string
	Next Next
}

// RegisteredSelectID is the opaque handle returned by RegisterSelect, used
// later to cancel the whole registration.
type RegisteredSelectID int

// WakeOutcome is the resume contract returned by WakeOne: the fiber to
// wake, the optional local to bind the delivered value into, and the state
// to resume at.
type WakeOutcome[Next any] struct {
	FiberID uint64
	Bind    *string
	Next    Next
}

type nodeID int
type regID int

const noNode nodeID = -1

// waitNode is one arm's linkage in its key's FIFO list.
type waitNode struct {
	inUse    bool
	prev     nodeID
	next     nodeID
	key      WaitKey
	reg      regID
	armIndex int
}

// armHandle is one arm of a registration: its key, its node in that key's
// list, and its resume contract.
type armHandle[Next any] struct {
	key    WaitKey
	nodeID nodeID
	bind   *string
	next   Next
}

type selectReg[Next any] struct {
	inUse   bool
	fiberID uint64
	arms    []armHandle[Next]
}

type waitList struct {
	head, tail nodeID
}

// Registry is the wait registry, parameterized over the opaque resume
// state type (the fiber interpreter's State).
type Registry[Next any] struct {
	perKey map[WaitKey]waitList

	nodes     []waitNode
	nodeFree  []nodeID
	nodeCount int

	regs     []selectReg[Next]
	regFree  []regID
	regCount int
}

// New returns an empty Registry.
func New[Next any]() *Registry[Next] {
	return &Registry[Next]{perKey: make(map[WaitKey]waitList)}
}

// NodeCount returns the number of currently-linked wait nodes. Exposed for
// tests verifying that every removal shrinks bookkeeping by the expected
// amount.
func (r *Registry[Next]) NodeCount() int { return r.nodeCount }

// RegCount returns the number of currently-live registrations.
func (r *Registry[Next]) RegCount() int { return r.regCount }

// KeyCount returns the number of distinct keys with at least one waiter.
func (r *Registry[Next]) KeyCount() int { return len(r.perKey) }

func (r *Registry[Next]) allocNode() nodeID {
	if n := len(r.nodeFree); n > 0 {
		id := r.nodeFree[n-1]
		r.nodeFree = r.nodeFree[:n-1]
		r.nodeCount++
		return id
	}
	r.nodes = append(r.nodes, waitNode{})
	r.nodeCount++
	return nodeID(len(r.nodes) - 1)
}

func (r *Registry[Next]) freeNode(id nodeID) {
	r.nodes[id] = waitNode{}
	r.nodeFree = append(r.nodeFree, id)
	r.nodeCount--
}

func (r *Registry[Next]) allocReg() regID {
	if n := len(r.regFree); n > 0 {
		id := r.regFree[n-1]
		r.regFree = r.regFree[:n-1]
		r.regCount++
		return id
	}
	r.regs = append(r.regs, selectReg[Next]{})
	r.regCount++
	return regID(len(r.regs) - 1)
}

func (r *Registry[Next]) freeReg(id regID) {
	r.regs[id] = selectReg[Next]{}
	r.regFree = append(r.regFree, id)
	r.regCount--
}

// listPushBack appends node to the tail of key's list, creating the list
// if this is its first waiter.
func (r *Registry[Next]) listPushBack(key WaitKey, id nodeID) {
	l, ok := r.perKey[key]
	if !ok {
		l = waitList{head: noNode, tail: noNode}
	}
	r.nodes[id].prev = l.tail
	r.nodes[id].next = noNode
	if l.tail != noNode {
		r.nodes[l.tail].next = id
	}
	l.tail = id
	if l.head == noNode {
		l.head = id
	}
	r.perKey[key] = l
}

// listUnlink removes node id from key's list, relinking neighbors and
// removing the map entry if the list becomes empty.
func (r *Registry[Next]) listUnlink(key WaitKey, id nodeID) {
	l, ok := r.perKey[key]
	if !ok {
		return
	}
	n := r.nodes[id]
	if n.prev != noNode {
		r.nodes[n.prev].next = n.next
	} else {
		l.head = n.next
	}
	if n.next != noNode {
		r.nodes[n.next].prev = n.prev
	} else {
		l.tail = n.prev
	}
	if l.head == noNode {
		delete(r.perKey, key)
	} else {
		r.perKey[key] = l
	}
}

// RegisterSelect registers a fiber's multi-arm select: one WaitNode per
// arm, each appended to the tail of its key's FIFO list.
func (r *Registry[Next]) RegisterSelect(fiberID uint64, arms []SelectArm[Next]) RegisteredSelectID {
	rid := r.allocReg()
	handles := make([]armHandle[Next], len(arms))
	for i, arm := range arms {
		nid := r.allocNode()
		r.nodes[nid].inUse = true
		r.nodes[nid].key = arm.Key
		r.nodes[nid].reg = rid
		r.nodes[nid].armIndex = i
		r.listPushBack(arm.Key, nid)
		handles[i] = armHandle[Next]{key: arm.Key, nodeID: nid, bind: arm.Bind, next: arm.Next}
	}
	r.regs[rid] = selectReg[Next]{inUse: true, fiberID: fiberID, arms: handles}
	return RegisteredSelectID(rid)
}

// WakeOne pops the head waiter of key's FIFO list, if any, removes its
// whole registration (unlinking every sibling arm, even those on other
// keys), and returns the resume contract of the winning arm.
func (r *Registry[Next]) WakeOne(key WaitKey) (WakeOutcome[Next], bool) {
	l, ok := r.perKey[key]
	if !ok || l.head == noNode {
		return WakeOutcome[Next]{}, false
	}
	headNode := l.head
	n := r.nodes[headNode]
	reg := r.regs[n.reg]
	winningArm := reg.arms[n.armIndex]

	for _, arm := range reg.arms {
		r.listUnlink(arm.key, arm.nodeID)
		r.freeNode(arm.nodeID)
	}
	r.freeReg(n.reg)

	return WakeOutcome[Next]{FiberID: reg.fiberID, Bind: winningArm.bind, Next: winningArm.next}, true
}

// CancelByID unlinks and frees all arms of the given registration. Returns
// the number of arms removed; a no-op (returns 0) if the registration has
// already been removed (e.g. by a prior WakeOne).
func (r *Registry[Next]) CancelByID(id RegisteredSelectID) int {
	rid := regID(id)
	if rid < 0 || int(rid) >= len(r.regs) || !r.regs[rid].inUse {
		return 0
	}
	reg := r.regs[rid]
	for _, arm := range reg.arms {
		r.listUnlink(arm.key, arm.nodeID)
		r.freeNode(arm.nodeID)
	}
	r.freeReg(rid)
	return len(reg.arms)
}
