package replica

import (
	"fmt"
)

// Conn is the per-connection replication context. Each receiver is tracked
// by one Conn on the sender, and a receiver holds one Conn of its own for
// the upstream sender. The base state inside is owned exclusively by this
// connection; encode and decode for different connections may run in
// parallel against the same collection.
//
// Teardown has no protocol handshake. Dropping the Conn discards its base
// state.
type Conn struct {
	connId Id

	// set when the local side is a receiver forwarding onward, e.g. replay
	// recording. Predicted items without an identity are then excluded
	// from encodes.
	writingOnReceiver bool

	baseState *BaseState
}

func NewConn() *Conn {
	return &Conn{
		connId: NewId(),
	}
}

func NewReceiverConn() *Conn {
	return &Conn{
		connId:            NewId(),
		writingOnReceiver: true,
	}
}

func (self *Conn) ConnId() Id {
	return self.connId
}

func (self *Conn) BaseState() *BaseState {
	return self.baseState
}

func (self *Conn) String() string {
	return fmt.Sprintf("conn(%s)", self.connId)
}

// BaseState is the snapshot of identity -> key captured at the last
// exchange with one receiver, used as the diff baseline for the next
// update. On the fast path the same instance is shared across encodes, so
// holders must treat it as immutable.
type BaseState struct {
	idToKey  map[uint32]uint32
	arrayKey uint32
}

func newBaseState(arrayKey uint32) *BaseState {
	return &BaseState{
		idToKey:  map[uint32]uint32{},
		arrayKey: arrayKey,
	}
}

func (self *BaseState) ArrayKey() uint32 {
	return self.arrayKey
}

func (self *BaseState) Len() int {
	return len(self.idToKey)
}
