package replica

import (
	"github.com/golang/glog"
)

// index/id pair for one changed or new item, in current storage order
type idxIdPair struct {
	idx int
	id  uint32
}

// conditionalCreateNewBaseState returns false when the collection key
// matches the connection's baseline and the encode can reuse (share, not
// copy) the existing base state. This is the dominant case in steady state.
// The cached item counts only refresh when they go stale.
func (self *Collection) conditionalCreateNewBaseState(conn *Conn) bool {
	base := conn.baseState
	if base == nil {
		// first exchange with this receiver
		return true
	}
	if self.arrayKey != base.arrayKey {
		return true
	}

	// fast-path encodes for different connections run in parallel, so the
	// cache refresh is serialized like identity assignment
	self.stateLock.Lock()
	if self.cachedNumItems == -1 ||
		self.cachedNumItems != len(self.items) ||
		self.cachedNumEligible == -1 {
		self.cachedNumItems = len(self.items)
		self.cachedNumEligible = self.numEligibleItems(conn.writingOnReceiver)
	}
	cachedNumEligible := self.cachedNumEligible
	self.stateLock.Unlock()

	if len(base.idToKey) != cachedNumEligible {
		glog.Warningf("[diff]base map size (%d) does not match eligible item count (%d)", len(base.idToKey), cachedNumEligible)
	}

	return false
}

// buildChangedAndDeleted computes the diff of the live collection against
// the connection's baseline. Items missing an identity on the authority are
// assigned one here. Changed and new items are reported in current storage
// order; deletions in baseline iteration order. The deleted count is
// derived from the baseline size rather than an independent scan.
func (self *Collection) buildChangedAndDeleted(conn *Conn) (newBase *BaseState, changed []idxIdPair, deleted []uint32) {
	base := conn.baseState

	eligibleCount := self.numEligibleItems(conn.writingOnReceiver)
	deleteCount := -eligibleCount
	if base != nil {
		deleteCount += len(base.idToKey)
	}

	newBase = newBaseState(self.arrayKey)
	changed = []idxIdPair{}
	deleted = []uint32{}

	for i, item := range self.items {
		if !self.shouldWriteItem(item, conn.writingOnReceiver) {
			// predicted on a receiver, never sent onward
			continue
		}
		state := item.State()
		if state.replicationId == unassignedId {
			// items loaded in bulk may not have been marked dirty
			// individually. Assign an identity now. Identities are shared
			// across connections, so this is the one serialized mutation.
			self.stateLock.Lock()
			self.markItemDirty(item)
			self.stateLock.Unlock()
		}
		newBase.idToKey[state.replicationId] = state.replicationKey

		if base != nil {
			if baseKey, ok := base.idToKey[state.replicationId]; ok {
				if baseKey == state.replicationKey {
					// stayed the same. It may have moved but position is
					// not replicated.
					continue
				}
				diffLog("changed id=%d key %d -> %d", state.replicationId, baseKey, state.replicationKey)
				changed = append(changed, idxIdPair{idx: i, id: state.replicationId})
				continue
			}
		}
		diffLog("new id=%d key=%d", state.replicationId, state.replicationKey)
		changed = append(changed, idxIdPair{idx: i, id: state.replicationId})
		deleteCount += 1
	}

	if 0 < deleteCount && base != nil {
		for id := range base.idToKey {
			if _, ok := newBase.idToKey[id]; !ok {
				diffLog("deleted id=%d", id)
				deleted = append(deleted, id)
				deleteCount -= 1
				if deleteCount <= 0 {
					break
				}
			}
		}
	}

	// the collection key may have advanced while assigning identities above
	newBase.arrayKey = self.arrayKey

	return newBase, changed, deleted
}
