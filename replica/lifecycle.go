package replica

import (
	"github.com/golang/glog"

	"golang.org/x/exp/slices"
)

// applyReceived runs the post receive work for one decoded update: implicit
// delete detection, lifecycle hooks, and physical removal.
//
// Invocation order:
//  1. per item `PreRemove` for every deleted item, in receiver index order,
//     before removal from storage
//  2. collection removed callbacks, once, with the full removed index set
//  3. physical removal, descending index, swap remove. Relative order of
//     surviving items is not preserved.
//  4. per item `PostAdd` for every appended item, then collection added
//     callbacks
//  5. per item `PostChange` for every updated item, then collection changed
//     callbacks
//
// The indices passed to each callback are valid for that call only.
func (self *Collection) applyReceived(conn *Conn, header updateHeader, deletedIndexes []int, addedIds []uint32, changedIds []uint32, removedIds []uint32) []uint32 {
	// look for implicit deletes caused by dropped updates. An item whose
	// last seen collection key falls inside the gap was deleted by an
	// update this receiver never got.
	if !self.settings.ReliableTransport {
		prevBaseKey := uint32(0)
		if conn.baseState != nil {
			prevBaseKey = conn.baseState.arrayKey
		}
		for idx, item := range self.items {
			state := item.State()
			if prevBaseKey < state.lastArrayKey && state.lastArrayKey < header.arrayKey {
				// make sure this was not an explicit delete in this update
				if !slices.Contains(deletedIndexes, idx) {
					glog.V(2).Infof("[dec]implicit delete id=%d lastKey=%d update [%d/%d]", state.replicationId, state.lastArrayKey, header.arrayKey, header.baseArrayKey)
					deletedIndexes = append(deletedIndexes, idx)
					removedIds = append(removedIds, state.replicationId)
				}
			}
		}
	}

	// advance the receiver's own key so it can re-serialize onward
	if 0 < len(deletedIndexes) || 0 < header.changedCount {
		self.stateLock.Lock()
		self.incrementArrayKey()
		self.stateLock.Unlock()
	}

	slices.Sort(deletedIndexes)

	preRemoveSize := len(self.items)
	finalSize := preRemoveSize - len(deletedIndexes)

	for _, idx := range deletedIndexes {
		item := self.items[idx]
		// the deleted item's tracked references go with it
		delete(self.pendingRefs, item.State().replicationId)
		item.PreRemove(self)
	}
	for _, removedCallback := range self.removedCallbacks.Get() {
		func() {
			defer recover()
			removedCallback(deletedIndexes, finalSize)
		}()
	}
	if preRemoveSize != len(self.items) {
		// a remove hook mutated storage. This is a programming error in
		// the hook, not a protocol condition.
		glog.Errorf("[dec]item count changed during remove hooks: %d != %d", preRemoveSize, len(self.items))
	}

	if 0 < len(deletedIndexes) {
		for i := len(deletedIndexes) - 1; 0 <= i; i -= 1 {
			idx := deletedIndexes[i]
			n := len(self.items) - 1
			self.items[idx] = self.items[n]
			self.items[n] = nil
			self.items = self.items[:n]
		}
		// indices shifted around, force a rebuild
		self.itemIndexes = map[uint32]int{}
	}
	self.conditionalRebuildItemIndexes()

	// removal shuffled storage, so added and changed items are found again
	// by identity
	addedIndexes := self.indexesForIds(addedIds)
	changedIndexes := self.indexesForIds(changedIds)

	for _, idx := range addedIndexes {
		self.items[idx].PostAdd(self)
	}
	for _, addedCallback := range self.addedCallbacks.Get() {
		func() {
			defer recover()
			addedCallback(addedIndexes, finalSize)
		}()
	}

	for _, idx := range changedIndexes {
		self.items[idx].PostChange(self)
	}
	for _, changedCallback := range self.changedCallbacks.Get() {
		func() {
			defer recover()
			changedCallback(changedIndexes, finalSize)
		}()
	}
	if finalSize != len(self.items) {
		glog.Errorf("[dec]item count changed during add/change hooks: %d != %d", finalSize, len(self.items))
	}

	return removedIds
}

func (self *Collection) indexesForIds(ids []uint32) []int {
	indexes := []int{}
	for _, id := range ids {
		if idx, ok := self.itemIndexes[id]; ok {
			indexes = append(indexes, idx)
		}
	}
	return indexes
}
