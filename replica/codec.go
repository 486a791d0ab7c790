package replica

import (
	"errors"
	"fmt"

	"github.com/golang/glog"
)

// protocol violations. A remote stream that requests unbounded work is
// rejected before any allocation or state mutation, and the error is
// connection fatal.
var ErrTooManyDeletes = errors.New("update exceeds maximum deleted count")
var ErrTooManyChanges = errors.New("update exceeds maximum changed count")

// updateHeader is the fixed shape written for every update, even when
// nothing changed, so receivers can observe key progression.
//
//	u32 arrayKey
//	u32 baseArrayKey
//	u32 deletedCount
//	u32 changedCount
//	deletedCount x u32 id
//	changedCount x (u32 id, length delimited payload)
type updateHeader struct {
	arrayKey     uint32
	baseArrayKey uint32
	deletedCount uint32
	changedCount uint32
}

// EncodeUpdate computes the delta against the connection's base state and
// encodes it. The connection's base state is advanced to the encoded
// snapshot. When nothing changed the previous base state object is reused
// and the update is header only.
//
// Safe to run in parallel with encodes for other connections. Storage
// mutation must be excluded via `Update`.
func (self *Collection) EncodeUpdate(conn *Conn) ([]byte, error) {
	self.storageLock.RLock()
	defer self.storageLock.RUnlock()

	if !self.conditionalCreateNewBaseState(conn) {
		writer := NewWriter()
		writer.WriteUint32(self.arrayKey)
		writer.WriteUint32(conn.baseState.arrayKey)
		writer.WriteUint32(0)
		writer.WriteUint32(0)
		return writer.Bytes(), nil
	}

	baseArrayKey := uint32(0)
	if conn.baseState != nil {
		baseArrayKey = conn.baseState.arrayKey
	}

	newBase, changed, deleted := self.buildChangedAndDeleted(conn)

	if maxDeleted := self.settings.MaxDeletedCount; uint32(len(deleted)) > maxDeleted {
		// trust the local sender. Keep writing, a strict receiver may
		// still reject.
		glog.Warningf("[enc]deleted count exceeds maximum: %d > %d", len(deleted), maxDeleted)
	}
	if maxChanged := self.settings.MaxChangedCount; uint32(len(changed)) > maxChanged {
		glog.Warningf("[enc]changed count exceeds maximum: %d > %d", len(changed), maxChanged)
	}

	writer := NewWriter()
	writer.WriteUint32(newBase.arrayKey)
	writer.WriteUint32(baseArrayKey)
	writer.WriteUint32(uint32(len(deleted)))
	writer.WriteUint32(uint32(len(changed)))

	for _, id := range deleted {
		writer.WriteUint32(id)
	}

	payloadWriter := NewWriter()
	for _, pair := range changed {
		writer.WriteUint32(pair.id)
		payloadWriter.Reset()
		if err := self.items[pair.idx].EncodePayload(payloadWriter); err != nil {
			return nil, fmt.Errorf("encode id %d: %w", pair.id, err)
		}
		writer.WriteBytes(payloadWriter.Bytes())
	}

	conn.baseState = newBase

	glog.V(2).Infof("[enc]%s update [%d/%d] changed=%d deleted=%d", conn, newBase.arrayKey, baseArrayKey, len(changed), len(deleted))

	return writer.Bytes(), nil
}

// one decoded changed record, staged before commit
type stagedChange struct {
	id            uint32
	existingIndex int
	item          Item
	pending       *PendingReferenceSet
}

// ApplyResult reports what one applied update did to the receiver's
// collection, by replication id.
type ApplyResult struct {
	AddedIds   []uint32
	ChangedIds []uint32
	RemovedIds []uint32

	// records still blocked on unresolved references. The caller should
	// keep scheduling `RunResolutionSweep` while this is set.
	HasPending bool
}

// ApplyUpdate decodes an update into the receiver's collection. The update
// applies atomically: any decode failure leaves the collection untouched.
// Lifecycle hooks fire after the update is fully staged, see
// `applyReceived` for the invocation order. Hooks run with the storage lock
// held and must not call back into `Update`, `EncodeUpdate`, or
// `ApplyUpdate`.
func (self *Collection) ApplyUpdate(conn *Conn, b []byte) (*ApplyResult, error) {
	self.storageLock.Lock()
	defer self.storageLock.Unlock()

	reader := NewReader(b)

	var header updateHeader
	var err error
	if header.arrayKey, err = reader.ReadUint32(); err != nil {
		return nil, err
	}
	if header.baseArrayKey, err = reader.ReadUint32(); err != nil {
		return nil, err
	}
	if header.deletedCount, err = reader.ReadUint32(); err != nil {
		return nil, err
	}
	if maxDeleted := self.settings.MaxDeletedCount; header.deletedCount > maxDeleted {
		return nil, fmt.Errorf("%w: %d > %d", ErrTooManyDeletes, header.deletedCount, maxDeleted)
	}
	if header.changedCount, err = reader.ReadUint32(); err != nil {
		return nil, err
	}
	if maxChanged := self.settings.MaxChangedCount; header.changedCount > maxChanged {
		return nil, fmt.Errorf("%w: %d > %d", ErrTooManyChanges, header.changedCount, maxChanged)
	}

	glog.V(2).Infof("[dec]%s update [%d/%d] changed=%d deleted=%d", conn, header.arrayKey, header.baseArrayKey, header.changedCount, header.deletedCount)

	self.conditionalRebuildItemIndexes()

	// deleted identities decode to receiver local indices. An identity
	// with no local match is already absent, not an error. A corrupt stream
	// may repeat an identity; only the first occurrence counts, a duplicate
	// index would swap-remove an unrelated item.
	deletedIndexes := []int{}
	removedIds := []uint32{}
	seenDeletedIndexes := map[int]bool{}
	for i := uint32(0); i < header.deletedCount; i += 1 {
		id, err := reader.ReadUint32()
		if err != nil {
			return nil, err
		}
		if idx, ok := self.itemIndexes[id]; ok {
			if !seenDeletedIndexes[idx] {
				seenDeletedIndexes[idx] = true
				deletedIndexes = append(deletedIndexes, idx)
				removedIds = append(removedIds, id)
			}
		} else {
			glog.V(2).Infof("[dec]no local item for deleted id %d", id)
		}
	}

	// decode every changed record before touching storage so that a
	// malformed payload aborts the whole update
	staged := []stagedChange{}
	stagedNew := map[uint32]int{}
	for i := uint32(0); i < header.changedCount; i += 1 {
		id, err := reader.ReadUint32()
		if err != nil {
			return nil, err
		}
		payload, err := reader.ReadBytes()
		if err != nil {
			return nil, err
		}

		item := self.newItem()
		decodeContext := newDecodeContext(self.resolver)
		if err := item.DecodePayload(NewReader(payload), decodeContext); err != nil {
			return nil, fmt.Errorf("decode id %d: %w", id, err)
		}

		change := stagedChange{
			id:            id,
			existingIndex: -1,
			item:          item,
			pending:       decodeContext.pendingSet(payload),
		}
		if idx, ok := self.itemIndexes[id]; ok {
			change.existingIndex = idx
		}

		if prev, ok := stagedNew[id]; ok && change.existingIndex < 0 {
			// the same new identity twice in one update. Last decode wins.
			staged[prev] = change
			continue
		}
		if change.existingIndex < 0 {
			stagedNew[id] = len(staged)
		}
		staged = append(staged, change)
	}

	// commit
	addedIds := []uint32{}
	changedIds := []uint32{}
	for _, change := range staged {
		state := change.item.State()
		state.replicationId = change.id
		state.lastArrayKey = header.arrayKey

		if change.existingIndex < 0 {
			// bump the key so a receiver can re-serialize onward
			state.replicationKey = 1
			self.items = append(self.items, change.item)
			self.itemIndexes[change.id] = len(self.items) - 1
			addedIds = append(addedIds, change.id)
		} else {
			prevState := self.items[change.existingIndex].State()
			state.replicationKey = prevState.replicationKey + 1
			if state.replicationKey == unassignedId {
				state.replicationKey += 1
			}
			self.items[change.existingIndex] = change.item
			changedIds = append(changedIds, change.id)
		}

		if change.pending != nil {
			self.pendingRefs[change.id] = change.pending
		} else {
			delete(self.pendingRefs, change.id)
		}
	}

	removedIds = self.applyReceived(conn, header, deletedIndexes, addedIds, changedIds, removedIds)

	// replace the receiver's baseline wholesale
	newBase := newBaseState(header.arrayKey)
	for _, item := range self.items {
		state := item.State()
		if state.replicationId != unassignedId {
			newBase.idToKey[state.replicationId] = state.replicationKey
		}
	}
	conn.baseState = newBase

	return &ApplyResult{
		AddedIds:   addedIds,
		ChangedIds: changedIds,
		RemovedIds: removedIds,
		HasPending: 0 < len(self.pendingRefs),
	}, nil
}
