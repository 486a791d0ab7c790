package replica

import (
	"errors"
	mathrand "math/rand"
	"testing"

	"github.com/go-playground/assert/v2"
)

func senderCollection(n int) *Collection {
	collection := NewCollectionWithDefaults(newTestItem)
	for i := 0; i < n; i += 1 {
		item := &testItem{
			key:   "item",
			value: uint32(i),
		}
		collection.Append(item)
		collection.MarkItemDirty(item)
	}
	return collection
}

func TestRoundTrip(t *testing.T) {
	n := 32
	sender := senderCollection(n)
	conn := NewConn()

	b, err := sender.EncodeUpdate(conn)
	assert.Equal(t, err, nil)

	receiver := NewCollectionWithDefaults(newTestItem)
	receiverConn := NewConn()
	result, err := receiver.ApplyUpdate(receiverConn, b)
	assert.Equal(t, err, nil)
	assert.Equal(t, n, len(result.AddedIds))
	assert.Equal(t, 0, len(result.ChangedIds))
	assert.Equal(t, 0, len(result.RemovedIds))
	assert.Equal(t, n, receiver.Len())

	// identical {identity, content} pairs, in any relative order
	senderValues := map[uint32]uint32{}
	for _, item := range sender.Items() {
		senderValues[item.State().replicationId] = item.(*testItem).value
	}
	for _, item := range receiver.Items() {
		value, ok := senderValues[item.State().replicationId]
		assert.Equal(t, true, ok)
		assert.Equal(t, value, item.(*testItem).value)
	}
}

func TestNoOpStability(t *testing.T) {
	sender := senderCollection(8)
	conn := NewConn()

	_, err := sender.EncodeUpdate(conn)
	assert.Equal(t, err, nil)
	base := conn.BaseState()
	assert.NotEqual(t, base, nil)

	b, err := sender.EncodeUpdate(conn)
	assert.Equal(t, err, nil)

	// the base state object is shared, not recomputed
	assert.Equal(t, true, base == conn.BaseState())

	// header only: arrayKey, baseArrayKey, deletedCount=0, changedCount=0
	assert.Equal(t, 16, len(b))
	reader := NewReader(b)
	arrayKey, _ := reader.ReadUint32()
	baseArrayKey, _ := reader.ReadUint32()
	deletedCount, _ := reader.ReadUint32()
	changedCount, _ := reader.ReadUint32()
	assert.Equal(t, sender.ArrayKey(), arrayKey)
	assert.Equal(t, sender.ArrayKey(), baseArrayKey)
	assert.Equal(t, uint32(0), deletedCount)
	assert.Equal(t, uint32(0), changedCount)
}

func TestParallelFastPathEncode(t *testing.T) {
	sender := senderCollection(16)

	conns := []*Conn{NewConn(), NewConn()}
	// prime each baseline so every further encode takes the fast path
	for _, conn := range conns {
		_, err := sender.EncodeUpdate(conn)
		assert.Equal(t, err, nil)
	}

	done := make(chan error, len(conns))
	for _, conn := range conns {
		conn := conn
		go func() {
			for i := 0; i < 1000; i += 1 {
				if _, err := sender.EncodeUpdate(conn); err != nil {
					done <- err
					return
				}
			}
			done <- nil
		}()
	}
	for range conns {
		assert.Equal(t, <-done, nil)
	}
}

func TestEncodeSoftOverage(t *testing.T) {
	settings := DefaultReplicationSettings()
	settings.MaxChangedCount = 4
	sender := NewCollection(newTestItem, nil, settings)

	n := int(settings.MaxChangedCount) + 1
	for i := 0; i < n; i += 1 {
		item := &testItem{key: "item", value: uint32(i)}
		sender.Append(item)
		sender.MarkItemDirty(item)
	}

	// the encoder warns but keeps writing the full changed set
	b, err := sender.EncodeUpdate(NewConn())
	assert.Equal(t, err, nil)

	reader := NewReader(b)
	reader.ReadUint32()
	reader.ReadUint32()
	deletedCount, _ := reader.ReadUint32()
	changedCount, _ := reader.ReadUint32()
	assert.Equal(t, uint32(0), deletedCount)
	assert.Equal(t, uint32(n), changedCount)

	// a strict receiver rejects the same update, untouched
	receiverSettings := DefaultReplicationSettings()
	receiverSettings.MaxChangedCount = 4
	receiver := NewCollection(newTestItem, nil, receiverSettings)
	_, err = receiver.ApplyUpdate(NewConn(), b)
	assert.Equal(t, true, errors.Is(err, ErrTooManyChanges))
	assert.Equal(t, 0, receiver.Len())
}

func TestDuplicateDeletedIdIgnored(t *testing.T) {
	receiver := NewCollectionWithDefaults(newTestItem)

	doomed := &testItem{key: "doomed"}
	state := doomed.State()
	state.replicationId = 9
	state.replicationKey = 1
	receiver.Append(doomed)

	kept := &testItem{key: "kept"}
	state = kept.State()
	state.replicationId = 10
	state.replicationKey = 1
	receiver.Append(kept)

	// a corrupt update lists the same identity twice
	writer := NewWriter()
	writer.WriteUint32(1)
	writer.WriteUint32(0)
	writer.WriteUint32(2)
	writer.WriteUint32(0)
	writer.WriteUint32(9)
	writer.WriteUint32(9)

	result, err := receiver.ApplyUpdate(NewConn(), writer.Bytes())
	assert.Equal(t, err, nil)
	assert.Equal(t, []uint32{9}, result.RemovedIds)
	assert.Equal(t, 1, receiver.Len())
	assert.Equal(t, true, kept == receiver.Item(0))
	assert.Equal(t, 1, doomed.preRemoveCount)
}

func TestEncodeDuringChurn(t *testing.T) {
	sender := senderCollection(8)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for round := 0; round < 200; round += 1 {
			sender.Update(func() {
				switch mathrand.Intn(3) {
				case 0:
					item := &testItem{key: "churn", value: mathrand.Uint32()}
					sender.Append(item)
					sender.MarkItemDirty(item)
				case 1:
					if 0 < sender.Len() {
						sender.Remove(mathrand.Intn(sender.Len()))
						sender.MarkCollectionDirty()
					}
				default:
					if 0 < sender.Len() {
						item := sender.Item(mathrand.Intn(sender.Len())).(*testItem)
						item.value = mathrand.Uint32()
						sender.MarkItemDirty(item)
					}
				}
			})
		}
	}()

	// encode continuously while the mutator runs
	conn := NewConn()
	receiver := NewCollectionWithDefaults(newTestItem)
	receiverConn := NewConn()

	running := true
	for running {
		select {
		case <-done:
			running = false
		default:
		}
		b, err := sender.EncodeUpdate(conn)
		assert.Equal(t, err, nil)
		_, err = receiver.ApplyUpdate(receiverConn, b)
		assert.Equal(t, err, nil)
	}

	// one more delta after the churn stops, then full convergence
	b, err := sender.EncodeUpdate(conn)
	assert.Equal(t, err, nil)
	_, err = receiver.ApplyUpdate(receiverConn, b)
	assert.Equal(t, err, nil)

	assert.Equal(t, sender.Len(), receiver.Len())
	senderValues := map[uint32]uint32{}
	for _, item := range sender.Items() {
		senderValues[item.State().replicationId] = item.(*testItem).value
	}
	for _, item := range receiver.Items() {
		value, ok := senderValues[item.State().replicationId]
		assert.Equal(t, true, ok)
		assert.Equal(t, value, item.(*testItem).value)
	}
}

func TestDeletionTieBreak(t *testing.T) {
	sender := senderCollection(3)
	a := sender.Item(0).(*testItem)
	b := sender.Item(1).(*testItem)

	conn := NewConn()
	_, err := sender.EncodeUpdate(conn)
	assert.Equal(t, err, nil)

	// change a, remove b
	a.value = 1000
	sender.MarkItemDirty(a)
	sender.Remove(1)
	sender.MarkCollectionDirty()

	update, err := sender.EncodeUpdate(conn)
	assert.Equal(t, err, nil)

	reader := NewReader(update)
	reader.ReadUint32()
	reader.ReadUint32()
	deletedCount, _ := reader.ReadUint32()
	changedCount, _ := reader.ReadUint32()
	assert.Equal(t, uint32(1), deletedCount)
	assert.Equal(t, uint32(1), changedCount)

	deletedId, _ := reader.ReadUint32()
	assert.Equal(t, b.State().replicationId, deletedId)

	changedId, _ := reader.ReadUint32()
	assert.Equal(t, a.State().replicationId, changedId)
}

func TestGuardrailEnforcement(t *testing.T) {
	receiver := NewCollectionWithDefaults(newTestItem)
	item := &testItem{key: "keep"}
	state := item.State()
	state.replicationId = 9
	state.replicationKey = 1
	receiver.Append(item)

	maxDeleted := receiver.Settings().MaxDeletedCount

	writer := NewWriter()
	writer.WriteUint32(10)
	writer.WriteUint32(0)
	writer.WriteUint32(maxDeleted + 1)
	writer.WriteUint32(0)

	conn := NewConn()
	arrayKey := receiver.ArrayKey()
	_, err := receiver.ApplyUpdate(conn, writer.Bytes())
	assert.Equal(t, true, errors.Is(err, ErrTooManyDeletes))

	// no partial state mutation
	assert.Equal(t, 1, receiver.Len())
	assert.Equal(t, arrayKey, receiver.ArrayKey())
	assert.Equal(t, true, item == receiver.Item(0))

	writer = NewWriter()
	writer.WriteUint32(10)
	writer.WriteUint32(0)
	writer.WriteUint32(0)
	writer.WriteUint32(receiver.Settings().MaxChangedCount + 1)
	_, err = receiver.ApplyUpdate(conn, writer.Bytes())
	assert.Equal(t, true, errors.Is(err, ErrTooManyChanges))
	assert.Equal(t, 1, receiver.Len())
}

func TestImplicitDelete(t *testing.T) {
	receiver := NewCollectionWithDefaults(newTestItem)

	// last updated by an update the receiver never received
	lost := &testItem{key: "lost"}
	state := lost.State()
	state.replicationId = 42
	state.replicationKey = 1
	state.lastArrayKey = 6
	receiver.Append(lost)

	// updated at or before the receiver's baseline
	kept := &testItem{key: "kept"}
	state = kept.State()
	state.replicationId = 43
	state.replicationKey = 1
	state.lastArrayKey = 5
	receiver.Append(kept)

	conn := NewConn()
	conn.baseState = newBaseState(5)

	// a gap: one update between 5 and 7 was lost
	writer := NewWriter()
	writer.WriteUint32(8)
	writer.WriteUint32(7)
	writer.WriteUint32(0)
	writer.WriteUint32(0)

	result, err := receiver.ApplyUpdate(conn, writer.Bytes())
	assert.Equal(t, err, nil)
	assert.Equal(t, []uint32{42}, result.RemovedIds)
	assert.Equal(t, 1, receiver.Len())
	assert.Equal(t, true, kept == receiver.Item(0))
	assert.Equal(t, 1, lost.preRemoveCount)
}

func TestImplicitDeleteSkippedOnReliableTransport(t *testing.T) {
	settings := DefaultReplicationSettings()
	settings.ReliableTransport = true
	receiver := NewCollection(newTestItem, nil, settings)

	lost := &testItem{key: "lost"}
	state := lost.State()
	state.replicationId = 42
	state.replicationKey = 1
	state.lastArrayKey = 6
	receiver.Append(lost)

	conn := NewConn()
	conn.baseState = newBaseState(5)

	writer := NewWriter()
	writer.WriteUint32(8)
	writer.WriteUint32(7)
	writer.WriteUint32(0)
	writer.WriteUint32(0)

	result, err := receiver.ApplyUpdate(conn, writer.Bytes())
	assert.Equal(t, err, nil)
	assert.Equal(t, 0, len(result.RemovedIds))
	assert.Equal(t, 1, receiver.Len())
}

func TestTruncatedUpdateAppliesNothing(t *testing.T) {
	receiver := NewCollectionWithDefaults(newTestItem)

	writer := NewWriter()
	writer.WriteUint32(1)
	writer.WriteUint32(0)
	writer.WriteUint32(0)
	writer.WriteUint32(1)
	writer.WriteUint32(7)
	// claim a 5 byte payload with only 2 bytes behind it
	writer.WriteVarint(5)
	writer.b = append(writer.b, 0x01, 0x02)

	conn := NewConn()
	_, err := receiver.ApplyUpdate(conn, writer.Bytes())
	assert.NotEqual(t, err, nil)
	assert.Equal(t, 0, receiver.Len())
	assert.Equal(t, uint32(0), receiver.ArrayKey())
	assert.Equal(t, conn.BaseState(), nil)
}

func TestChangeAndDeleteFlow(t *testing.T) {
	sender := senderCollection(4)
	conn := NewConn()

	receiver := NewCollectionWithDefaults(newTestItem)
	receiverConn := NewConn()

	b, err := sender.EncodeUpdate(conn)
	assert.Equal(t, err, nil)
	_, err = receiver.ApplyUpdate(receiverConn, b)
	assert.Equal(t, err, nil)
	assert.Equal(t, 4, receiver.Len())

	// mutate, remove, add
	changed := sender.Item(2).(*testItem)
	changed.value = 777
	sender.MarkItemDirty(changed)

	removed := sender.Remove(0).(*testItem)
	sender.MarkCollectionDirty()

	added := &testItem{key: "late", value: 9}
	sender.Append(added)
	sender.MarkItemDirty(added)

	b, err = sender.EncodeUpdate(conn)
	assert.Equal(t, err, nil)
	result, err := receiver.ApplyUpdate(receiverConn, b)
	assert.Equal(t, err, nil)

	assert.Equal(t, []uint32{added.State().replicationId}, result.AddedIds)
	assert.Equal(t, []uint32{changed.State().replicationId}, result.ChangedIds)
	assert.Equal(t, []uint32{removed.State().replicationId}, result.RemovedIds)
	assert.Equal(t, 4, receiver.Len())

	receiverValues := map[uint32]uint32{}
	for _, item := range receiver.Items() {
		receiverValues[item.State().replicationId] = item.(*testItem).value
	}
	assert.Equal(t, uint32(777), receiverValues[changed.State().replicationId])
	assert.Equal(t, uint32(9), receiverValues[added.State().replicationId])
	_, ok := receiverValues[removed.State().replicationId]
	assert.Equal(t, false, ok)
}

func TestHookOrder(t *testing.T) {
	sender := senderCollection(3)
	conn := NewConn()

	receiver := NewCollectionWithDefaults(newTestItem)
	receiverConn := NewConn()

	events := []string{}
	receiver.AddRemovedCallback(func(removedIndexes []int, finalSize int) {
		events = append(events, "removed")
	})
	receiver.AddAddedCallback(func(addedIndexes []int, finalSize int) {
		events = append(events, "added")
	})
	receiver.AddChangedCallback(func(changedIndexes []int, finalSize int) {
		events = append(events, "changed")
	})

	b, err := sender.EncodeUpdate(conn)
	assert.Equal(t, err, nil)
	_, err = receiver.ApplyUpdate(receiverConn, b)
	assert.Equal(t, err, nil)
	assert.Equal(t, []string{"removed", "added", "changed"}, events)

	events = []string{}
	changed := sender.Item(1).(*testItem)
	changed.value = 123
	sender.MarkItemDirty(changed)
	sender.Remove(0)
	sender.MarkCollectionDirty()

	b, err = sender.EncodeUpdate(conn)
	assert.Equal(t, err, nil)
	_, err = receiver.ApplyUpdate(receiverConn, b)
	assert.Equal(t, err, nil)
	assert.Equal(t, []string{"removed", "added", "changed"}, events)

	// item level hooks fired on the stored instances
	for _, item := range receiver.Items() {
		if item.State().replicationId == changed.State().replicationId {
			assert.Equal(t, 1, item.(*testItem).postChangeCount)
		}
	}
}

func TestConvergenceUnderChurn(t *testing.T) {
	sender := senderCollection(8)
	conn := NewConn()

	receiver := NewCollectionWithDefaults(newTestItem)
	receiverConn := NewConn()

	for round := 0; round < 50; round += 1 {
		switch mathrand.Intn(3) {
		case 0:
			item := &testItem{key: "churn", value: mathrand.Uint32()}
			sender.Append(item)
			sender.MarkItemDirty(item)
		case 1:
			if 0 < sender.Len() {
				sender.Remove(mathrand.Intn(sender.Len()))
				sender.MarkCollectionDirty()
			}
		default:
			if 0 < sender.Len() {
				item := sender.Item(mathrand.Intn(sender.Len())).(*testItem)
				item.value = mathrand.Uint32()
				sender.MarkItemDirty(item)
			}
		}

		b, err := sender.EncodeUpdate(conn)
		assert.Equal(t, err, nil)
		_, err = receiver.ApplyUpdate(receiverConn, b)
		assert.Equal(t, err, nil)
	}

	assert.Equal(t, sender.Len(), receiver.Len())
	senderValues := map[uint32]uint32{}
	for _, item := range sender.Items() {
		senderValues[item.State().replicationId] = item.(*testItem).value
	}
	for _, item := range receiver.Items() {
		value, ok := senderValues[item.State().replicationId]
		assert.Equal(t, true, ok)
		assert.Equal(t, value, item.(*testItem).value)
	}
}
