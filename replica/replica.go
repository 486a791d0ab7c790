package replica

import (
	"errors"
	"fmt"
	"sync"

	"github.com/oklog/ulid/v2"
)

/*
Replicates an ordered collection of records from one authoritative sender
to many receivers with properties:
- each receiver can be at a different point in history; updates are minimal
  deltas against a per-connection base state
- record identity is stable and position independent; storage order is never
  a cross-connection key
- updates tolerate a lossy transport; removals dropped on the wire are
  recovered as implicit deletes from gaps in the collection key
- record payloads that reference objects not yet instantiated on the
  receiver are captured and re-decoded once the references resolve

The sender must announce every add-or-mutate through `MarkItemDirty` and
every removal through `MarkCollectionDirty`. Missing either yields silently
stale replication, not a crash.
*/

// unassignedId is the sentinel for items that were never marked dirty.
// The id counter and item keys skip it on wraparound.
const unassignedId = uint32(0)

// comparable
type Id [16]byte

func NewId() Id {
	return Id(ulid.Make())
}

func IdFromBytes(idBytes []byte) (Id, error) {
	if len(idBytes) != 16 {
		return Id{}, errors.New("Id must be 16 bytes")
	}
	return Id(idBytes), nil
}

func RequireIdFromBytes(idBytes []byte) Id {
	id, err := IdFromBytes(idBytes)
	if err != nil {
		panic(err)
	}
	return id
}

func (self Id) Bytes() []byte {
	return self[0:16]
}

func (self Id) String() string {
	return ulid.ULID(self).String()
}

// Item is one element of a replicated collection. Concrete record types
// embed `ItemState` and supply the payload codec. The lifecycle hooks have
// no-op defaults on `ItemState` and may be shadowed per record type.
type Item interface {
	State() *ItemState

	// payload codec. The payload must be self-contained: a changed record
	// is always fully re-encoded.
	EncodePayload(writer *Writer) error
	DecodePayload(reader *Reader, decodeContext *DecodeContext) error

	// lifecycle hooks, see `Collection.applyReceived` for invocation order
	PreRemove(collection *Collection)
	PostAdd(collection *Collection)
	PostChange(collection *Collection)
}

// ItemState carries the replication bookkeeping for one item.
// `replicationId` is assigned once and never reused for a different logical
// record within the collection's lifetime. `replicationKey` only detects
// change and is never round-tripped. `lastArrayKey` is receiver-maintained
// and records the collection key at which the item was last updated from
// the wire, used to detect implicit deletes.
type ItemState struct {
	replicationId  uint32
	replicationKey uint32
	lastArrayKey   uint32
}

func (self *ItemState) State() *ItemState {
	return self
}

func (self *ItemState) ReplicationId() uint32 {
	return self.replicationId
}

func (self *ItemState) PreRemove(collection *Collection) {
}

func (self *ItemState) PostAdd(collection *Collection) {
}

func (self *ItemState) PostChange(collection *Collection) {
}

type CollectionRemovedFunction func(removedIndexes []int, finalSize int)
type CollectionAddedFunction func(addedIndexes []int, finalSize int)
type CollectionChangedFunction func(changedIndexes []int, finalSize int)

// Collection owns the ordered item storage and the replication state shared
// by all connections. The source of truth is always `items`; `itemIndexes`
// is a derived cache rebuilt lazily when its size disagrees with the
// storage.
type Collection struct {
	settings *ReplicationSettings

	newItem func() Item

	resolver Resolver

	// serializes identity assignment across parallel per-connection encodes
	stateLock sync.Mutex

	// excludes storage mutation from concurrent encodes. Encodes share the
	// read side, so per-connection encodes stay parallel.
	storageLock sync.RWMutex

	items       []Item
	idCounter   uint32
	arrayKey    uint32
	itemIndexes map[uint32]int

	// replication id -> captured references, receiver side only
	pendingRefs map[uint32]*PendingReferenceSet

	cachedNumItems    int
	cachedNumEligible int

	updateMonitor *Monitor

	removedCallbacks *CallbackList[CollectionRemovedFunction]
	addedCallbacks   *CallbackList[CollectionAddedFunction]
	changedCallbacks *CallbackList[CollectionChangedFunction]
}

func NewCollectionWithDefaults(newItem func() Item) *Collection {
	return NewCollection(newItem, nil, DefaultReplicationSettings())
}

func NewCollection(newItem func() Item, resolver Resolver, settings *ReplicationSettings) *Collection {
	return &Collection{
		settings:          settings,
		newItem:           newItem,
		resolver:          resolver,
		items:             []Item{},
		itemIndexes:       map[uint32]int{},
		pendingRefs:       map[uint32]*PendingReferenceSet{},
		cachedNumItems:    -1,
		cachedNumEligible: -1,
		updateMonitor:     NewMonitor(),
		removedCallbacks:  NewCallbackList[CollectionRemovedFunction](),
		addedCallbacks:    NewCallbackList[CollectionAddedFunction](),
		changedCallbacks:  NewCallbackList[CollectionChangedFunction](),
	}
}

func (self *Collection) Settings() *ReplicationSettings {
	return self.settings
}

func (self *Collection) UpdateMonitor() *Monitor {
	return self.updateMonitor
}

func (self *Collection) AddRemovedCallback(removedCallback CollectionRemovedFunction) func() {
	callbackId := self.removedCallbacks.Add(removedCallback)
	return func() {
		self.removedCallbacks.Remove(callbackId)
	}
}

func (self *Collection) AddAddedCallback(addedCallback CollectionAddedFunction) func() {
	callbackId := self.addedCallbacks.Add(addedCallback)
	return func() {
		self.addedCallbacks.Remove(callbackId)
	}
}

func (self *Collection) AddChangedCallback(changedCallback CollectionChangedFunction) func() {
	callbackId := self.changedCallbacks.Add(changedCallback)
	return func() {
		self.changedCallbacks.Remove(callbackId)
	}
}

func (self *Collection) Items() []Item {
	return self.items
}

func (self *Collection) Len() int {
	return len(self.items)
}

func (self *Collection) Item(i int) Item {
	return self.items[i]
}

func (self *Collection) ArrayKey() uint32 {
	return self.arrayKey
}

// Update runs callback with storage mutation excluded from concurrent
// encodes. Any mutation of the item storage or record fields while
// connections may be encoding must go through here. `MarkItemDirty` and
// `MarkCollectionDirty` may be called from inside the callback.
func (self *Collection) Update(callback func()) {
	self.storageLock.Lock()
	defer self.storageLock.Unlock()
	callback()
}

// Append adds an item to storage without marking it dirty. The item is not
// replicated until `MarkItemDirty` is called, or until the next encode
// assigns it an identity. Call inside `Update` when encodes may run
// concurrently.
func (self *Collection) Append(item Item) {
	self.items = append(self.items, item)
}

// Remove swap removes the item at index i. The caller must announce the
// removal with `MarkCollectionDirty`. Call inside `Update` when encodes may
// run concurrently.
func (self *Collection) Remove(i int) Item {
	item := self.items[i]
	n := len(self.items) - 1
	self.items[i] = self.items[n]
	self.items[n] = nil
	self.items = self.items[:n]
	return item
}

// MarkItemDirty must be called for every logical add-or-mutate. Assigns an
// identity on first use.
func (self *Collection) MarkItemDirty(item Item) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	self.markItemDirty(item)
	self.updateMonitor.NotifyAll()
}

// caller must hold stateLock
func (self *Collection) markItemDirty(item Item) {
	state := item.State()
	if state.replicationId == unassignedId {
		self.idCounter += 1
		if self.idCounter == unassignedId {
			self.idCounter += 1
		}
		state.replicationId = self.idCounter
	}
	state.replicationKey += 1
	if state.replicationKey == unassignedId {
		state.replicationKey += 1
	}
	self.incrementArrayKey()
}

// MarkCollectionDirty must be called for every logical removal. It
// invalidates the identity index cache and bumps the collection key; item
// keys are untouched.
func (self *Collection) MarkCollectionDirty() {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	self.itemIndexes = map[uint32]int{}
	self.incrementArrayKey()
	self.updateMonitor.NotifyAll()
}

// caller must hold stateLock
func (self *Collection) incrementArrayKey() {
	self.arrayKey += 1
	if self.arrayKey == unassignedId {
		self.arrayKey += 1
	}
}

// conditionalRebuildItemIndexes rebuilds the id -> index cache when its
// cardinality disagrees with the storage. Items without an id are skipped;
// that is benign on receivers, which may append local items before they are
// replicated.
func (self *Collection) conditionalRebuildItemIndexes() {
	if len(self.itemIndexes) == len(self.items) {
		return
	}
	itemLog("rebuilding item indexes. items=%d indexes=%d", len(self.items), len(self.itemIndexes))
	self.itemIndexes = map[uint32]int{}
	for i, item := range self.items {
		state := item.State()
		if state.replicationId == unassignedId {
			continue
		}
		self.itemIndexes[state.replicationId] = i
	}
}

// numEligibleItems counts the items that may be written. When writing on a
// receiver, items added predictively (no identity yet) are skipped.
func (self *Collection) numEligibleItems(writingOnReceiver bool) int {
	count := 0
	for _, item := range self.items {
		if self.shouldWriteItem(item, writingOnReceiver) {
			count += 1
		}
	}
	return count
}

func (self *Collection) shouldWriteItem(item Item, writingOnReceiver bool) bool {
	return !writingOnReceiver || item.State().replicationId != unassignedId
}

func (self *Collection) String() string {
	return fmt.Sprintf("collection[%d items, key %d]", len(self.items), self.arrayKey)
}
