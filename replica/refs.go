package replica

import (
	"github.com/golang/glog"

	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

// RefToken is an opaque placeholder for an external object reference inside
// a record payload. The referenced object may not exist yet on a receiver.
// Dynamically allocated referents carry the low bit; their tokens can
// become unmapped again when the referent is torn down.
type RefToken uint32

func (self RefToken) IsDynamic() bool {
	return self&1 == 1
}

// Resolver maps tokens to live objects. Supplied externally; object
// lifecycle is not this package's concern.
type Resolver interface {
	// Resolve returns the live object for a token, if it exists yet
	Resolve(token RefToken) (any, bool)

	// IsBroken reports a token that will never resolve
	IsBroken(token RefToken) bool
}

// DecodeContext is handed to each record payload decode. Payload codecs
// look up references through it so that unresolved tokens are tracked for
// a later resolution sweep.
type DecodeContext struct {
	resolver Resolver

	unresolved map[RefToken]bool
	mapped     map[RefToken]bool
}

func newDecodeContext(resolver Resolver) *DecodeContext {
	return &DecodeContext{
		resolver:   resolver,
		unresolved: map[RefToken]bool{},
		mapped:     map[RefToken]bool{},
	}
}

// ResolveRef resolves a token against the external resolver. A token that
// cannot be resolved yet is recorded so the record is re-decoded once
// resolution becomes possible. Resolved dynamic tokens stay tracked because
// the referent may later be torn down.
func (self *DecodeContext) ResolveRef(token RefToken) (any, bool) {
	if self.resolver == nil {
		self.unresolved[token] = true
		return nil, false
	}
	obj, ok := self.resolver.Resolve(token)
	if !ok {
		self.unresolved[token] = true
		return nil, false
	}
	if token.IsDynamic() {
		self.mapped[token] = true
	}
	return obj, true
}

// pendingSet captures the decode's reference state plus the payload byte
// range for replay. Returns nil when the payload held no tracked tokens.
func (self *DecodeContext) pendingSet(payload []byte) *PendingReferenceSet {
	if len(self.unresolved) == 0 && len(self.mapped) == 0 {
		return nil
	}
	return &PendingReferenceSet{
		unresolved: self.unresolved,
		mapped:     self.mapped,
		// the update buffer is transient, the replay copy is not
		payload: slices.Clone(payload),
	}
}

// PendingReferenceSet tracks one record whose last decoded payload
// contained references that could not all be resolved, plus the exact
// payload bytes as transmitted, for replay. Discarded when every token
// resolves or the record is deleted.
type PendingReferenceSet struct {
	unresolved map[RefToken]bool
	mapped     map[RefToken]bool
	payload    []byte
}

func (self *PendingReferenceSet) Unresolved() []RefToken {
	return maps.Keys(self.unresolved)
}

func (self *PendingReferenceSet) Mapped() []RefToken {
	return maps.Keys(self.mapped)
}

func (self *PendingReferenceSet) empty() bool {
	return len(self.unresolved) == 0 && len(self.mapped) == 0
}

// HasPendingRefs reports whether any record is still blocked on
// unresolved references.
func (self *Collection) HasPendingRefs() bool {
	return 0 < len(self.pendingRefs)
}

// GatherPendingTokens returns every tracked token across all records and
// the total captured payload bytes held for replay.
func (self *Collection) GatherPendingTokens() ([]RefToken, int) {
	tokens := []RefToken{}
	payloadBytes := 0
	for _, pending := range self.pendingRefs {
		tokens = append(tokens, maps.Keys(pending.unresolved)...)
		tokens = append(tokens, maps.Keys(pending.mapped)...)
		payloadBytes += len(pending.payload)
	}
	return tokens, payloadBytes
}

// MoveTokenToUnresolved marks a previously resolved dynamic token as
// unresolved again, after its referent was torn down. Returns whether the
// token was tracked anywhere.
func (self *Collection) MoveTokenToUnresolved(token RefToken) bool {
	found := false
	for _, pending := range self.pendingRefs {
		if pending.mapped[token] {
			delete(pending.mapped, token)
			pending.unresolved[token] = true
			found = true
		}
	}
	return found
}

// RunResolutionSweep re-checks every record with pending references
// against the resolver and re-decodes the captured payload of any record
// that gained a resolution. Safe to call before any data has been received.
// Returns whether any record remains tracked, so the caller can keep the
// sweep scheduled.
func (self *Collection) RunResolutionSweep() bool {
	// replaying a payload swaps the stored item instance
	self.storageLock.Lock()
	defer self.storageLock.Unlock()

	self.conditionalRebuildItemIndexes()

	for id, pending := range self.pendingRefs {
		idx, ok := self.itemIndexes[id]
		if !ok || pending.empty() {
			// the record is gone or has nothing left to track
			delete(self.pendingRefs, id)
			continue
		}

		mappedSome := false
		for token := range pending.unresolved {
			if self.resolver == nil {
				break
			}
			if self.resolver.IsBroken(token) {
				// stop trying to resolve broken tokens
				glog.Warningf("[sweep]broken token %d on id %d", token, id)
				delete(pending.unresolved, token)
				continue
			}
			if _, ok := self.resolver.Resolve(token); ok {
				sweepLog("token %d resolved on id %d", token, id)
				if token.IsDynamic() {
					pending.mapped[token] = true
				}
				delete(pending.unresolved, token)
				mappedSome = true
			}
		}

		if mappedSome {
			// replay the captured payload. This may discover tokens that
			// are still unresolved and re-capture.
			item := self.newItem()
			decodeContext := newDecodeContext(self.resolver)
			if err := item.DecodePayload(NewReader(pending.payload), decodeContext); err != nil {
				glog.Warningf("[sweep]replay failed for id %d = %s", id, err)
				continue
			}
			prevState := self.items[idx].State()
			state := item.State()
			state.replicationId = prevState.replicationId
			state.replicationKey = prevState.replicationKey
			state.lastArrayKey = prevState.lastArrayKey
			self.items[idx] = item

			if next := decodeContext.pendingSet(pending.payload); next != nil {
				self.pendingRefs[id] = next
			} else {
				delete(self.pendingRefs, id)
			}

			item.PostChange(self)
		} else if pending.empty() {
			delete(self.pendingRefs, id)
		}
	}

	return 0 < len(self.pendingRefs)
}
