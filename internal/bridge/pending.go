// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package bridge

import (
	"sync"
)

// pendingRequest tracks one request forwarded to a provider that is
// awaiting exactly one correlated response. The bridge-issued id is the
// provider-leg correlation; originReqID is echoed back to the origin so
// its own correlation is undisturbed.
type pendingRequest struct {
	id          uint64
	origin      *conn
	originReqID uint64
	provider    *conn
	command     string
}

// pendingTable holds the in-flight forwarded requests, indexed by id and
// by both ends' connections so either side's disconnect can purge its
// entries directly.
type pendingTable struct {
	mu         sync.Mutex
	nextID     uint64
	entries    map[uint64]*pendingRequest
	byOrigin   map[string]map[uint64]*pendingRequest
	byProvider map[string]map[uint64]*pendingRequest
}

func newPendingTable() *pendingTable {
	return &pendingTable{
		entries:    make(map[uint64]*pendingRequest),
		byOrigin:   make(map[string]map[uint64]*pendingRequest),
		byProvider: make(map[string]map[uint64]*pendingRequest),
	}
}

// add allocates a fresh id and records the pending entry.
func (t *pendingTable) add(origin *conn, originReqID uint64, provider *conn, command string) *pendingRequest {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.nextID++
	entry := &pendingRequest{
		id:          t.nextID,
		origin:      origin,
		originReqID: originReqID,
		provider:    provider,
		command:     command,
	}
	t.entries[entry.id] = entry
	index(t.byOrigin, origin.id, entry)
	index(t.byProvider, provider.id, entry)
	return entry
}

// take removes and returns the entry for a response id. A nil return
// means the id is unknown: already answered, purged by a disconnect, or
// never issued.
func (t *pendingTable) take(id uint64) *pendingRequest {
	t.mu.Lock()
	defer t.mu.Unlock()
	entry, ok := t.entries[id]
	if !ok {
		return nil
	}
	t.remove(entry)
	return entry
}

// purgeOrigin removes every entry whose origin is the given connection.
// Nothing is answered; the origin is gone.
func (t *pendingTable) purgeOrigin(connID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, entry := range t.byOrigin[connID] {
		t.remove(entry)
	}
}

// purgeProvider removes and returns every entry whose provider is the
// given connection, so their origins can be answered with an error.
func (t *pendingTable) purgeProvider(connID string) []*pendingRequest {
	t.mu.Lock()
	defer t.mu.Unlock()
	var purged []*pendingRequest
	for _, entry := range t.byProvider[connID] {
		t.remove(entry)
		purged = append(purged, entry)
	}
	return purged
}

// remove expects t.mu to be held.
func (t *pendingTable) remove(entry *pendingRequest) {
	delete(t.entries, entry.id)
	unindex(t.byOrigin, entry.origin.id, entry.id)
	unindex(t.byProvider, entry.provider.id, entry.id)
}

func index(m map[string]map[uint64]*pendingRequest, connID string, entry *pendingRequest) {
	byID, ok := m[connID]
	if !ok {
		byID = make(map[uint64]*pendingRequest)
		m[connID] = byID
	}
	byID[entry.id] = entry
}

func unindex(m map[string]map[uint64]*pendingRequest, connID string, id uint64) {
	if byID, ok := m[connID]; ok {
		delete(byID, id)
		if len(byID) == 0 {
			delete(m, connID)
		}
	}
}
