// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package bridge

import (
	"sync"
)

// streamSession tracks one open record stream: the client connection
// that opened it and the provider connection feeding it. The id is
// bridge-issued and never reused while the session is live, so a late
// event for a closed stream can never reach an unrelated client.
type streamSession struct {
	id       uint64
	owner    *conn
	provider *conn
}

// streamTable holds the open stream sessions, indexed by id and by both
// ends' connections for disconnect cleanup.
type streamTable struct {
	mu         sync.Mutex
	nextID     uint64
	entries    map[uint64]*streamSession
	byOwner    map[string]map[uint64]*streamSession
	byProvider map[string]map[uint64]*streamSession
}

func newStreamTable() *streamTable {
	return &streamTable{
		entries:    make(map[uint64]*streamSession),
		byOwner:    make(map[string]map[uint64]*streamSession),
		byProvider: make(map[string]map[uint64]*streamSession),
	}
}

// open allocates a fresh stream id owned by the client connection and
// fed by the provider connection.
func (t *streamTable) open(owner, provider *conn) *streamSession {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.nextID++
	session := &streamSession{
		id:       t.nextID,
		owner:    owner,
		provider: provider,
	}
	t.entries[session.id] = session
	indexStream(t.byOwner, owner.id, session)
	indexStream(t.byProvider, provider.id, session)
	return session
}

// lookup returns the live session for an id, or nil.
func (t *streamTable) lookup(id uint64) *streamSession {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.entries[id]
}

// close removes a session after its terminal event has been relayed.
// Closing an already-removed session is a no-op.
func (t *streamTable) close(id uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if session, ok := t.entries[id]; ok {
		t.remove(session)
	}
}

// purgeOwner removes every session owned by a dying client connection.
func (t *streamTable) purgeOwner(connID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, session := range t.byOwner[connID] {
		t.remove(session)
	}
}

// purgeProvider removes and returns every session fed by a dying
// provider connection, so their owners can be sent terminal errors.
func (t *streamTable) purgeProvider(connID string) []*streamSession {
	t.mu.Lock()
	defer t.mu.Unlock()
	var purged []*streamSession
	for _, session := range t.byProvider[connID] {
		t.remove(session)
		purged = append(purged, session)
	}
	return purged
}

// remove expects t.mu to be held.
func (t *streamTable) remove(session *streamSession) {
	delete(t.entries, session.id)
	unindexStream(t.byOwner, session.owner.id, session.id)
	unindexStream(t.byProvider, session.provider.id, session.id)
}

func indexStream(m map[string]map[uint64]*streamSession, connID string, session *streamSession) {
	byID, ok := m[connID]
	if !ok {
		byID = make(map[uint64]*streamSession)
		m[connID] = byID
	}
	byID[session.id] = session
}

func unindexStream(m map[string]map[uint64]*streamSession, connID string, id uint64) {
	if byID, ok := m[connID]; ok {
		delete(byID, id)
		if len(byID) == 0 {
			delete(m, connID)
		}
	}
}
