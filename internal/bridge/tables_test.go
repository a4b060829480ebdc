// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package bridge

import (
	gc "gopkg.in/check.v1"

	"github.com/lightsofapollo/idb-remote/internal/wire"
)

type pendingSuite struct{}

var _ = gc.Suite(&pendingSuite{})

func (s *pendingSuite) TestAddIssuesFreshIDs(c *gc.C) {
	table := newPendingTable()
	origin := newConn(nil, roleClient)
	provider := newConn(nil, roleProvider)

	first := table.add(origin, 10, provider, wire.CommandObjectStores)
	second := table.add(origin, 11, provider, wire.CommandObjectStores)
	c.Check(first.id, gc.Equals, uint64(1))
	c.Check(second.id, gc.Equals, uint64(2))
	c.Check(first.originReqID, gc.Equals, uint64(10))
}

func (s *pendingSuite) TestTakeRemoves(c *gc.C) {
	table := newPendingTable()
	entry := table.add(newConn(nil, roleClient), 1, newConn(nil, roleProvider), wire.CommandObjectStores)

	c.Check(table.take(entry.id), gc.Equals, entry)
	c.Check(table.take(entry.id), gc.IsNil)
}

func (s *pendingSuite) TestTakeUnknown(c *gc.C) {
	table := newPendingTable()
	c.Check(table.take(42), gc.IsNil)
}

func (s *pendingSuite) TestPurgeOrigin(c *gc.C) {
	table := newPendingTable()
	gone := newConn(nil, roleClient)
	alive := newConn(nil, roleClient)
	provider := newConn(nil, roleProvider)

	purged := table.add(gone, 1, provider, wire.CommandObjectStores)
	kept := table.add(alive, 1, provider, wire.CommandObjectStores)

	table.purgeOrigin(gone.id)
	c.Check(table.take(purged.id), gc.IsNil)
	c.Check(table.take(kept.id), gc.Equals, kept)
}

func (s *pendingSuite) TestPurgeProviderReturnsEntries(c *gc.C) {
	table := newPendingTable()
	origin := newConn(nil, roleClient)
	gone := newConn(nil, roleProvider)
	alive := newConn(nil, roleProvider)

	purged := table.add(origin, 1, gone, wire.CommandObjectStores)
	kept := table.add(origin, 2, alive, wire.CommandObjectStores)

	entries := table.purgeProvider(gone.id)
	c.Assert(entries, gc.HasLen, 1)
	c.Check(entries[0], gc.Equals, purged)
	c.Check(table.take(purged.id), gc.IsNil)
	c.Check(table.take(kept.id), gc.Equals, kept)
}

type streamsSuite struct{}

var _ = gc.Suite(&streamsSuite{})

func (s *streamsSuite) TestOpenAndLookup(c *gc.C) {
	table := newStreamTable()
	owner := newConn(nil, roleClient)
	provider := newConn(nil, roleProvider)

	session := table.open(owner, provider)
	c.Check(session.id, gc.Equals, uint64(1))
	c.Check(table.lookup(session.id), gc.Equals, session)
	c.Check(table.lookup(99), gc.IsNil)
}

func (s *streamsSuite) TestIDsNeverReusedWhileLive(c *gc.C) {
	table := newStreamTable()
	owner := newConn(nil, roleClient)
	provider := newConn(nil, roleProvider)

	first := table.open(owner, provider)
	table.close(first.id)
	second := table.open(owner, provider)
	c.Check(second.id, gc.Not(gc.Equals), first.id)
}

func (s *streamsSuite) TestCloseIsIdempotent(c *gc.C) {
	table := newStreamTable()
	session := table.open(newConn(nil, roleClient), newConn(nil, roleProvider))

	table.close(session.id)
	table.close(session.id)
	c.Check(table.lookup(session.id), gc.IsNil)
}

func (s *streamsSuite) TestPurgeOwner(c *gc.C) {
	table := newStreamTable()
	gone := newConn(nil, roleClient)
	alive := newConn(nil, roleClient)
	provider := newConn(nil, roleProvider)

	purged := table.open(gone, provider)
	kept := table.open(alive, provider)

	table.purgeOwner(gone.id)
	c.Check(table.lookup(purged.id), gc.IsNil)
	c.Check(table.lookup(kept.id), gc.Equals, kept)
}

func (s *streamsSuite) TestPurgeProviderReturnsSessions(c *gc.C) {
	table := newStreamTable()
	owner := newConn(nil, roleClient)
	gone := newConn(nil, roleProvider)
	alive := newConn(nil, roleProvider)

	purged := table.open(owner, gone)
	kept := table.open(owner, alive)

	sessions := table.purgeProvider(gone.id)
	c.Assert(sessions, gc.HasLen, 1)
	c.Check(sessions[0], gc.Equals, purged)
	c.Check(table.lookup(purged.id), gc.IsNil)
	c.Check(table.lookup(kept.id), gc.Equals, kept)
}
