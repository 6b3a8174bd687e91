// Package syncer reconciles the local records table with the server's
// change log once the connector is connected.
package syncer

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/dmitrijs2005/gophsync/internal/client/connector"
	"github.com/dmitrijs2005/gophsync/internal/client/models"
	"github.com/dmitrijs2005/gophsync/internal/client/repositories/records"
	"github.com/dmitrijs2005/gophsync/internal/common"
	"github.com/dmitrijs2005/gophsync/internal/logging"
	"github.com/dmitrijs2005/gophsync/internal/protocol"
	"github.com/dmitrijs2005/gophsync/internal/resolver"
)

var _ connector.Syncer = (*Syncer)(nil)

// Resolver merges two versions of one record.
type Resolver interface {
	Resolve(ctx context.Context, typeID string, older, newer json.RawMessage) (json.RawMessage, error)
}

// replies are answered by the server in the order their requests were sent.
var replies = map[string]bool{
	protocol.CmdChangeState:    true,
	protocol.CmdCompleted:      true,
	protocol.CmdBundleUpload:   true,
	protocol.CmdBundleDownload: true,
}

type Syncer struct {
	records  records.Repository
	resolver Resolver
	logger   logging.Logger

	kick chan struct{}

	mu   sync.Mutex
	conn *conn
}

func New(r records.Repository, res Resolver, logger logging.Logger) *Syncer {
	return &Syncer{
		records:  r,
		resolver: res,
		logger:   logger.With("module", "syncer"),
		kick:     make(chan struct{}, 1),
	}
}

// conn is the request pipeline of one connection.
type conn struct {
	ctx  context.Context
	link connector.Link

	sendMu  sync.Mutex
	mu      sync.Mutex
	waiters []chan protocol.Command
}

// Begin starts reconciling over a fresh connection. Loaded is reported on
// l after the first round.
func (s *Syncer) Begin(ctx context.Context, l connector.Link) {
	c := &conn{ctx: ctx, link: l}
	s.mu.Lock()
	s.conn = c
	s.mu.Unlock()
	go s.run(c)
}

// HandleCommand routes a server command. It never blocks.
func (s *Syncer) HandleCommand(ctx context.Context, cmd protocol.Command) {
	if cmd.Name == protocol.CmdChanged {
		var d protocol.ChangedData
		if err := cmd.Bind(&d); err == nil {
			s.logger.Debug(ctx, "remote change", "type", d.Type, "key", d.Key, "origin", d.Origin)
		}
		s.Nudge()
		return
	}
	if !replies[cmd.Name] {
		s.logger.Debug(ctx, "ignoring command", "command", cmd.Name)
		return
	}

	c := s.current()
	if c == nil {
		return
	}
	c.mu.Lock()
	if len(c.waiters) == 0 {
		c.mu.Unlock()
		s.logger.Warn(ctx, "unexpected reply", "command", cmd.Name)
		return
	}
	w := c.waiters[0]
	c.waiters = c.waiters[1:]
	c.mu.Unlock()
	w <- cmd
}

// Nudge schedules another reconciliation round.
func (s *Syncer) Nudge() {
	select {
	case s.kick <- struct{}{}:
	default:
	}
}

func (s *Syncer) current() *conn {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn
}

// Request sends a command over the live connection and waits for its reply.
func (s *Syncer) Request(ctx context.Context, name string, payload any) (protocol.Reply, error) {
	c := s.current()
	if c == nil {
		return protocol.Reply{}, fmt.Errorf("%w: not connected", common.ErrTransport)
	}
	return c.request(ctx, name, payload)
}

func (c *conn) request(ctx context.Context, name string, payload any) (protocol.Reply, error) {
	w := make(chan protocol.Command, 1)

	c.sendMu.Lock()
	c.mu.Lock()
	c.waiters = append(c.waiters, w)
	c.mu.Unlock()
	err := c.link.SendCommand(name, payload)
	c.sendMu.Unlock()
	if err != nil {
		return protocol.Reply{}, fmt.Errorf("%w: send %s: %w", common.ErrTransport, name, err)
	}

	select {
	case cmd := <-w:
		var r protocol.Reply
		if err := cmd.Bind(&r); err != nil {
			return protocol.Reply{}, err
		}
		return r, nil
	case <-ctx.Done():
		return protocol.Reply{}, ctx.Err()
	case <-c.ctx.Done():
		return protocol.Reply{}, fmt.Errorf("%w: connection closed", common.ErrTransport)
	}
}

func (s *Syncer) run(c *conn) {
	err := s.round(c.ctx, c)
	c.link.Loaded(err)
	if err != nil {
		return
	}
	for {
		select {
		case <-c.ctx.Done():
			return
		case <-s.kick:
		}
		if err := s.round(c.ctx, c); err != nil {
			if c.ctx.Err() == nil {
				s.logger.Warn(c.ctx, "sync round failed", "err", err)
			}
			return
		}
	}
}

type requester interface {
	request(ctx context.Context, name string, payload any) (protocol.Reply, error)
}

// round pushes local writes, applies the server's pending changes, then
// pushes whatever merging produced.
func (s *Syncer) round(ctx context.Context, r requester) error {
	if err := s.push(ctx, r); err != nil {
		return err
	}
	if err := s.pull(ctx, r); err != nil {
		return err
	}
	return s.push(ctx, r)
}

func (s *Syncer) push(ctx context.Context, r requester) error {
	dirty, err := s.records.ListDirty(ctx)
	if err != nil {
		return err
	}
	for _, rec := range dirty {
		var reply protocol.Reply
		if rec.Deleted {
			reply, err = r.request(ctx, protocol.CmdRemove, protocol.KeyData{Type: rec.Type, Key: rec.Key})
		} else {
			reply, err = r.request(ctx, protocol.CmdSave, protocol.SaveData{Type: rec.Type, Key: rec.Key, Value: rec.Value})
		}
		if err != nil {
			return err
		}
		if !reply.Success {
			// Left dirty; the server refuses it until the record changes.
			s.logger.Warn(ctx, "server refused write", "type", rec.Type, "key", rec.Key, "err", reply.Error)
			continue
		}
		var v protocol.VersionData
		if err := json.Unmarshal(reply.Data, &v); err != nil {
			return fmt.Errorf("%w: save reply: %v", common.ErrMalformed, err)
		}
		if err := s.records.MarkPushed(ctx, rec.Type, rec.Key, rec.LocalRev, v.Version); err != nil {
			return err
		}
	}
	return nil
}

func (s *Syncer) pull(ctx context.Context, r requester) error {
	reply, err := r.request(ctx, protocol.CmdLoadChanges, nil)
	if err != nil {
		return err
	}
	if !reply.Success {
		return fmt.Errorf("load changes: %s", reply.Error)
	}
	var changes []protocol.Change
	if len(reply.Data) > 0 {
		if err := json.Unmarshal(reply.Data, &changes); err != nil {
			return fmt.Errorf("%w: change state: %v", common.ErrMalformed, err)
		}
	}
	for _, ch := range changes {
		if err := s.apply(ctx, r, ch); err != nil {
			return err
		}
	}
	return nil
}

func (s *Syncer) apply(ctx context.Context, r requester, ch protocol.Change) error {
	local, err := s.records.Get(ctx, ch.Type, ch.Key)
	if err != nil && !errors.Is(err, common.ErrorNotFound) {
		return err
	}

	server := resolver.Candidate{Value: ch.Value, Version: ch.Version, Deleted: ch.Deleted}
	result := server
	ack := ch.Version

	switch {
	case ch.Conflict:
		other := resolver.Candidate{Value: ch.ConflictValue, Version: ch.ConflictVersion, Deleted: ch.ConflictDeleted}
		older, newer := other, server
		if older.Version > newer.Version {
			older, newer = newer, older
		}
		result = s.merge(ctx, ch.Type, older, newer)
		ack = max(ack, ch.ConflictVersion)
	case local != nil && local.Version > ch.Version:
		result = s.merge(ctx, ch.Type, server, resolver.Candidate{Value: local.Value, Version: local.Version, Deleted: local.Deleted})
	}

	var expectRev int64
	if local != nil {
		expectRev = local.LocalRev
	}
	rec := &models.Record{
		Type:    ch.Type,
		Key:     ch.Key,
		Value:   result.Value,
		Version: max(result.Version, ack),
		Deleted: result.Deleted,
		Dirty:   result.Deleted != server.Deleted || !bytes.Equal(result.Value, server.Value),
	}
	written, err := s.records.ApplyRemote(ctx, rec, expectRev)
	if err != nil {
		return err
	}
	if !written {
		// A local write landed meanwhile; the entry stays pending for the
		// next round.
		s.logger.Debug(ctx, "local write raced remote change", "type", ch.Type, "key", ch.Key)
		return nil
	}

	reply, err := r.request(ctx, protocol.CmdMarkUnchanged, protocol.KeyData{Type: ch.Type, Key: ch.Key, Version: &ack})
	if err != nil {
		return err
	}
	if !reply.Success {
		s.logger.Warn(ctx, "markUnchanged refused", "type", ch.Type, "key", ch.Key, "err", reply.Error)
	}
	return nil
}

// merge asks the registry first and falls back to the newer version.
func (s *Syncer) merge(ctx context.Context, typ string, older, newer resolver.Candidate) resolver.Candidate {
	if older.Deleted || newer.Deleted {
		return resolver.LastWriteWins(older, newer)
	}
	merged, err := s.resolver.Resolve(ctx, typ, older.Value, newer.Value)
	if err != nil {
		if !errors.Is(err, common.ErrConflictUnresolved) {
			s.logger.Warn(ctx, "resolver failed", "type", typ, "err", err)
		}
		return resolver.LastWriteWins(older, newer)
	}
	return resolver.Candidate{Value: merged, Version: max(older.Version, newer.Version)}
}
