package session

import (
	"context"
	"errors"

	"github.com/dmitrijs2005/gophsync/internal/common"
	"github.com/dmitrijs2005/gophsync/internal/protocol"
	"github.com/dmitrijs2005/gophsync/internal/server/models"
	"github.com/google/uuid"
)

const (
	msgNotIdentified   = "not identified"
	msgBundlesDisabled = "bundle storage disabled"
)

// replyFor maps data commands to the command their result is sent with.
var replyFor = map[string]string{
	protocol.CmdLoadChanges:   protocol.CmdChangeState,
	protocol.CmdLoad:          protocol.CmdCompleted,
	protocol.CmdSave:          protocol.CmdCompleted,
	protocol.CmdRemove:        protocol.CmdCompleted,
	protocol.CmdMarkUnchanged: protocol.CmdCompleted,
	protocol.CmdUploadBundle:  protocol.CmdBundleUpload,
	protocol.CmdFetchBundle:   protocol.CmdBundleDownload,
}

func (s *Session) handleCommand(ctx context.Context, data []byte) {
	cmd, err := protocol.DecodeCommand(data)
	if err != nil {
		s.logger.Warn(ctx, "dropping malformed command", "err", err)
		return
	}

	switch cmd.Name {
	case protocol.CmdCreateIdentity:
		s.createIdentity(ctx, cmd)
		return
	case protocol.CmdIdentify:
		s.identify(ctx, cmd)
		return
	}

	replyName, ok := replyFor[cmd.Name]
	if !ok {
		s.logger.Warn(ctx, "unknown command, closing connection", "command", cmd.Name)
		s.Close()
		return
	}

	accountID, deviceID, identified := s.identity()
	// Bundle keys are unguessable, so a device that is still importing an
	// account may fetch one.
	if !identified && cmd.Name != protocol.CmdFetchBundle {
		s.sendCommand(replyName, protocol.Fail(msgNotIdentified))
		return
	}

	s.sendCommand(replyName, s.dispatch(ctx, cmd, accountID, deviceID))
}

func (s *Session) dispatch(ctx context.Context, cmd protocol.Command, accountID, deviceID uuid.UUID) protocol.Reply {
	switch cmd.Name {
	case protocol.CmdLoadChanges:
		entries, err := s.deps.Store.LoadChanges(ctx, accountID, deviceID)
		if err != nil {
			return s.failure(ctx, cmd.Name, err)
		}
		var changes []protocol.Change
		for _, e := range entries {
			changes = append(changes, toChange(e))
		}
		return s.ok(ctx, changes)

	case protocol.CmdLoad:
		var k protocol.KeyData
		if err := cmd.Bind(&k); err != nil {
			return s.failure(ctx, cmd.Name, err)
		}
		rec, err := s.deps.Store.Load(ctx, accountID, k.Type, k.Key)
		if err != nil {
			return s.failure(ctx, cmd.Name, err)
		}
		return protocol.Reply{Success: true, Data: rec.Value}

	case protocol.CmdSave:
		var d protocol.SaveData
		if err := cmd.Bind(&d); err != nil {
			return s.failure(ctx, cmd.Name, err)
		}
		version, err := s.deps.Store.Save(ctx, accountID, deviceID, d.Type, d.Key, d.Value)
		if err != nil {
			return s.failure(ctx, cmd.Name, err)
		}
		s.deps.Hub.NotifyChanged(ctx, accountID, deviceID, d.Type, d.Key)
		return s.ok(ctx, protocol.VersionData{Version: version})

	case protocol.CmdRemove:
		var k protocol.KeyData
		if err := cmd.Bind(&k); err != nil {
			return s.failure(ctx, cmd.Name, err)
		}
		version, err := s.deps.Store.Remove(ctx, accountID, deviceID, k.Type, k.Key)
		if err != nil {
			return s.failure(ctx, cmd.Name, err)
		}
		s.deps.Hub.NotifyChanged(ctx, accountID, deviceID, k.Type, k.Key)
		return s.ok(ctx, protocol.VersionData{Version: version})

	case protocol.CmdMarkUnchanged:
		var k protocol.KeyData
		if err := cmd.Bind(&k); err != nil {
			return s.failure(ctx, cmd.Name, err)
		}
		if err := s.deps.Store.MarkUnchanged(ctx, accountID, deviceID, k.Type, k.Key, k.Version); err != nil {
			return s.failure(ctx, cmd.Name, err)
		}
		return protocol.Reply{Success: true}

	case protocol.CmdUploadBundle:
		if s.deps.Bundles == nil {
			return protocol.Fail(msgBundlesDisabled)
		}
		key, url, err := s.deps.Bundles.PresignUpload(ctx, accountID)
		if err != nil {
			return s.failure(ctx, cmd.Name, err)
		}
		return s.ok(ctx, protocol.BundleData{Key: key, URL: url})

	case protocol.CmdFetchBundle:
		if s.deps.Bundles == nil {
			return protocol.Fail(msgBundlesDisabled)
		}
		var b protocol.BundleData
		if err := cmd.Bind(&b); err != nil {
			return s.failure(ctx, cmd.Name, err)
		}
		url, err := s.deps.Bundles.PresignDownload(ctx, b.Key)
		if err != nil {
			return s.failure(ctx, cmd.Name, err)
		}
		return s.ok(ctx, protocol.BundleData{Key: b.Key, URL: url})
	}
	return protocol.Fail("unsupported command")
}

func (s *Session) ok(ctx context.Context, data any) protocol.Reply {
	r, err := protocol.OK(data)
	if err != nil {
		s.logger.Error(ctx, "encode reply data", "err", err)
		return protocol.Fail(common.ErrorInternal.Error())
	}
	return r
}

// failure turns err into a reply. Errors the device can act on are passed
// through; anything else is logged and reported as internal.
func (s *Session) failure(ctx context.Context, command string, err error) protocol.Reply {
	switch {
	case errors.Is(err, common.ErrValidation),
		errors.Is(err, common.ErrMalformed),
		errors.Is(err, common.ErrorNotFound):
		return protocol.Fail(err.Error())
	}
	s.logger.Error(ctx, "command failed", "command", command, "err", err)
	return protocol.Fail(common.ErrorInternal.Error())
}

func toChange(e *models.ChangeEntry) protocol.Change {
	return protocol.Change{
		Type:            e.Type,
		Key:             e.Key,
		Value:           e.Value,
		Version:         e.Version,
		Deleted:         e.Deleted,
		Origin:          e.Origin.String(),
		Conflict:        e.Conflict,
		ConflictValue:   e.ConflictValue,
		ConflictVersion: e.ConflictVersion,
		ConflictDeleted: e.ConflictDeleted,
	}
}

func (s *Session) createIdentity(ctx context.Context, cmd protocol.Command) {
	var d protocol.IdentityData
	if err := cmd.Bind(&d); err != nil {
		s.logger.Warn(ctx, "createIdentity rejected, closing", "err", err)
		s.Close()
		return
	}
	deviceID, err := uuid.Parse(d.DeviceID)
	if err != nil || deviceID == uuid.Nil {
		s.logger.Warn(ctx, "createIdentity without a device id, closing")
		s.Close()
		return
	}
	accountID, err := s.deps.Identity.CreateIdentity(ctx, deviceID)
	if err != nil {
		s.logger.Warn(ctx, "createIdentity failed, closing", "err", err)
		s.Close()
		return
	}
	s.setIdentity(ctx, accountID, deviceID)
	s.sendCommand(protocol.CmdIdentified, protocol.IdentifiedData{AccountID: accountID.String()})
}

func (s *Session) identify(ctx context.Context, cmd protocol.Command) {
	var d protocol.IdentityData
	if err := cmd.Bind(&d); err != nil {
		s.logger.Warn(ctx, "identify rejected, closing", "err", err)
		s.Close()
		return
	}
	deviceID, errDev := uuid.Parse(d.DeviceID)
	accountID, errAcc := uuid.Parse(d.UserID)
	if errDev != nil || errAcc != nil {
		s.logger.Warn(ctx, "identify with malformed ids, closing")
		s.Close()
		return
	}
	if err := s.deps.Identity.Identify(ctx, accountID, deviceID); err != nil {
		s.logger.Warn(ctx, "identify failed, closing", "err", err)
		s.Close()
		return
	}
	s.setIdentity(ctx, accountID, deviceID)
	s.sendCommand(protocol.CmdIdentified, protocol.IdentifiedData{AccountID: accountID.String()})
}
