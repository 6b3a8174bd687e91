package protocol

import (
	"encoding/json"
	"fmt"
	"reflect"

	"github.com/dmitrijs2005/gophsync/internal/common"
)

// Commands sent by devices.
const (
	CmdCreateIdentity = "createIdentity"
	CmdIdentify       = "identify"
	CmdLoadChanges    = "loadChanges"
	CmdLoad           = "load"
	CmdSave           = "save"
	CmdRemove         = "remove"
	CmdMarkUnchanged  = "markUnchanged"
	CmdUploadBundle   = "uploadBundle"
	CmdFetchBundle    = "fetchBundle"
)

// Commands sent by the server.
const (
	CmdIdentified     = "identified"
	CmdChangeState    = "changeState"
	CmdCompleted      = "completed"
	CmdChanged        = "changed"
	CmdBundleUpload   = "bundleUpload"
	CmdBundleDownload = "bundleDownload"
)

// Command is the JSON envelope of every text message.
type Command struct {
	Name string          `json:"command"`
	Data json.RawMessage `json:"data,omitempty"`
}

// EncodeCommand wraps payload into an envelope. A nil payload omits data.
func EncodeCommand(name string, payload any) ([]byte, error) {
	cmd := Command{Name: name}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("encode %s: %w", name, err)
		}
		cmd.Data = data
	}
	return json.Marshal(cmd)
}

// DecodeCommand parses an envelope. Invalid JSON or a missing command name
// yields common.ErrMalformed.
func DecodeCommand(b []byte) (Command, error) {
	var cmd Command
	if err := json.Unmarshal(b, &cmd); err != nil {
		return Command{}, fmt.Errorf("%w: %v", common.ErrMalformed, err)
	}
	if cmd.Name == "" {
		return Command{}, fmt.Errorf("%w: missing command", common.ErrMalformed)
	}
	return cmd, nil
}

// Bind decodes the command data into v, which must be a non-nil pointer.
// v is only assigned when the whole payload parses.
func (c Command) Bind(v any) error {
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Pointer || rv.IsNil() {
		return fmt.Errorf("bind %s: target must be a non-nil pointer", c.Name)
	}
	if len(c.Data) == 0 {
		return fmt.Errorf("%w: %s without data", common.ErrMalformed, c.Name)
	}

	tmp := reflect.New(rv.Elem().Type())
	if err := json.Unmarshal(c.Data, tmp.Interface()); err != nil {
		return fmt.Errorf("%w: %s: %v", common.ErrMalformed, c.Name, err)
	}
	rv.Elem().Set(tmp.Elem())
	return nil
}

// IdentityData is the payload of createIdentity and identify.
type IdentityData struct {
	DeviceID string `json:"deviceId"`
	UserID   string `json:"userId,omitempty"`
}

// IdentifiedData answers createIdentity and identify.
type IdentifiedData struct {
	AccountID string `json:"accountId"`
}

// KeyData addresses one record. Version is only used by markUnchanged.
type KeyData struct {
	Type    string `json:"type"`
	Key     string `json:"key"`
	Version *int64 `json:"version,omitempty"`
}

// SaveData is the payload of save.
type SaveData struct {
	Type  string          `json:"type"`
	Key   string          `json:"key"`
	Value json.RawMessage `json:"value"`
}

// VersionData answers save and remove with the version the write got.
type VersionData struct {
	Version int64 `json:"version"`
}

// Change is one pending entry returned by loadChanges.
type Change struct {
	Type            string          `json:"type"`
	Key             string          `json:"key"`
	Value           json.RawMessage `json:"value,omitempty"`
	Version         int64           `json:"version"`
	Deleted         bool            `json:"deleted,omitempty"`
	Origin          string          `json:"origin,omitempty"`
	Conflict        bool            `json:"conflict,omitempty"`
	ConflictValue   json.RawMessage `json:"conflictValue,omitempty"`
	ConflictVersion int64           `json:"conflictVersion,omitempty"`
	ConflictDeleted bool            `json:"conflictDeleted,omitempty"`
}

// ChangedData is pushed to other sessions after a save or remove.
type ChangedData struct {
	Type   string `json:"type"`
	Key    string `json:"key"`
	Origin string `json:"origin"`
}

// BundleData carries a bundle storage key and a presigned URL.
type BundleData struct {
	Key string `json:"key,omitempty"`
	URL string `json:"url,omitempty"`
}

// Reply is the result shape of completed, changeState and bundle replies.
type Reply struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   string          `json:"error"`
}

// OK builds a successful reply around data (may be nil).
func OK(data any) (Reply, error) {
	if data == nil {
		return Reply{Success: true}, nil
	}
	b, err := json.Marshal(data)
	if err != nil {
		return Reply{}, err
	}
	return Reply{Success: true, Data: b}, nil
}

// Fail builds a failed reply.
func Fail(msg string) Reply {
	return Reply{Error: msg}
}
