package cli

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/dmitrijs2005/gophsync/internal/client/account"
	"github.com/dmitrijs2005/gophsync/internal/client/datastore"
	"github.com/dmitrijs2005/gophsync/internal/client/repositories/settings"
	"github.com/dmitrijs2005/gophsync/internal/common"
	"github.com/dmitrijs2005/gophsync/internal/filex"
	"github.com/google/uuid"
)

type command struct {
	name  string
	usage string
	args  int
	run   func(a *App, ctx context.Context, args []string) error
}

var commands = []command{
	{"put", "put <type> <key> [json]", 2, (*App).put},
	{"get", "get <type> <key>", 2, (*App).get},
	{"delete", "delete <type> <key>", 2, (*App).delete},
	{"list", "list <type>", 1, (*App).list},
	{"status", "status", 0, (*App).status},
	{"connect", "connect", 0, (*App).connect},
	{"disconnect", "disconnect", 0, (*App).disconnect},
	{"sync", "sync", 0, (*App).sync},
	{"remote", "remote <url> [access-key] | enable | disable | headers", 1, (*App).remote},
	{"export", "export <file> [trusted] [server] [upload]", 1, (*App).export},
	{"import", "import <file|key:KEY> [trusted] [keep]", 1, (*App).importBundle},
	{"requests", "requests", 0, (*App).listRequests},
	{"approve", "approve <n>", 1, (*App).approve},
	{"reject", "reject <n>", 1, (*App).reject},
}

// Help lists the commands with their arguments.
func (a *App) Help() string {
	var b strings.Builder
	b.WriteString("Available commands:\n")
	for _, c := range commands {
		b.WriteString("  " + c.usage + "\n")
	}
	b.WriteString("  help\n  exit | quit")
	return b.String()
}

// Exec runs one command line already split into words.
func (a *App) Exec(ctx context.Context, args []string) error {
	if len(args) == 0 {
		return nil
	}
	for _, c := range commands {
		if c.name != args[0] {
			continue
		}
		if len(args)-1 < c.args {
			return fmt.Errorf("%w: usage: %s", common.ErrValidation, c.usage)
		}
		return c.run(a, ctx, args[1:])
	}
	return fmt.Errorf("%w: unknown command %q", common.ErrValidation, args[0])
}

func (a *App) put(ctx context.Context, args []string) error {
	var value string
	if len(args) > 2 {
		value = strings.Join(args[2:], " ")
	} else {
		var err error
		value, err = GetMultiline(a.reader, "Value (JSON)", a.out)
		if err != nil {
			return err
		}
	}
	if err := a.store.Put(ctx, args[0], args[1], json.RawMessage(value)); err != nil {
		return err
	}
	fmt.Fprintln(a.out, "stored")
	return nil
}

func (a *App) get(ctx context.Context, args []string) error {
	v, err := a.store.Get(ctx, args[0], args[1])
	if datastore.IsNotFound(err) {
		fmt.Fprintf(a.out, "%s/%s not found\n", args[0], args[1])
		return nil
	}
	if err != nil {
		return err
	}
	fmt.Fprintln(a.out, string(v))
	return nil
}

func (a *App) delete(ctx context.Context, args []string) error {
	if err := a.store.Delete(ctx, args[0], args[1]); err != nil {
		return err
	}
	fmt.Fprintln(a.out, "deleted")
	return nil
}

func (a *App) list(ctx context.Context, args []string) error {
	recs, err := a.store.List(ctx, args[0])
	if err != nil {
		return err
	}
	if len(recs) == 0 {
		fmt.Fprintf(a.out, "no %s records\n", args[0])
		return nil
	}
	for _, r := range recs {
		mark := ""
		if r.Dirty {
			mark = " *"
		}
		fmt.Fprintf(a.out, "%-24s v%-4d %s%s\n", r.Key, r.Version, string(r.Value), mark)
	}
	return nil
}

func (a *App) status(ctx context.Context, _ []string) error {
	a.mu.Lock()
	ev := a.last
	a.mu.Unlock()

	deviceID, err := account.DeviceID(ctx, a.repos.Settings)
	if err != nil {
		return err
	}
	accountID, err := account.AccountID(ctx, a.repos.Settings)
	if err != nil {
		return err
	}
	pending, err := a.store.Pending(ctx)
	if err != nil {
		return err
	}

	fmt.Fprintln(a.out, "connection:", describe(ev))
	fmt.Fprintln(a.out, "device:    ", deviceID)
	if accountID != uuid.Nil {
		fmt.Fprintln(a.out, "account:   ", accountID)
	} else {
		fmt.Fprintln(a.out, "account:    none")
	}
	if a.accounts.Importing() {
		fmt.Fprintln(a.out, "import:     waiting for approval")
	}
	fmt.Fprintln(a.out, "unpushed:  ", pending)
	return nil
}

func (a *App) connect(context.Context, []string) error {
	a.conn.Reconnect()
	return nil
}

func (a *App) disconnect(context.Context, []string) error {
	a.conn.Disconnect()
	return nil
}

func (a *App) sync(context.Context, []string) error {
	a.syncer.Nudge()
	return nil
}

func (a *App) remote(ctx context.Context, args []string) error {
	s := a.repos.Settings
	switch args[0] {
	case "enable", "disable":
		if err := s.Set(ctx, settings.KeyEnabled, []byte(strconv.FormatBool(args[0] == "enable"))); err != nil {
			return err
		}
	case "headers":
		headers, err := GetHeaders(a.reader, a.out)
		if err != nil {
			return err
		}
		for name, value := range headers {
			key := settings.GroupHeaders + "/" + name
			if value == "" {
				err = s.Delete(ctx, key)
			} else {
				err = s.Set(ctx, key, []byte(value))
			}
			if err != nil {
				return err
			}
		}
	default:
		if err := s.Set(ctx, settings.KeyRemoteURL, []byte(args[0])); err != nil {
			return err
		}
		if len(args) > 1 {
			if err := s.Set(ctx, settings.KeyAccessKey, []byte(args[1])); err != nil {
				return err
			}
		}
	}
	a.conn.Reconnect()
	return nil
}

func hasOpt(args []string, opt string) bool {
	for _, a := range args {
		if a == opt {
			return true
		}
	}
	return false
}

func (a *App) export(ctx context.Context, args []string) error {
	path := args[0]
	includeServer := hasOpt(args[1:], "server")

	type result struct {
		data []byte
		err  error
	}
	res := make(chan result, 1)
	onDone := func(data []byte) { res <- result{data: data} }
	onError := func(err error) { res <- result{err: err} }

	var err error
	if hasOpt(args[1:], "trusted") {
		pw, perr := GetPassword(a.out, "Bundle password")
		if perr != nil {
			return perr
		}
		defer common.WipeByteArray(pw)
		_, err = a.accounts.ExportAccountTrusted(ctx, includeServer, pw, onDone, onError)
	} else {
		_, err = a.accounts.ExportAccount(ctx, includeServer, onDone, onError)
	}
	if err != nil {
		return err
	}

	var r result
	select {
	case <-ctx.Done():
		return ctx.Err()
	case r = <-res:
	}
	if r.err != nil {
		return r.err
	}

	if err := filex.WriteFileAtomic(path, r.data, 0o600); err != nil {
		return err
	}
	fmt.Fprintln(a.out, "bundle written to", path)

	if hasOpt(args[1:], "upload") {
		key, err := a.accounts.UploadBundle(ctx, r.data)
		if err != nil {
			return fmt.Errorf("upload bundle: %w", err)
		}
		fmt.Fprintln(a.out, "bundle key:", key)
	}
	return nil
}

func (a *App) importBundle(ctx context.Context, args []string) error {
	var data []byte
	var err error
	if key, ok := strings.CutPrefix(args[0], "key:"); ok {
		data, err = a.accounts.FetchBundle(ctx, key)
	} else {
		data, err = os.ReadFile(args[0])
	}
	if err != nil {
		return fmt.Errorf("read bundle: %w", err)
	}

	type result struct {
		ok  bool
		msg string
	}
	res := make(chan result, 1)
	onDone := func(ok bool, msg string) { res <- result{ok, msg} }
	keep := hasOpt(args[1:], "keep")

	if hasOpt(args[1:], "trusted") {
		pw, perr := GetPassword(a.out, "Bundle password")
		if perr != nil {
			return perr
		}
		defer common.WipeByteArray(pw)
		err = a.accounts.ImportAccountTrusted(ctx, data, pw, keep, onDone)
	} else {
		err = a.accounts.ImportAccount(ctx, data, keep, onDone)
		if err == nil {
			fmt.Fprintln(a.out, "waiting for an existing device to approve this one")
		}
	}
	if err != nil {
		return err
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case r := <-res:
		if !r.ok {
			return errors.New("import failed: " + r.msg)
		}
		fmt.Fprintln(a.out, "device joined the account")
		return nil
	}
}

func (a *App) listRequests(context.Context, []string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.requests) == 0 {
		fmt.Fprintln(a.out, "no login requests")
		return nil
	}
	for i, r := range a.requests {
		state := "pending"
		if accepted, acted := r.Decided(); acted {
			state = "rejected"
			if accepted {
				state = "approved"
			}
		}
		fmt.Fprintf(a.out, "%d. %s (%s) fingerprint %s: %s\n", i+1, r.Device.Name, r.Device.ID, hex.EncodeToString(r.Device.Fingerprint), state)
	}
	return nil
}

func (a *App) request(arg string) (*account.LoginRequest, error) {
	n, err := strconv.Atoi(arg)
	a.mu.Lock()
	defer a.mu.Unlock()
	if err != nil || n < 1 || n > len(a.requests) {
		return nil, fmt.Errorf("%w: no login request %q", common.ErrValidation, arg)
	}
	return a.requests[n-1], nil
}

func (a *App) approve(_ context.Context, args []string) error {
	r, err := a.request(args[0])
	if err != nil {
		return err
	}
	if err := r.Accept(); err != nil {
		return err
	}
	fmt.Fprintf(a.out, "approved %s\n", r.Device.Name)
	return nil
}

func (a *App) reject(_ context.Context, args []string) error {
	r, err := a.request(args[0])
	if err != nil {
		return err
	}
	if err := r.Reject(); err != nil {
		return err
	}
	fmt.Fprintf(a.out, "rejected %s\n", r.Device.Name)
	return nil
}
