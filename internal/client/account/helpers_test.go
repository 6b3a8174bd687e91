package account

import (
	"context"
	"io"
	"testing"

	"github.com/dmitrijs2005/gophsync/internal/client/keystore"
	"github.com/dmitrijs2005/gophsync/internal/client/localdb"
	"github.com/dmitrijs2005/gophsync/internal/logging"
	"github.com/dmitrijs2005/gophsync/internal/protocol"
	"github.com/stretchr/testify/require"
)

type device struct {
	repos *localdb.Repositories
	keys  *keystore.Keystore
}

func newDevice(t *testing.T) *device {
	t.Helper()
	ctx := context.Background()
	repos, err := localdb.Open(ctx, ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = repos.Close() })

	ks := keystore.New(repos.Settings, logging.NewNoopLogger())
	require.NoError(t, ks.Unlock(ctx, []byte("device password")))
	return &device{repos: repos, keys: ks}
}

type fakeFrames struct {
	in  []protocol.Message
	out []protocol.Message
}

func (f *fakeFrames) ReadFrame(context.Context) (protocol.Message, error) {
	if len(f.in) == 0 {
		return nil, io.EOF
	}
	m := f.in[0]
	f.in = f.in[1:]
	return m, nil
}

func (f *fakeFrames) WriteFrame(m protocol.Message) error {
	f.out = append(f.out, m)
	return nil
}
