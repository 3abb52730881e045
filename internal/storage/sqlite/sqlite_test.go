package sqlite

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"ledgerd/internal/core"
	"ledgerd/internal/storage"
	"ledgerd/internal/storage/storagetest"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	s, err := Open(ctx, filepath.Join(t.TempDir(), "ledger.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestStoreContract(t *testing.T) {
	storagetest.Run(t, func(t *testing.T) storage.Store {
		return openTestStore(t)
	})
}

func TestReopenKeepsData(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "nested", "ledger.db")
	at := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)

	s, err := Open(ctx, path)
	require.NoError(t, err)
	err = s.RunAtomic(ctx, "alice", func(ctx context.Context, tx storage.Tx) error {
		return tx.InitSummary(ctx, core.NewZeroSummary("alice", at))
	})
	require.NoError(t, err)
	require.NoError(t, s.Close())

	reopened, err := Open(ctx, path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = reopened.Close() })

	sum, ok, err := reopened.GetSummary(ctx, "alice")
	require.NoError(t, err)
	require.True(t, ok)
	require.True(t, sum.LastUpdated.Equal(at))
}

func TestClassify(t *testing.T) {
	domain := &core.NotFoundError{Entity: "account", ID: "a1"}
	require.Same(t, domain, classify("op", domain))

	plain := errors.New("plain")
	require.Equal(t, plain, classify("op", plain))
}

func TestTimeRoundTrip(t *testing.T) {
	in := time.Date(2024, 2, 29, 23, 59, 59, 123456789, time.FixedZone("CET", 3600))
	out := parseTime(formatTime(in))
	require.True(t, in.Equal(out), "%v != %v", in, out)
	require.Equal(t, time.UTC, out.Location())
}
