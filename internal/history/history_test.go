package history

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/SimplyPrint/nfc-wedge/internal/core"
)

func openTestStore(t *testing.T, limit int) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "history.db"), limit)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func record(text string, at time.Time, ok bool) core.CardRecord {
	return core.NewCardRecord(core.CardRecordParams{
		ReaderName: "ACS ACR122U PICC Interface",
		DetectedAt: at,
		Family:     core.FamilyNTAG,
		Subtype:    "NTAG/Ultralight",
		UID:        []byte{0x04, 0xA1, 0xB2, 0xC3},
		Text:       &text,
		Succeeded:  ok,
	})
}

func TestOpenCreatesDatabase(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "nested", "history.db")
	s, err := Open(dbPath, 0)
	require.NoError(t, err)
	defer s.Close()

	_, err = os.Stat(dbPath)
	assert.NoError(t, err)
	assert.Equal(t, DefaultLimit, s.limit)

	var name string
	require.NoError(t, s.db.QueryRow("SELECT name FROM sqlite_master WHERE type='table' AND name='reads'").Scan(&name))
}

func TestReopenKeepsMigrations(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "history.db")
	s, err := Open(dbPath, 10)
	require.NoError(t, err)
	require.NoError(t, s.Record(context.Background(), record("a", time.Now(), true), true))
	require.NoError(t, s.Close())

	s, err = Open(dbPath, 10)
	require.NoError(t, err)
	defer s.Close()
	n, err := s.Count(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestRecordStoresDigestOnly(t *testing.T) {
	s := openTestStore(t, 10)
	ctx := context.Background()
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	require.NoError(t, s.Record(ctx, record("PLA-0042", at, true), true))

	entries, err := s.Recent(ctx, 0)
	require.NoError(t, err)
	require.Len(t, entries, 1)

	sum := sha256.Sum256([]byte("PLA-0042"))
	e := entries[0]
	assert.Equal(t, "ACS ACR122U PICC Interface", e.Reader)
	assert.Equal(t, "NTAG", e.Family)
	assert.Equal(t, "04A1B2C3", e.UID)
	assert.Equal(t, hex.EncodeToString(sum[:]), e.TextSHA256)
	assert.Equal(t, 8, e.TextLength)
	assert.True(t, e.Injected)
	assert.True(t, at.Equal(e.DetectedAt))

	var count int
	require.NoError(t, s.db.QueryRow("SELECT COUNT(*) FROM reads WHERE text_sha256 LIKE '%PLA%'").Scan(&count))
	assert.Zero(t, count)
}

func TestRecordIgnoresFailedReads(t *testing.T) {
	s := openTestStore(t, 10)
	ctx := context.Background()

	require.NoError(t, s.Record(ctx, record("Card read failed: x", time.Now(), false), false))
	n, err := s.Count(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestLimitPrunesOldest(t *testing.T) {
	s := openTestStore(t, 3)
	ctx := context.Background()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	for i, text := range []string{"one", "two", "three", "four", "five"} {
		require.NoError(t, s.Record(ctx, record(text, base.Add(time.Duration(i)*time.Second), true), false))
	}

	entries, err := s.Recent(ctx, 10)
	require.NoError(t, err)
	require.Len(t, entries, 3)

	lengths := []int{entries[0].TextLength, entries[1].TextLength, entries[2].TextLength}
	assert.Equal(t, []int{4, 4, 5}, lengths, "five, four, three remain newest first")
	assert.True(t, entries[0].DetectedAt.After(entries[2].DetectedAt))

	entries, err = s.Recent(ctx, 1)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestClear(t *testing.T) {
	s := openTestStore(t, 10)
	ctx := context.Background()
	require.NoError(t, s.Record(ctx, record("x", time.Now(), true), true))
	require.NoError(t, s.Clear(ctx))

	entries, err := s.Recent(ctx, 0)
	require.NoError(t, err)
	assert.Empty(t, entries)
	assert.NotNil(t, entries, "empty history encodes as []")
}
