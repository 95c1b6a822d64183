package provider

import (
	"context"
	"testing"
	"time"

	"github.com/mstgnz/pawguard/infra/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLedger_MarkProcessed(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	l := NewLedger(store.NewMemory(), time.Hour, func() time.Time { return now })

	ok, err := l.MarkProcessed(ctx, "paytr", "ref-1", StatusSuccess)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = l.MarkProcessed(ctx, "paytr", "ref-1", StatusFailed)
	require.NoError(t, err)
	assert.False(t, ok, "second mark is a replay")

	// ledgers are per provider
	ok, err = l.MarkProcessed(ctx, "iyzico", "ref-1", StatusSuccess)
	require.NoError(t, err)
	assert.True(t, ok)

	entry, err := l.Lookup(ctx, "paytr", "ref-1")
	require.NoError(t, err)
	require.NotNil(t, entry)
	assert.Equal(t, StatusSuccess, entry.Status)
	assert.True(t, entry.ProcessedAt.Equal(now))
}

func TestLedger_Release(t *testing.T) {
	ctx := context.Background()
	l := NewLedger(store.NewMemory(), 0, nil)

	_, err := l.MarkProcessed(ctx, "stripe", "ref-2", StatusSuccess)
	require.NoError(t, err)
	require.NoError(t, l.Release(ctx, "stripe", "ref-2"))

	entry, err := l.Lookup(ctx, "stripe", "ref-2")
	require.NoError(t, err)
	assert.Nil(t, entry)

	ok, err := l.MarkProcessed(ctx, "stripe", "ref-2", StatusSuccess)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestLedger_Expiry(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	l := NewLedger(store.NewMemory(store.WithClock(clock)), time.Minute, clock)

	_, err := l.MarkProcessed(ctx, "paytr", "ref-3", StatusSuccess)
	require.NoError(t, err)

	now = now.Add(2 * time.Minute)
	ok, err := l.MarkProcessed(ctx, "paytr", "ref-3", StatusSuccess)
	require.NoError(t, err)
	assert.True(t, ok, "the ledger forgets after its ttl")
}
