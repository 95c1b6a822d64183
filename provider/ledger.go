package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/mstgnz/pawguard/infra/apperror"
	"github.com/mstgnz/pawguard/infra/store"
)

const ledgerPrefix = "ledger:"

// DefaultLedgerTTL is how long a processed order stays in the ledger
const DefaultLedgerTTL = time.Hour

// ErrReplayDetected is returned for a callback whose order was already
// processed inside the ledger window. It is acknowledged, not reprocessed.
var ErrReplayDetected = apperror.New(apperror.KindReplay, "replay", "callback already processed")

// LedgerEntry records the outcome a callback was processed with
type LedgerEntry struct {
	Status      PaymentStatus `json:"status"`
	ProcessedAt time.Time     `json:"processedAt"`
}

// Ledger guards callbacks against replay. Marking is a single SetNX, so two
// concurrent deliveries of the same notification cannot both win.
type Ledger struct {
	store store.Store
	ttl   time.Duration
	now   func() time.Time
}

// NewLedger creates a ledger on s
func NewLedger(s store.Store, ttl time.Duration, now func() time.Time) *Ledger {
	if ttl <= 0 {
		ttl = DefaultLedgerTTL
	}
	if now == nil {
		now = time.Now
	}
	return &Ledger{store: s, ttl: ttl, now: now}
}

func ledgerKey(providerName, orderRef string) string {
	return ledgerPrefix + providerName + ":" + orderRef
}

// MarkProcessed records orderRef as processed. It returns false when the
// order is already in the ledger.
func (l *Ledger) MarkProcessed(ctx context.Context, providerName, orderRef string, status PaymentStatus) (bool, error) {
	entry, err := json.Marshal(LedgerEntry{Status: status, ProcessedAt: l.now().UTC()})
	if err != nil {
		return false, err
	}
	ok, err := l.store.SetNX(ctx, ledgerKey(providerName, orderRef), string(entry), l.ttl)
	if err != nil {
		return false, fmt.Errorf("ledger: %w", err)
	}
	return ok, nil
}

// Release removes a mark so a later delivery can be processed
func (l *Ledger) Release(ctx context.Context, providerName, orderRef string) error {
	if _, err := l.store.Delete(ctx, ledgerKey(providerName, orderRef)); err != nil {
		return fmt.Errorf("ledger: %w", err)
	}
	return nil
}

// Lookup returns the ledger entry, or nil when the order is not marked
func (l *Ledger) Lookup(ctx context.Context, providerName, orderRef string) (*LedgerEntry, error) {
	raw, err := l.store.Get(ctx, ledgerKey(providerName, orderRef))
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("ledger: %w", err)
	}

	var entry LedgerEntry
	if err := json.Unmarshal([]byte(raw), &entry); err != nil {
		return nil, fmt.Errorf("ledger: corrupt entry: %w", err)
	}
	return &entry, nil
}
