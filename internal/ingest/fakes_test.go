package ingest

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/revenue-tracker/internal/ledger"
	"github.com/revenue-tracker/internal/models"
	"github.com/revenue-tracker/internal/types"
)

const addrA = "t3NryfAQLGeFs9jEoeqsxmBN2QLRaRKFLUX"

type fakeLedger struct {
	mu sync.Mutex

	pages     map[string][][]string // address -> pages of txids
	listErr   map[string]error
	details   map[string]*ledger.RawTransaction
	fetches   map[string]int
	head      int64
	headErr   error
	price     decimal.NullDecimal
	listCalls int
}

func newFakeLedger() *fakeLedger {
	return &fakeLedger{
		pages:   make(map[string][][]string),
		listErr: make(map[string]error),
		details: make(map[string]*ledger.RawTransaction),
		fetches: make(map[string]int),
		head:    1700000,
	}
}

// pay registers a transaction sending sats to address.
func (f *fakeLedger) pay(txid, address string, sats int64) {
	f.details[txid] = &ledger.RawTransaction{
		TxID:        txid,
		BlockHeight: 1600000,
		BlockTime:   1714521600,
		Vin:         []ledger.Vin{{Addresses: []string{"t1payer"}}},
		Vout:        []ledger.Vout{{Value: fmt.Sprint(sats), Addresses: []string{address}}},
	}
}

func (f *fakeLedger) ListTransactionIDs(_ context.Context, address string, page, pageSize int) (*ledger.AddressPage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listCalls++
	if err := f.listErr[address]; err != nil {
		return nil, err
	}
	pages := f.pages[address]
	out := &ledger.AddressPage{Page: page, TotalPages: len(pages)}
	if page >= 1 && page <= len(pages) {
		out.TxIDs = pages[page-1]
	}
	return out, nil
}

func (f *fakeLedger) FetchTransactionDetail(_ context.Context, txid string) (*ledger.RawTransaction, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetches[txid]++
	return f.details[txid], nil
}

func (f *fakeLedger) BlockHeight(context.Context) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.head, f.headErr
}

func (f *fakeLedger) setHead(h int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.head = h
}

func (f *fakeLedger) listCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.listCalls
}

func (f *fakeLedger) SpotPrice(context.Context) decimal.NullDecimal {
	return f.price
}

func (f *fakeLedger) fetchCount(txid string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.fetches[txid]
}

type fakeStore struct {
	mu        sync.Mutex
	rows      map[string]models.PaymentRecord
	statuses  []models.SyncStatusUpdate
	insertErr error
	statusErr error
	batches   int
}

func newFakeStore() *fakeStore {
	return &fakeStore{rows: make(map[string]models.PaymentRecord)}
}

func (s *fakeStore) ExistingTxids(context.Context) (types.Set[string], error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := types.NewSet[string]()
	for id := range s.rows {
		out.Add(id)
	}
	return out, nil
}

func (s *fakeStore) BatchInsert(_ context.Context, records []models.PaymentRecord) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.insertErr != nil {
		return 0, s.insertErr
	}
	s.batches++
	n := 0
	for _, r := range records {
		if _, ok := s.rows[r.TxID]; ok {
			continue
		}
		s.rows[r.TxID] = r
		n++
	}
	return n, nil
}

func (s *fakeStore) UpdateSyncStatus(_ context.Context, u models.SyncStatusUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.statuses = append(s.statuses, u)
	return nil
}

// GetSyncStatus merges the recorded updates the way the stores do: a nil
// LastSyncBlock keeps the previous watermark.
func (s *fakeStore) GetSyncStatus(_ context.Context, syncType types.SyncType) (*models.SyncStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.statusErr != nil {
		return nil, s.statusErr
	}
	var st *models.SyncStatus
	for _, u := range s.statuses {
		if u.SyncType != syncType {
			continue
		}
		if st == nil {
			st = &models.SyncStatus{SyncType: u.SyncType}
		}
		st.Status = u.Status
		if u.LastSyncBlock != nil {
			b := *u.LastSyncBlock
			st.LastSyncBlock = &b
		}
	}
	if st == nil {
		return nil, errors.New("sync status not found")
	}
	return st, nil
}

func (s *fakeStore) lastStatus() models.SyncStatusUpdate {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.statuses) == 0 {
		return models.SyncStatusUpdate{}
	}
	return s.statuses[len(s.statuses)-1]
}

func (s *fakeStore) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.rows)
}

type fakeRevenue struct {
	calls int
	err   error
}

func (r *fakeRevenue) UpdateCurrentRevenue(context.Context, decimal.NullDecimal) error {
	r.calls++
	return r.err
}

var errUnreachable = errors.New("connection refused")
