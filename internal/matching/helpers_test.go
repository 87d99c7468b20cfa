package matching

import (
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/finledger/reconciliation-engine/internal/models"
	"github.com/finledger/reconciliation-engine/internal/storage/memory"
)

var testJournal = models.Journal{
	ID:              "journal-bank",
	Name:            "Bank",
	BankAccount:     "101401",
	SuspenseAccount: "101402",
	DefaultAccount:  "101403",
}

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

var seqCounter int64

func nextSeq() int64 {
	seqCounter++
	return seqCounter
}

func testLine(amount, paymentRef, partnerID string) models.StatementLine {
	seq := nextSeq()
	return models.StatementLine{
		ID:         fmt.Sprintf("line-%d", seq),
		Journal:    testJournal,
		Amount:     dec(amount),
		Currency:   "EUR",
		Date:       time.Date(2025, 8, 1, 0, 0, 0, 0, time.UTC),
		PaymentRef: paymentRef,
		PartnerID:  partnerID,
		State:      models.LineUnreconciled,
		Sequence:   seq,
		CreatedAt:  time.Now(),
	}
}

func testEntry(residual, documentRef, partnerID string) models.OpenEntry {
	seq := nextSeq()
	return models.OpenEntry{
		ID:          fmt.Sprintf("entry-%d", seq),
		PartnerID:   partnerID,
		PartnerName: "Partner " + partnerID,
		Account:     "121000",
		Currency:    "EUR",
		Residual:    dec(residual),
		DocumentRef: documentRef,
		Sequence:    seq,
		CreatedAt:   time.Now(),
	}
}

func seedStore(lines []models.StatementLine, entries []models.OpenEntry) *memory.Store {
	store := memory.NewStore()
	for _, l := range lines {
		store.SeedStatementLine(l)
	}
	for _, e := range entries {
		store.SeedOpenEntry(e)
	}
	return store
}

// spyPublisher records published events for assertions.
type spyPublisher struct {
	mu     sync.Mutex
	topics []string
	events []any
}

func (s *spyPublisher) Publish(topic string, event any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.topics = append(s.topics, topic)
	s.events = append(s.events, event)
	return nil
}

func (s *spyPublisher) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.events)
}
