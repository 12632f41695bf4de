package repositories

import (
	"context"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"example.com/backstage/fulfillment/internal/models"
)

// MemoryStore is an in-process Store used by tests and local dry runs.
// A transaction holds the store lock for its whole duration and restores a
// snapshot when fn returns an error.
type MemoryStore struct {
	mu    *sync.Mutex
	state *memoryState
	inTx  bool
}

type memoryState struct {
	orders      map[string]models.Order
	invoices    map[uuid.UUID]models.Invoice
	payments    map[uuid.UUID]models.PaymentRecord
	history     []models.InvoiceHistory
	ledger      map[string]models.ProcessedEvent
	outbox      []models.OutboxMessage
	outboxSeq   uint64
	deadLetters map[uuid.UUID]models.DeadLetter
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		mu: &sync.Mutex{},
		state: &memoryState{
			orders:      map[string]models.Order{},
			invoices:    map[uuid.UUID]models.Invoice{},
			payments:    map[uuid.UUID]models.PaymentRecord{},
			ledger:      map[string]models.ProcessedEvent{},
			deadLetters: map[uuid.UUID]models.DeadLetter{},
		},
	}
}

func (s *MemoryStore) lock() func() {
	if s.inTx {
		return func() {}
	}
	s.mu.Lock()
	return s.mu.Unlock
}

func (s *MemoryStore) Orders() OrderRepository           { return &memOrders{s} }
func (s *MemoryStore) Invoices() InvoiceRepository       { return &memInvoices{s} }
func (s *MemoryStore) Ledger() LedgerRepository          { return &memLedger{s} }
func (s *MemoryStore) Outbox() OutboxRepository          { return &memOutbox{s} }
func (s *MemoryStore) DeadLetters() DeadLetterRepository { return &memDeadLetters{s} }

func (s *MemoryStore) WithTransaction(ctx context.Context, fn func(ctx context.Context, tx Store) error) error {
	if s.inTx {
		return fn(ctx, s)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	snapshot := s.state.clone()
	tx := &MemoryStore{mu: s.mu, state: s.state, inTx: true}
	if err := fn(ctx, tx); err != nil {
		*s.state = *snapshot
		return err
	}
	return nil
}

// OutboxMessages returns a copy of every outbox row in id order
func (s *MemoryStore) OutboxMessages() []models.OutboxMessage {
	defer s.lock()()
	out := make([]models.OutboxMessage, len(s.state.outbox))
	copy(out, s.state.outbox)
	return out
}

// Processed reports whether eventID is in the ledger
func (s *MemoryStore) Processed(eventID string) bool {
	defer s.lock()()
	_, ok := s.state.ledger[eventID]
	return ok
}

// HistoryFor returns the history rows of one invoice
func (s *MemoryStore) HistoryFor(invoiceID uuid.UUID) []models.InvoiceHistory {
	defer s.lock()()
	var out []models.InvoiceHistory
	for _, h := range s.state.history {
		if h.InvoiceID == invoiceID {
			out = append(out, h)
		}
	}
	return out
}

func (st *memoryState) clone() *memoryState {
	c := &memoryState{
		orders:      make(map[string]models.Order, len(st.orders)),
		invoices:    make(map[uuid.UUID]models.Invoice, len(st.invoices)),
		payments:    make(map[uuid.UUID]models.PaymentRecord, len(st.payments)),
		history:     append([]models.InvoiceHistory(nil), st.history...),
		ledger:      make(map[string]models.ProcessedEvent, len(st.ledger)),
		outbox:      append([]models.OutboxMessage(nil), st.outbox...),
		outboxSeq:   st.outboxSeq,
		deadLetters: make(map[uuid.UUID]models.DeadLetter, len(st.deadLetters)),
	}
	for k, v := range st.orders {
		c.orders[k] = copyOrder(v)
	}
	for k, v := range st.invoices {
		c.invoices[k] = copyInvoice(v)
	}
	for k, v := range st.payments {
		c.payments[k] = v
	}
	for k, v := range st.ledger {
		c.ledger[k] = v
	}
	for k, v := range st.deadLetters {
		c.deadLetters[k] = v
	}
	return c
}

func copyOrder(o models.Order) models.Order {
	o.Items = append([]models.OrderItem(nil), o.Items...)
	return o
}

func copyInvoice(i models.Invoice) models.Invoice {
	i.Items = append([]models.InvoiceItem(nil), i.Items...)
	i.Payments = nil
	return i
}

type memOrders struct{ s *MemoryStore }

func (r *memOrders) Create(ctx context.Context, order *models.Order) error {
	defer r.s.lock()()
	if _, ok := r.s.state.orders[order.ID]; ok {
		return errors.Wrapf(ErrDuplicate, "order %s", order.ID)
	}
	now := time.Now().UTC()
	if order.Version == 0 {
		order.Version = 1
	}
	order.CreatedAt, order.UpdatedAt = now, now
	for i := range order.Items {
		if order.Items[i].ID == uuid.Nil {
			order.Items[i].ID = uuid.New()
		}
		order.Items[i].OrderID = order.ID
		order.Items[i].Position = i
	}
	r.s.state.orders[order.ID] = copyOrder(*order)
	return nil
}

func (r *memOrders) GetByID(ctx context.Context, id string) (*models.Order, error) {
	defer r.s.lock()()
	o, ok := r.s.state.orders[id]
	if !ok {
		return nil, errors.Wrapf(ErrNotFound, "order %s", id)
	}
	o = copyOrder(o)
	return &o, nil
}

func (r *memOrders) Update(ctx context.Context, order *models.Order) error {
	defer r.s.lock()()
	stored, ok := r.s.state.orders[order.ID]
	if !ok {
		return errors.Wrapf(ErrNotFound, "order %s", order.ID)
	}
	if stored.Version != order.Version {
		return errors.Wrapf(ErrVersionConflict, "order %s at version %d", order.ID, order.Version)
	}
	order.Version++
	order.UpdatedAt = time.Now().UTC()
	r.s.state.orders[order.ID] = copyOrder(*order)
	return nil
}

func (r *memOrders) ListStaleReservations(ctx context.Context, requestedBefore time.Time, limit int) ([]models.Order, error) {
	defer r.s.lock()()
	var out []models.Order
	for _, o := range r.s.state.orders {
		if o.Status == models.OrderPending && o.ReservationStatus == models.ReservationRequested &&
			o.ReservationRequestedAt != nil && o.ReservationRequestedAt.Before(requestedBefore) {
			out = append(out, copyOrder(o))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ReservationRequestedAt.Before(*out[j].ReservationRequestedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

type memInvoices struct{ s *MemoryStore }

func (r *memInvoices) Create(ctx context.Context, invoice *models.Invoice) error {
	defer r.s.lock()()
	for _, existing := range r.s.state.invoices {
		if existing.InvoiceNumber == invoice.InvoiceNumber {
			return errors.Wrapf(ErrDuplicate, "invoice %s", invoice.InvoiceNumber)
		}
	}
	if invoice.ID == uuid.Nil {
		invoice.ID = uuid.New()
	}
	if invoice.Version == 0 {
		invoice.Version = 1
	}
	now := time.Now().UTC()
	invoice.CreatedAt, invoice.UpdatedAt = now, now
	for i := range invoice.Items {
		if invoice.Items[i].ID == uuid.Nil {
			invoice.Items[i].ID = uuid.New()
		}
		invoice.Items[i].InvoiceID = invoice.ID
	}
	r.s.state.invoices[invoice.ID] = copyInvoice(*invoice)
	return nil
}

func (r *memInvoices) load(inv models.Invoice) *models.Invoice {
	inv = copyInvoice(inv)
	for _, p := range r.s.state.payments {
		if p.InvoiceID == inv.ID {
			inv.Payments = append(inv.Payments, p)
		}
	}
	sort.Slice(inv.Payments, func(i, j int) bool { return inv.Payments[i].PaidAt.Before(inv.Payments[j].PaidAt) })
	return &inv
}

func (r *memInvoices) GetByID(ctx context.Context, id uuid.UUID) (*models.Invoice, error) {
	defer r.s.lock()()
	inv, ok := r.s.state.invoices[id]
	if !ok {
		return nil, errors.Wrapf(ErrNotFound, "invoice %s", id)
	}
	return r.load(inv), nil
}

func (r *memInvoices) GetByOrderID(ctx context.Context, orderID string) (*models.Invoice, error) {
	defer r.s.lock()()
	var found *models.Invoice
	for _, inv := range r.s.state.invoices {
		if inv.OrderID != nil && *inv.OrderID == orderID {
			if found == nil || inv.CreatedAt.After(found.CreatedAt) {
				found = r.load(inv)
			}
		}
	}
	if found == nil {
		return nil, errors.Wrapf(ErrNotFound, "invoice for order %s", orderID)
	}
	return found, nil
}

func (r *memInvoices) Update(ctx context.Context, invoice *models.Invoice) error {
	defer r.s.lock()()
	stored, ok := r.s.state.invoices[invoice.ID]
	if !ok {
		return errors.Wrapf(ErrNotFound, "invoice %s", invoice.InvoiceNumber)
	}
	if stored.Version != invoice.Version {
		return errors.Wrapf(ErrVersionConflict, "invoice %s at version %d", invoice.InvoiceNumber, invoice.Version)
	}
	invoice.Version++
	invoice.UpdatedAt = time.Now().UTC()
	r.s.state.invoices[invoice.ID] = copyInvoice(*invoice)
	return nil
}

func (r *memInvoices) AddPayment(ctx context.Context, payment *models.PaymentRecord) error {
	defer r.s.lock()()
	if payment.TransactionID != nil {
		for _, p := range r.s.state.payments {
			if p.TransactionID != nil && *p.TransactionID == *payment.TransactionID {
				return errors.Wrapf(ErrDuplicate, "payment %s", *payment.TransactionID)
			}
		}
	}
	if payment.ID == uuid.Nil {
		payment.ID = uuid.New()
	}
	payment.CreatedAt = time.Now().UTC()
	r.s.state.payments[payment.ID] = *payment
	return nil
}

func (r *memInvoices) FindPaymentByTransaction(ctx context.Context, transactionID string) (*models.PaymentRecord, error) {
	defer r.s.lock()()
	for _, p := range r.s.state.payments {
		if p.TransactionID != nil && *p.TransactionID == transactionID {
			p := p
			return &p, nil
		}
	}
	return nil, errors.Wrapf(ErrNotFound, "payment %s", transactionID)
}

func (r *memInvoices) AppendHistory(ctx context.Context, entry *models.InvoiceHistory) error {
	defer r.s.lock()()
	if entry.ID == uuid.Nil {
		entry.ID = uuid.New()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	r.s.state.history = append(r.s.state.history, *entry)
	return nil
}

func (r *memInvoices) History(ctx context.Context, invoiceID uuid.UUID) ([]models.InvoiceHistory, error) {
	defer r.s.lock()()
	var out []models.InvoiceHistory
	for _, h := range r.s.state.history {
		if h.InvoiceID == invoiceID {
			out = append(out, h)
		}
	}
	return out, nil
}

func (r *memInvoices) LastSequence(ctx context.Context, prefix string) (int, error) {
	defer r.s.lock()()
	last := 0
	for _, inv := range r.s.state.invoices {
		if !strings.HasPrefix(inv.InvoiceNumber, prefix) {
			continue
		}
		seq, err := strconv.Atoi(strings.TrimPrefix(inv.InvoiceNumber, prefix))
		if err != nil {
			return 0, errors.Wrapf(err, "invalid invoice number %s", inv.InvoiceNumber)
		}
		if seq > last {
			last = seq
		}
	}
	return last, nil
}

func (r *memInvoices) ListOverdueCandidates(ctx context.Context, now time.Time, limit int) ([]models.Invoice, error) {
	defer r.s.lock()()
	var out []models.Invoice
	for _, inv := range r.s.state.invoices {
		switch inv.Status {
		case models.InvoiceDraft, models.InvoiceSent, models.InvoiceViewed:
		default:
			continue
		}
		if inv.DueDate.Before(now) && inv.PaidAmount < inv.TotalAmount {
			out = append(out, copyInvoice(inv))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DueDate.Before(out[j].DueDate) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

type memLedger struct{ s *MemoryStore }

func (r *memLedger) Record(ctx context.Context, event *models.ProcessedEvent) error {
	defer r.s.lock()()
	if _, ok := r.s.state.ledger[event.EventID]; ok {
		return errors.Wrapf(ErrDuplicate, "event %s", event.EventID)
	}
	if event.ProcessedAt.IsZero() {
		event.ProcessedAt = time.Now().UTC()
	}
	r.s.state.ledger[event.EventID] = *event
	return nil
}

type memOutbox struct{ s *MemoryStore }

func (r *memOutbox) Enqueue(ctx context.Context, messages ...*models.OutboxMessage) error {
	defer r.s.lock()()
	for _, m := range messages {
		r.s.state.outboxSeq++
		m.ID = r.s.state.outboxSeq
		if m.Status == "" {
			m.Status = models.OutboxPending
		}
		m.CreatedAt = time.Now().UTC()
		r.s.state.outbox = append(r.s.state.outbox, *m)
	}
	return nil
}

func (r *memOutbox) Pending(ctx context.Context, limit int) ([]models.OutboxMessage, error) {
	defer r.s.lock()()
	var out []models.OutboxMessage
	for _, m := range r.s.state.outbox {
		if m.Status == models.OutboxPending {
			out = append(out, m)
			if limit > 0 && len(out) == limit {
				break
			}
		}
	}
	return out, nil
}

func (r *memOutbox) update(id uint64, fn func(m *models.OutboxMessage)) error {
	for i := range r.s.state.outbox {
		if r.s.state.outbox[i].ID == id {
			fn(&r.s.state.outbox[i])
			return nil
		}
	}
	return errors.Wrapf(ErrNotFound, "outbox message %d", id)
}

func (r *memOutbox) MarkSent(ctx context.Context, id uint64, at time.Time) error {
	defer r.s.lock()()
	return r.update(id, func(m *models.OutboxMessage) {
		m.Status = models.OutboxSent
		m.SentAt = &at
	})
}

func (r *memOutbox) MarkAttempt(ctx context.Context, id uint64, attempts int, lastErr string) error {
	defer r.s.lock()()
	return r.update(id, func(m *models.OutboxMessage) {
		m.Attempts = attempts
		m.LastError = lastErr
	})
}

func (r *memOutbox) MarkDeadLettered(ctx context.Context, id uint64, attempts int, lastErr string) error {
	defer r.s.lock()()
	return r.update(id, func(m *models.OutboxMessage) {
		m.Status = models.OutboxDeadLettered
		m.Attempts = attempts
		m.LastError = lastErr
	})
}

type memDeadLetters struct{ s *MemoryStore }

func (r *memDeadLetters) Create(ctx context.Context, letter *models.DeadLetter) error {
	defer r.s.lock()()
	if letter.ID == uuid.Nil {
		letter.ID = uuid.New()
	}
	if letter.CreatedAt.IsZero() {
		letter.CreatedAt = time.Now().UTC()
	}
	r.s.state.deadLetters[letter.ID] = *letter
	return nil
}

func (r *memDeadLetters) GetByID(ctx context.Context, id uuid.UUID) (*models.DeadLetter, error) {
	defer r.s.lock()()
	l, ok := r.s.state.deadLetters[id]
	if !ok {
		return nil, errors.Wrapf(ErrNotFound, "dead letter %s", id)
	}
	return &l, nil
}

func (r *memDeadLetters) List(ctx context.Context, filter DeadLetterFilter) ([]models.DeadLetter, error) {
	defer r.s.lock()()
	var out []models.DeadLetter
	for _, l := range r.s.state.deadLetters {
		if filter.Stage != "" && l.Stage != filter.Stage {
			continue
		}
		if !filter.Since.IsZero() && l.CreatedAt.Before(filter.Since) {
			continue
		}
		if !filter.IncludeReplayed && l.ReplayedAt != nil {
			continue
		}
		out = append(out, l)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (r *memDeadLetters) MarkReplayed(ctx context.Context, id uuid.UUID, at time.Time) error {
	defer r.s.lock()()
	l, ok := r.s.state.deadLetters[id]
	if !ok {
		return errors.Wrapf(ErrNotFound, "dead letter %s", id)
	}
	l.ReplayedAt = &at
	r.s.state.deadLetters[id] = l
	return nil
}
