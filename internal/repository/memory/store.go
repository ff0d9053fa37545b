package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/set-night/shopbot/internal/domain"
	"github.com/shopspring/decimal"
)

// Store keeps the ledger in process memory. Every read and write goes
// through copies so callers never share state with the store.
type Store struct {
	mu sync.RWMutex

	accounts      map[int64]*domain.Account
	credits       map[string]*domain.Credit
	invoices      map[string]*domain.Invoice
	orders        map[string]*domain.Order
	events        map[string]*domain.ProcessedEvent
	notifications map[string]*domain.Notification

	now func() time.Time
}

func New() *Store {
	return &Store{
		accounts:      make(map[int64]*domain.Account),
		credits:       make(map[string]*domain.Credit),
		invoices:      make(map[string]*domain.Invoice),
		orders:        make(map[string]*domain.Order),
		events:        make(map[string]*domain.ProcessedEvent),
		notifications: make(map[string]*domain.Notification),
		now:           time.Now,
	}
}

func (s *Store) Ping(context.Context) error  { return nil }
func (s *Store) Close(context.Context) error { return nil }

// Account Store implementation

func (s *Store) EnsureAccount(_ context.Context, p domain.AccountProfile) (*domain.Account, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if a, ok := s.accounts[p.ID]; ok {
		return copyAccount(a), false, nil
	}
	now := s.now()
	a := &domain.Account{
		ID:           p.ID,
		FirstName:    p.FirstName,
		Username:     p.Username,
		LanguageCode: p.LanguageCode,
		Balance:      decimal.Zero,
		Roles:        append([]domain.Role(nil), p.Roles...),
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if len(a.Roles) == 0 {
		a.Roles = []domain.Role{domain.RoleUser}
	}
	s.accounts[p.ID] = a
	return copyAccount(a), true, nil
}

func (s *Store) GetAccount(_ context.Context, id int64) (*domain.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if a, ok := s.accounts[id]; ok {
		return copyAccount(a), nil
	}
	return nil, domain.ErrAccountNotFound
}

func (s *Store) CreditAccount(_ context.Context, accountID, expectedVersion int64, amount decimal.Decimal, invoiceID, asset string) (*domain.Account, error) {
	return s.applyEntry(accountID, expectedVersion, amount, invoiceID, asset, domain.ErrAlreadyCredited)
}

func (s *Store) DebitAccount(_ context.Context, accountID, expectedVersion int64, amount decimal.Decimal, key, asset string) (*domain.Account, error) {
	return s.applyEntry(accountID, expectedVersion, amount.Neg(), key, asset, domain.ErrAlreadyDebited)
}

func (s *Store) applyEntry(accountID, expectedVersion int64, delta decimal.Decimal, key, asset string, dup error) (*domain.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.accounts[accountID]
	if !ok {
		return nil, domain.ErrAccountNotFound
	}
	if _, applied := s.credits[key]; applied {
		return nil, dup
	}
	if a.Version != expectedVersion {
		return nil, domain.ErrVersionConflict
	}
	balance := a.Balance.Add(delta)
	if balance.IsNegative() {
		return nil, domain.ErrInsufficientBalance
	}

	now := s.now()
	a.Balance = balance
	a.Version++
	a.UpdatedAt = now
	s.credits[key] = &domain.Credit{
		InvoiceID: key,
		AccountID: accountID,
		Amount:    delta,
		Asset:     asset,
		CreatedAt: now,
	}
	return copyAccount(a), nil
}

func (s *Store) SetAccountBan(_ context.Context, id int64, banned bool, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.accounts[id]
	if !ok {
		return domain.ErrAccountNotFound
	}
	a.Banned = banned
	a.BanReason = reason
	a.UpdatedAt = s.now()
	return nil
}

// Credits returns every applied ledger entry for the account, oldest first.
func (s *Store) Credits(accountID int64) []domain.Credit {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []domain.Credit
	for _, c := range s.credits {
		if c.AccountID == accountID {
			out = append(out, *c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// Invoice Store implementation

func (s *Store) CreateInvoice(_ context.Context, inv *domain.Invoice) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.invoices[inv.ID]; exists {
		return domain.ErrAlreadyExists
	}
	c := copyInvoice(inv)
	now := s.now()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	c.UpdatedAt = now
	s.invoices[inv.ID] = c
	return nil
}

func (s *Store) GetInvoice(_ context.Context, id string) (*domain.Invoice, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if inv, ok := s.invoices[id]; ok {
		return copyInvoice(inv), nil
	}
	return nil, domain.ErrInvoiceNotFound
}

func (s *Store) TransitionInvoice(_ context.Context, id string, from, to domain.InvoiceStatus, patch domain.InvoicePatch) (*domain.Invoice, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	inv, ok := s.invoices[id]
	if !ok {
		return nil, domain.ErrInvoiceNotFound
	}
	if inv.Status != from {
		return nil, domain.ErrStateConflict
	}
	inv.Status = to
	if patch.PaidEventID != "" {
		inv.PaidEventID = patch.PaidEventID
		inv.PaidAmount = patch.PaidAmount
	}
	if patch.PaidAt != nil {
		t := *patch.PaidAt
		inv.PaidAt = &t
	}
	inv.UpdatedAt = s.now()
	return copyInvoice(inv), nil
}

func (s *Store) ListExpiredInvoices(_ context.Context, now time.Time, limit int) ([]*domain.Invoice, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*domain.Invoice
	for _, inv := range s.invoices {
		if inv.Status == domain.InvoiceStatusPending && !inv.ExpiresAt.IsZero() && inv.ExpiresAt.Before(now) {
			out = append(out, copyInvoice(inv))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExpiresAt.Before(out[j].ExpiresAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Order Store implementation

func (s *Store) CreateOrder(_ context.Context, o *domain.Order) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.orders[o.ID]; exists {
		return domain.ErrAlreadyExists
	}
	c := copyOrder(o)
	now := s.now()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	c.UpdatedAt = now
	s.orders[o.ID] = c
	return nil
}

func (s *Store) GetOrder(_ context.Context, id string) (*domain.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if o, ok := s.orders[id]; ok {
		return copyOrder(o), nil
	}
	return nil, domain.ErrOrderNotFound
}

func (s *Store) AttachOrderInvoice(_ context.Context, id, invoiceID string) (*domain.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	o, ok := s.orders[id]
	if !ok {
		return nil, domain.ErrOrderNotFound
	}
	if o.Status != domain.OrderStatusCart {
		return nil, domain.ErrStateConflict
	}
	o.Status = domain.OrderStatusPendingPayment
	o.InvoiceID = invoiceID
	o.Version++
	o.UpdatedAt = s.now()
	return copyOrder(o), nil
}

func (s *Store) TransitionOrder(_ context.Context, id string, from, to domain.OrderStatus, invoiceID string) (*domain.Order, error) {
	if !domain.CanTransition(from, to) {
		return nil, domain.ErrInvalidTransition
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	o, ok := s.orders[id]
	if !ok {
		return nil, domain.ErrOrderNotFound
	}
	if o.Status != from || (invoiceID != "" && o.InvoiceID != invoiceID) {
		return nil, domain.ErrStateConflict
	}
	o.Status = to
	o.Version++
	o.UpdatedAt = s.now()
	return copyOrder(o), nil
}

func (s *Store) DiscardCart(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	o, ok := s.orders[id]
	if !ok {
		return domain.ErrOrderNotFound
	}
	if o.Status != domain.OrderStatusCart {
		return domain.ErrStateConflict
	}
	delete(s.orders, id)
	return nil
}

// Event Store implementation

func (s *Store) InsertProcessedEvent(_ context.Context, ev *domain.ProcessedEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.events[ev.EventID]; exists {
		return domain.ErrDuplicateEvent
	}
	c := *ev
	s.events[ev.EventID] = &c
	return nil
}

func (s *Store) GetProcessedEvent(_ context.Context, eventID string) (*domain.ProcessedEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if ev, ok := s.events[eventID]; ok {
		c := *ev
		return &c, nil
	}
	return nil, domain.ErrEventNotFound
}

// ProcessedEventCount reports how many event ids have been recorded.
func (s *Store) ProcessedEventCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.events)
}

// Notification Store implementation

func (s *Store) EnqueueNotification(_ context.Context, n *domain.Notification) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.notifications[n.ID]; exists {
		return domain.ErrAlreadyExists
	}
	c := copyNotification(n)
	if c.CreatedAt.IsZero() {
		c.CreatedAt = s.now()
	}
	s.notifications[n.ID] = c
	return nil
}

func (s *Store) DueNotifications(_ context.Context, now time.Time, limit int) ([]*domain.Notification, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*domain.Notification
	for _, n := range s.notifications {
		if n.DeliveredAt == nil && !n.NextAttemptAt.After(now) {
			out = append(out, copyNotification(n))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NextAttemptAt.Before(out[j].NextAttemptAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) MarkNotificationDelivered(_ context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	n, ok := s.notifications[id]
	if !ok {
		return domain.ErrNotificationNotFound
	}
	n.DeliveredAt = &at
	n.LastError = ""
	return nil
}

func (s *Store) RescheduleNotification(_ context.Context, id string, next time.Time, lastErr string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	n, ok := s.notifications[id]
	if !ok {
		return domain.ErrNotificationNotFound
	}
	n.Attempts++
	n.NextAttemptAt = next
	n.LastError = lastErr
	return nil
}

func copyAccount(a *domain.Account) *domain.Account {
	c := *a
	c.Roles = append([]domain.Role(nil), a.Roles...)
	return &c
}

func copyInvoice(inv *domain.Invoice) *domain.Invoice {
	c := *inv
	if inv.PaidAt != nil {
		t := *inv.PaidAt
		c.PaidAt = &t
	}
	return &c
}

func copyOrder(o *domain.Order) *domain.Order {
	c := *o
	c.Items = append([]domain.LineItem(nil), o.Items...)
	return &c
}

func copyNotification(n *domain.Notification) *domain.Notification {
	c := *n
	if n.DeliveredAt != nil {
		t := *n.DeliveredAt
		c.DeliveredAt = &t
	}
	return &c
}
