package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/set-night/shopbot/internal/domain"
	"github.com/set-night/shopbot/internal/repository"
	"github.com/shopspring/decimal"
)

var _ repository.Store = (*Store)(nil)

// Store implements repository.Store on PostgreSQL.
type Store struct {
	db *pgxpool.Pool
}

func New(db *pgxpool.Pool) *Store {
	return &Store{db: db}
}

func (s *Store) Ping(ctx context.Context) error {
	return s.db.Ping(ctx)
}

func (s *Store) Close(context.Context) error {
	s.db.Close()
	return nil
}

const (
	pgUniqueViolation      = "23505"
	pgForeignKeyViolation  = "23503"
	pgSerializationFailure = "40001"
	pgDeadlockDetected     = "40P01"
)

func pgCode(err error) string {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code
	}
	return ""
}

// wrap marks connection-level and contention failures as transient.
func wrap(op string, err error) error {
	switch {
	case pgconn.SafeToRetry(err), pgconn.Timeout(err), errors.Is(err, context.DeadlineExceeded),
		pgCode(err) == pgSerializationFailure, pgCode(err) == pgDeadlockDetected:
		return fmt.Errorf("%s: %w: %w", op, domain.ErrTransient, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}

// Account Store implementation

const accountColumns = `id, first_name, username, language_code, balance, version, roles, banned, ban_reason, created_at, updated_at`

func scanAccount(row pgx.Row) (*domain.Account, error) {
	var (
		a     domain.Account
		roles []string
	)
	err := row.Scan(&a.ID, &a.FirstName, &a.Username, &a.LanguageCode, &a.Balance, &a.Version,
		&roles, &a.Banned, &a.BanReason, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return nil, err
	}
	for _, r := range roles {
		a.Roles = append(a.Roles, domain.Role(r))
	}
	return &a, nil
}

func (s *Store) EnsureAccount(ctx context.Context, p domain.AccountProfile) (*domain.Account, bool, error) {
	roles := []string{string(domain.RoleUser)}
	if len(p.Roles) > 0 {
		roles = roles[:0]
		for _, r := range p.Roles {
			roles = append(roles, string(r))
		}
	}

	a, err := scanAccount(s.db.QueryRow(ctx, `
		INSERT INTO accounts (id, first_name, username, language_code, roles)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO NOTHING
		RETURNING `+accountColumns,
		p.ID, p.FirstName, p.Username, p.LanguageCode, roles))
	if err == nil {
		return a, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, false, wrap("insert account", err)
	}

	a, err = s.GetAccount(ctx, p.ID)
	if err != nil {
		return nil, false, err
	}
	return a, false, nil
}

func (s *Store) GetAccount(ctx context.Context, id int64) (*domain.Account, error) {
	a, err := scanAccount(s.db.QueryRow(ctx, `SELECT `+accountColumns+` FROM accounts WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrAccountNotFound
	}
	if err != nil {
		return nil, wrap("get account", err)
	}
	return a, nil
}

// CreditAccount records the credit and bumps the balance in one transaction.
// The credit row's primary key rejects a second credit for the same invoice.
func (s *Store) CreditAccount(ctx context.Context, accountID, expectedVersion int64, amount decimal.Decimal, invoiceID, asset string) (*domain.Account, error) {
	return s.applyEntry(ctx, accountID, expectedVersion, amount, invoiceID, asset, domain.ErrAlreadyCredited)
}

// DebitAccount writes a negative ledger row under key. The balance guard sits
// in the UPDATE so a concurrent debit can never overdraw.
func (s *Store) DebitAccount(ctx context.Context, accountID, expectedVersion int64, amount decimal.Decimal, key, asset string) (*domain.Account, error) {
	return s.applyEntry(ctx, accountID, expectedVersion, amount.Neg(), key, asset, domain.ErrAlreadyDebited)
}

func (s *Store) applyEntry(ctx context.Context, accountID, expectedVersion int64, delta decimal.Decimal, key, asset string, dup error) (*domain.Account, error) {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return nil, wrap("begin tx", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `
		INSERT INTO account_credits (invoice_id, account_id, amount, asset)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (invoice_id) DO NOTHING`,
		key, accountID, delta, asset)
	if pgCode(err) == pgForeignKeyViolation {
		return nil, domain.ErrAccountNotFound
	}
	if err != nil {
		return nil, wrap("insert ledger entry", err)
	}
	if tag.RowsAffected() == 0 {
		return nil, dup
	}

	a, err := scanAccount(tx.QueryRow(ctx, `
		UPDATE accounts
		SET balance = balance + $2, version = version + 1, updated_at = NOW()
		WHERE id = $1 AND version = $3 AND balance + $2 >= 0
		RETURNING `+accountColumns,
		accountID, delta, expectedVersion))
	if errors.Is(err, pgx.ErrNoRows) {
		var version int64
		if err := tx.QueryRow(ctx, `SELECT version FROM accounts WHERE id = $1`, accountID).Scan(&version); err != nil {
			return nil, wrap("read account version", err)
		}
		if version != expectedVersion {
			return nil, domain.ErrVersionConflict
		}
		return nil, domain.ErrInsufficientBalance
	}
	if err != nil {
		return nil, wrap("update balance", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, wrap("commit", err)
	}
	return a, nil
}

func (s *Store) SetAccountBan(ctx context.Context, id int64, banned bool, reason string) error {
	tag, err := s.db.Exec(ctx,
		`UPDATE accounts SET banned = $2, ban_reason = $3, updated_at = NOW() WHERE id = $1`,
		id, banned, reason)
	if err != nil {
		return wrap("set account ban", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrAccountNotFound
	}
	return nil
}

// Invoice Store implementation

const invoiceColumns = `id, account_id, amount, asset, status, purpose_kind, purpose_account_id, purpose_order_id,
	pay_url, paid_event_id, paid_amount, paid_at, expires_at, created_at, updated_at`

func scanInvoice(row pgx.Row) (*domain.Invoice, error) {
	var (
		inv        domain.Invoice
		status     string
		kind       string
		paidAmount decimal.NullDecimal
	)
	err := row.Scan(&inv.ID, &inv.AccountID, &inv.Amount, &inv.Asset, &status, &kind,
		&inv.Purpose.AccountID, &inv.Purpose.OrderID, &inv.PayURL, &inv.PaidEventID, &paidAmount,
		&inv.PaidAt, &inv.ExpiresAt, &inv.CreatedAt, &inv.UpdatedAt)
	if err != nil {
		return nil, err
	}
	inv.Status = domain.InvoiceStatus(status)
	inv.Purpose.Kind = domain.PurposeKind(kind)
	if paidAmount.Valid {
		inv.PaidAmount = paidAmount.Decimal
	}
	return &inv, nil
}

func (s *Store) CreateInvoice(ctx context.Context, inv *domain.Invoice) error {
	created := inv.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}
	_, err := s.db.Exec(ctx, `
		INSERT INTO invoices (id, account_id, amount, asset, status, purpose_kind, purpose_account_id,
			purpose_order_id, pay_url, expires_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, NOW())`,
		inv.ID, inv.AccountID, inv.Amount, inv.Asset, string(inv.Status), string(inv.Purpose.Kind),
		inv.Purpose.AccountID, inv.Purpose.OrderID, inv.PayURL, inv.ExpiresAt, created)
	if pgCode(err) == pgUniqueViolation {
		return domain.ErrAlreadyExists
	}
	if err != nil {
		return wrap("insert invoice", err)
	}
	return nil
}

func (s *Store) GetInvoice(ctx context.Context, id string) (*domain.Invoice, error) {
	inv, err := scanInvoice(s.db.QueryRow(ctx, `SELECT `+invoiceColumns+` FROM invoices WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrInvoiceNotFound
	}
	if err != nil {
		return nil, wrap("get invoice", err)
	}
	return inv, nil
}

func (s *Store) TransitionInvoice(ctx context.Context, id string, from, to domain.InvoiceStatus, patch domain.InvoicePatch) (*domain.Invoice, error) {
	var paidAmount decimal.NullDecimal
	if patch.PaidEventID != "" {
		paidAmount = decimal.NewNullDecimal(patch.PaidAmount)
	}

	inv, err := scanInvoice(s.db.QueryRow(ctx, `
		UPDATE invoices
		SET status = $3,
			paid_event_id = CASE WHEN $4::text <> '' THEN $4::text ELSE paid_event_id END,
			paid_amount = COALESCE($5::numeric, paid_amount),
			paid_at = COALESCE($6::timestamptz, paid_at),
			updated_at = NOW()
		WHERE id = $1 AND status = $2
		RETURNING `+invoiceColumns,
		id, string(from), string(to), patch.PaidEventID, paidAmount, patch.PaidAt))
	if errors.Is(err, pgx.ErrNoRows) {
		if _, getErr := s.GetInvoice(ctx, id); getErr != nil {
			return nil, getErr
		}
		return nil, domain.ErrStateConflict
	}
	if err != nil {
		return nil, wrap("transition invoice", err)
	}
	return inv, nil
}

func (s *Store) ListExpiredInvoices(ctx context.Context, now time.Time, limit int) ([]*domain.Invoice, error) {
	rows, err := s.db.Query(ctx, `
		SELECT `+invoiceColumns+` FROM invoices
		WHERE status = 'pending' AND expires_at < $1
		ORDER BY expires_at
		LIMIT $2`, now, limit)
	if err != nil {
		return nil, wrap("list expired invoices", err)
	}
	defer rows.Close()

	var out []*domain.Invoice
	for rows.Next() {
		inv, err := scanInvoice(rows)
		if err != nil {
			return nil, wrap("scan invoice", err)
		}
		out = append(out, inv)
	}
	return out, rows.Err()
}

// Order Store implementation

type lineItemRow struct {
	ProductID string          `json:"product_id"`
	Name      string          `json:"name"`
	Quantity  int             `json:"quantity"`
	UnitPrice decimal.Decimal `json:"unit_price"`
}

const orderColumns = `id, account_id, items, total, asset, status, invoice_id, version, created_at, updated_at`

func scanOrder(row pgx.Row) (*domain.Order, error) {
	var (
		o      domain.Order
		items  []lineItemRow
		status string
	)
	err := row.Scan(&o.ID, &o.AccountID, &items, &o.Total, &o.Asset, &status, &o.InvoiceID,
		&o.Version, &o.CreatedAt, &o.UpdatedAt)
	if err != nil {
		return nil, err
	}
	o.Status = domain.OrderStatus(status)
	for _, li := range items {
		o.Items = append(o.Items, domain.LineItem(li))
	}
	return &o, nil
}

func (s *Store) CreateOrder(ctx context.Context, o *domain.Order) error {
	items := make([]lineItemRow, 0, len(o.Items))
	for _, li := range o.Items {
		items = append(items, lineItemRow(li))
	}
	created := o.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}

	_, err := s.db.Exec(ctx, `
		INSERT INTO orders (id, account_id, items, total, asset, status, invoice_id, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NOW())`,
		o.ID, o.AccountID, items, o.Total, o.Asset, string(o.Status), o.InvoiceID, created)
	if pgCode(err) == pgUniqueViolation {
		return domain.ErrAlreadyExists
	}
	if err != nil {
		return wrap("insert order", err)
	}
	return nil
}

func (s *Store) GetOrder(ctx context.Context, id string) (*domain.Order, error) {
	o, err := scanOrder(s.db.QueryRow(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrOrderNotFound
	}
	if err != nil {
		return nil, wrap("get order", err)
	}
	return o, nil
}

func (s *Store) AttachOrderInvoice(ctx context.Context, id, invoiceID string) (*domain.Order, error) {
	o, err := scanOrder(s.db.QueryRow(ctx, `
		UPDATE orders
		SET status = $3, invoice_id = $4, version = version + 1, updated_at = NOW()
		WHERE id = $1 AND status = $2
		RETURNING `+orderColumns,
		id, string(domain.OrderStatusCart), string(domain.OrderStatusPendingPayment), invoiceID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, s.orderConflict(ctx, id)
	}
	if err != nil {
		return nil, wrap("attach order invoice", err)
	}
	return o, nil
}

func (s *Store) TransitionOrder(ctx context.Context, id string, from, to domain.OrderStatus, invoiceID string) (*domain.Order, error) {
	if !domain.CanTransition(from, to) {
		return nil, domain.ErrInvalidTransition
	}

	o, err := scanOrder(s.db.QueryRow(ctx, `
		UPDATE orders
		SET status = $3, version = version + 1, updated_at = NOW()
		WHERE id = $1 AND status = $2 AND ($4::text = '' OR invoice_id = $4::text)
		RETURNING `+orderColumns,
		id, string(from), string(to), invoiceID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, s.orderConflict(ctx, id)
	}
	if err != nil {
		return nil, wrap("transition order", err)
	}
	return o, nil
}

func (s *Store) DiscardCart(ctx context.Context, id string) error {
	tag, err := s.db.Exec(ctx, `DELETE FROM orders WHERE id = $1 AND status = $2`,
		id, string(domain.OrderStatusCart))
	if err != nil {
		return wrap("discard cart", err)
	}
	if tag.RowsAffected() == 0 {
		return s.orderConflict(ctx, id)
	}
	return nil
}

// orderConflict tells a missing order apart from a failed guard.
func (s *Store) orderConflict(ctx context.Context, id string) error {
	if _, err := s.GetOrder(ctx, id); err != nil {
		return err
	}
	return domain.ErrStateConflict
}

// Event Store implementation

type outcomeRow struct {
	EventID   string          `json:"event_id"`
	Status    string          `json:"status"`
	Reason    string          `json:"reason,omitempty"`
	InvoiceID string          `json:"invoice_id,omitempty"`
	AccountID int64           `json:"account_id,omitempty"`
	OrderID   string          `json:"order_id,omitempty"`
	Amount    decimal.Decimal `json:"amount"`
	Asset     string          `json:"asset,omitempty"`
}

func (s *Store) InsertProcessedEvent(ctx context.Context, ev *domain.ProcessedEvent) error {
	o := ev.Outcome
	row := outcomeRow{
		EventID:   o.EventID,
		Status:    string(o.Status),
		Reason:    string(o.Reason),
		InvoiceID: o.InvoiceID,
		AccountID: o.AccountID,
		OrderID:   o.OrderID,
		Amount:    o.Amount,
		Asset:     o.Asset,
	}
	_, err := s.db.Exec(ctx,
		`INSERT INTO processed_events (event_id, processed_at, outcome) VALUES ($1, $2, $3)`,
		ev.EventID, ev.ProcessedAt, row)
	if pgCode(err) == pgUniqueViolation {
		return domain.ErrDuplicateEvent
	}
	if err != nil {
		return wrap("insert processed event", err)
	}
	return nil
}

func (s *Store) GetProcessedEvent(ctx context.Context, eventID string) (*domain.ProcessedEvent, error) {
	var (
		ev  domain.ProcessedEvent
		row outcomeRow
	)
	err := s.db.QueryRow(ctx,
		`SELECT event_id, processed_at, outcome FROM processed_events WHERE event_id = $1`, eventID).
		Scan(&ev.EventID, &ev.ProcessedAt, &row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrEventNotFound
	}
	if err != nil {
		return nil, wrap("get processed event", err)
	}
	ev.Outcome = domain.Outcome{
		EventID:   row.EventID,
		Status:    domain.OutcomeStatus(row.Status),
		Reason:    domain.Reason(row.Reason),
		InvoiceID: row.InvoiceID,
		AccountID: row.AccountID,
		OrderID:   row.OrderID,
		Amount:    row.Amount,
		Asset:     row.Asset,
	}
	return &ev, nil
}

// Notification Store implementation

func (s *Store) EnqueueNotification(ctx context.Context, n *domain.Notification) error {
	created := n.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}
	_, err := s.db.Exec(ctx, `
		INSERT INTO notifications (id, chat_id, text, attempts, next_attempt_at, last_error, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		n.ID, n.ChatID, n.Text, n.Attempts, n.NextAttemptAt, n.LastError, created)
	if pgCode(err) == pgUniqueViolation {
		return domain.ErrAlreadyExists
	}
	if err != nil {
		return wrap("insert notification", err)
	}
	return nil
}

func (s *Store) DueNotifications(ctx context.Context, now time.Time, limit int) ([]*domain.Notification, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, chat_id, text, attempts, next_attempt_at, last_error, delivered_at, created_at
		FROM notifications
		WHERE delivered_at IS NULL AND next_attempt_at <= $1
		ORDER BY next_attempt_at
		LIMIT $2`, now, limit)
	if err != nil {
		return nil, wrap("list due notifications", err)
	}
	defer rows.Close()

	var out []*domain.Notification
	for rows.Next() {
		var n domain.Notification
		if err := rows.Scan(&n.ID, &n.ChatID, &n.Text, &n.Attempts, &n.NextAttemptAt,
			&n.LastError, &n.DeliveredAt, &n.CreatedAt); err != nil {
			return nil, wrap("scan notification", err)
		}
		out = append(out, &n)
	}
	return out, rows.Err()
}

func (s *Store) MarkNotificationDelivered(ctx context.Context, id string, at time.Time) error {
	tag, err := s.db.Exec(ctx,
		`UPDATE notifications SET delivered_at = $2, last_error = '' WHERE id = $1`, id, at)
	if err != nil {
		return wrap("mark notification delivered", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotificationNotFound
	}
	return nil
}

func (s *Store) RescheduleNotification(ctx context.Context, id string, next time.Time, lastErr string) error {
	tag, err := s.db.Exec(ctx, `
		UPDATE notifications
		SET attempts = attempts + 1, next_attempt_at = $2, last_error = $3
		WHERE id = $1`, id, next, lastErr)
	if err != nil {
		return wrap("reschedule notification", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotificationNotFound
	}
	return nil
}
