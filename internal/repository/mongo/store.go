package mongo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/set-night/shopbot/internal/domain"
	"github.com/set-night/shopbot/internal/repository"
	"github.com/shopspring/decimal"
)

// Collection name constants.
const (
	colAccounts      = "accounts"
	colInvoices      = "invoices"
	colOrders        = "orders"
	colEvents        = "processed_events"
	colNotifications = "notifications"
)

// compile-time interface check
var _ repository.Store = (*Store)(nil)

// Store implements repository.Store on MongoDB.
type Store struct {
	client *mongo.Client
	db     *mongo.Database
}

// Connect opens a client for uri and selects the database.
func Connect(ctx context.Context, uri, database string) (*Store, error) {
	client, err := mongo.Connect(options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("mongo: connect: %w", err)
	}
	s := New(client, database)
	if err := s.Ping(ctx); err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("mongo: ping: %w", err)
	}
	return s, nil
}

func New(client *mongo.Client, database string) *Store {
	return &Store{client: client, db: client.Database(database)}
}

// Migrate creates indexes for all ledger collections.
func (s *Store) Migrate(ctx context.Context) error {
	for col, models := range migrationIndexes() {
		if len(models) == 0 {
			continue
		}
		if _, err := s.db.Collection(col).Indexes().CreateMany(ctx, models); err != nil {
			return fmt.Errorf("mongo: migrate %s indexes: %w", col, err)
		}
	}
	return nil
}

// Ping checks database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx, nil)
}

// Close closes the database connection.
func (s *Store) Close(ctx context.Context) error {
	return s.client.Disconnect(ctx)
}

// ==================== Account Store ====================

func (s *Store) EnsureAccount(ctx context.Context, p domain.AccountProfile) (*domain.Account, bool, error) {
	roles := []string{string(domain.RoleUser)}
	if len(p.Roles) > 0 {
		roles = roles[:0]
		for _, r := range p.Roles {
			roles = append(roles, string(r))
		}
	}
	zero, err := toDecimal128(decimal.Zero)
	if err != nil {
		return nil, false, err
	}
	t := now()

	res, err := s.db.Collection(colAccounts).UpdateOne(ctx,
		bson.M{"_id": p.ID},
		bson.M{"$setOnInsert": bson.M{
			"first_name":    p.FirstName,
			"username":      p.Username,
			"language_code": p.LanguageCode,
			"balance":       zero,
			"version":       int64(0),
			"roles":         roles,
			"banned":        false,
			"created_at":    t,
			"updated_at":    t,
		}},
		options.UpdateOne().SetUpsert(true),
	)
	// Two first contacts can race on the upsert; the loser reads the winner's document.
	if err != nil && !mongo.IsDuplicateKeyError(err) {
		return nil, false, wrap("ensure account", err)
	}
	created := err == nil && res.UpsertedCount == 1

	a, err := s.GetAccount(ctx, p.ID)
	if err != nil {
		return nil, false, err
	}
	return a, created, nil
}

func (s *Store) getAccountModel(ctx context.Context, id int64) (*accountModel, error) {
	var m accountModel
	err := s.db.Collection(colAccounts).FindOne(ctx, bson.M{"_id": id}).Decode(&m)
	if err != nil {
		if isNoDocuments(err) {
			return nil, domain.ErrAccountNotFound
		}
		return nil, wrap("get account", err)
	}
	return &m, nil
}

func (s *Store) GetAccount(ctx context.Context, id int64) (*domain.Account, error) {
	m, err := s.getAccountModel(ctx, id)
	if err != nil {
		return nil, err
	}
	return fromAccountModel(m)
}

// CreditAccount applies the credit with one conditional update on the account
// document. The filter pins the version and excludes an existing credit for
// the invoice; the unique credits.invoice_id index covers other accounts.
func (s *Store) CreditAccount(ctx context.Context, accountID, expectedVersion int64, amount decimal.Decimal, invoiceID, asset string) (*domain.Account, error) {
	return s.applyEntry(ctx, accountID, expectedVersion, amount, invoiceID, asset, domain.ErrAlreadyCredited)
}

// DebitAccount pushes a negative entry under key. The balance is checked
// against the version the update pins, so it cannot move in between.
func (s *Store) DebitAccount(ctx context.Context, accountID, expectedVersion int64, amount decimal.Decimal, key, asset string) (*domain.Account, error) {
	return s.applyEntry(ctx, accountID, expectedVersion, amount.Neg(), key, asset, domain.ErrAlreadyDebited)
}

func (s *Store) applyEntry(ctx context.Context, accountID, expectedVersion int64, delta decimal.Decimal, key, asset string, dup error) (*domain.Account, error) {
	current, err := s.getAccountModel(ctx, accountID)
	if err != nil {
		return nil, err
	}
	if current.hasCredit(key) {
		return nil, dup
	}
	if current.Version != expectedVersion {
		return nil, domain.ErrVersionConflict
	}

	balance, err := fromDecimal128(current.Balance)
	if err != nil {
		return nil, err
	}
	if balance.Add(delta).IsNegative() {
		return nil, domain.ErrInsufficientBalance
	}
	newBalance, err := toDecimal128(balance.Add(delta))
	if err != nil {
		return nil, err
	}
	entry, err := toDecimal128(delta)
	if err != nil {
		return nil, err
	}
	t := now()

	var m accountModel
	err = s.db.Collection(colAccounts).FindOneAndUpdate(ctx,
		bson.M{
			"_id":                accountID,
			"version":            expectedVersion,
			"credits.invoice_id": bson.M{"$ne": key},
		},
		bson.M{
			"$set": bson.M{"balance": newBalance, "updated_at": t},
			"$inc": bson.M{"version": int64(1)},
			"$push": bson.M{"credits": creditModel{
				InvoiceID: key,
				Amount:    entry,
				Asset:     asset,
				CreatedAt: t,
			}},
		},
		options.FindOneAndUpdate().SetReturnDocument(options.After),
	).Decode(&m)
	if err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return nil, dup
		}
		if isNoDocuments(err) {
			return nil, s.entryConflict(ctx, accountID, key, dup)
		}
		return nil, wrap("apply ledger entry", err)
	}
	return fromAccountModel(&m)
}

// entryConflict explains why the guarded update matched nothing.
func (s *Store) entryConflict(ctx context.Context, accountID int64, key string, dup error) error {
	m, err := s.getAccountModel(ctx, accountID)
	if err != nil {
		return err
	}
	if m.hasCredit(key) {
		return dup
	}
	return domain.ErrVersionConflict
}

func (s *Store) SetAccountBan(ctx context.Context, id int64, banned bool, reason string) error {
	res, err := s.db.Collection(colAccounts).UpdateOne(ctx,
		bson.M{"_id": id},
		bson.M{"$set": bson.M{"banned": banned, "ban_reason": reason, "updated_at": now()}},
	)
	if err != nil {
		return wrap("set account ban", err)
	}
	if res.MatchedCount == 0 {
		return domain.ErrAccountNotFound
	}
	return nil
}

// ==================== Invoice Store ====================

func (s *Store) CreateInvoice(ctx context.Context, inv *domain.Invoice) error {
	m, err := toInvoiceModel(inv)
	if err != nil {
		return err
	}
	t := now()
	if m.CreatedAt.IsZero() {
		m.CreatedAt = t
	}
	m.UpdatedAt = t

	if _, err := s.db.Collection(colInvoices).InsertOne(ctx, m); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return domain.ErrAlreadyExists
		}
		return wrap("create invoice", err)
	}
	return nil
}

func (s *Store) GetInvoice(ctx context.Context, id string) (*domain.Invoice, error) {
	var m invoiceModel
	err := s.db.Collection(colInvoices).FindOne(ctx, bson.M{"_id": id}).Decode(&m)
	if err != nil {
		if isNoDocuments(err) {
			return nil, domain.ErrInvoiceNotFound
		}
		return nil, wrap("get invoice", err)
	}
	return fromInvoiceModel(&m)
}

func (s *Store) TransitionInvoice(ctx context.Context, id string, from, to domain.InvoiceStatus, patch domain.InvoicePatch) (*domain.Invoice, error) {
	set := bson.M{"status": string(to), "updated_at": now()}
	if patch.PaidEventID != "" {
		paid, err := toDecimal128(patch.PaidAmount)
		if err != nil {
			return nil, err
		}
		set["paid_event_id"] = patch.PaidEventID
		set["paid_amount"] = paid
	}
	if patch.PaidAt != nil {
		set["paid_at"] = *patch.PaidAt
	}

	var m invoiceModel
	err := s.db.Collection(colInvoices).FindOneAndUpdate(ctx,
		bson.M{"_id": id, "status": string(from)},
		bson.M{"$set": set},
		options.FindOneAndUpdate().SetReturnDocument(options.After),
	).Decode(&m)
	if err != nil {
		if isNoDocuments(err) {
			if _, getErr := s.GetInvoice(ctx, id); getErr != nil {
				return nil, getErr
			}
			return nil, domain.ErrStateConflict
		}
		return nil, wrap("transition invoice", err)
	}
	return fromInvoiceModel(&m)
}

func (s *Store) ListExpiredInvoices(ctx context.Context, at time.Time, limit int) ([]*domain.Invoice, error) {
	opts := options.Find().SetSort(bson.D{{Key: "expires_at", Value: 1}})
	if limit > 0 {
		opts.SetLimit(int64(limit))
	}
	cur, err := s.db.Collection(colInvoices).Find(ctx,
		bson.M{"status": string(domain.InvoiceStatusPending), "expires_at": bson.M{"$lt": at}},
		opts,
	)
	if err != nil {
		return nil, wrap("list expired invoices", err)
	}

	var models []invoiceModel
	if err := cur.All(ctx, &models); err != nil {
		return nil, wrap("decode invoices", err)
	}
	out := make([]*domain.Invoice, 0, len(models))
	for i := range models {
		inv, err := fromInvoiceModel(&models[i])
		if err != nil {
			return nil, err
		}
		out = append(out, inv)
	}
	return out, nil
}

// ==================== Order Store ====================

func (s *Store) CreateOrder(ctx context.Context, o *domain.Order) error {
	m, err := toOrderModel(o)
	if err != nil {
		return err
	}
	t := now()
	if m.CreatedAt.IsZero() {
		m.CreatedAt = t
	}
	m.UpdatedAt = t

	if _, err := s.db.Collection(colOrders).InsertOne(ctx, m); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return domain.ErrAlreadyExists
		}
		return wrap("create order", err)
	}
	return nil
}

func (s *Store) GetOrder(ctx context.Context, id string) (*domain.Order, error) {
	var m orderModel
	err := s.db.Collection(colOrders).FindOne(ctx, bson.M{"_id": id}).Decode(&m)
	if err != nil {
		if isNoDocuments(err) {
			return nil, domain.ErrOrderNotFound
		}
		return nil, wrap("get order", err)
	}
	return fromOrderModel(&m)
}

func (s *Store) AttachOrderInvoice(ctx context.Context, id, invoiceID string) (*domain.Order, error) {
	return s.updateOrder(ctx,
		bson.M{"_id": id, "status": string(domain.OrderStatusCart)},
		bson.M{"status": string(domain.OrderStatusPendingPayment), "invoice_id": invoiceID},
	)
}

func (s *Store) TransitionOrder(ctx context.Context, id string, from, to domain.OrderStatus, invoiceID string) (*domain.Order, error) {
	if !domain.CanTransition(from, to) {
		return nil, domain.ErrInvalidTransition
	}
	filter := bson.M{"_id": id, "status": string(from)}
	if invoiceID != "" {
		filter["invoice_id"] = invoiceID
	}
	return s.updateOrder(ctx, filter, bson.M{"status": string(to)})
}

func (s *Store) DiscardCart(ctx context.Context, id string) error {
	res, err := s.db.Collection(colOrders).DeleteOne(ctx,
		bson.M{"_id": id, "status": string(domain.OrderStatusCart)})
	if err != nil {
		return wrap("discard cart", err)
	}
	if res.DeletedCount == 0 {
		if _, err := s.GetOrder(ctx, id); err != nil {
			return err
		}
		return domain.ErrStateConflict
	}
	return nil
}

func (s *Store) updateOrder(ctx context.Context, filter, set bson.M) (*domain.Order, error) {
	set["updated_at"] = now()

	var m orderModel
	err := s.db.Collection(colOrders).FindOneAndUpdate(ctx,
		filter,
		bson.M{"$set": set, "$inc": bson.M{"version": int64(1)}},
		options.FindOneAndUpdate().SetReturnDocument(options.After),
	).Decode(&m)
	if err != nil {
		if isNoDocuments(err) {
			if _, getErr := s.GetOrder(ctx, filter["_id"].(string)); getErr != nil {
				return nil, getErr
			}
			return nil, domain.ErrStateConflict
		}
		return nil, wrap("update order", err)
	}
	return fromOrderModel(&m)
}

// ==================== Event Store ====================

func (s *Store) InsertProcessedEvent(ctx context.Context, ev *domain.ProcessedEvent) error {
	m, err := toProcessedEventModel(ev)
	if err != nil {
		return err
	}
	if _, err := s.db.Collection(colEvents).InsertOne(ctx, m); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return domain.ErrDuplicateEvent
		}
		return wrap("insert processed event", err)
	}
	return nil
}

func (s *Store) GetProcessedEvent(ctx context.Context, eventID string) (*domain.ProcessedEvent, error) {
	var m processedEventModel
	err := s.db.Collection(colEvents).FindOne(ctx, bson.M{"_id": eventID}).Decode(&m)
	if err != nil {
		if isNoDocuments(err) {
			return nil, domain.ErrEventNotFound
		}
		return nil, wrap("get processed event", err)
	}
	return fromProcessedEventModel(&m)
}

// ==================== Notification Store ====================

func (s *Store) EnqueueNotification(ctx context.Context, n *domain.Notification) error {
	m := toNotificationModel(n)
	if m.CreatedAt.IsZero() {
		m.CreatedAt = now()
	}
	if _, err := s.db.Collection(colNotifications).InsertOne(ctx, m); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return domain.ErrAlreadyExists
		}
		return wrap("enqueue notification", err)
	}
	return nil
}

func (s *Store) DueNotifications(ctx context.Context, at time.Time, limit int) ([]*domain.Notification, error) {
	opts := options.Find().SetSort(bson.D{{Key: "next_attempt_at", Value: 1}})
	if limit > 0 {
		opts.SetLimit(int64(limit))
	}
	cur, err := s.db.Collection(colNotifications).Find(ctx,
		bson.M{"delivered_at": nil, "next_attempt_at": bson.M{"$lte": at}},
		opts,
	)
	if err != nil {
		return nil, wrap("list due notifications", err)
	}

	var models []notificationModel
	if err := cur.All(ctx, &models); err != nil {
		return nil, wrap("decode notifications", err)
	}
	out := make([]*domain.Notification, 0, len(models))
	for i := range models {
		out = append(out, fromNotificationModel(&models[i]))
	}
	return out, nil
}

func (s *Store) MarkNotificationDelivered(ctx context.Context, id string, at time.Time) error {
	return s.updateNotification(ctx, id, bson.M{
		"$set":   bson.M{"delivered_at": at},
		"$unset": bson.M{"last_error": ""},
	})
}

func (s *Store) RescheduleNotification(ctx context.Context, id string, next time.Time, lastErr string) error {
	return s.updateNotification(ctx, id, bson.M{
		"$set": bson.M{"next_attempt_at": next, "last_error": lastErr},
		"$inc": bson.M{"attempts": 1},
	})
}

func (s *Store) updateNotification(ctx context.Context, id string, update bson.M) error {
	res, err := s.db.Collection(colNotifications).UpdateOne(ctx, bson.M{"_id": id}, update)
	if err != nil {
		return wrap("update notification", err)
	}
	if res.MatchedCount == 0 {
		return domain.ErrNotificationNotFound
	}
	return nil
}

// ==================== Helpers ====================

func now() time.Time {
	return time.Now().UTC()
}

func isNoDocuments(err error) bool {
	return errors.Is(err, mongo.ErrNoDocuments)
}

// wrap marks network failures and timeouts as transient.
func wrap(op string, err error) error {
	if mongo.IsNetworkError(err) || mongo.IsTimeout(err) {
		return fmt.Errorf("mongo: %s: %w: %w", op, domain.ErrTransient, err)
	}
	return fmt.Errorf("mongo: %s: %w", op, err)
}

// migrationIndexes returns the index definitions for all ledger collections.
func migrationIndexes() map[string][]mongo.IndexModel {
	return map[string][]mongo.IndexModel{
		colAccounts: {
			{
				Keys:    bson.D{{Key: "credits.invoice_id", Value: 1}},
				Options: options.Index().SetUnique(true).SetSparse(true),
			},
		},
		colInvoices: {
			{Keys: bson.D{{Key: "status", Value: 1}, {Key: "expires_at", Value: 1}}},
			{Keys: bson.D{{Key: "account_id", Value: 1}, {Key: "created_at", Value: -1}}},
		},
		colOrders: {
			{Keys: bson.D{{Key: "account_id", Value: 1}, {Key: "created_at", Value: -1}}},
		},
		colNotifications: {
			{Keys: bson.D{{Key: "delivered_at", Value: 1}, {Key: "next_attempt_at", Value: 1}}},
		},
	}
}
