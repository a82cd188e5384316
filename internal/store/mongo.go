package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"

	"github.com/mwangikbr/dukapay-gobackend/internal/models"
)

// MongoStore is the durable TransactionStore. The PENDING->terminal
// transition is a single FindOneAndUpdate conditioned on status=PENDING,
// which is what lets duplicate callbacks and concurrent polls converge
// without an application-level lock.
type MongoStore struct {
	col   *mongo.Collection
	clock func() time.Time
	log   *zap.Logger
}

func NewMongoStore(db *mongo.Database, log *zap.Logger) *MongoStore {
	return &MongoStore{
		col:   db.Collection("transactions"),
		clock: time.Now,
		log:   log,
	}
}

// mongoTransaction is the persisted shape. Amounts are stored as strings
// because decimal.Decimal has no bson codec.
type mongoTransaction struct {
	ID                  string          `bson:"_id"`
	UserID              string          `bson:"user_id,omitempty"`
	OrderID             string          `bson:"order_id"`
	MerchantReference   string          `bson:"merchant_reference"`
	Provider            string          `bson:"provider"`
	ProviderTrackingID  string          `bson:"provider_tracking_id,omitempty"`
	Amount              string          `bson:"amount"`
	Currency            string          `bson:"currency"`
	Contact             models.Contact  `bson:"contact"`
	Description         string          `bson:"description,omitempty"`
	Status              string          `bson:"status"`
	RawProviderMetadata string          `bson:"raw_provider_metadata,omitempty"`
	CreatedAt           time.Time       `bson:"created_at"`
	UpdatedAt           time.Time       `bson:"updated_at"`
	CompletedAt         *time.Time      `bson:"completed_at,omitempty"`
}

func (d mongoTransaction) toModel() (models.Transaction, error) {
	amount, err := decimal.NewFromString(d.Amount)
	if err != nil {
		return models.Transaction{}, fmt.Errorf("stored amount %q is not a decimal: %w", d.Amount, err)
	}
	return models.Transaction{
		ID:                  d.ID,
		UserID:              d.UserID,
		OrderID:             d.OrderID,
		MerchantReference:   d.MerchantReference,
		Provider:            models.Provider(d.Provider),
		ProviderTrackingID:  d.ProviderTrackingID,
		Amount:              amount,
		Currency:            d.Currency,
		Contact:             d.Contact,
		Description:         d.Description,
		Status:              models.Status(d.Status),
		RawProviderMetadata: d.RawProviderMetadata,
		CreatedAt:           d.CreatedAt,
		UpdatedAt:           d.UpdatedAt,
		CompletedAt:         d.CompletedAt,
	}, nil
}

// EnsureIndexes creates the indexes the invariants lean on: a unique
// merchant_reference, and a partial unique index on order_id filtered to
// PENDING rows, which is what enforces at-most-one-pending per order at the
// database rather than in application code.
func (s *MongoStore) EnsureIndexes(ctx context.Context) error {
	_, err := s.col.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "merchant_reference", Value: 1}},
			Options: options.Index().SetUnique(true),
		},
		{
			Keys: bson.D{{Key: "order_id", Value: 1}},
			Options: options.Index().
				SetUnique(true).
				SetPartialFilterExpression(bson.M{"status": string(models.StatusPending)}),
		},
		{Keys: bson.D{{Key: "provider_tracking_id", Value: 1}}},
		{Keys: bson.D{{Key: "status", Value: 1}, {Key: "created_at", Value: 1}}},
	})
	if err != nil {
		return fmt.Errorf("create transaction indexes: %w", err)
	}
	return nil
}

func (s *MongoStore) CreatePending(ctx context.Context, in CreatePendingInput) (models.Transaction, error) {
	now := s.clock()
	doc := mongoTransaction{
		ID:                uuid.NewString(),
		UserID:            in.UserID,
		OrderID:           in.OrderID,
		MerchantReference: in.MerchantReference,
		Provider:          string(in.Provider),
		Amount:            in.Amount.String(),
		Currency:          in.Currency,
		Contact:           in.Contact,
		Description:       in.Description,
		Status:            string(models.StatusPending),
		CreatedAt:         now,
		UpdatedAt:         now,
	}

	_, err := s.col.InsertOne(ctx, doc)
	if err != nil {
		if mongo.IsDuplicateKeyError(err) {
			// The partial unique index fired: an open attempt already exists.
			// Hand the caller that transaction instead of a fresh one.
			existing, ferr := s.findPendingByOrder(ctx, in.OrderID)
			if ferr != nil {
				return models.Transaction{}, fmt.Errorf("pending transaction exists but lookup failed: %w", ferr)
			}
			return existing, ErrPendingExists
		}
		return models.Transaction{}, fmt.Errorf("insert transaction: %w", err)
	}
	return doc.toModel()
}

func (s *MongoStore) findPendingByOrder(ctx context.Context, orderID string) (models.Transaction, error) {
	var doc mongoTransaction
	err := s.col.FindOne(ctx, bson.M{
		"order_id": orderID,
		"status":   string(models.StatusPending),
	}).Decode(&doc)
	if err != nil {
		if err == mongo.ErrNoDocuments {
			return models.Transaction{}, ErrNotFound
		}
		return models.Transaction{}, err
	}
	return doc.toModel()
}

func (s *MongoStore) SetTrackingID(ctx context.Context, id, trackingID, raw string) error {
	res, err := s.col.UpdateOne(ctx, bson.M{"_id": id}, bson.M{"$set": bson.M{
		"provider_tracking_id":  trackingID,
		"raw_provider_metadata": raw,
		"updated_at":            s.clock(),
	}})
	if err != nil {
		return fmt.Errorf("set tracking id: %w", err)
	}
	if res.MatchedCount == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *MongoStore) ApplyProviderResult(ctx context.Context, id string, target models.Status, raw string) (models.Transaction, bool, error) {
	if !target.IsTerminal() {
		return models.Transaction{}, false, fmt.Errorf("target status %s is not terminal", target)
	}

	now := s.clock()
	set := bson.M{
		"status":                string(target),
		"raw_provider_metadata": raw,
		"updated_at":            now,
	}
	if target == models.StatusCompleted {
		set["completed_at"] = now
	}

	// Transition only if the row is still PENDING. Losing this race to a
	// concurrent callback is fine: we fall through and return whatever state
	// won.
	var doc mongoTransaction
	err := s.col.FindOneAndUpdate(ctx,
		bson.M{"_id": id, "status": string(models.StatusPending)},
		bson.M{"$set": set},
		options.FindOneAndUpdate().SetReturnDocument(options.After),
	).Decode(&doc)
	if err == nil {
		tx, merr := doc.toModel()
		return tx, true, merr
	}
	if err != mongo.ErrNoDocuments {
		return models.Transaction{}, false, fmt.Errorf("apply provider result: %w", err)
	}

	tx, err := s.FindByID(ctx, id)
	if err != nil {
		return models.Transaction{}, false, err
	}
	return tx, false, nil
}

func (s *MongoStore) FindByID(ctx context.Context, id string) (models.Transaction, error) {
	var doc mongoTransaction
	err := s.col.FindOne(ctx, bson.M{"_id": id}).Decode(&doc)
	if err != nil {
		if err == mongo.ErrNoDocuments {
			return models.Transaction{}, ErrNotFound
		}
		return models.Transaction{}, fmt.Errorf("find transaction %s: %w", id, err)
	}
	return doc.toModel()
}

func (s *MongoStore) FindByTrackingIDOrReference(ctx context.Context, trackingID, merchantReference string) (models.Transaction, error) {
	clauses := bson.A{}
	if trackingID != "" {
		clauses = append(clauses, bson.M{"provider_tracking_id": trackingID})
	}
	if merchantReference != "" {
		clauses = append(clauses, bson.M{"merchant_reference": merchantReference})
	}
	if len(clauses) == 0 {
		return models.Transaction{}, ErrNotFound
	}

	var doc mongoTransaction
	err := s.col.FindOne(ctx, bson.M{"$or": clauses}).Decode(&doc)
	if err != nil {
		if err == mongo.ErrNoDocuments {
			return models.Transaction{}, ErrNotFound
		}
		return models.Transaction{}, fmt.Errorf("find transaction by reference: %w", err)
	}
	return doc.toModel()
}

func (s *MongoStore) ExpireStale(ctx context.Context, ttl time.Duration) (int64, error) {
	cutoff := s.clock().Add(-ttl)
	res, err := s.col.UpdateMany(ctx,
		bson.M{
			"status":     string(models.StatusPending),
			"created_at": bson.M{"$lt": cutoff},
		},
		bson.M{"$set": bson.M{
			"status":     string(models.StatusExpired),
			"updated_at": s.clock(),
		}},
	)
	if err != nil {
		return 0, fmt.Errorf("expire stale transactions: %w", err)
	}
	if res.ModifiedCount > 0 {
		s.log.Info("expired stale pending transactions", zap.Int64("count", res.ModifiedCount))
	}
	return res.ModifiedCount, nil
}
