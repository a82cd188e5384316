package services

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.uber.org/zap"
)

// OrderGateway is the storefront side of the deal: once a transaction first
// reaches COMPLETED, the order gets marked paid exactly once.
type OrderGateway interface {
	MarkPaid(ctx context.Context, orderID string) error
}

// MongoOrderGateway flips the order's payment_status in the shared orders
// collection. The storefront owns everything else about the order.
type MongoOrderGateway struct {
	col *mongo.Collection
	log *zap.Logger
}

func NewMongoOrderGateway(db *mongo.Database, log *zap.Logger) *MongoOrderGateway {
	return &MongoOrderGateway{
		col: db.Collection("orders"),
		log: log,
	}
}

func (g *MongoOrderGateway) MarkPaid(ctx context.Context, orderID string) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	res, err := g.col.UpdateOne(ctx,
		bson.M{"order_id": orderID},
		bson.M{"$set": bson.M{
			"payment_status": "paid",
			"status":         "processing",
			"updated_at":     time.Now(),
		}},
	)
	if err != nil {
		return fmt.Errorf("mark order %s paid: %w", orderID, err)
	}
	if res.MatchedCount == 0 {
		// The payment is real even if the order row is missing; surface the
		// anomaly in logs instead of failing the reconciliation.
		g.log.Warn("order not found while marking paid", zap.String("order_id", orderID))
	} else {
		g.log.Info("order marked paid", zap.String("order_id", orderID))
	}
	return nil
}
