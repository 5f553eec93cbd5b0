package mongo

import (
	"context"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/baechuer/parcel-registry/internal/domain"
)

// Connect dials the document store and verifies it with a bounded ping.
func Connect(ctx context.Context, uri string) (*mongo.Client, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, err
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx, nil); err != nil {
		_ = client.Disconnect(ctx)
		return nil, err
	}
	return client, nil
}

// AuditStore keeps one calculation document per parcel. The register
// strategy inserts, the recalculate strategy upserts, and the analytics
// endpoint aggregates over calculated_at.
type AuditStore struct {
	col *mongo.Collection
}

func NewAuditStore(client *mongo.Client, db, collection string) *AuditStore {
	return &AuditStore{col: client.Database(db).Collection(collection)}
}

func (s *AuditStore) Insert(ctx context.Context, doc domain.CalculationAudit) error {
	_, err := s.col.InsertOne(ctx, doc)
	return err
}

// Upsert replaces the calculation fields keyed by parcel_id, keeping a
// single document per parcel across recalculations.
func (s *AuditStore) Upsert(ctx context.Context, doc domain.CalculationAudit) error {
	set := bson.M{
		"session_id":       doc.SessionID,
		"type_id":          doc.TypeID,
		"calculated_price": doc.CalculatedPrice,
		"calculated_at":    doc.CalculatedAt,
	}
	if doc.RecalculatedAt != nil {
		set["recalculated_at"] = *doc.RecalculatedAt
	}

	_, err := s.col.UpdateOne(ctx,
		bson.M{"parcel_id": doc.ParcelID},
		bson.M{"$set": set},
		options.Update().SetUpsert(true),
	)
	return err
}

// SummarizeByType groups calculated prices per type over [from, to).
func (s *AuditStore) SummarizeByType(ctx context.Context, from, to time.Time) ([]domain.DeliverySummaryItem, error) {
	pipeline := mongo.Pipeline{
		{{Key: "$match", Value: bson.M{
			"calculated_at": bson.M{"$gte": from, "$lt": to},
		}}},
		{{Key: "$group", Value: bson.M{
			"_id":   "$type_id",
			"total": bson.M{"$sum": "$calculated_price"},
		}}},
		{{Key: "$sort", Value: bson.D{{Key: "_id", Value: 1}}}},
	}

	cur, err := s.col.Aggregate(ctx, pipeline)
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	var out []domain.DeliverySummaryItem
	for cur.Next(ctx) {
		var row struct {
			TypeID int     `bson:"_id"`
			Total  float64 `bson:"total"`
		}
		if err := cur.Decode(&row); err != nil {
			return nil, err
		}
		out = append(out, domain.DeliverySummaryItem{TypeID: row.TypeID, Total: row.Total})
	}
	if err := cur.Err(); err != nil {
		return nil, err
	}
	return out, nil
}
