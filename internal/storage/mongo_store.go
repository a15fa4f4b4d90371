package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/example/roadside-dispatch/internal/models"
)

const (
	requestsCollection  = "service_requests"
	policiesCollection  = "pricing_policies"
	providersCollection = "providers"
	earningsCollection  = "earnings"
)

// MongoStore keeps each service request as one document so every
// conditional update is a single-document atomic operation.
type MongoStore struct {
	client *mongo.Client
	db     *mongo.Database
}

type earningDoc struct {
	RequestID  string      `bson:"_id"`
	ProviderID string      `bson:"provider_id"`
	Role       models.Role `bson:"provider_role"`
	Amount     float64     `bson:"amount"`
	Currency   string      `bson:"currency"`
	At         time.Time   `bson:"at"`
}

func NewMongoStore(ctx context.Context, uri, database string) (*MongoStore, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("mongo connect: %w", err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("mongo ping: %w", err)
	}
	return &MongoStore{client: client, db: client.Database(database)}, nil
}

// Migrate creates the indexes the queries rely on.
func (m *MongoStore) Migrate(ctx context.Context) error {
	_, err := m.db.Collection(requestsCollection).Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "assigned_provider_id", Value: 1}, {Key: "status", Value: 1}}},
		{Keys: bson.D{{Key: "created_at", Value: 1}}},
	})
	if err != nil {
		return err
	}
	_, err = m.db.Collection(policiesCollection).Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "updated_at", Value: -1}},
	})
	return err
}

func (m *MongoStore) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return m.client.Disconnect(ctx)
}

func (m *MongoStore) requests() *mongo.Collection { return m.db.Collection(requestsCollection) }

func (m *MongoStore) CreateRequest(ctx context.Context, r *models.ServiceRequest) error {
	doc := r.Clone()
	// $push needs arrays, not nulls
	if doc.AcceptanceLog == nil {
		doc.AcceptanceLog = []models.AcceptanceEntry{}
	}
	if doc.LocationHistory == nil {
		doc.LocationHistory = []models.TrailPoint{}
	}
	if doc.Payment.Status == "" {
		doc.Payment.Status = models.PaymentPending
	}
	_, err := m.requests().InsertOne(ctx, doc)
	if mongo.IsDuplicateKeyError(err) {
		return ErrConflict
	}
	return err
}

func (m *MongoStore) GetRequest(ctx context.Context, id string) (*models.ServiceRequest, error) {
	var r models.ServiceRequest
	err := m.requests().FindOne(ctx, bson.M{"_id": id}).Decode(&r)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &r, nil
}

func (m *MongoStore) findAndUpdate(ctx context.Context, filter, update bson.M) (*models.ServiceRequest, error) {
	opts := options.FindOneAndUpdate().SetReturnDocument(options.After)
	var r models.ServiceRequest
	err := m.requests().FindOneAndUpdate(ctx, filter, update, opts).Decode(&r)
	if err != nil {
		return nil, err
	}
	return &r, nil
}

func (m *MongoStore) AssignIfPending(ctx context.Context, p AssignParams) (*models.ServiceRequest, bool, error) {
	entry := models.AcceptanceEntry{ProviderID: p.ProviderID, Role: p.Role, At: p.At}
	r, err := m.findAndUpdate(ctx,
		bson.M{"_id": p.RequestID, "status": models.StatusPending},
		bson.M{
			"$set": bson.M{
				"status":                 p.Status,
				"assigned_provider_id":   p.ProviderID,
				"assigned_provider_role": p.Role,
				"otp":                    p.OTP,
				"updated_at":             p.At,
			},
			"$push": bson.M{"acceptance_log": entry},
		})
	if err == nil {
		return r, true, nil
	}
	if !errors.Is(err, mongo.ErrNoDocuments) {
		return nil, false, err
	}
	// lost the race or never pending: still log the attempt
	r, err = m.findAndUpdate(ctx, bson.M{"_id": p.RequestID}, bson.M{"$push": bson.M{"acceptance_log": entry}})
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, false, ErrNotFound
	}
	if err != nil {
		return nil, false, err
	}
	return r, false, nil
}

func (m *MongoStore) conditional(ctx context.Context, id string, filter, update bson.M) (*models.ServiceRequest, error) {
	r, err := m.findAndUpdate(ctx, filter, update)
	if errors.Is(err, mongo.ErrNoDocuments) {
		if _, gerr := m.GetRequest(ctx, id); gerr != nil {
			return nil, gerr
		}
		return nil, ErrConflict
	}
	return r, err
}

func (m *MongoStore) TransitionStatus(ctx context.Context, id string, from, to models.Status, at time.Time) (*models.ServiceRequest, error) {
	return m.conditional(ctx, id,
		bson.M{"_id": id, "status": from},
		bson.M{"$set": bson.M{"status": to, "updated_at": at}})
}

func (m *MongoStore) Complete(ctx context.Context, id string, c Completion) (*models.ServiceRequest, error) {
	return m.conditional(ctx, id,
		bson.M{"_id": id, "status": c.From},
		bson.M{"$set": bson.M{
			"status":          models.StatusCompleted,
			"distance_meters": c.DistanceMeters,
			"payment":         c.Payment,
			"completed_at":    c.At,
			"updated_at":      c.At,
		}})
}

func (m *MongoStore) AppendTrailPoint(ctx context.Context, id string, p models.TrailPoint) (bool, error) {
	res, err := m.requests().UpdateOne(ctx,
		bson.M{"_id": id, "status": bson.M{"$in": models.ActiveStatuses}},
		bson.M{"$push": bson.M{"location_history": p}})
	if err != nil {
		return false, err
	}
	if res.MatchedCount == 0 {
		n, err := m.requests().CountDocuments(ctx, bson.M{"_id": id})
		if err != nil {
			return false, err
		}
		if n == 0 {
			return false, ErrNotFound
		}
		return false, nil
	}
	return true, nil
}

func (m *MongoStore) FindActiveByProvider(ctx context.Context, providerID string) (*models.ServiceRequest, error) {
	opts := options.FindOne().SetSort(bson.D{{Key: "updated_at", Value: -1}})
	var r models.ServiceRequest
	err := m.requests().FindOne(ctx, bson.M{
		"assigned_provider_id": providerID,
		"status":               bson.M{"$in": models.ActiveStatuses},
	}, opts).Decode(&r)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &r, nil
}

func (m *MongoStore) CountActiveSince(ctx context.Context, since time.Time) (int, error) {
	n, err := m.requests().CountDocuments(ctx, bson.M{
		"created_at": bson.M{"$gte": since},
		"status":     bson.M{"$in": openStatuses()},
	})
	return int(n), err
}

func (m *MongoStore) LatestPolicy(ctx context.Context) (models.PricingPolicy, error) {
	opts := options.FindOne().SetSort(bson.D{{Key: "updated_at", Value: -1}, {Key: "_id", Value: -1}})
	var p models.PricingPolicy
	err := m.db.Collection(policiesCollection).FindOne(ctx, bson.M{}, opts).Decode(&p)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return models.PricingPolicy{}, ErrNotFound
	}
	return p, err
}

func (m *MongoStore) SavePolicy(ctx context.Context, p models.PricingPolicy) error {
	_, err := m.db.Collection(policiesCollection).InsertOne(ctx, p)
	return err
}

func (m *MongoStore) SetAvailability(ctx context.Context, providerID string, role models.Role, available bool) error {
	_, err := m.db.Collection(providersCollection).UpdateOne(ctx,
		bson.M{"_id": providerID},
		bson.M{"$set": bson.M{"role": role, "available": available, "updated_at": time.Now().UTC()}},
		options.Update().SetUpsert(true))
	return err
}

func (m *MongoStore) RecordEarning(ctx context.Context, e Earning) (bool, error) {
	_, err := m.db.Collection(earningsCollection).InsertOne(ctx, earningDoc(e))
	if mongo.IsDuplicateKeyError(err) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("record earning %s: %w", e.RequestID, err)
	}
	return true, nil
}

var _ Store = (*MongoStore)(nil)
