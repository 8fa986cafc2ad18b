package membership

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

const (
	collSubscriptions = "subscriptions"
	collAttendance    = "attendance"
	collPayments      = "payments"
)

var liveStatuses = []Status{StatusTrial, StatusTrialExpired, StatusPending, StatusActive, StatusPastDue}

// MongoStores bundles the MongoDB-backed implementations of the three
// persistence ports over a single database handle.
type MongoStores struct {
	Subscriptions *MongoSubscriptionStore
	Attendance    *MongoAttendanceStore
	Ledger        *MongoPaymentLedger
}

// NewMongoStores wires the stores and creates the indexes the engine's
// invariants rest on: the unique sparse agreement id, the unique
// (user, group, day) attendance key and the unique gateway payment id.
func NewMongoStores(ctx context.Context, db *mongo.Database) (*MongoStores, error) {
	s := &MongoStores{
		Subscriptions: &MongoSubscriptionStore{coll: db.Collection(collSubscriptions)},
		Attendance:    &MongoAttendanceStore{coll: db.Collection(collAttendance)},
		Ledger:        &MongoPaymentLedger{coll: db.Collection(collPayments)},
	}
	if err := s.ensureIndexes(ctx); err != nil {
		return nil, fmt.Errorf("membership: failed to create indexes: %w", err)
	}
	return s, nil
}

func (s *MongoStores) ensureIndexes(ctx context.Context) error {
	_, err := s.Subscriptions.coll.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "user_id", Value: 1}, {Key: "academy_id", Value: 1}}},
		{Keys: bson.D{{Key: "user_id", Value: 1}, {Key: "status", Value: 1}}},
		{
			Keys:    bson.D{{Key: "gateway.agreement_id", Value: 1}},
			Options: options.Index().SetUnique(true).SetSparse(true),
		},
	})
	if err != nil {
		return err
	}
	_, err = s.Attendance.coll.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "user_id", Value: 1}, {Key: "group_id", Value: 1}, {Key: "day", Value: 1}},
			Options: options.Index().SetUnique(true),
		},
		{Keys: bson.D{{Key: "subscription_id", Value: 1}, {Key: "counted_as_trial", Value: 1}}},
	})
	if err != nil {
		return err
	}
	_, err = s.Ledger.coll.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "gateway_payment_id", Value: 1}},
		Options: options.Index().SetUnique(true),
	})
	return err
}

// subscriptionDoc is the BSON shape of a Subscription. UUIDs are stored
// as strings so documents stay readable in the shell and indexable
// without binary subtype concerns.
type subscriptionDoc struct {
	ID           string           `bson:"_id"`
	UserID       string           `bson:"user_id"`
	AcademyID    string           `bson:"academy_id"`
	GroupID      *string          `bson:"group_id,omitempty"`
	Status       Status           `bson:"status"`
	Trial        Trial            `bson:"trial"`
	Billing      Billing          `bson:"billing"`
	Gateway      GatewayAgreement `bson:"gateway"`
	ActivatedAt  *time.Time       `bson:"activated_at,omitempty"`
	PausedAt     *time.Time       `bson:"paused_at,omitempty"`
	CancelledAt  *time.Time       `bson:"cancelled_at,omitempty"`
	CancelReason string           `bson:"cancel_reason,omitempty"`
	CreatedAt    time.Time        `bson:"created_at"`
	UpdatedAt    time.Time        `bson:"updated_at"`
	Version      int64            `bson:"version"`
}

func toSubscriptionDoc(s *Subscription) subscriptionDoc {
	doc := subscriptionDoc{
		ID:           s.ID.String(),
		UserID:       s.UserID.String(),
		AcademyID:    s.AcademyID.String(),
		Status:       s.Status,
		Trial:        s.Trial,
		Billing:      s.Billing,
		Gateway:      s.Gateway,
		ActivatedAt:  s.ActivatedAt,
		PausedAt:     s.PausedAt,
		CancelledAt:  s.CancelledAt,
		CancelReason: s.CancelReason,
		CreatedAt:    s.CreatedAt,
		UpdatedAt:    s.UpdatedAt,
		Version:      s.Version,
	}
	if s.GroupID != nil {
		g := s.GroupID.String()
		doc.GroupID = &g
	}
	return doc
}

func (d subscriptionDoc) toSubscription() (*Subscription, error) {
	id, err := uuid.Parse(d.ID)
	if err != nil {
		return nil, fmt.Errorf("membership: bad subscription id %q: %w", d.ID, err)
	}
	userID, err := uuid.Parse(d.UserID)
	if err != nil {
		return nil, fmt.Errorf("membership: bad user id %q: %w", d.UserID, err)
	}
	academyID, err := uuid.Parse(d.AcademyID)
	if err != nil {
		return nil, fmt.Errorf("membership: bad academy id %q: %w", d.AcademyID, err)
	}
	sub := &Subscription{
		ID:           id,
		UserID:       userID,
		AcademyID:    academyID,
		Status:       d.Status,
		Trial:        d.Trial,
		Billing:      d.Billing,
		Gateway:      d.Gateway,
		ActivatedAt:  d.ActivatedAt,
		PausedAt:     d.PausedAt,
		CancelledAt:  d.CancelledAt,
		CancelReason: d.CancelReason,
		CreatedAt:    d.CreatedAt,
		UpdatedAt:    d.UpdatedAt,
		Version:      d.Version,
	}
	if d.GroupID != nil {
		g, err := uuid.Parse(*d.GroupID)
		if err != nil {
			return nil, fmt.Errorf("membership: bad group id %q: %w", *d.GroupID, err)
		}
		sub.GroupID = &g
	}
	return sub, nil
}

// MongoSubscriptionStore implements SubscriptionStore on MongoDB. The
// Update compare-and-swap filters on (_id, version) so a lost race
// matches zero documents instead of overwriting a newer record.
type MongoSubscriptionStore struct {
	coll *mongo.Collection
}

func (m *MongoSubscriptionStore) Create(ctx context.Context, s *Subscription) error {
	_, err := m.coll.InsertOne(ctx, toSubscriptionDoc(s))
	if mongo.IsDuplicateKeyError(err) {
		return ErrAlreadySubscribed
	}
	return err
}

func (m *MongoSubscriptionStore) Get(ctx context.Context, id uuid.UUID) (*Subscription, error) {
	return m.findOne(ctx, bson.M{"_id": id.String()})
}

func (m *MongoSubscriptionStore) FindByAgreementID(ctx context.Context, agreementID string) (*Subscription, error) {
	if agreementID == "" {
		return nil, ErrSubscriptionNotFound
	}
	return m.findOne(ctx, bson.M{"gateway.agreement_id": agreementID})
}

func (m *MongoSubscriptionStore) FindLive(ctx context.Context, userID, academyID uuid.UUID) (*Subscription, error) {
	return m.findOne(ctx, bson.M{
		"user_id":    userID.String(),
		"academy_id": academyID.String(),
		"status":     bson.M{"$in": liveStatuses},
	})
}

func (m *MongoSubscriptionStore) Update(ctx context.Context, s *Subscription) error {
	doc := toSubscriptionDoc(s)
	doc.Version = s.Version + 1

	res, err := m.coll.ReplaceOne(ctx, bson.M{"_id": doc.ID, "version": s.Version}, doc)
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		// Distinguish a lost race from a missing record.
		n, err := m.coll.CountDocuments(ctx, bson.M{"_id": doc.ID})
		if err != nil {
			return err
		}
		if n == 0 {
			return ErrSubscriptionNotFound
		}
		return ErrConcurrencyConflict
	}
	s.Version++
	return nil
}

func (m *MongoSubscriptionStore) findOne(ctx context.Context, filter bson.M) (*Subscription, error) {
	var doc subscriptionDoc
	if err := m.coll.FindOne(ctx, filter).Decode(&doc); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, ErrSubscriptionNotFound
		}
		return nil, err
	}
	return doc.toSubscription()
}

type attendanceDoc struct {
	ID             string    `bson:"_id"`
	SubscriptionID string    `bson:"subscription_id"`
	UserID         string    `bson:"user_id"`
	AcademyID      string    `bson:"academy_id"`
	GroupID        string    `bson:"group_id"`
	Day            time.Time `bson:"day"`
	CountedAsTrial bool      `bson:"counted_as_trial"`
	RegisteredBy   string    `bson:"registered_by"`
	CreatedAt      time.Time `bson:"created_at"`
}

// MongoAttendanceStore implements AttendanceStore; the unique index on
// (user_id, group_id, day) is the duplicate gate.
type MongoAttendanceStore struct {
	coll *mongo.Collection
}

func (m *MongoAttendanceStore) Insert(ctx context.Context, a *Attendance) error {
	_, err := m.coll.InsertOne(ctx, attendanceDoc{
		ID:             a.ID.String(),
		SubscriptionID: a.SubscriptionID.String(),
		UserID:         a.UserID.String(),
		AcademyID:      a.AcademyID.String(),
		GroupID:        a.GroupID.String(),
		Day:            a.Day,
		CountedAsTrial: a.CountedAsTrial,
		RegisteredBy:   a.RegisteredBy.String(),
		CreatedAt:      a.CreatedAt,
	})
	if mongo.IsDuplicateKeyError(err) {
		return ErrDuplicateAttendance
	}
	return err
}

func (m *MongoAttendanceStore) Stats(ctx context.Context, subscriptionID uuid.UUID) (AttendanceStats, error) {
	var stats AttendanceStats
	total, err := m.coll.CountDocuments(ctx, bson.M{"subscription_id": subscriptionID.String()})
	if err != nil {
		return stats, err
	}
	trial, err := m.coll.CountDocuments(ctx, bson.M{
		"subscription_id":  subscriptionID.String(),
		"counted_as_trial": true,
	})
	if err != nil {
		return stats, err
	}
	stats.Total = total
	stats.Trial = trial
	stats.Paid = total - trial
	return stats, nil
}

type paymentDoc struct {
	ID                 string    `bson:"_id"`
	GatewayPaymentID   string    `bson:"gateway_payment_id"`
	SubscriptionID     string    `bson:"subscription_id"`
	Price              Money     `bson:"price"`
	RemoteStatus       string    `bson:"remote_status"`
	RemoteStatusDetail string    `bson:"remote_status_detail,omitempty"`
	ExternalReference  string    `bson:"external_reference,omitempty"`
	ProcessedAt        time.Time `bson:"processed_at"`
}

// MongoPaymentLedger implements PaymentLedger; the unique index on
// gateway_payment_id enforces the idempotency invariant at the
// persistence layer, outside any application lock.
type MongoPaymentLedger struct {
	coll *mongo.Collection
}

func (m *MongoPaymentLedger) Exists(ctx context.Context, gatewayPaymentID string) (bool, error) {
	n, err := m.coll.CountDocuments(ctx, bson.M{"gateway_payment_id": gatewayPaymentID})
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (m *MongoPaymentLedger) Append(ctx context.Context, p *Payment) error {
	_, err := m.coll.InsertOne(ctx, paymentDoc{
		ID:                 p.ID.String(),
		GatewayPaymentID:   p.GatewayPaymentID,
		SubscriptionID:     p.SubscriptionID.String(),
		Price:              p.Price,
		RemoteStatus:       p.RemoteStatus,
		RemoteStatusDetail: p.RemoteStatusDetail,
		ExternalReference:  p.ExternalReference,
		ProcessedAt:        p.ProcessedAt,
	})
	if mongo.IsDuplicateKeyError(err) {
		return ErrDuplicatePayment
	}
	return err
}
