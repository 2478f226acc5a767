package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"
)

const (
	notificationsCollection = "notifications"
	tasksCollection         = "tasks"
	usersCollection         = "users"
	poolsCollection         = "donation_pools"
	donationsCollection     = "donations"
)

// MongoStore implements Store on a MongoDB database.
type MongoStore struct {
	cli *mongo.Client
	db  *mongo.Database
}

// NewMongoStore connects to uri, verifies the connection and ensures indexes.
func NewMongoStore(ctx context.Context, uri, database string) (*MongoStore, error) {
	cli, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("connecting to mongodb: %w", err)
	}

	if err := cli.Ping(ctx, readpref.Primary()); err != nil {
		_ = cli.Disconnect(context.Background())
		return nil, fmt.Errorf("pinging mongodb: %w", err)
	}

	s := &MongoStore{cli: cli, db: cli.Database(database)}
	if err := s.ensureIndexes(ctx); err != nil {
		_ = cli.Disconnect(context.Background())
		return nil, err
	}

	slog.Info("connected to mongodb", "database", database)
	return s, nil
}

func (s *MongoStore) ensureIndexes(ctx context.Context) error {
	_, err := s.db.Collection(notificationsCollection).Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "recipient", Value: 1}, {Key: "is_read", Value: 1}}},
		{Keys: bson.D{{Key: "actor", Value: 1}}},
		{Keys: bson.D{{Key: "task_id", Value: 1}, {Key: "recipient", Value: 1}}},
	})
	if err != nil {
		return fmt.Errorf("creating notification indexes: %w", err)
	}
	return nil
}

// Close disconnects the client.
func (s *MongoStore) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.cli.Disconnect(ctx)
}

// --- Notifications ---

func (s *MongoStore) InsertNotification(ctx context.Context, n *NotificationRecord) error {
	if n.ID == "" {
		n.ID = uuid.NewString()
	}
	if n.CreatedAt.IsZero() {
		n.CreatedAt = time.Now().UTC()
	}
	if n.UpdatedAt.IsZero() {
		n.UpdatedAt = n.CreatedAt
	}

	if _, err := s.db.Collection(notificationsCollection).InsertOne(ctx, n); err != nil {
		return fmt.Errorf("inserting notification: %w", err)
	}
	return nil
}

func (s *MongoStore) UpsertTaskNotification(ctx context.Context, n *NotificationRecord) error {
	now := time.Now().UTC()
	id := n.ID
	if id == "" {
		id = uuid.NewString()
	}

	filter := bson.M{"task_id": n.TaskID, "recipient": n.Recipient}
	update := bson.M{
		"$set": bson.M{
			"actor":      n.Actor,
			"kind":       n.Kind,
			"message":    n.Message,
			"status":     n.Status,
			"is_read":    n.Read,
			"is_updated": n.Updated,
			"board_id":   n.BoardID,
			"board_name": n.BoardName,
			"updated_at": now,
		},
		"$setOnInsert": bson.M{
			"_id":        id,
			"pool_id":    n.PoolID,
			"created_at": now,
		},
	}
	opts := options.FindOneAndUpdate().
		SetUpsert(true).
		SetSort(bson.D{{Key: "created_at", Value: -1}}).
		SetReturnDocument(options.After)

	var saved NotificationRecord
	err := s.db.Collection(notificationsCollection).FindOneAndUpdate(ctx, filter, update, opts).Decode(&saved)
	if err != nil {
		return fmt.Errorf("upserting task notification: %w", err)
	}

	n.ID = saved.ID
	n.CreatedAt = saved.CreatedAt
	n.UpdatedAt = saved.UpdatedAt
	return nil
}

func (s *MongoStore) MarkAllNotificationsRead(ctx context.Context, recipient string) (int64, error) {
	res, err := s.db.Collection(notificationsCollection).UpdateMany(ctx,
		bson.M{"recipient": recipient, "is_read": false},
		bson.M{"$set": bson.M{"is_read": true, "updated_at": time.Now().UTC()}})
	if err != nil {
		return 0, fmt.Errorf("marking notifications read: %w", err)
	}
	return res.ModifiedCount, nil
}

func (s *MongoStore) MarkNotificationRead(ctx context.Context, id, recipient string) error {
	res, err := s.db.Collection(notificationsCollection).UpdateOne(ctx,
		bson.M{"_id": id, "recipient": recipient},
		bson.M{"$set": bson.M{"is_read": true, "updated_at": time.Now().UTC()}})
	if err != nil {
		return fmt.Errorf("marking notification read: %w", err)
	}
	if res.MatchedCount == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *MongoStore) ListNotifications(ctx context.Context, f NotificationFilter) ([]NotificationRecord, error) {
	filter := bson.M{}
	if f.Recipient != "" {
		filter["recipient"] = f.Recipient
	}
	if f.Actor != "" {
		filter["actor"] = f.Actor
	}
	if f.UnreadOnly {
		filter["is_read"] = false
	}

	opts := options.Find().SetSort(bson.D{{Key: "created_at", Value: -1}})
	if f.Limit > 0 {
		opts.SetLimit(int64(f.Limit))
	}

	cursor, err := s.db.Collection(notificationsCollection).Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("listing notifications: %w", err)
	}
	defer func() { _ = cursor.Close(ctx) }()

	out := []NotificationRecord{}
	if err := cursor.All(ctx, &out); err != nil {
		return nil, fmt.Errorf("decoding notifications: %w", err)
	}
	return out, nil
}

// --- Tasks ---

func (s *MongoStore) CreateTask(ctx context.Context, t *TaskRecord) error {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now().UTC()
	}
	if t.UpdatedAt.IsZero() {
		t.UpdatedAt = t.CreatedAt
	}

	if _, err := s.db.Collection(tasksCollection).InsertOne(ctx, t); err != nil {
		return fmt.Errorf("inserting task: %w", err)
	}
	return nil
}

func (s *MongoStore) GetTask(ctx context.Context, id string) (*TaskRecord, error) {
	var t TaskRecord
	err := s.db.Collection(tasksCollection).FindOne(ctx, bson.M{"_id": id}).Decode(&t)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("getting task: %w", err)
	}
	return &t, nil
}

func (s *MongoStore) UpdateTask(ctx context.Context, t *TaskRecord) error {
	t.UpdatedAt = time.Now().UTC()
	res, err := s.db.Collection(tasksCollection).UpdateOne(ctx, bson.M{"_id": t.ID}, bson.M{"$set": bson.M{
		"title":       t.Title,
		"description": t.Description,
		"status":      t.Status,
		"assigned_to": t.AssignedTo,
		"board_id":    t.BoardID,
		"board_name":  t.BoardName,
		"updated_at":  t.UpdatedAt,
	}})
	if err != nil {
		return fmt.Errorf("updating task: %w", err)
	}
	if res.MatchedCount == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *MongoStore) UpdateTaskDescription(ctx context.Context, id, description string) error {
	res, err := s.db.Collection(tasksCollection).UpdateOne(ctx, bson.M{"_id": id}, bson.M{"$set": bson.M{
		"description": description,
		"updated_at":  time.Now().UTC(),
	}})
	if err != nil {
		return fmt.Errorf("updating task description: %w", err)
	}
	if res.MatchedCount == 0 {
		return ErrNotFound
	}
	return nil
}

// --- Users ---

func (s *MongoStore) GetUser(ctx context.Context, email string) (*UserRecord, error) {
	var u UserRecord
	err := s.db.Collection(usersCollection).FindOne(ctx, bson.M{"_id": email}).Decode(&u)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("getting user: %w", err)
	}
	return &u, nil
}

func (s *MongoStore) UpsertUser(ctx context.Context, u *UserRecord) error {
	if u.CreatedAt.IsZero() {
		u.CreatedAt = time.Now().UTC()
	}
	team := u.Team
	if team == nil {
		team = []string{}
	}

	_, err := s.db.Collection(usersCollection).UpdateOne(ctx,
		bson.M{"_id": u.Email},
		bson.M{
			"$set":         bson.M{"name": u.Name, "role": u.Role, "team": team},
			"$setOnInsert": bson.M{"created_at": u.CreatedAt},
		},
		options.Update().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("upserting user: %w", err)
	}
	return nil
}

// --- Donations ---

func (s *MongoStore) CreateDonationPool(ctx context.Context, p *DonationPoolRecord) error {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
	}

	if _, err := s.db.Collection(poolsCollection).InsertOne(ctx, p); err != nil {
		return fmt.Errorf("inserting donation pool: %w", err)
	}
	return nil
}

func (s *MongoStore) GetDonationPool(ctx context.Context, id string) (*DonationPoolRecord, error) {
	var p DonationPoolRecord
	err := s.db.Collection(poolsCollection).FindOne(ctx, bson.M{"_id": id}).Decode(&p)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("getting donation pool: %w", err)
	}
	return &p, nil
}

func (s *MongoStore) AddDonation(ctx context.Context, d *DonationRecord) error {
	if d.ID == "" {
		d.ID = uuid.NewString()
	}
	if d.CreatedAt.IsZero() {
		d.CreatedAt = time.Now().UTC()
	}

	if _, err := s.db.Collection(donationsCollection).InsertOne(ctx, d); err != nil {
		return fmt.Errorf("inserting donation: %w", err)
	}
	return nil
}
