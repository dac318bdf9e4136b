package storage

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"

	"reminder-store/internal/errs"
	"reminder-store/internal/reminder"
)

const mongoSchemaVersion = 1

// MongoStorage implements Repository on MongoDB. Each operation relies on
// single-document atomicity; ids come from a counters collection.
type MongoStorage struct {
	client               *mongo.Client
	database             *mongo.Database
	reminderCollection   *mongo.Collection
	preferenceCollection *mongo.Collection
	metadataCollection   *mongo.Collection
	counterCollection    *mongo.Collection
	opts                 Options
	closed               bool
	mu                   sync.Mutex
}

// Counter document structure for ID generation
type Counter struct {
	ID    string `bson:"_id"`
	Value int    `bson:"value"`
}

type mongoReminder struct {
	ID                  string     `bson:"_id"`
	UserID              string     `bson:"user_id"`
	Title               string     `bson:"title"`
	Description         string     `bson:"description"`
	DueAt               time.Time  `bson:"due_at"`
	Category            string     `bson:"category"`
	Priority            string     `bson:"priority"`
	NotificationEnabled bool       `bson:"notification_enabled"`
	AlertTimings        []int      `bson:"alert_timings"`
	Status              string     `bson:"status"`
	CreatedAt           time.Time  `bson:"created_at"`
	UpdatedAt           time.Time  `bson:"updated_at"`
	CompletedAt         *time.Time `bson:"completed_at,omitempty"`
	Version             int64      `bson:"version"`
}

func toMongoReminder(r *reminder.Reminder) *mongoReminder {
	return &mongoReminder{
		ID:                  r.ID,
		UserID:              r.UserID,
		Title:               r.Title,
		Description:         r.Description,
		DueAt:               r.DueAt,
		Category:            string(r.Category),
		Priority:            string(r.Priority),
		NotificationEnabled: r.NotificationEnabled,
		AlertTimings:        r.AlertTimings,
		Status:              string(r.Status),
		CreatedAt:           r.CreatedAt,
		UpdatedAt:           r.UpdatedAt,
		CompletedAt:         r.CompletedAt,
		Version:             r.Version,
	}
}

func (m *mongoReminder) toReminder() *reminder.Reminder {
	r := &reminder.Reminder{
		ID:                  m.ID,
		UserID:              m.UserID,
		Title:               m.Title,
		Description:         m.Description,
		DueAt:               m.DueAt.UTC(),
		Category:            reminder.Category(m.Category),
		Priority:            reminder.Priority(m.Priority),
		NotificationEnabled: m.NotificationEnabled,
		AlertTimings:        m.AlertTimings,
		Status:              reminder.Status(m.Status),
		CreatedAt:           m.CreatedAt.UTC(),
		UpdatedAt:           m.UpdatedAt.UTC(),
		Version:             m.Version,
	}
	if m.CompletedAt != nil {
		t := m.CompletedAt.UTC()
		r.CompletedAt = &t
	}
	return r
}

type mongoPreferences struct {
	UserID      string                    `bson:"_id"`
	Preferences *reminder.UserPreferences `bson:"preferences"`
	UpdatedAt   time.Time                 `bson:"updated_at"`
}

type mongoMetadata struct {
	Key       string    `bson:"_id"`
	Value     string    `bson:"value"`
	UpdatedAt time.Time `bson:"updated_at"`
}

// NewMongoStorage connects to connectionString, verifies the server answers
// and prepares indexes and counters in databaseName.
func NewMongoStorage(ctx context.Context, connectionString, databaseName string, opts Options) (*MongoStorage, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(connectionString))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to MongoDB: %w: %w", errs.ErrBackendUnavailable, err)
	}

	// Test the connection
	if err := client.Ping(ctx, nil); err != nil {
		client.Disconnect(context.Background())
		return nil, fmt.Errorf("failed to ping MongoDB: %w: %w", errs.ErrBackendUnavailable, err)
	}

	database := client.Database(databaseName)
	ms := &MongoStorage{
		client:               client,
		database:             database,
		reminderCollection:   database.Collection("reminders"),
		preferenceCollection: database.Collection("preferences"),
		metadataCollection:   database.Collection("metadata"),
		counterCollection:    database.Collection("counters"),
		opts:                 opts.withDefaults(),
	}

	if err := ms.ensureIndexes(ctx); err != nil {
		client.Disconnect(context.Background())
		return nil, fmt.Errorf("failed to create indexes: %w", err)
	}
	if err := ms.initializeCounters(ctx); err != nil {
		client.Disconnect(context.Background())
		return nil, fmt.Errorf("failed to initialize counters: %w", err)
	}
	if err := ms.setMetadata(ctx, "schema_version", fmt.Sprintf("%d", mongoSchemaVersion)); err != nil {
		client.Disconnect(context.Background())
		return nil, err
	}
	return ms, nil
}

func (ms *MongoStorage) ensureIndexes(ctx context.Context) error {
	models := []mongo.IndexModel{
		{Keys: bson.D{{Key: "user_id", Value: 1}}, Options: options.Index().SetName("idx_reminders_user")},
		{Keys: bson.D{{Key: "status", Value: 1}}, Options: options.Index().SetName("idx_reminders_status")},
		{Keys: bson.D{{Key: "due_at", Value: 1}}, Options: options.Index().SetName("idx_reminders_due")},
		{Keys: bson.D{{Key: "user_id", Value: 1}, {Key: "status", Value: 1}}, Options: options.Index().SetName("idx_reminders_user_status")},
	}
	if _, err := ms.reminderCollection.Indexes().CreateMany(ctx, models); err != nil {
		return mapMongoError("create indexes", err)
	}
	ms.opts.Logger.Debug("ensured MongoDB indexes", zap.Int("count", len(models)))
	return nil
}

// initializeCounters initializes the counter documents if they don't exist
func (ms *MongoStorage) initializeCounters(ctx context.Context) error {
	filter := bson.M{"_id": "reminder"}
	update := bson.M{"$setOnInsert": bson.M{"_id": "reminder", "value": 0}}
	opts := options.Update().SetUpsert(true)

	if _, err := ms.counterCollection.UpdateOne(ctx, filter, update, opts); err != nil {
		return mapMongoError("initialize reminder counter", err)
	}
	return nil
}

// getNextCounter atomically increments and returns the next counter value
func (ms *MongoStorage) getNextCounter(ctx context.Context, counterType string) (int, error) {
	filter := bson.M{"_id": counterType}
	update := bson.M{"$inc": bson.M{"value": 1}}
	opts := options.FindOneAndUpdate().SetReturnDocument(options.After).SetUpsert(true)

	var counter Counter
	if err := ms.counterCollection.FindOneAndUpdate(ctx, filter, update, opts).Decode(&counter); err != nil {
		return 0, mapMongoError("get next counter for "+counterType, err)
	}
	return counter.Value, nil
}

// nextID returns an unused rem<N> id.
func (ms *MongoStorage) nextID(ctx context.Context) (string, error) {
	for {
		value, err := ms.getNextCounter(ctx, "reminder")
		if err != nil {
			return "", err
		}
		id := fmt.Sprintf("rem%d", value)
		n, err := ms.reminderCollection.CountDocuments(ctx, bson.M{"_id": id})
		if err != nil {
			return "", mapMongoError("check reminder id", err)
		}
		if n == 0 {
			return id, nil
		}
	}
}

func mapMongoError(op string, err error) error {
	switch {
	case errors.Is(err, errs.ErrValidation), errors.Is(err, errs.ErrNotFound), errors.Is(err, ErrClosed):
		return err
	case mongo.IsDuplicateKeyError(err):
		return fmt.Errorf("failed to %s: %w: %w", op, errs.ErrTransactionFailed, err)
	case mongo.IsTimeout(err), mongo.IsNetworkError(err),
		errors.Is(err, context.DeadlineExceeded), errors.Is(err, mongo.ErrClientDisconnected):
		return fmt.Errorf("failed to %s: %w: %w", op, errs.ErrBackendUnavailable, err)
	}
	var we mongo.WriteException
	if errors.As(err, &we) {
		return fmt.Errorf("failed to %s: %w: %w", op, errs.ErrTransactionFailed, err)
	}
	return fmt.Errorf("failed to %s: %w", op, err)
}

func (ms *MongoStorage) findReminder(ctx context.Context, id string) (*reminder.Reminder, error) {
	var doc mongoReminder
	err := ms.reminderCollection.FindOne(ctx, bson.M{"_id": id}).Decode(&doc)
	if err != nil {
		if err == mongo.ErrNoDocuments {
			return nil, nil
		}
		return nil, mapMongoError("get reminder", err)
	}
	return doc.toReminder(), nil
}

// Reminder operations
func (ms *MongoStorage) SaveReminder(ctx context.Context, r *reminder.Reminder) (*reminder.Reminder, error) {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	if ms.closed {
		return nil, ErrClosed
	}

	var existing *reminder.Reminder
	if r != nil && r.ID != "" {
		var err error
		if existing, err = ms.findReminder(ctx, r.ID); err != nil {
			return nil, err
		}
	}
	stored, err := prepareSave(r, existing, ms.opts)
	if err != nil {
		return nil, err
	}
	if stored.ID == "" {
		if stored.ID, err = ms.nextID(ctx); err != nil {
			return nil, err
		}
	}

	opts := options.Replace().SetUpsert(true)
	if _, err := ms.reminderCollection.ReplaceOne(ctx, bson.M{"_id": stored.ID}, toMongoReminder(stored), opts); err != nil {
		return nil, mapMongoError("save reminder", err)
	}
	return stored, nil
}

func (ms *MongoStorage) GetReminders(ctx context.Context, userID string, f reminder.Filter) ([]*reminder.Reminder, error) {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	if ms.closed {
		return nil, ErrClosed
	}

	_, err := ms.reminderCollection.UpdateMany(ctx,
		bson.M{"user_id": userID, "status": reminder.StatusActive, "due_at": bson.M{"$lte": ms.opts.Now()}},
		bson.M{"$set": bson.M{"status": reminder.StatusOverdue}})
	if err != nil {
		return nil, mapMongoError("refresh overdue reminders", err)
	}

	filter := bson.M{"user_id": userID}
	if f.Status != "" {
		filter["status"] = f.Status
	}
	if f.Category != "" {
		filter["category"] = f.Category
	}
	if f.Priority != "" {
		filter["priority"] = f.Priority
	}
	if f.DueFrom != nil || f.DueTo != nil {
		due := bson.M{}
		if f.DueFrom != nil {
			due["$gte"] = *f.DueFrom
		}
		if f.DueTo != nil {
			due["$lte"] = *f.DueTo
		}
		filter["due_at"] = due
	}

	cursor, err := ms.reminderCollection.Find(ctx, filter, options.Find().SetSort(bson.D{{Key: "due_at", Value: 1}}))
	if err != nil {
		return nil, mapMongoError("list reminders", err)
	}
	defer cursor.Close(ctx)

	list := make([]*reminder.Reminder, 0)
	for cursor.Next(ctx) {
		var doc mongoReminder
		if err := cursor.Decode(&doc); err != nil {
			return nil, fmt.Errorf("failed to decode reminder: %w: %v", errs.ErrStorageCorrupted, err)
		}
		list = append(list, doc.toReminder())
	}
	if err := cursor.Err(); err != nil {
		return nil, mapMongoError("list reminders", err)
	}
	reminder.Sort(list, f.Sort)
	return list, nil
}

func (ms *MongoStorage) GetReminderByID(ctx context.Context, id string) (*reminder.Reminder, bool, error) {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	if ms.closed {
		return nil, false, ErrClosed
	}

	r, err := ms.findReminder(ctx, id)
	if err != nil || r == nil {
		return nil, false, err
	}
	r.RefreshStatus(ms.opts.Now())
	return r, true, nil
}

// UpdateReminder replaces the document only if its version is unchanged
// since it was read.
func (ms *MongoStorage) UpdateReminder(ctx context.Context, id string, p reminder.Patch) (*reminder.Reminder, error) {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	if ms.closed {
		return nil, ErrClosed
	}

	existing, err := ms.findReminder(ctx, id)
	if err != nil {
		return nil, err
	}
	if existing == nil {
		return nil, fmt.Errorf("reminder %s: %w", id, errs.ErrNotFound)
	}
	updated, err := reminder.PrepareUpdate(existing, p, ms.opts.Now(), ms.opts.DefaultAlertTimings)
	if err != nil {
		return nil, err
	}

	res, err := ms.reminderCollection.ReplaceOne(ctx,
		bson.M{"_id": id, "version": existing.Version}, toMongoReminder(updated))
	if err != nil {
		return nil, mapMongoError("update reminder", err)
	}
	if res.MatchedCount == 0 {
		return nil, fmt.Errorf("failed to update reminder %s: %w: modified concurrently", id, errs.ErrTransactionFailed)
	}
	return updated, nil
}

func (ms *MongoStorage) DeleteReminder(ctx context.Context, id string) (bool, error) {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	if ms.closed {
		return false, ErrClosed
	}

	res, err := ms.reminderCollection.DeleteOne(ctx, bson.M{"_id": id})
	if err != nil {
		return false, mapMongoError("delete reminder", err)
	}
	return res.DeletedCount > 0, nil
}

// Preference operations
func (ms *MongoStorage) SaveUserPreferences(ctx context.Context, p *reminder.UserPreferences) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	if ms.closed {
		return ErrClosed
	}

	stored, err := preparePreferences(p, ms.opts)
	if err != nil {
		return err
	}
	return ms.savePreferences(ctx, stored)
}

func (ms *MongoStorage) savePreferences(ctx context.Context, p *reminder.UserPreferences) error {
	doc := mongoPreferences{UserID: p.UserID, Preferences: p, UpdatedAt: p.UpdatedAt}
	opts := options.Replace().SetUpsert(true)
	if _, err := ms.preferenceCollection.ReplaceOne(ctx, bson.M{"_id": p.UserID}, doc, opts); err != nil {
		return mapMongoError("save preferences", err)
	}
	return nil
}

func (ms *MongoStorage) GetUserPreferences(ctx context.Context, userID string) (*reminder.UserPreferences, bool, error) {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	if ms.closed {
		return nil, false, ErrClosed
	}

	var doc mongoPreferences
	err := ms.preferenceCollection.FindOne(ctx, bson.M{"_id": userID}).Decode(&doc)
	if err != nil {
		if err == mongo.ErrNoDocuments {
			return nil, false, nil
		}
		return nil, false, mapMongoError("get preferences", err)
	}
	if doc.Preferences == nil {
		return nil, false, fmt.Errorf("preferences of %s: %w", userID, errs.ErrStorageCorrupted)
	}
	doc.Preferences.UpdatedAt = doc.Preferences.UpdatedAt.UTC()
	return doc.Preferences, true, nil
}

// Aggregate and bulk operations
func (ms *MongoStorage) GetStatistics(ctx context.Context, userID string) (*reminder.Statistics, error) {
	rs, err := ms.GetReminders(ctx, userID, reminder.Filter{})
	if err != nil {
		return nil, err
	}
	return reminder.ComputeStatistics(rs, ms.opts.Now(), ms.opts.Location), nil
}

func (ms *MongoStorage) ExportAllData(ctx context.Context, userID string) (*reminder.Export, error) {
	return buildExport(ctx, ms, "mongo", userID, ms.opts)
}

// ImportData inserts each batch with one InsertMany.
func (ms *MongoStorage) ImportData(ctx context.Context, payload []byte, userID string) (int, error) {
	rs, prefs, err := prepareImport(payload, userID, ms.opts)
	if err != nil {
		return 0, err
	}

	ms.mu.Lock()
	defer ms.mu.Unlock()
	if ms.closed {
		return 0, ErrClosed
	}

	inserted := 0
	for _, batch := range batches(rs, ms.opts.ImportBatchSize) {
		docs := make([]interface{}, 0, len(batch))
		for _, r := range batch {
			if r.ID, err = ms.nextID(ctx); err != nil {
				return inserted, err
			}
			docs = append(docs, toMongoReminder(r))
		}
		res, err := ms.reminderCollection.InsertMany(ctx, docs)
		if res != nil {
			inserted += len(res.InsertedIDs)
		}
		if err != nil {
			return inserted, mapMongoError("import reminders", err)
		}
	}

	if prefs != nil {
		if err := ms.savePreferences(ctx, prefs); err != nil {
			return inserted, err
		}
	}
	return inserted, ms.setMetadata(ctx, MetaLastImport, fmt.Sprintf("%s:%d", userID, inserted))
}

func (ms *MongoStorage) ClearUserData(ctx context.Context, userID string) (int, error) {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	if ms.closed {
		return 0, ErrClosed
	}

	res, err := ms.reminderCollection.DeleteMany(ctx, bson.M{"user_id": userID})
	if err != nil {
		return 0, mapMongoError("clear reminders", err)
	}
	if _, err := ms.preferenceCollection.DeleteOne(ctx, bson.M{"_id": userID}); err != nil {
		return int(res.DeletedCount), mapMongoError("clear preferences", err)
	}
	return int(res.DeletedCount), ms.setMetadata(ctx, MetaLastClear, userID)
}

// Bookkeeping
func (ms *MongoStorage) setMetadata(ctx context.Context, key, value string) error {
	doc := mongoMetadata{Key: key, Value: value, UpdatedAt: ms.opts.Now()}
	opts := options.Replace().SetUpsert(true)
	if _, err := ms.metadataCollection.ReplaceOne(ctx, bson.M{"_id": key}, doc, opts); err != nil {
		return mapMongoError("set metadata", err)
	}
	return nil
}

func (ms *MongoStorage) SetMetadata(ctx context.Context, key, value string) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	if ms.closed {
		return ErrClosed
	}
	return ms.setMetadata(ctx, key, value)
}

func (ms *MongoStorage) GetMetadata(ctx context.Context, key string) (*reminder.Metadata, bool, error) {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	if ms.closed {
		return nil, false, ErrClosed
	}

	var doc mongoMetadata
	err := ms.metadataCollection.FindOne(ctx, bson.M{"_id": key}).Decode(&doc)
	if err != nil {
		if err == mongo.ErrNoDocuments {
			return nil, false, nil
		}
		return nil, false, mapMongoError("get metadata", err)
	}
	return &reminder.Metadata{Key: doc.Key, Value: doc.Value, UpdatedAt: doc.UpdatedAt.UTC()}, true, nil
}

func (ms *MongoStorage) GetDatabaseInfo(ctx context.Context) Info {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	info := Info{Type: KindIndexed, Name: "mongo", SchemaVersion: mongoSchemaVersion, Persistent: true}
	if ms.closed {
		info.Error = ErrClosed.Error()
		return info
	}

	n, err := ms.reminderCollection.CountDocuments(ctx, bson.M{})
	if err != nil {
		info.Error = mapMongoError("count reminders", err).Error()
		return info
	}
	info.Reminders = int(n)

	var stats bson.M
	if err := ms.database.RunCommand(ctx, bson.D{{Key: "dbStats", Value: 1}}).Decode(&stats); err != nil {
		info.Warning = "storage usage is not available"
		return info
	}
	switch size := stats["storageSize"].(type) {
	case int32:
		info.UsageBytes = int64(size)
	case int64:
		info.UsageBytes = size
	case float64:
		info.UsageBytes = int64(size)
	}
	return info
}

// Close disconnects the client. Calling it again is a no-op.
func (ms *MongoStorage) Close() error {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	if ms.closed {
		return nil
	}
	ms.closed = true
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return ms.client.Disconnect(ctx)
}
