// Package mongo provides a durable sessionlog.Store backed by MongoDB.
//
// Grounded on features/session/mongo/store.go and
// features/session/mongo/clients/mongo/client.go, using
// go.mongodb.org/mongo-driver/v2 (the teacher's declared direct dependency)
// with one document per event keyed by (session_id, offset) and a
// findAndModify-based counter document for atomic offset allocation.
package mongo

import (
	"context"
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	mongodriver "go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"goa.design/goa-ai/engine/sessionlog"
)

const (
	defaultSessionsCollection = "alpha_sessions"
	defaultEventsCollection   = "alpha_events"
	defaultCountersCollection = "alpha_event_counters"
	defaultOpTimeout          = 5 * time.Second
)

// Options configures the Mongo-backed session log store.
type Options struct {
	Client             *mongodriver.Client
	Database           string
	SessionsCollection string
	EventsCollection   string
	CountersCollection string
	Timeout            time.Duration
}

// Store implements sessionlog.Store against MongoDB collections.
type Store struct {
	sessions *mongodriver.Collection
	events   *mongodriver.Collection
	counters *mongodriver.Collection
	timeout  time.Duration
}

type sessionDoc struct {
	ID          string    `bson:"_id"`
	AgentID     string    `bson:"agent_id"`
	CustomerID  string    `bson:"customer_id"`
	CreationUTC time.Time `bson:"creation_utc"`
	Title       string    `bson:"title"`
}

type eventDoc struct {
	ID            string         `bson:"_id"`
	SessionID     string         `bson:"session_id"`
	Offset        int64          `bson:"offset"`
	Kind          string         `bson:"kind"`
	Source        string         `bson:"source"`
	CorrelationID string         `bson:"correlation_id"`
	CreationUTC   time.Time      `bson:"creation_utc"`
	Data          map[string]any `bson:"data"`
	Deleted       bool           `bson:"deleted"`
}

// New constructs a Store and ensures the indexes/unique constraints that
// guarantee strictly increasing, gap-free offsets per session (spec.md
// invariant 1).
func New(opts Options) (*Store, error) {
	if opts.Client == nil {
		return nil, errors.New("mongo client is required")
	}
	if opts.Database == "" {
		return nil, errors.New("database name is required")
	}
	sessionsCollection := firstNonEmpty(opts.SessionsCollection, defaultSessionsCollection)
	eventsCollection := firstNonEmpty(opts.EventsCollection, defaultEventsCollection)
	countersCollection := firstNonEmpty(opts.CountersCollection, defaultCountersCollection)
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultOpTimeout
	}

	db := opts.Client.Database(opts.Database)
	s := &Store{
		sessions: db.Collection(sessionsCollection),
		events:   db.Collection(eventsCollection),
		counters: db.Collection(countersCollection),
		timeout:  timeout,
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	_, err := s.events.Indexes().CreateOne(ctx, mongodriver.IndexModel{
		Keys:    bson.D{{Key: "session_id", Value: 1}, {Key: "offset", Value: 1}},
		Options: options.Index().SetUnique(true),
	})
	if err != nil {
		return nil, err
	}
	return s, nil
}

// CreateSession implements sessionlog.Store.
func (s *Store) CreateSession(ctx context.Context, session sessionlog.Session) (sessionlog.Session, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	if session.CreationUTC.IsZero() {
		session.CreationUTC = time.Now().UTC()
	}
	doc := sessionDoc{
		ID:          session.ID,
		AgentID:     session.AgentID,
		CustomerID:  session.CustomerID,
		CreationUTC: session.CreationUTC,
		Title:       session.Title,
	}
	_, err := s.sessions.UpdateOne(ctx,
		bson.M{"_id": session.ID},
		bson.M{"$setOnInsert": doc},
		options.UpdateOne().SetUpsert(true),
	)
	if err != nil {
		return sessionlog.Session{}, err
	}
	return s.LoadSession(ctx, session.ID)
}

// LoadSession implements sessionlog.Store.
func (s *Store) LoadSession(ctx context.Context, sessionID string) (sessionlog.Session, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	var doc sessionDoc
	err := s.sessions.FindOne(ctx, bson.M{"_id": sessionID}).Decode(&doc)
	if errors.Is(err, mongodriver.ErrNoDocuments) {
		return sessionlog.Session{}, sessionlog.ErrSessionNotFound
	}
	if err != nil {
		return sessionlog.Session{}, err
	}
	return sessionlog.Session{
		ID:          doc.ID,
		AgentID:     doc.AgentID,
		CustomerID:  doc.CustomerID,
		CreationUTC: doc.CreationUTC,
		Title:       doc.Title,
	}, nil
}

// Append implements sessionlog.Store. Offsets are allocated atomically via
// findOneAndUpdate's $inc on a per-session counter document, then the event
// is inserted with a unique (session_id, offset) index backstopping the
// invariant if two writers race (spec.md §5 "per-session writer lock").
func (s *Store) Append(ctx context.Context, e sessionlog.Event) (sessionlog.Event, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	var counter struct {
		Next int64 `bson:"next"`
	}
	err := s.counters.FindOneAndUpdate(ctx,
		bson.M{"_id": e.SessionID},
		bson.M{"$inc": bson.M{"next": 1}},
		options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.Before),
	).Decode(&counter)
	if errors.Is(err, mongodriver.ErrNoDocuments) {
		counter.Next = 0
	} else if err != nil {
		return sessionlog.Event{}, err
	}
	e.Offset = counter.Next
	if e.CreationUTC.IsZero() {
		e.CreationUTC = time.Now().UTC()
	}
	if e.ID == "" {
		e.ID = bson.NewObjectID().Hex()
	}

	doc := eventDoc{
		ID:            e.ID,
		SessionID:     e.SessionID,
		Offset:        e.Offset,
		Kind:          string(e.Kind),
		Source:        string(e.Source),
		CorrelationID: e.CorrelationID,
		CreationUTC:   e.CreationUTC,
		Data:          e.Data,
		Deleted:       e.Deleted,
	}
	if _, err := s.events.InsertOne(ctx, doc); err != nil {
		return sessionlog.Event{}, err
	}
	return e, nil
}

// List implements sessionlog.Store. The Mongo backend does not itself
// implement the wait_for_data_seconds long-poll; callers needing that
// behavior should layer a change-stream watcher on top or prefer
// the in-memory store for interactive long-poll scenarios.
func (s *Store) List(ctx context.Context, sessionID string, opts sessionlog.ListOptions) ([]sessionlog.Event, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	filter := bson.M{"session_id": sessionID, "offset": bson.M{"$gte": opts.MinOffset}}
	if !opts.IncludeDeleted {
		filter["deleted"] = false
	}
	if len(opts.Kinds) > 0 {
		kinds := make([]string, len(opts.Kinds))
		for i, k := range opts.Kinds {
			kinds[i] = string(k)
		}
		filter["kind"] = bson.M{"$in": kinds}
	}
	if opts.Source != "" {
		filter["source"] = string(opts.Source)
	}

	cur, err := s.events.Find(ctx, filter, options.Find().SetSort(bson.D{{Key: "offset", Value: 1}}))
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	var out []sessionlog.Event
	for cur.Next(ctx) {
		var doc eventDoc
		if err := cur.Decode(&doc); err != nil {
			return nil, err
		}
		out = append(out, sessionlog.Event{
			ID:            doc.ID,
			SessionID:     doc.SessionID,
			Offset:        doc.Offset,
			Kind:          sessionlog.Kind(doc.Kind),
			Source:        sessionlog.Source(doc.Source),
			CorrelationID: doc.CorrelationID,
			CreationUTC:   doc.CreationUTC,
			Data:          doc.Data,
			Deleted:       doc.Deleted,
		})
	}
	return out, cur.Err()
}

// Delete implements sessionlog.Store by tombstoning the event document
// (spec.md invariant 3).
func (s *Store) Delete(ctx context.Context, sessionID, eventID string) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	res, err := s.events.UpdateOne(ctx,
		bson.M{"_id": eventID, "session_id": sessionID},
		bson.M{"$set": bson.M{"deleted": true}},
	)
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return sessionlog.ErrEventNotFound
	}
	return nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
