package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/levenlabs/go-lflag"
	"github.com/raterudder/chargerudder/pkg/log"
	"github.com/raterudder/chargerudder/pkg/types"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const (
	sessionsCollection    = "sessions"
	pricesCollection      = "price_history"
	transitionsCollection = "control_transitions"
)

// FirestoreProvider implements Database using Google Cloud Firestore.
// Every document stores the record as a JSON string next to the fields that
// are queried.
type FirestoreProvider struct {
	client    *firestore.Client
	projectID string
	database  string
}

// configuredFirestore sets up the Firestore provider.
// It registers flags for configuration.
func configuredFirestore() *FirestoreProvider {
	projectID := lflag.String("firestore-project-id", "", "Google Cloud Project ID for Firestore")
	database := lflag.String("firestore-database", "", "Google Cloud Firestore Database")
	emulator := lflag.String("firestore-emulator", "", "Use Firestore emulator")

	f := &FirestoreProvider{}

	lflag.Do(func() {
		f.projectID = *projectID
		f.database = *database

		// set this because that's how firestore client expects it
		if *emulator != "" {
			os.Setenv("FIRESTORE_EMULATOR_HOST", *emulator)
		}
	})

	return f
}

// Validate checks if the provider is properly configured.
func (f *FirestoreProvider) Validate() error {
	// Project ID verification could be here, but we allow empty if inferred.
	return nil
}

// Init initializes the Firestore client.
// This must be called before using the provider methods.
func (f *FirestoreProvider) Init(ctx context.Context) error {
	projectID := f.projectID
	if projectID == "" {
		projectID = firestore.DetectProjectID
	}
	database := f.database
	if database == "" {
		database = firestore.DefaultDatabaseID
	}
	client, err := firestore.NewClientWithDatabase(ctx, projectID, database)
	if err != nil {
		return fmt.Errorf("failed to create firestore client (project=%s, database=%s): %w", projectID, database, err)
	}
	f.client = client
	return nil
}

// Close closes the Firestore client connection.
func (f *FirestoreProvider) Close() error {
	if f.client != nil {
		return f.client.Close()
	}
	return nil
}

// decodeDoc unmarshals the "json" field of a document.
func decodeDoc[T any](ctx context.Context, doc *firestore.DocumentSnapshot, kind string) (T, error) {
	var v T
	val, err := doc.DataAt("json")
	if err != nil {
		log.Ctx(ctx).WarnContext(ctx, kind+" doc missing json", slog.String("docID", doc.Ref.ID), slog.Any("err", err))
		return v, fmt.Errorf("%s document %s missing 'json' field: %w", kind, doc.Ref.ID, err)
	}
	jsonStr, ok := val.(string)
	if !ok {
		log.Ctx(ctx).WarnContext(ctx, kind+" doc json not string", slog.String("docID", doc.Ref.ID))
		return v, fmt.Errorf("%s document %s 'json' field is not string", kind, doc.Ref.ID)
	}
	if err := json.Unmarshal([]byte(jsonStr), &v); err != nil {
		log.Ctx(ctx).WarnContext(ctx, "failed to unmarshal "+kind, slog.String("docID", doc.Ref.ID), slog.Any("err", err))
		return v, fmt.Errorf("failed to unmarshal %s (id=%s): %w", kind, doc.Ref.ID, err)
	}
	return v, nil
}

func collect[T any](ctx context.Context, iter *firestore.DocumentIterator, kind string) ([]T, error) {
	defer iter.Stop()
	var out []T
	for {
		doc, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("error iterating %s: %w", kind, err)
		}
		v, err := decodeDoc[T](ctx, doc, kind)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

// UpsertSessions writes session records keyed by record ID. Rewriting a
// record replaces it, which is how supersede links are persisted.
func (f *FirestoreProvider) UpsertSessions(ctx context.Context, records []types.SessionRecord) error {
	if len(records) == 0 {
		return nil
	}
	coll := f.client.Collection(sessionsCollection)
	bw := f.client.BulkWriter(ctx)
	jobs := make([]*firestore.BulkWriterJob, 0, len(records))
	for _, rec := range records {
		if rec.ID == "" {
			bw.End()
			return fmt.Errorf("session record missing id")
		}
		jsonBytes, err := json.Marshal(rec)
		if err != nil {
			bw.End()
			return fmt.Errorf("failed to marshal session: %w", err)
		}
		job, err := bw.Set(coll.Doc(rec.ID), map[string]interface{}{
			"json":     string(jsonBytes),
			"deviceID": rec.DeviceID,
			"start":    rec.StartTime,
			"status":   string(rec.Status),
			"version":  types.CurrentSessionVersion,
		})
		if err != nil {
			bw.End()
			return fmt.Errorf("failed to queue session %s: %w", rec.ID, err)
		}
		jobs = append(jobs, job)
	}
	bw.End()
	for i, job := range jobs {
		if _, err := job.Results(); err != nil {
			return fmt.Errorf("failed to upsert session %s: %w", records[i].ID, err)
		}
	}
	return nil
}

// GetSession returns one session record by ID.
func (f *FirestoreProvider) GetSession(ctx context.Context, id string) (types.SessionRecord, error) {
	doc, err := f.client.Collection(sessionsCollection).Doc(id).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return types.SessionRecord{}, ErrNotFound
		}
		return types.SessionRecord{}, fmt.Errorf("failed to fetch session doc: %w", err)
	}
	return decodeDoc[types.SessionRecord](ctx, doc, "session")
}

// GetSessions returns every session record, superseded ones included, that
// started within [start, end), ordered by start.
func (f *FirestoreProvider) GetSessions(ctx context.Context, start, end time.Time) ([]types.SessionRecord, error) {
	iter := f.client.Collection(sessionsCollection).
		Where("start", ">=", start).
		Where("start", "<", end).
		OrderBy("start", firestore.Asc).
		Documents(ctx)
	return collect[types.SessionRecord](ctx, iter, "session")
}

// UpsertPrices writes price samples keyed by their RFC3339 timestamp.
func (f *FirestoreProvider) UpsertPrices(ctx context.Context, prices []types.PriceSample) error {
	if len(prices) == 0 {
		return nil
	}
	coll := f.client.Collection(pricesCollection)
	bw := f.client.BulkWriter(ctx)
	jobs := make([]*firestore.BulkWriterJob, 0, len(prices))
	for _, p := range prices {
		jsonBytes, err := json.Marshal(p)
		if err != nil {
			bw.End()
			return fmt.Errorf("failed to marshal price: %w", err)
		}
		docID := p.Timestamp.UTC().Format(time.RFC3339)
		job, err := bw.Set(coll.Doc(docID), map[string]interface{}{
			"json":      string(jsonBytes),
			"timestamp": p.Timestamp,
			"version":   types.CurrentPriceHistoryVersion,
		})
		if err != nil {
			bw.End()
			return fmt.Errorf("failed to queue price %s: %w", docID, err)
		}
		jobs = append(jobs, job)
	}
	bw.End()
	for _, job := range jobs {
		if _, err := job.Results(); err != nil {
			return fmt.Errorf("failed to upsert price: %w", err)
		}
	}
	return nil
}

// GetPriceHistory retrieves price samples within [start, end).
// Uses document ID range queries for efficient filtering.
func (f *FirestoreProvider) GetPriceHistory(ctx context.Context, start, end time.Time) ([]types.PriceSample, error) {
	startDocID := start.UTC().Format(time.RFC3339)
	endDocID := end.UTC().Format(time.RFC3339)

	coll := f.client.Collection(pricesCollection)
	iter := coll.
		Where(firestore.DocumentID, ">=", coll.Doc(startDocID)).
		Where(firestore.DocumentID, "<", coll.Doc(endDocID)).
		OrderBy(firestore.DocumentID, firestore.Asc).
		Documents(ctx)
	return collect[types.PriceSample](ctx, iter, "price")
}

// GetLatestPriceTime returns the timestamp of the newest stored price, or the
// zero time if there is none.
func (f *FirestoreProvider) GetLatestPriceTime(ctx context.Context) (time.Time, error) {
	// firestore automatically creates indexes for top-level fields
	iter := f.client.Collection(pricesCollection).
		OrderBy("timestamp", firestore.Desc).
		Limit(1).
		Documents(ctx)
	defer iter.Stop()

	doc, err := iter.Next()
	if err == iterator.Done {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to get latest price doc: %w", err)
	}

	ts, err := time.Parse(time.RFC3339, doc.Ref.ID)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid price doc id %s: %w", doc.Ref.ID, err)
	}
	return ts, nil
}

// InsertTransition appends a control transition. The document ID combines
// the nanosecond timestamp and entity so concurrent entities never collide.
func (f *FirestoreProvider) InsertTransition(ctx context.Context, tr types.Transition) error {
	jsonBytes, err := json.Marshal(tr)
	if err != nil {
		return fmt.Errorf("failed to marshal transition: %w", err)
	}
	docID := tr.Timestamp.UTC().Format(time.RFC3339Nano) + "_" + tr.EntityID
	_, err = f.client.Collection(transitionsCollection).Doc(docID).Set(ctx, map[string]interface{}{
		"json":      string(jsonBytes),
		"timestamp": tr.Timestamp,
		"entityID":  tr.EntityID,
		"version":   types.CurrentTransitionVersion,
	})
	if err != nil {
		return fmt.Errorf("failed to insert transition: %w", err)
	}
	return nil
}

// GetTransitions returns control transitions within [start, end), oldest
// first.
func (f *FirestoreProvider) GetTransitions(ctx context.Context, start, end time.Time) ([]types.Transition, error) {
	iter := f.client.Collection(transitionsCollection).
		Where("timestamp", ">=", start).
		Where("timestamp", "<", end).
		OrderBy("timestamp", firestore.Asc).
		Documents(ctx)
	return collect[types.Transition](ctx, iter, "transition")
}
