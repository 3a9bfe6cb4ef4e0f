// internal/storage/mongodb.go
package storage

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/tomknightatl/diocesan-vitality-sub000/internal/utils"
)

// mongoStore keeps the same natural-key upsert semantics as the SQL
// backends. Numeric ids come from a counters collection so diocese and
// parish references stay int64 across backends.
type mongoStore struct {
	client   *mongo.Client
	db       *mongo.Database
	dioceses *mongo.Collection
	parishes *mongo.Collection
	facts    *mongo.Collection
	counters *mongo.Collection
	logger   utils.Logger
	now      func() time.Time
}

func newMongoStore(ctx context.Context, cfg Config) (Store, error) {
	if cfg.Database == "" {
		cfg.Database = "diocesan_vitality"
	}
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(cfg.ConnectionString))
	if err != nil {
		return nil, fmt.Errorf("connecting to mongodb: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		client.Disconnect(ctx)
		return nil, fmt.Errorf("pinging mongodb: %w", err)
	}

	db := client.Database(cfg.Database)
	s := &mongoStore{
		client:   client,
		db:       db,
		dioceses: db.Collection("dioceses"),
		parishes: db.Collection("parishes"),
		facts:    db.Collection("parish_schedule_facts"),
		counters: db.Collection("counters"),
		logger:   utils.NewComponentLogger("storage"),
		now:      time.Now,
	}
	if err := s.ensureIndexes(ctx); err != nil {
		client.Disconnect(ctx)
		return nil, err
	}
	return s, nil
}

func (s *mongoStore) ensureIndexes(ctx context.Context) error {
	unique := options.Index().SetUnique(true)
	specs := []struct {
		coll *mongo.Collection
		keys bson.D
	}{
		{s.dioceses, bson.D{{Key: "name", Value: 1}}},
		{s.parishes, bson.D{{Key: "diocese_id", Value: 1}, {Key: "name", Value: 1}}},
		{s.facts, bson.D{{Key: "parish_id", Value: 1}, {Key: "fact_type", Value: 1}, {Key: "source_url", Value: 1}}},
	}
	for _, spec := range specs {
		_, err := spec.coll.Indexes().CreateOne(ctx, mongo.IndexModel{
			Keys:    spec.keys,
			Options: unique,
		})
		if err != nil {
			return fmt.Errorf("creating index on %s: %w", spec.coll.Name(), err)
		}
	}
	return nil
}

// nextSequence allocates a monotonically increasing id for the named
// counter. Gaps from lost races are harmless.
func (s *mongoStore) nextSequence(ctx context.Context, name string) (int64, error) {
	var doc struct {
		Value int64 `bson:"value"`
	}
	err := s.counters.FindOneAndUpdate(ctx,
		bson.M{"_id": name},
		bson.M{"$inc": bson.M{"value": int64(1)}},
		options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.After),
	).Decode(&doc)
	if err != nil {
		return 0, fmt.Errorf("allocating %s id: %w", name, err)
	}
	return doc.Value, nil
}

func (s *mongoStore) UpsertDiocese(ctx context.Context, d *Diocese) error {
	id, err := s.nextSequence(ctx, "dioceses")
	if err != nil {
		return err
	}
	var doc struct {
		ID int64 `bson:"_id"`
	}
	err = s.dioceses.FindOneAndUpdate(ctx,
		bson.M{"name": d.Name},
		bson.M{
			"$set": bson.M{
				"state":         d.State,
				"website":       d.Website,
				"directory_url": d.DirectoryURL,
				"updated_at":    s.now(),
			},
			"$setOnInsert": bson.M{"_id": id},
		},
		options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.After),
	).Decode(&doc)
	if err != nil {
		return fmt.Errorf("upserting diocese %q: %w", d.Name, err)
	}
	d.ID = doc.ID
	return nil
}

func (s *mongoStore) UpsertParishes(ctx context.Context, dioceseID int64, parishes []Parish) (int, error) {
	if len(parishes) == 0 {
		return 0, nil
	}
	written := 0
	ts := s.now()
	for i := range parishes {
		p := &parishes[i]
		id, err := s.nextSequence(ctx, "parishes")
		if err != nil {
			return written, err
		}
		var doc struct {
			ID int64 `bson:"_id"`
		}
		err = s.parishes.FindOneAndUpdate(ctx,
			bson.M{"diocese_id": dioceseID, "name": p.Name},
			bson.M{
				"$set": bson.M{
					"address":    p.Address,
					"phone":      p.Phone,
					"website":    p.Website,
					"detail_url": p.DetailURL,
					"source_url": p.SourceURL,
					"extractor":  p.Extractor,
					"confidence": p.Confidence,
					"updated_at": ts,
				},
				"$setOnInsert": bson.M{"_id": id},
			},
			options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.After),
		).Decode(&doc)
		if err != nil {
			return written, fmt.Errorf("upserting parish %q: %w", p.Name, err)
		}
		p.ID = doc.ID
		p.DioceseID = dioceseID
		written++
	}
	s.logger.Debugf("upserted %d parishes for diocese %d", written, dioceseID)
	return written, nil
}

func (s *mongoStore) UpsertScheduleFacts(ctx context.Context, parishID int64, facts []ScheduleFact) (int, error) {
	if len(facts) == 0 {
		return 0, nil
	}
	written := 0
	ts := s.now()
	for _, f := range facts {
		id, err := s.nextSequence(ctx, "parish_schedule_facts")
		if err != nil {
			return written, err
		}
		_, err = s.facts.UpdateOne(ctx,
			bson.M{"parish_id": parishID, "fact_type": f.FactType, "source_url": f.SourceURL},
			bson.M{
				"$set": bson.M{
					"detail":     f.Detail,
					"confidence": f.Confidence,
					"updated_at": ts,
				},
				"$setOnInsert": bson.M{"_id": id},
			},
			options.Update().SetUpsert(true))
		if err != nil {
			return written, fmt.Errorf("upserting %s fact for parish %d: %w", f.FactType, parishID, err)
		}
		written++
	}
	return written, nil
}

func (s *mongoStore) RecordDioceseError(ctx context.Context, dioceseID int64, message string) error {
	_, err := s.dioceses.UpdateOne(ctx,
		bson.M{"_id": dioceseID},
		bson.M{"$set": bson.M{
			"last_error": utils.TruncateString(message, 500),
			"updated_at": s.now(),
		}})
	if err != nil {
		return fmt.Errorf("recording error for diocese %d: %w", dioceseID, err)
	}
	return nil
}

func (s *mongoStore) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.client.Disconnect(ctx)
}
