package store

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"quantbar/internal/config"
	"quantbar/internal/domain"
	"quantbar/internal/util"
)

// Compile-time interface checks.
var _ MissionIndex = (*MongoMissionIndex)(nil)
var _ BarStore = (*MongoBarStore)(nil)
var _ LinkIndex = (*MongoLinkIndex)(nil)

// MongoStore keeps bars in one collection per symbol inside the bar database
// and mission/link indexes as collections of the log database. The latest
// database holds the rolling recent-bar copies.
type MongoStore struct {
	client   *mongo.Client
	barDB    *mongo.Database
	logDB    *mongo.Database
	latestDB *mongo.Database
	log      *slog.Logger
}

// NewMongoStore connects to MongoDB and verifies the connection, retrying a
// few times while the server comes up.
func NewMongoStore(ctx context.Context, cfg config.Mongo) (*MongoStore, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(cfg.URI))
	if err != nil {
		return nil, fmt.Errorf("connecting to mongo: %w", err)
	}

	err = util.Retry(ctx, 5, time.Second, func(ctx context.Context) error {
		pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		return client.Ping(pctx, nil)
	})
	if err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("pinging mongo: %w", err)
	}

	return &MongoStore{
		client:   client,
		barDB:    client.Database(cfg.BarDB),
		logDB:    client.Database(cfg.LogDB),
		latestDB: client.Database(cfg.LatestDB),
		log:      slog.Default().With("store", "mongo"),
	}, nil
}

// Close disconnects the client.
func (s *MongoStore) Close() error {
	return s.client.Disconnect(context.Background())
}

// Backend returns the mission index, bar store and link index for the named
// source.
func (s *MongoStore) Backend(ctx context.Context, name string) (*Backend, error) {
	missions, err := s.MissionIndex(ctx, name)
	if err != nil {
		return nil, err
	}
	links, err := s.LinkIndex(ctx, name)
	if err != nil {
		return nil, err
	}
	return &Backend{
		Missions: missions,
		Bars:     s.BarStore(),
		Links:    links,
		Close:    func() error { return nil },
	}, nil
}

func dayRange(start, end int) bson.M {
	r := bson.M{}
	if start > 0 {
		r["$gte"] = start
	}
	if end > 0 {
		r["$lte"] = end
	}
	return r
}

// ---------------------------------------------------------------------------
// MissionIndex implementation
// ---------------------------------------------------------------------------

// missionDoc is the stored shape of a mission.
type missionDoc struct {
	Symbol   string    `bson:"_s"`
	Day      int       `bson:"_d"`
	Count    int       `bson:"_c"`
	Insert   int       `bson:"_i"`
	Tag      string    `bson:"_t"`
	Modified time.Time `bson:"_m"`
}

// MongoMissionIndex stores missions of one source in log.<name>.
type MongoMissionIndex struct {
	coll *mongo.Collection
}

// MissionIndex ensures the unique (symbol, day) index and returns the mission
// index for name.
func (s *MongoStore) MissionIndex(ctx context.Context, name string) (*MongoMissionIndex, error) {
	coll := s.logDB.Collection(name)
	_, err := coll.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "_s", Value: 1}, {Key: "_d", Value: 1}}, Options: options.Index().SetUnique(true)},
		{Keys: bson.D{{Key: "_c", Value: 1}}},
		{Keys: bson.D{{Key: "_i", Value: 1}}},
	})
	if err != nil {
		return nil, fmt.Errorf("creating mission indexes on %s: %w", name, err)
	}
	return &MongoMissionIndex{coll: coll}, nil
}

// CreateMission inserts a pending mission unless one exists for the key.
func (m *MongoMissionIndex) CreateMission(ctx context.Context, symbol string, day int) (bool, error) {
	_, err := m.coll.InsertOne(ctx, missionDoc{Symbol: symbol, Day: day, Modified: time.Now()})
	if err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return false, nil
		}
		return false, fmt.Errorf("creating mission %s@%d: %w", symbol, day, err)
	}
	return true, nil
}

// FillMission updates the status fields of an existing mission.
func (m *MongoMissionIndex) FillMission(ctx context.Context, symbol string, day, rowCount, inserted int, tag string) (bool, error) {
	res, err := m.coll.UpdateOne(ctx,
		bson.M{"_s": symbol, "_d": day},
		bson.M{"$set": bson.M{"_c": rowCount, "_i": inserted, "_t": tag, "_m": time.Now()}})
	if err != nil {
		return false, fmt.Errorf("filling mission %s@%d: %w", symbol, day, err)
	}
	return res.MatchedCount > 0, nil
}

// FindMissions lists missions matching f, reading the whole result before
// yielding.
func (m *MongoMissionIndex) FindMissions(ctx context.Context, f MissionFilter) iter.Seq2[domain.Mission, error] {
	return func(yield func(domain.Mission, error) bool) {
		filter := bson.M{}
		if len(f.Symbols) > 0 {
			filter["_s"] = bson.M{"$in": f.Symbols}
		}
		if r := dayRange(f.Start, f.End); len(r) > 0 {
			filter["_d"] = r
		}
		if f.RowCount != nil {
			filter["_c"] = *f.RowCount
		}

		opts := options.Find().SetSort(bson.D{{Key: "_s", Value: 1}, {Key: "_d", Value: 1}})
		cur, err := m.coll.Find(ctx, filter, opts)
		if err != nil {
			yield(domain.Mission{}, fmt.Errorf("finding missions: %w", err))
			return
		}
		var docs []missionDoc
		if err := cur.All(ctx, &docs); err != nil {
			yield(domain.Mission{}, fmt.Errorf("decoding missions: %w", err))
			return
		}
		for _, d := range docs {
			ms := domain.Mission{
				Symbol:       d.Symbol,
				Day:          d.Day,
				RowCount:     d.Count,
				Inserted:     d.Insert,
				Tag:          d.Tag,
				LastModified: d.Modified,
			}
			if !yield(ms, nil) {
				return
			}
		}
	}
}

// LatestDay returns the highest mission day recorded for symbol.
func (m *MongoMissionIndex) LatestDay(ctx context.Context, symbol string) (int, error) {
	var d missionDoc
	opts := options.FindOne().SetSort(bson.D{{Key: "_d", Value: -1}})
	err := m.coll.FindOne(ctx, bson.M{"_s": symbol}, opts).Decode(&d)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("latest day for %s: %w", symbol, err)
	}
	return d.Day, nil
}

// ---------------------------------------------------------------------------
// BarStore implementation
// ---------------------------------------------------------------------------

// MongoBarStore keeps one collection per symbol named by its store key.
type MongoBarStore struct {
	db  *mongo.Database
	log *slog.Logger
}

// BarStore returns the bar store backed by the bar database.
func (s *MongoStore) BarStore() *MongoBarStore {
	return &MongoBarStore{db: s.barDB, log: s.log}
}

// LatestBarStore returns the bar store of the latest database.
func (s *MongoStore) LatestBarStore() *MongoBarStore {
	return &MongoBarStore{db: s.latestDB, log: s.log.With("db", s.latestDB.Name())}
}

func (b *MongoBarStore) collection(symbol string) *mongo.Collection {
	return b.db.Collection(domain.StoreKey(symbol))
}

// CreateTable ensures the unique datetime index and the date index.
func (b *MongoBarStore) CreateTable(ctx context.Context, symbol string) error {
	coll := b.collection(symbol)

	cur, err := coll.Indexes().List(ctx)
	if err != nil {
		return fmt.Errorf("listing indexes of %s: %w", symbol, err)
	}
	var specs []bson.M
	if err := cur.All(ctx, &specs); err != nil {
		return fmt.Errorf("decoding indexes of %s: %w", symbol, err)
	}
	indexes := make(map[string]bool, len(specs))
	for _, spec := range specs {
		name, _ := spec["name"].(string)
		unique, _ := spec["unique"].(bool)
		indexes[name] = unique
	}

	unique, exists := indexes["datetime_1"]
	if !exists || !unique {
		if exists {
			b.log.Warn("ensure table", "symbol", symbol, "index", "datetime", "state", "index not unique")
		}
		dropped, err := b.dropDuplicates(ctx, coll)
		if err != nil {
			return fmt.Errorf("dropping duplicates in %s: %w", symbol, err)
		}
		if dropped > 0 {
			b.log.Warn("drop dups", "symbol", symbol, "rows", dropped)
		}
		if exists {
			if _, err := coll.Indexes().DropOne(ctx, "datetime_1"); err != nil {
				return fmt.Errorf("dropping index datetime_1 of %s: %w", symbol, err)
			}
		}
		_, err = coll.Indexes().CreateOne(ctx, mongo.IndexModel{
			Keys:    bson.D{{Key: "datetime", Value: 1}},
			Options: options.Index().SetUnique(true),
		})
		if err != nil {
			return fmt.Errorf("creating unique index on %s: %w", symbol, err)
		}
		b.log.Info("ensure table", "symbol", symbol, "index", "datetime", "state", "unique index created")
	} else {
		b.log.Debug("ensure table", "symbol", symbol, "index", "datetime", "state", "unique index exists")
	}

	if _, ok := indexes["date_1"]; !ok {
		_, err := coll.Indexes().CreateOne(ctx, mongo.IndexModel{Keys: bson.D{{Key: "date", Value: 1}}})
		if err != nil {
			return fmt.Errorf("creating date index on %s: %w", symbol, err)
		}
		b.log.Info("ensure table", "symbol", symbol, "index", "date", "state", "index created")
	}
	return nil
}

// dropDuplicates scans the collection in insertion order and deletes every
// document whose datetime was already seen.
func (b *MongoBarStore) dropDuplicates(ctx context.Context, coll *mongo.Collection) (int, error) {
	opts := options.Find().
		SetProjection(bson.M{"datetime": 1}).
		SetSort(bson.D{{Key: "_id", Value: 1}})
	cur, err := coll.Find(ctx, bson.M{}, opts)
	if err != nil {
		return 0, err
	}
	defer cur.Close(ctx)

	docs := func(yield func(datetimeDoc, error) bool) {
		for cur.Next(ctx) {
			var doc datetimeDoc
			if err := cur.Decode(&doc); err != nil {
				yield(doc, fmt.Errorf("decoding %v: %w", cur.Current, err))
				return
			}
			if !yield(doc, nil) {
				return
			}
		}
		if err := cur.Err(); err != nil {
			yield(datetimeDoc{}, err)
		}
	}
	dups, err := repeats(docs)
	if err != nil {
		return 0, err
	}

	for _, id := range dups {
		if _, err := coll.DeleteOne(ctx, bson.M{"_id": id}); err != nil {
			return 0, err
		}
	}
	return len(dups), nil
}

type datetimeDoc struct {
	ID       primitive.ObjectID `bson:"_id"`
	Datetime *time.Time         `bson:"datetime"`
}

// repeats returns the ids of the documents whose datetime was already seen,
// keeping the first of each. Documents without a datetime share one key, as
// they do under a unique index.
func repeats(docs iter.Seq2[datetimeDoc, error]) ([]primitive.ObjectID, error) {
	seen := make(map[int64]struct{})
	missing := false
	var out []primitive.ObjectID
	for doc, err := range docs {
		if err != nil {
			return nil, err
		}
		if doc.Datetime == nil {
			if missing {
				out = append(out, doc.ID)
			}
			missing = true
			continue
		}
		key := doc.Datetime.UnixMilli()
		if _, ok := seen[key]; ok {
			out = append(out, doc.ID)
			continue
		}
		seen[key] = struct{}{}
	}
	return out, nil
}

// Write inserts bars individually, skipping duplicate datetimes.
func (b *MongoBarStore) Write(ctx context.Context, symbol string, bars []domain.Bar) (int, error) {
	coll := b.collection(symbol)
	inserted := 0
	for _, bar := range bars {
		if _, err := coll.InsertOne(ctx, bar); err != nil {
			if mongo.IsDuplicateKeyError(err) {
				continue
			}
			return inserted, fmt.Errorf("inserting %s at %s: %w", symbol, bar.Datetime.Format(time.DateTime), err)
		}
		inserted++
	}
	return inserted, nil
}

// Count returns the number of bars stored for day.
func (b *MongoBarStore) Count(ctx context.Context, symbol string, day int) (int, error) {
	n, err := b.collection(symbol).CountDocuments(ctx, bson.M{"date": fmt.Sprintf("%08d", day)})
	if err != nil {
		return 0, fmt.Errorf("counting %s@%d: %w", symbol, day, err)
	}
	return int(n), nil
}

// LastDate returns the date of the latest bar stored for symbol.
func (b *MongoBarStore) LastDate(ctx context.Context, symbol string) (int, error) {
	var bar domain.Bar
	opts := options.FindOne().SetSort(bson.D{{Key: "datetime", Value: -1}})
	err := b.collection(symbol).FindOne(ctx, bson.M{}, opts).Decode(&bar)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("last date of %s: %w", symbol, err)
	}
	return domain.ParseDay(bar.Date)
}

// Read returns bars in (start, end] ordered by datetime.
func (b *MongoBarStore) Read(ctx context.Context, symbol string, start, end time.Time) ([]domain.Bar, error) {
	filter := bson.M{"datetime": bson.M{"$gt": start, "$lte": end}}
	opts := options.Find().SetSort(bson.D{{Key: "datetime", Value: 1}})
	cur, err := b.collection(symbol).Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", symbol, err)
	}
	var bars []domain.Bar
	if err := cur.All(ctx, &bars); err != nil {
		return nil, fmt.Errorf("decoding %s: %w", symbol, err)
	}
	return bars, nil
}

// ---------------------------------------------------------------------------
// LinkIndex implementation
// ---------------------------------------------------------------------------

type linkDoc struct {
	Main       string `bson:"_s"`
	Day        int    `bson:"_d"`
	Underlying string `bson:"_n"`
	Count      int    `bson:"_c"`
	Tag        string `bson:"_t"`
}

// MongoLinkIndex stores main-contract links in log.mapper_<name>.
type MongoLinkIndex struct {
	coll *mongo.Collection
}

// LinkIndex ensures the unique (main, day) index and returns the link index.
func (s *MongoStore) LinkIndex(ctx context.Context, name string) (*MongoLinkIndex, error) {
	coll := s.logDB.Collection("mapper_" + name)
	_, err := coll.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "_s", Value: 1}, {Key: "_d", Value: 1}},
		Options: options.Index().SetUnique(true),
	})
	if err != nil {
		return nil, fmt.Errorf("creating link index on %s: %w", name, err)
	}
	return &MongoLinkIndex{coll: coll}, nil
}

// CreateLink inserts an unfilled link unless one exists for (main, day).
func (l *MongoLinkIndex) CreateLink(ctx context.Context, main string, day int, underlying string) (bool, error) {
	_, err := l.coll.InsertOne(ctx, linkDoc{Main: main, Day: day, Underlying: underlying})
	if err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return false, nil
		}
		return false, fmt.Errorf("creating link %s@%d: %w", main, day, err)
	}
	return true, nil
}

// FillLink records the relay result of a link.
func (l *MongoLinkIndex) FillLink(ctx context.Context, main string, day, count int, tag string) (bool, error) {
	res, err := l.coll.UpdateOne(ctx,
		bson.M{"_s": main, "_d": day},
		bson.M{"$set": bson.M{"_c": count, "_t": tag}})
	if err != nil {
		return false, fmt.Errorf("filling link %s@%d: %w", main, day, err)
	}
	return res.MatchedCount > 0, nil
}

// Unfilled lists links whose relay has not produced a count yet.
func (l *MongoLinkIndex) Unfilled(ctx context.Context, f LinkFilter) iter.Seq2[domain.MainContractLink, error] {
	return func(yield func(domain.MainContractLink, error) bool) {
		filter := bson.M{"_c": 0}
		if len(f.Mains) > 0 {
			filter["_s"] = bson.M{"$in": f.Mains}
		}
		if r := dayRange(f.Start, f.End); len(r) > 0 {
			filter["_d"] = r
		}
		opts := options.Find().SetSort(bson.D{{Key: "_s", Value: 1}, {Key: "_d", Value: 1}})
		cur, err := l.coll.Find(ctx, filter, opts)
		if err != nil {
			yield(domain.MainContractLink{}, fmt.Errorf("listing unfilled links: %w", err))
			return
		}
		var docs []linkDoc
		if err := cur.All(ctx, &docs); err != nil {
			yield(domain.MainContractLink{}, fmt.Errorf("decoding links: %w", err))
			return
		}
		for _, d := range docs {
			link := domain.MainContractLink{
				Main:       d.Main,
				Day:        d.Day,
				Underlying: d.Underlying,
				Count:      d.Count,
				Tag:        d.Tag,
			}
			if !yield(link, nil) {
				return
			}
		}
	}
}
