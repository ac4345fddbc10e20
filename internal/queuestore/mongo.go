package queuestore

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// Mongo is the Store implementation backed by a single "deliveries"
// collection, per spec.md §4.5/§6.
type Mongo struct {
	coll *mongo.Collection
}

// NewMongo wraps db's "deliveries" collection as a Store.
func NewMongo(db *mongo.Database) *Mongo {
	return &Mongo{coll: db.Collection("deliveries")}
}

// EnsureIndexes creates the indexes spec.md §6 requires. Safe to call on
// every startup; CreateMany is a no-op for indexes that already exist with
// matching options.
func (m *Mongo) EnsureIndexes(ctx context.Context) error {
	_, err := m.coll.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "id", Value: 1}, {Key: "seq", Value: 1}},
			Options: options.Index().SetUnique(true),
		},
		{Keys: bson.D{{Key: "id", Value: 1}}},
		{
			Keys: bson.D{
				{Key: "sendingZone", Value: 1},
				{Key: "queued", Value: 1},
				{Key: "locked", Value: 1},
				{Key: "assigned", Value: 1},
				{Key: "domain", Value: 1},
			},
		},
	})
	if err != nil {
		return fmt.Errorf("creating indexes: %w", err)
	}
	return nil
}

func (m *Mongo) InsertMany(ctx context.Context, rows []*Delivery) error {
	if len(rows) == 0 {
		return nil
	}
	docs := make([]interface{}, len(rows))
	for i, r := range rows {
		docs[i] = r
	}
	_, err := m.coll.InsertMany(ctx, docs, options.InsertMany().SetOrdered(false))
	if err != nil {
		return fmt.Errorf("inserting delivery batch: %w", err)
	}
	return nil
}

func (m *Mongo) Claim(ctx context.Context, zone, instance string, skipDomains []string, now time.Time) (*Delivery, error) {
	filter := bson.M{
		"sendingZone": zone,
		"queued":      bson.M{"$lte": now},
		"locked":      false,
		"assigned":    bson.M{"$in": []string{Unassigned, instance}},
	}
	if len(skipDomains) > 0 {
		filter["domain"] = bson.M{"$nin": skipDomains}
	}

	update := bson.M{"$set": bson.M{
		"locked":   true,
		"lockTime": now.UnixMilli(),
		"assigned": instance,
	}}

	opts := options.FindOneAndUpdate().SetReturnDocument(options.After)

	var d Delivery
	err := m.coll.FindOneAndUpdate(ctx, filter, update, opts).Decode(&d)
	if err != nil {
		if err == mongo.ErrNoDocuments {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("claiming from zone %q: %w", zone, err)
	}
	d.Lock = LockKey(d.ID, d.Seq)
	return &d, nil
}

func (m *Mongo) Release(ctx context.Context, id, seq string) error {
	_, err := m.coll.DeleteOne(ctx, bson.M{"id": id, "seq": seq})
	if err != nil {
		return fmt.Errorf("releasing %s.%s: %w", id, seq, err)
	}
	return nil
}

func (m *Mongo) Defer(ctx context.Context, id, seq string, upd DeferUpdate, now time.Time) error {
	next := now.Add(upd.TTL)

	set := bson.M{
		"locked":          false,
		"queued":          next,
		"_deferred.last":     now,
		"_deferred.next":     next,
		"_deferred.response": upd.Response,
	}
	if upd.Log != "" {
		set["_deferred.log"] = upd.Log
	}
	for k, v := range upd.Extra {
		set[k] = v
	}

	pipelineSet := bson.M{
		"$set": set,
		"$inc": bson.M{"_deferred.count": 1},
	}

	// First defer on a row needs _deferred.first populated too; do it in a
	// separate update, run before the main one and guarded by $exists so
	// repeated defers don't reset it.
	_, err := m.coll.UpdateOne(ctx,
		bson.M{"id": id, "seq": seq, "_deferred": bson.M{"$exists": false}},
		bson.M{"$set": bson.M{"_deferred": bson.M{
			"first": now, "last": now, "next": next, "count": 0,
			"response": upd.Response, "log": upd.Log,
		}}},
	)
	if err != nil {
		return fmt.Errorf("seeding deferred state for %s.%s: %w", id, seq, err)
	}

	_, err = m.coll.UpdateOne(ctx, bson.M{"id": id, "seq": seq}, pipelineSet)
	if err != nil {
		return fmt.Errorf("deferring %s.%s: %w", id, seq, err)
	}
	return nil
}

func (m *Mongo) Update(ctx context.Context, id, seq string, set map[string]interface{}) error {
	_, err := m.coll.UpdateOne(ctx, bson.M{"id": id, "seq": seq}, bson.M{"$set": set})
	if err != nil {
		return fmt.Errorf("updating %s.%s: %w", id, seq, err)
	}
	return nil
}

func (m *Mongo) DeleteAllForID(ctx context.Context, id string) error {
	_, err := m.coll.DeleteMany(ctx, bson.M{"id": id})
	if err != nil {
		return fmt.Errorf("deleting all rows for %q: %w", id, err)
	}
	return nil
}

func (m *Mongo) CountQueued(ctx context.Context, now time.Time) (int64, error) {
	return m.coll.CountDocuments(ctx, bson.M{"queued": bson.M{"$lte": now}})
}

func (m *Mongo) CountDeferred(ctx context.Context, now time.Time) (int64, error) {
	return m.coll.CountDocuments(ctx, bson.M{"queued": bson.M{"$gt": now}})
}

func (m *Mongo) ReleaseStaleLocks(ctx context.Context, instance string, lockTTL time.Duration, now time.Time) (int64, error) {
	cutoff := now.Add(-lockTTL).UnixMilli()
	res, err := m.coll.UpdateMany(ctx,
		bson.M{"locked": true, "assigned": instance, "lockTime": bson.M{"$lte": cutoff}},
		bson.M{"$set": bson.M{"locked": false, "lockTime": int64(0)}},
	)
	if err != nil {
		return 0, fmt.Errorf("sweeping stale locks: %w", err)
	}
	return res.ModifiedCount, nil
}

func (m *Mongo) ReleaseOlderThan(ctx context.Context, cutoff time.Time) ([]*Delivery, error) {
	filter := bson.M{"created": bson.M{"$lte": cutoff}, "locked": false}

	cur, err := m.coll.Find(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("finding expired rows: %w", err)
	}
	defer cur.Close(ctx)

	var rows []*Delivery
	for cur.Next(ctx) {
		var d Delivery
		if err := cur.Decode(&d); err != nil {
			continue
		}
		rows = append(rows, &d)
	}
	if err := cur.Err(); err != nil {
		return nil, err
	}

	if len(rows) > 0 {
		if _, err := m.coll.DeleteMany(ctx, filter); err != nil {
			return nil, fmt.Errorf("deleting expired rows: %w", err)
		}
	}
	return rows, nil
}

func (m *Mongo) OldestCreated(ctx context.Context) (time.Time, error) {
	opts := options.FindOne().SetSort(bson.D{{Key: "created", Value: 1}})
	var d Delivery
	err := m.coll.FindOne(ctx, bson.M{}, opts).Decode(&d)
	if err != nil {
		if err == mongo.ErrNoDocuments {
			return time.Time{}, ErrNotFound
		}
		return time.Time{}, err
	}
	return d.Created, nil
}

func (m *Mongo) CountForID(ctx context.Context, id string) (int64, error) {
	return m.coll.CountDocuments(ctx, bson.M{"id": id})
}

func (m *Mongo) Get(ctx context.Context, id, seq string) (*Delivery, error) {
	var d Delivery
	err := m.coll.FindOne(ctx, bson.M{"id": id, "seq": seq}).Decode(&d)
	if err != nil {
		if err == mongo.ErrNoDocuments {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("getting %s.%s: %w", id, seq, err)
	}
	return &d, nil
}
