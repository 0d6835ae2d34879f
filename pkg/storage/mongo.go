package storage

import (
	"context"
	"regexp"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/tundradb/tundra/pkg/codec"
	"github.com/tundradb/tundra/pkg/config"
	"github.com/tundradb/tundra/pkg/errors"
)

// Mongo stores each key as one document. Per-document atomicity gives the
// linearizable ref CAS directly: replace is conditioned on the stored
// payload hash.
type Mongo struct {
	client *mongo.Client
	coll   *mongo.Collection
}

type mongoDoc struct {
	ID   string `bson:"_id"`
	Data []byte `bson:"data"`
	Hash int64  `bson:"hash"`
}

// NewMongo connects to the document store named in cfg
func NewMongo(ctx context.Context, cfg config.BackendConfig) (*Mongo, error) {
	if cfg.URI == "" || cfg.Database == "" {
		return nil, errors.New(errors.ErrorTypeConfig, "mongo backend requires uri and database")
	}
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(cfg.URI))
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConfig, "failed to connect to mongo")
	}
	return &Mongo{
		client: client,
		coll:   client.Database(cfg.Database).Collection("keys"),
	}, nil
}

// Name implements Backend
func (m *Mongo) Name() string { return "mongo" }

func (m *Mongo) doc(key string, data []byte) mongoDoc {
	return mongoDoc{ID: key, Data: data, Hash: int64(codec.Hash(data))}
}

// Put implements Backend
func (m *Mongo) Put(ctx context.Context, key string, data []byte, ifAbsent bool) error {
	if ifAbsent {
		_, err := m.coll.InsertOne(ctx, m.doc(key, data))
		if mongo.IsDuplicateKeyError(err) {
			return alreadyExists(key)
		}
		if err != nil {
			return errors.Wrap(err, errors.ErrorTypeTransient, "mongo insert failed")
		}
		return nil
	}
	_, err := m.coll.ReplaceOne(ctx, bson.M{"_id": key}, m.doc(key, data),
		options.Replace().SetUpsert(true))
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeTransient, "mongo replace failed")
	}
	return nil
}

// Get implements Backend
func (m *Mongo) Get(ctx context.Context, key string) ([]byte, error) {
	var doc mongoDoc
	err := m.coll.FindOne(ctx, bson.M{"_id": key}).Decode(&doc)
	if err == mongo.ErrNoDocuments {
		return nil, notFound(key)
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeTransient, "mongo find failed")
	}
	return doc.Data, nil
}

// Exists implements Backend
func (m *Mongo) Exists(ctx context.Context, key string) (bool, error) {
	n, err := m.coll.CountDocuments(ctx, bson.M{"_id": key}, options.Count().SetLimit(1))
	if err != nil {
		return false, errors.Wrap(err, errors.ErrorTypeTransient, "mongo count failed")
	}
	return n > 0, nil
}

// Delete implements Backend
func (m *Mongo) Delete(ctx context.Context, key string) error {
	if _, err := m.coll.DeleteOne(ctx, bson.M{"_id": key}); err != nil {
		return errors.Wrap(err, errors.ErrorTypeTransient, "mongo delete failed")
	}
	return nil
}

// List implements Backend
func (m *Mongo) List(ctx context.Context, prefix string, fn func(string) bool) error {
	filter := bson.M{"_id": primitive.Regex{Pattern: "^" + regexp.QuoteMeta(prefix)}}
	cursor, err := m.coll.Find(ctx, filter,
		options.Find().SetSort(bson.M{"_id": 1}).SetProjection(bson.M{"_id": 1}))
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeTransient, "mongo list failed")
	}
	defer cursor.Close(ctx)

	for cursor.Next(ctx) {
		var doc struct {
			ID string `bson:"_id"`
		}
		if err := cursor.Decode(&doc); err != nil {
			return errors.Wrap(err, errors.ErrorTypeTransient, "mongo cursor decode failed")
		}
		if !fn(doc.ID) {
			return nil
		}
	}
	if err := cursor.Err(); err != nil {
		return errors.Wrap(err, errors.ErrorTypeTransient, "mongo cursor failed")
	}
	return nil
}

// AtomicReplace implements Backend
func (m *Mongo) AtomicReplace(ctx context.Context, key string, oldHash *uint64, data []byte) error {
	if oldHash == nil {
		_, err := m.coll.InsertOne(ctx, m.doc(key, data))
		if mongo.IsDuplicateKeyError(err) {
			return lostRace(key)
		}
		if err != nil {
			return errors.Wrap(err, errors.ErrorTypeTransient, "mongo insert failed")
		}
		return nil
	}

	res, err := m.coll.ReplaceOne(ctx,
		bson.M{"_id": key, "hash": int64(*oldHash)}, m.doc(key, data))
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeTransient, "mongo replace failed")
	}
	if res.MatchedCount == 0 {
		return lostRace(key)
	}
	return nil
}

// Close implements Backend
func (m *Mongo) Close() error {
	return m.client.Disconnect(context.Background())
}
