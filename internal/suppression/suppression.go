// Package suppression implements the scheduler's suppression-list lookup,
// per spec.md §3/§4.7 step 6: exact (case-insensitive) address match, or a
// domain match, against a small collection the core only reads from.
// Suppression-list *management* (CRUD) is explicitly out of scope
// (spec.md §1); internal/suppression.Checker is a read-only interface so
// no code path here can accidentally grow write access.
package suppression

import (
	"context"
	"strings"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
)

// Entry is one suppression-list row, per spec.md §3/§6.
type Entry struct {
	ID      string `bson:"id"`
	Address string `bson:"address,omitempty"`
	Domain  string `bson:"domain,omitempty"`
}

// Checker answers "is this recipient/domain suppressed".
type Checker interface {
	IsSuppressed(ctx context.Context, recipient, domain string) (bool, error)
}

// Mongo is a Checker backed by the "suppressionlist" collection.
type Mongo struct {
	coll *mongo.Collection
}

// NewMongo wraps db's suppressionlist collection as a Checker.
func NewMongo(db *mongo.Database) *Mongo {
	return &Mongo{coll: db.Collection("suppressionlist")}
}

func (m *Mongo) IsSuppressed(ctx context.Context, recipient, domain string) (bool, error) {
	recipient = strings.ToLower(strings.TrimSpace(recipient))
	domain = strings.ToLower(strings.TrimSpace(domain))

	n, err := m.coll.CountDocuments(ctx, bson.M{
		"$or": []bson.M{
			{"address": recipient},
			{"domain": domain},
		},
	})
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// None is a Checker that never suppresses anything, used where no
// suppression backend is configured.
type None struct{}

func (None) IsSuppressed(ctx context.Context, recipient, domain string) (bool, error) {
	return false, nil
}

var _ Checker = (*Mongo)(nil)
var _ Checker = None{}
