// Package blobstore wraps a GridFS bucket as the message-body store
// described in spec.md §4.4: stream store/retrieve of rfc822 bodies plus a
// small metadata object, keyed by the message id.
//
// Grounded on the domain stack: go.mongodb.org/mongo-driver's gridfs.Bucket
// is used directly, matching the driver's own dependency footprint across
// the retrieval pack (DataDog-datadog-agent, GoogleContainerTools-skaffold,
// kedacore-keda all require go.mongodb.org/mongo-driver).
package blobstore

import (
	"context"
	"fmt"
	"io"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/gridfs"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/chasquid-relay/zoneq/internal/log"
)

// filenameFor returns the GridFS filename for a message id, per spec.md §6:
// `"message <id>"`.
func filenameFor(id string) string {
	return fmt.Sprintf("message %s", id)
}

// BodyMeta is the metadata object attached to a stored body, per spec.md §3.
// It also travels over the control-plane RPC as part of a GET response
// (spec.md §4.13), hence the msgpack tags alongside the GridFS bson ones.
type BodyMeta struct {
	Created        time.Time         `bson:"created" msgpack:"created"`
	Headers        map[string]string `bson:"headers" msgpack:"headers"`
	EnvelopeFrom   string            `bson:"envelopeFrom" msgpack:"envelopeFrom"`
	EnvelopeTo     []string          `bson:"envelopeTo" msgpack:"envelopeTo"`
	MIMEBoundaries []string          `bson:"mimeBoundaries" msgpack:"mimeBoundaries"`
	DKIMHints      map[string]string `bson:"dkimHints" msgpack:"dkimHints"`
	SessionID      string            `bson:"sessionId" msgpack:"sessionId"`
	Size           int64             `bson:"size" msgpack:"size"`
}

// Store is the blob-store adapter. One Store wraps one GridFS bucket.
type Store struct {
	bucket *gridfs.Bucket
	db     *mongo.Database
}

// New creates a Store on top of db's default GridFS bucket ("fs").
func New(db *mongo.Database) (*Store, error) {
	bucket, err := gridfs.NewBucket(db)
	if err != nil {
		return nil, fmt.Errorf("opening gridfs bucket: %w", err)
	}
	return &Store{bucket: bucket, db: db}, nil
}

// StoreBody streams r into the blob store under id, with the given
// metadata. On an upstream error mid-upload, the partial blob is finalized
// then immediately deleted, per spec.md §4.4, so no half-written body is
// left behind; the caller still receives the original upstream error.
func (s *Store) StoreBody(ctx context.Context, id string, r io.Reader, meta *BodyMeta) error {
	uploadOpts := options.GridFSUpload().
		SetMetadata(bson.M{
			"contentType": "message/rfc822",
			"data":        meta,
		})

	stream, err := s.bucket.OpenUploadStream(filenameFor(id), uploadOpts)
	if err != nil {
		return fmt.Errorf("opening upload stream for %q: %w", id, err)
	}

	_, copyErr := io.Copy(stream, r)
	closeErr := stream.Close()

	if copyErr != nil || closeErr != nil {
		// The upload stream object has already been finalized as a GridFS
		// file by Close; remove it so it doesn't linger as an orphan.
		if rmErr := s.RemoveNow(ctx, id); rmErr != nil {
			log.Errorf("blobstore: failed to clean up partial upload for %q: %v", id, rmErr)
		}
		if copyErr != nil {
			return fmt.Errorf("writing body for %q: %w", id, copyErr)
		}
		return fmt.Errorf("closing upload stream for %q: %w", id, closeErr)
	}

	return nil
}

// Retrieve opens a download stream for id's body.
func (s *Store) Retrieve(ctx context.Context, id string) (io.Reader, error) {
	stream, err := s.bucket.OpenDownloadStreamByName(filenameFor(id))
	if err != nil {
		return nil, fmt.Errorf("opening download stream for %q: %w", id, err)
	}
	return stream, nil
}

// SetMeta patches the metadata.data object for id.
func (s *Store) SetMeta(ctx context.Context, id string, meta *BodyMeta) error {
	filesColl := s.db.Collection("fs.files")
	_, err := filesColl.UpdateOne(ctx,
		bson.M{"filename": filenameFor(id)},
		bson.M{"$set": bson.M{"metadata.data": meta}},
	)
	if err != nil {
		return fmt.Errorf("updating metadata for %q: %w", id, err)
	}
	return nil
}

// GetMeta reads back the metadata.data object for id, returning
// mongo.ErrNoDocuments if id was never stored (or has already been GC'd).
func (s *Store) GetMeta(ctx context.Context, id string) (*BodyMeta, error) {
	filesColl := s.db.Collection("fs.files")
	var doc struct {
		Metadata struct {
			Data BodyMeta `bson:"data"`
		} `bson:"metadata"`
	}
	err := filesColl.FindOne(ctx, bson.M{"filename": filenameFor(id)}).Decode(&doc)
	if err != nil {
		return nil, err
	}
	return &doc.Metadata.Data, nil
}

// RemoveNow deletes id's blob immediately, with no grace window. Used when
// the caller asked for skipDelayDelete (spec.md §9 Open Question
// resolution) or to clean up a failed upload.
func (s *Store) RemoveNow(ctx context.Context, id string) error {
	fileID, err := s.findFileID(ctx, id)
	if err != nil {
		if err == mongo.ErrNoDocuments {
			return nil
		}
		return err
	}
	return s.bucket.Delete(fileID)
}

// RemoveAfter schedules id's blob for deletion once graceWindow has elapsed
// and returns at once. The deletion runs in the background with its own
// context; a failure is logged rather than returned. A deletion still
// pending when the process exits does not happen, leaving the body to the
// GC pass's orphan-body sweep.
func (s *Store) RemoveAfter(ctx context.Context, id string, graceWindow time.Duration) error {
	time.AfterFunc(graceWindow, func() {
		if err := s.RemoveNow(context.Background(), id); err != nil {
			log.Errorf("blobstore: delayed removal of %q failed: %v", id, err)
		}
	})
	return nil
}

// DeleteOrphansUploadedBefore deletes every GridFS file uploaded before
// cutoff, used by the GC pass's "delete blob entries with upload time <=
// t - 10min" step (spec.md §4.14). It returns the number of files removed.
func (s *Store) DeleteOrphansUploadedBefore(ctx context.Context, cutoff time.Time) (int, error) {
	filesColl := s.db.Collection("fs.files")
	cur, err := filesColl.Find(ctx, bson.M{"uploadDate": bson.M{"$lte": cutoff}})
	if err != nil {
		return 0, fmt.Errorf("listing orphan candidates: %w", err)
	}
	defer cur.Close(ctx)

	n := 0
	for cur.Next(ctx) {
		var doc struct {
			ID interface{} `bson:"_id"`
		}
		if err := cur.Decode(&doc); err != nil {
			continue
		}
		if err := s.bucket.Delete(doc.ID); err != nil {
			log.Errorf("blobstore: failed to delete orphan %v: %v", doc.ID, err)
			continue
		}
		n++
	}
	return n, cur.Err()
}

func (s *Store) findFileID(ctx context.Context, id string) (interface{}, error) {
	filesColl := s.db.Collection("fs.files")
	var doc struct {
		ID interface{} `bson:"_id"`
	}
	err := filesColl.FindOne(ctx, bson.M{"filename": filenameFor(id)}).Decode(&doc)
	if err != nil {
		return nil, err
	}
	return doc.ID, nil
}
