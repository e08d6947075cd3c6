package catalog

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/syntrixbase/backupindex/internal/index/types"
	"github.com/syntrixbase/backupindex/internal/payload"
)

const (
	collEntities    = "entities"
	collJobs        = "jobs"
	collChunks      = "chunks"
	collCheckpoints = "checkpoints"
	collSegments    = "segments"
)

// MongoCatalog implements Catalog on MongoDB, one collection per record kind.
type MongoCatalog struct {
	client      *mongo.Client
	entities    *mongo.Collection
	jobs        *mongo.Collection
	chunks      *mongo.Collection
	checkpoints *mongo.Collection
	segments    *mongo.Collection
	ownsClient  bool
}

// ConnectMongo dials uri and opens the catalog in database dbName.
func ConnectMongo(ctx context.Context, uri, dbName string) (*MongoCatalog, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to mongo: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("failed to ping mongo: %w", err)
	}
	c := NewMongoCatalog(client.Database(dbName))
	c.ownsClient = true
	if err := c.EnsureIndexes(ctx); err != nil {
		_ = client.Disconnect(ctx)
		return nil, err
	}
	return c, nil
}

// NewMongoCatalog uses an existing database handle.
func NewMongoCatalog(db *mongo.Database) *MongoCatalog {
	return &MongoCatalog{
		client:      db.Client(),
		entities:    db.Collection(collEntities),
		jobs:        db.Collection(collJobs),
		chunks:      db.Collection(collChunks),
		checkpoints: db.Collection(collCheckpoints),
		segments:    db.Collection(collSegments),
	}
}

// EnsureIndexes creates the identity and lookup indexes.
func (c *MongoCatalog) EnsureIndexes(ctx context.Context) error {
	_, err := c.checkpoints.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "entity", Value: 1}, {Key: "txn", Value: 1}},
		Options: options.Index().SetUnique(true),
	})
	if err != nil {
		return fmt.Errorf("failed to create checkpoint index: %w", err)
	}
	_, err = c.segments.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "entity", Value: 1}, {Key: "seq", Value: 1}},
		Options: options.Index().SetUnique(true),
	})
	if err != nil {
		return fmt.Errorf("failed to create segment index: %w", err)
	}
	_, err = c.jobs.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "entity", Value: 1}, {Key: "start_time", Value: 1}},
	})
	if err != nil {
		return fmt.Errorf("failed to create job index: %w", err)
	}
	return nil
}

// Timestamps are stored as int64 nanoseconds; BSON dates only keep
// milliseconds and playback compares sealing times exactly.
type checkpointDoc struct {
	ID             string  `bson:"_id"`
	Entity         string  `bson:"entity"`
	TransactionID  int64   `bson:"txn"`
	CreatedAt      int64   `bson:"created_at"`
	LastSegmentSeq int64   `bson:"last_segment_seq"`
	FoldedSegments []int64 `bson:"folded_segments"`
	Handle         string  `bson:"handle"`
}

type segmentDoc struct {
	ID       string `bson:"_id"`
	Entity   string `bson:"entity"`
	Seq      int64  `bson:"seq"`
	Job      string `bson:"job"`
	SealedAt int64  `bson:"sealed_at"`
	Records  int    `bson:"records"`
	Handle   string `bson:"handle"`
}

type placementDoc struct {
	ID       string `bson:"_id"`
	Volume   string `bson:"volume"`
	Chunk    string `bson:"chunk"`
	Node     string `bson:"node"`
	Size     int64  `bson:"size"`
	Checksum int64  `bson:"checksum"`
}

func nanos(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromNanos(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}

func (c *MongoCatalog) PutEntity(ctx context.Context, e types.Entity) error {
	_, err := c.entities.ReplaceOne(ctx, bson.M{"_id": e.ID}, e, options.Replace().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("failed to save entity %s: %w", e.ID, err)
	}
	return nil
}

func (c *MongoCatalog) GetEntity(ctx context.Context, id types.EntityID) (types.Entity, error) {
	var e types.Entity
	err := c.entities.FindOne(ctx, bson.M{"_id": id}).Decode(&e)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return types.Entity{}, fmt.Errorf("%w: entity %s", types.ErrNotFound, id)
	}
	if err != nil {
		return types.Entity{}, fmt.Errorf("failed to load entity %s: %w", id, err)
	}
	return e, nil
}

func (c *MongoCatalog) ListEntities(ctx context.Context) ([]types.Entity, error) {
	cur, err := c.entities.Find(ctx, bson.M{}, options.Find().SetSort(bson.D{{Key: "_id", Value: 1}}))
	if err != nil {
		return nil, fmt.Errorf("failed to list entities: %w", err)
	}
	var out []types.Entity
	if err := cur.All(ctx, &out); err != nil {
		return nil, fmt.Errorf("failed to decode entities: %w", err)
	}
	return out, nil
}

func (c *MongoCatalog) RecordJob(ctx context.Context, job types.Job) error {
	existing, err := c.GetJob(ctx, job.ID)
	switch {
	case err == nil:
		if err := checkChunksFrozen(existing, job); err != nil {
			return err
		}
	case !errors.Is(err, types.ErrJobNotFound):
		return err
	}
	_, err = c.jobs.ReplaceOne(ctx, bson.M{"_id": job.ID}, job, options.Replace().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("failed to save job %s: %w", job.ID, err)
	}
	return nil
}

func (c *MongoCatalog) GetJob(ctx context.Context, id types.JobID) (types.Job, error) {
	var j types.Job
	err := c.jobs.FindOne(ctx, bson.M{"_id": id}).Decode(&j)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return types.Job{}, fmt.Errorf("%w: %s", types.ErrJobNotFound, id)
	}
	if err != nil {
		return types.Job{}, fmt.Errorf("failed to load job %s: %w", id, err)
	}
	return j, nil
}

func (c *MongoCatalog) ListJobs(ctx context.Context, entity types.EntityID) ([]types.Job, error) {
	opts := options.Find().SetSort(bson.D{{Key: "start_time", Value: 1}, {Key: "_id", Value: 1}})
	cur, err := c.jobs.Find(ctx, bson.M{"entity": entity}, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}
	var out []types.Job
	if err := cur.All(ctx, &out); err != nil {
		return nil, fmt.Errorf("failed to decode jobs: %w", err)
	}
	return out, nil
}

func (c *MongoCatalog) SourceJobs(ctx context.Context, entity types.EntityID, before time.Time) ([]types.Job, error) {
	jobs, err := c.ListJobs(ctx, entity)
	if err != nil {
		return nil, err
	}
	return ResolveSourceJobs(jobs, before)
}

func (c *MongoCatalog) RegisterChunk(ctx context.Context, p Placement) error {
	doc := placementDoc{
		ID:       p.Ref.String(),
		Volume:   string(p.Ref.Volume),
		Chunk:    p.Ref.ID,
		Node:     string(p.Node),
		Size:     p.Size,
		Checksum: int64(p.Checksum),
	}
	_, err := c.chunks.ReplaceOne(ctx, bson.M{"_id": doc.ID}, doc, options.Replace().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("failed to register chunk %s: %w", p.Ref, err)
	}
	return nil
}

func (c *MongoCatalog) LocateChunk(ctx context.Context, ref types.ChunkRef) (Placement, error) {
	var doc placementDoc
	err := c.chunks.FindOne(ctx, bson.M{"_id": ref.String()}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return Placement{}, fmt.Errorf("%w: chunk %s has no placement", types.ErrNotFound, ref)
	}
	if err != nil {
		return Placement{}, fmt.Errorf("failed to locate chunk %s: %w", ref, err)
	}
	return Placement{
		Ref:      types.ChunkRef{Volume: types.VolumeID(doc.Volume), ID: doc.Chunk},
		Node:     types.NodeID(doc.Node),
		Size:     doc.Size,
		Checksum: uint64(doc.Checksum),
	}, nil
}

func (c *MongoCatalog) RecordCheckpoint(ctx context.Context, rec CheckpointRecord) error {
	doc := checkpointDoc{
		ID:             rec.ID,
		Entity:         string(rec.Entity),
		TransactionID:  int64(rec.TransactionID),
		CreatedAt:      nanos(rec.CreatedAt),
		LastSegmentSeq: int64(rec.LastSegmentSeq),
		Handle:         string(rec.Handle),
	}
	for _, s := range rec.FoldedSegments {
		doc.FoldedSegments = append(doc.FoldedSegments, int64(s))
	}
	_, err := c.checkpoints.InsertOne(ctx, doc)
	if mongo.IsDuplicateKeyError(err) {
		var existing checkpointDoc
		if c.checkpoints.FindOne(ctx, bson.M{"_id": rec.ID}).Decode(&existing) == nil {
			return nil
		}
		return fmt.Errorf("checkpoint for transaction %d of %s already recorded", rec.TransactionID, rec.Entity)
	}
	if err != nil {
		return fmt.Errorf("failed to record checkpoint: %w", err)
	}
	return nil
}

func (c *MongoCatalog) ListCheckpoints(ctx context.Context, entity types.EntityID) ([]CheckpointRecord, error) {
	opts := options.Find().SetSort(bson.D{{Key: "txn", Value: 1}})
	cur, err := c.checkpoints.Find(ctx, bson.M{"entity": entity}, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to list checkpoints: %w", err)
	}
	var docs []checkpointDoc
	if err := cur.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("failed to decode checkpoints: %w", err)
	}
	out := make([]CheckpointRecord, 0, len(docs))
	for _, d := range docs {
		rec := CheckpointRecord{
			ID:             d.ID,
			Entity:         types.EntityID(d.Entity),
			TransactionID:  uint64(d.TransactionID),
			CreatedAt:      fromNanos(d.CreatedAt),
			LastSegmentSeq: uint64(d.LastSegmentSeq),
			Handle:         payload.Handle(d.Handle),
		}
		for _, s := range d.FoldedSegments {
			rec.FoldedSegments = append(rec.FoldedSegments, uint64(s))
		}
		out = append(out, rec)
	}
	return out, nil
}

func (c *MongoCatalog) RecordSegment(ctx context.Context, rec SegmentRecord) error {
	doc := segmentDoc{
		ID:       fmt.Sprintf("%s/%020d", rec.Entity, rec.Seq),
		Entity:   string(rec.Entity),
		Seq:      int64(rec.Seq),
		Job:      string(rec.Job),
		SealedAt: nanos(rec.SealedAt),
		Records:  rec.Records,
		Handle:   string(rec.Handle),
	}
	_, err := c.segments.ReplaceOne(ctx, bson.M{"_id": doc.ID}, doc, options.Replace().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("failed to record segment %d: %w", rec.Seq, err)
	}
	return nil
}

func (c *MongoCatalog) ListSegments(ctx context.Context, entity types.EntityID) ([]SegmentRecord, error) {
	opts := options.Find().SetSort(bson.D{{Key: "seq", Value: 1}})
	cur, err := c.segments.Find(ctx, bson.M{"entity": entity}, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to list segments: %w", err)
	}
	var docs []segmentDoc
	if err := cur.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("failed to decode segments: %w", err)
	}
	out := make([]SegmentRecord, 0, len(docs))
	for _, d := range docs {
		out = append(out, SegmentRecord{
			Entity:   types.EntityID(d.Entity),
			Seq:      uint64(d.Seq),
			Job:      types.JobID(d.Job),
			SealedAt: fromNanos(d.SealedAt),
			Records:  d.Records,
			Handle:   payload.Handle(d.Handle),
		})
	}
	return out, nil
}

// Close disconnects the client when the catalog dialed it.
func (c *MongoCatalog) Close(ctx context.Context) error {
	if !c.ownsClient {
		return nil
	}
	return c.client.Disconnect(ctx)
}
