package types

import (
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
)

// On-disk documents. Timestamps are int64 nanoseconds so that encoding is
// lossless; BSON datetimes only keep milliseconds.

type recordDoc struct {
	Op   uint8  `bson:"op"`
	Path string `bson:"path"`
	Kind uint8  `bson:"kind"`
	Size int64  `bson:"size"`
	Job  string `bson:"job"`
	Seq  int64  `bson:"seq"`
	Time int64  `bson:"t"`
}

type segmentDoc struct {
	Entity   string      `bson:"entity"`
	Job      string      `bson:"job"`
	Seq      int64       `bson:"seq"`
	SealedAt int64       `bson:"sealed_at"`
	Records  []recordDoc `bson:"records"`
}

type checkpointDoc struct {
	ID             string  `bson:"id"`
	Entity         string  `bson:"entity"`
	TransactionID  int64   `bson:"txn"`
	CreatedAt      int64   `bson:"created_at"`
	FoldedSegments []int64 `bson:"folded"`
	LastSegmentSeq int64   `bson:"last_seq"`
	Snapshot       []byte  `bson:"snapshot"`
}

func toNanos(t time.Time) int64 {
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

func toRecordDoc(r Record) recordDoc {
	return recordDoc{
		Op:   uint8(r.Op),
		Path: r.Path,
		Kind: uint8(r.Kind),
		Size: r.Size,
		Job:  string(r.Job),
		Seq:  int64(r.Seq),
		Time: toNanos(r.Time),
	}
}

func fromRecordDoc(d recordDoc) Record {
	return Record{
		Op:   Op(d.Op),
		Path: d.Path,
		Kind: EntryKind(d.Kind),
		Size: d.Size,
		Job:  JobID(d.Job),
		Seq:  uint64(d.Seq),
		Time: fromNanos(d.Time),
	}
}

// EncodeRecord encodes a record as BSON.
func EncodeRecord(r Record) ([]byte, error) {
	return bson.Marshal(toRecordDoc(r))
}

// DecodeRecord decodes a record produced by EncodeRecord.
func DecodeRecord(data []byte) (Record, error) {
	var d recordDoc
	if err := bson.Unmarshal(data, &d); err != nil {
		return Record{}, fmt.Errorf("failed to decode record: %w", err)
	}
	return fromRecordDoc(d), nil
}

// EncodeRecords encodes a record list as a single BSON document.
func EncodeRecords(records []Record) ([]byte, error) {
	docs := make([]recordDoc, len(records))
	for i, r := range records {
		docs[i] = toRecordDoc(r)
	}
	return bson.Marshal(struct {
		Records []recordDoc `bson:"records"`
	}{Records: docs})
}

// DecodeRecords decodes a list produced by EncodeRecords.
func DecodeRecords(data []byte) ([]Record, error) {
	var d struct {
		Records []recordDoc `bson:"records"`
	}
	if err := bson.Unmarshal(data, &d); err != nil {
		return nil, fmt.Errorf("failed to decode records: %w", err)
	}
	out := make([]Record, len(d.Records))
	for i, rd := range d.Records {
		out[i] = fromRecordDoc(rd)
	}
	return out, nil
}

// EncodeSegment encodes a sealed segment as BSON.
func EncodeSegment(s Segment) ([]byte, error) {
	d := segmentDoc{
		Entity:   string(s.Entity),
		Job:      string(s.Job),
		Seq:      int64(s.Seq),
		SealedAt: toNanos(s.SealedAt),
		Records:  make([]recordDoc, len(s.Records)),
	}
	for i, r := range s.Records {
		d.Records[i] = toRecordDoc(r)
	}
	return bson.Marshal(d)
}

// DecodeSegment decodes a segment produced by EncodeSegment.
func DecodeSegment(data []byte) (Segment, error) {
	var d segmentDoc
	if err := bson.Unmarshal(data, &d); err != nil {
		return Segment{}, fmt.Errorf("failed to decode segment: %w", err)
	}
	s := Segment{
		Entity:   EntityID(d.Entity),
		Job:      JobID(d.Job),
		Seq:      uint64(d.Seq),
		SealedAt: fromNanos(d.SealedAt),
		Records:  make([]Record, len(d.Records)),
	}
	for i, rd := range d.Records {
		s.Records[i] = fromRecordDoc(rd)
	}
	return s, nil
}

// EncodeCheckpoint encodes a checkpoint as BSON.
func EncodeCheckpoint(c Checkpoint) ([]byte, error) {
	d := checkpointDoc{
		ID:             c.ID,
		Entity:         string(c.Entity),
		TransactionID:  int64(c.TransactionID),
		CreatedAt:      toNanos(c.CreatedAt),
		FoldedSegments: make([]int64, len(c.FoldedSegments)),
		LastSegmentSeq: int64(c.LastSegmentSeq),
		Snapshot:       c.Snapshot,
	}
	for i, s := range c.FoldedSegments {
		d.FoldedSegments[i] = int64(s)
	}
	return bson.Marshal(d)
}

// DecodeCheckpoint decodes a checkpoint produced by EncodeCheckpoint.
func DecodeCheckpoint(data []byte) (Checkpoint, error) {
	var d checkpointDoc
	if err := bson.Unmarshal(data, &d); err != nil {
		return Checkpoint{}, fmt.Errorf("failed to decode checkpoint: %w", err)
	}
	c := Checkpoint{
		ID:             d.ID,
		Entity:         EntityID(d.Entity),
		TransactionID:  uint64(d.TransactionID),
		CreatedAt:      fromNanos(d.CreatedAt),
		FoldedSegments: make([]uint64, len(d.FoldedSegments)),
		LastSegmentSeq: uint64(d.LastSegmentSeq),
		Snapshot:       d.Snapshot,
	}
	for i, s := range d.FoldedSegments {
		c.FoldedSegments[i] = uint64(s)
	}
	return c, nil
}
