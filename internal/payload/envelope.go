package payload

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/cespare/xxhash/v2"
	"github.com/klauspost/compress/zstd"
	"go.mongodb.org/mongo-driver/bson"

	"github.com/syntrixbase/backupindex/internal/index/types"
)

// Envelope layout: magic(4) | xxhash64 of frame(8) | zstd frame of BSON doc.
var envelopeMagic = []byte("BIX1")

const envelopeHeader = 12

// EncodeAll and DecodeAll are safe for concurrent use.
var (
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error
	if zstdEncoder, err = zstd.NewWriter(nil); err != nil {
		panic(err)
	}
	if zstdDecoder, err = zstd.NewReader(nil); err != nil {
		panic(err)
	}
}

type envelopeDoc struct {
	Kind   string `bson:"kind"`
	Entity string `bson:"entity"`
	Name   string `bson:"name"`
	Body   []byte `bson:"body"`
}

// Seal encodes an artifact into its stored form.
func Seal(a Artifact) ([]byte, error) {
	doc, err := bson.Marshal(envelopeDoc{
		Kind:   string(a.Kind),
		Entity: string(a.Entity),
		Name:   a.Name,
		Body:   a.Body,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode artifact: %w", err)
	}
	frame := zstdEncoder.EncodeAll(doc, nil)

	out := make([]byte, 0, envelopeHeader+len(frame))
	out = append(out, envelopeMagic...)
	out = binary.BigEndian.AppendUint64(out, xxhash.Sum64(frame))
	return append(out, frame...), nil
}

// Open verifies and decodes a stored artifact.
func Open(data []byte) (Artifact, error) {
	if len(data) < envelopeHeader || !bytes.Equal(data[:4], envelopeMagic) {
		return Artifact{}, fmt.Errorf("%w: bad envelope header", ErrCorrupt)
	}
	frame := data[envelopeHeader:]
	if binary.BigEndian.Uint64(data[4:envelopeHeader]) != xxhash.Sum64(frame) {
		return Artifact{}, fmt.Errorf("%w: checksum mismatch", ErrCorrupt)
	}
	doc, err := zstdDecoder.DecodeAll(frame, nil)
	if err != nil {
		return Artifact{}, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	var d envelopeDoc
	if err := bson.Unmarshal(doc, &d); err != nil {
		return Artifact{}, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	return Artifact{
		Kind:   Kind(d.Kind),
		Entity: types.EntityID(d.Entity),
		Name:   d.Name,
		Body:   d.Body,
	}, nil
}
