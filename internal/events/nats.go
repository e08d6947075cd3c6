package events

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

// DefaultStream is the JetStream stream job events go to.
const DefaultStream = "BACKUPINDEX"

// jetStreamNew is a variable to allow mocking jetstream.New in tests.
var jetStreamNew = func(nc *nats.Conn) (jetstream.JetStream, error) {
	return jetstream.New(nc)
}

// NATSPublisher publishes events to JetStream subjects
// <stream>.jobs.<entity>.<job>.
type NATSPublisher struct {
	js     jetstream.JetStream
	stream string
	nc     *nats.Conn
}

// NewNATSPublisher creates a publisher on nc and ensures the stream exists.
func NewNATSPublisher(nc *nats.Conn, stream string) (*NATSPublisher, error) {
	if nc == nil {
		return nil, fmt.Errorf("nats connection cannot be nil")
	}
	if stream == "" {
		stream = DefaultStream
	}
	js, err := jetStreamNew(nc)
	if err != nil {
		return nil, err
	}
	if err := EnsureStream(js, stream); err != nil {
		return nil, fmt.Errorf("failed to ensure stream: %w", err)
	}
	return NewNATSPublisherFromJS(js, stream), nil
}

// DialNATS connects to url and creates a publisher that owns the connection.
func DialNATS(url, stream string) (*NATSPublisher, error) {
	nc, err := nats.Connect(url, nats.Name("backupindex"))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to nats: %w", err)
	}
	p, err := NewNATSPublisher(nc, stream)
	if err != nil {
		nc.Close()
		return nil, err
	}
	p.nc = nc
	return p, nil
}

// NewNATSPublisherFromJS wraps an existing JetStream handle.
func NewNATSPublisherFromJS(js jetstream.JetStream, stream string) *NATSPublisher {
	if stream == "" {
		stream = DefaultStream
	}
	return &NATSPublisher{js: js, stream: stream}
}

// EnsureStream creates or updates the events stream.
func EnsureStream(js jetstream.JetStream, stream string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:     stream,
		Subjects: []string{stream + ".>"},
		Storage:  jetstream.FileStorage,
	})
	return err
}

// Subject returns the subject an event is published on. Entity and job IDs
// are base64url encoded since they may contain subject separators.
func (p *NATSPublisher) Subject(ev Event) string {
	return fmt.Sprintf("%s.jobs.%s.%s", p.stream,
		base64.RawURLEncoding.EncodeToString([]byte(ev.Entity)),
		base64.RawURLEncoding.EncodeToString([]byte(ev.Job)))
}

// Publish implements Publisher.
func (p *NATSPublisher) Publish(ctx context.Context, ev Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	_, err = p.js.Publish(ctx, p.Subject(ev), data, jetstream.WithExpectStream(p.stream), jetstream.WithRetryAttempts(3))
	return err
}

// Close drains the connection when the publisher dialed it.
func (p *NATSPublisher) Close() error {
	if p.nc == nil {
		return nil
	}
	return p.nc.Drain()
}
