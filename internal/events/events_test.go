package events

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type MockJetStream struct {
	mock.Mock
	jetstream.JetStream
}

func (m *MockJetStream) CreateOrUpdateStream(ctx context.Context, cfg jetstream.StreamConfig) (jetstream.Stream, error) {
	args := m.Called(ctx, cfg)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(jetstream.Stream), args.Error(1)
}

func (m *MockJetStream) Publish(ctx context.Context, subject string, data []byte, opts ...jetstream.PublishOpt) (*jetstream.PubAck, error) {
	args := m.Called(ctx, subject, data)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*jetstream.PubAck), args.Error(1)
}

type MockStream struct {
	jetstream.Stream
}

func TestNewNATSPublisher(t *testing.T) {
	originalJetStreamNew := jetStreamNew
	defer func() { jetStreamNew = originalJetStreamNew }()

	_, err := NewNATSPublisher(nil, "")
	assert.ErrorContains(t, err, "nats connection cannot be nil")

	jetStreamNew = func(*nats.Conn) (jetstream.JetStream, error) {
		return nil, errors.New("mock js error")
	}
	_, err = NewNATSPublisher(&nats.Conn{}, "")
	assert.ErrorContains(t, err, "mock js error")

	failing := new(MockJetStream)
	failing.On("CreateOrUpdateStream", mock.Anything, mock.Anything).Return(nil, errors.New("stream error"))
	jetStreamNew = func(*nats.Conn) (jetstream.JetStream, error) { return failing, nil }
	_, err = NewNATSPublisher(&nats.Conn{}, "")
	assert.ErrorContains(t, err, "failed to ensure stream")

	ok := new(MockJetStream)
	ok.On("CreateOrUpdateStream", mock.Anything, mock.MatchedBy(func(cfg jetstream.StreamConfig) bool {
		return cfg.Name == DefaultStream && cfg.Subjects[0] == "BACKUPINDEX.>"
	})).Return(&MockStream{}, nil)
	jetStreamNew = func(*nats.Conn) (jetstream.JetStream, error) { return ok, nil }
	pub, err := NewNATSPublisher(&nats.Conn{}, "")
	require.NoError(t, err)
	assert.NoError(t, pub.Close())
	ok.AssertExpectations(t)
}

func TestNATSPublisher_Publish(t *testing.T) {
	t.Parallel()
	js := new(MockJetStream)
	pub := NewNATSPublisherFromJS(js, "")

	ev := Event{Entity: "client1/fs.default", Job: "synth-1", Type: "synthetic_full", State: "awaiting_chunks", Time: time.Unix(10, 0).UTC(), ReasonClass: "node_unreachable"}
	subject := "BACKUPINDEX.jobs." +
		base64.RawURLEncoding.EncodeToString([]byte("client1/fs.default")) + "." +
		base64.RawURLEncoding.EncodeToString([]byte("synth-1"))
	assert.Equal(t, subject, pub.Subject(ev))

	js.On("Publish", mock.Anything, subject, mock.MatchedBy(func(data []byte) bool {
		var got Event
		return json.Unmarshal(data, &got) == nil && got.State == "awaiting_chunks" && got.ReasonClass == "node_unreachable"
	})).Return(&jetstream.PubAck{Stream: DefaultStream}, nil).Once()
	require.NoError(t, pub.Publish(context.Background(), ev))

	js.On("Publish", mock.Anything, subject, mock.Anything).Return(nil, errors.New("no responders")).Once()
	assert.Error(t, pub.Publish(context.Background(), ev))
	js.AssertExpectations(t)
}

func TestRecorder(t *testing.T) {
	t.Parallel()
	r := NewRecorder()
	ctx := context.Background()

	go func() {
		_ = r.Publish(ctx, Event{Job: "j1", State: "planning"})
		_ = r.Publish(ctx, Event{Job: "j2", State: "planning"})
		_ = r.Publish(ctx, Event{Job: "j1", State: "completed"})
	}()

	waitCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	ev, ok := r.WaitFor(waitCtx, func(ev Event) bool { return ev.Job == "j1" && ev.State == "completed" })
	require.True(t, ok)
	assert.Equal(t, "completed", ev.State)
	assert.Equal(t, []string{"planning", "completed"}, r.States("j1"))
	assert.Len(t, r.Events(), 3)

	short, cancel2 := context.WithTimeout(ctx, 10*time.Millisecond)
	defer cancel2()
	_, ok = r.WaitFor(short, func(ev Event) bool { return ev.State == "never" })
	assert.False(t, ok)
}

func TestNoopPublisher(t *testing.T) {
	t.Parallel()
	var p Publisher = NoopPublisher{}
	assert.NoError(t, p.Publish(context.Background(), Event{}))
	assert.NoError(t, p.Close())
}
