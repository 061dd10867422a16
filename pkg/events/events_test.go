package events

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/raterudder/chargerudder/pkg/types"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeWriter struct {
	msgs   []kafka.Message
	err    error
	closed bool
}

func (f *fakeWriter) WriteMessages(ctx context.Context, msgs ...kafka.Message) error {
	if f.err != nil {
		return f.err
	}
	f.msgs = append(f.msgs, msgs...)
	return nil
}

func (f *fakeWriter) Close() error {
	f.closed = true
	return nil
}

func TestPublisher(t *testing.T) {
	ctx := context.Background()
	ts := time.Date(2026, 6, 1, 2, 0, 0, 0, time.UTC)

	t.Run("Disabled", func(t *testing.T) {
		p := &Publisher{}
		assert.False(t, p.Enabled())
		assert.NoError(t, p.PublishSessions(ctx, []types.SessionRecord{{ID: "a"}}))
		assert.NoError(t, p.PublishTransition(ctx, types.Transition{EntityID: "car"}))
		assert.NoError(t, p.Close())
	})

	t.Run("Publishes", func(t *testing.T) {
		sessions, transitions := &fakeWriter{}, &fakeWriter{}
		p := &Publisher{sessions: sessions, transitions: transitions}
		require.True(t, p.Enabled())

		recs := []types.SessionRecord{
			{ID: "a", DeviceID: "garage", Source: types.SessionSourceLive, Status: types.SessionStatusSuperseded},
			{ID: "b", DeviceID: "garage", Source: types.SessionSourceAuthoritative, Status: types.SessionStatusCanonical},
		}
		require.NoError(t, p.PublishSessions(ctx, recs))
		require.Len(t, sessions.msgs, 2)
		assert.Equal(t, "garage", string(sessions.msgs[1].Key))
		assert.Equal(t, "canonical", string(sessions.msgs[1].Headers[0].Value))

		var got types.SessionRecord
		require.NoError(t, json.Unmarshal(sessions.msgs[1].Value, &got))
		assert.Equal(t, "b", got.ID)
		assert.Equal(t, types.SessionSourceAuthoritative, got.Source)

		require.NoError(t, p.PublishTransition(ctx, types.Transition{EntityID: "car", Timestamp: ts, DryRun: true}))
		require.Len(t, transitions.msgs, 1)
		assert.Equal(t, "car", string(transitions.msgs[0].Key))
		assert.Equal(t, ts, transitions.msgs[0].Time)
		assert.Equal(t, "dryRun", transitions.msgs[0].Headers[0].Key)

		require.NoError(t, p.Close())
		assert.True(t, sessions.closed)
		assert.True(t, transitions.closed)
	})

	t.Run("WriteError", func(t *testing.T) {
		p := &Publisher{sessions: &fakeWriter{err: errors.New("no brokers")}, transitions: &fakeWriter{}}
		err := p.PublishSessions(ctx, []types.SessionRecord{{ID: "a", DeviceID: "garage", Source: types.SessionSourceLive}})
		assert.ErrorContains(t, err, "no brokers")
	})
}
