package testing

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/syntrixbase/oplogpipe/internal/core/pubsub"
)

var _ pubsub.Publisher = (*MockPublisher)(nil)

func TestMockPublisher(t *testing.T) {
	t.Parallel()
	m := NewMockPublisher()
	ctx := context.Background()

	data := []byte("a")
	require.NoError(t, m.Publish(ctx, pubsub.Message{Subject: "s", Data: data, ID: "1"}))
	data[0] = 'b'
	<-m.Published()

	msgs := m.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, []byte("a"), msgs[0].Data)

	assert.ErrorIs(t, m.Publish(ctx, pubsub.Message{Subject: "s", ID: "1"}), pubsub.ErrDuplicate)
	require.NoError(t, m.Publish(ctx, pubsub.Message{Subject: "s"}))
	assert.Len(t, m.Messages(), 2)

	m.SetError(errors.New("down"))
	assert.Error(t, m.Publish(ctx, pubsub.Message{Subject: "s"}))

	require.NoError(t, m.Close())
	assert.True(t, m.IsClosed())
}
