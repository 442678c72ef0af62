package firebase

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"firebase.google.com/go/v4/messaging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"finsync/internal/domain/notification"
)

var errUnregistered = errors.New("unregistered")

type MockSender struct {
	MulticastFunc func(ctx context.Context, message *messaging.MulticastMessage) (*messaging.BatchResponse, error)
	batches       [][]string
	last          *messaging.MulticastMessage
}

func (m *MockSender) SendEachForMulticast(ctx context.Context, message *messaging.MulticastMessage) (*messaging.BatchResponse, error) {
	m.batches = append(m.batches, message.Tokens)
	m.last = message
	return m.MulticastFunc(ctx, message)
}

func newTestClient(s sender, deactivated *[]string) *Client {
	c := newClient(s, func(_ context.Context, token string) error {
		*deactivated = append(*deactivated, token)
		return nil
	}, zap.NewNop())
	c.isInvalidToken = func(err error) bool { return errors.Is(err, errUnregistered) }
	return c
}

func TestChunkTokens(t *testing.T) {
	tokens := make([]string, 1201)
	for i := range tokens {
		tokens[i] = fmt.Sprintf("t%d", i)
	}

	chunks := chunkTokens(tokens, fcmBatchLimit)
	require.Len(t, chunks, 3)
	assert.Len(t, chunks[0], 500)
	assert.Len(t, chunks[1], 500)
	assert.Len(t, chunks[2], 201)
	assert.Nil(t, chunkTokens(nil, fcmBatchLimit))
}

func TestDeliver_DeactivatesDeadTokens(t *testing.T) {
	var deactivated []string
	mock := &MockSender{
		MulticastFunc: func(_ context.Context, msg *messaging.MulticastMessage) (*messaging.BatchResponse, error) {
			resp := &messaging.BatchResponse{}
			for _, tok := range msg.Tokens {
				r := &messaging.SendResponse{Success: true}
				switch tok {
				case "gone":
					r = &messaging.SendResponse{Error: errUnregistered}
				case "flaky":
					r = &messaging.SendResponse{Error: errors.New("unavailable")}
				}
				if r.Error != nil {
					resp.FailureCount++
				} else {
					resp.SuccessCount++
				}
				resp.Responses = append(resp.Responses, r)
			}
			return resp, nil
		},
	}
	c := newTestClient(mock, &deactivated)

	push := notification.Push{Title: "t", Body: "b", Data: map[string]string{"k": "v"}}
	err := c.Deliver(context.Background(), []string{"ok", "gone", "flaky"}, push)
	require.NoError(t, err)
	assert.Equal(t, []string{"gone"}, deactivated)
	assert.Len(t, mock.batches, 1)
	assert.Equal(t, "t", mock.last.Notification.Title)
	assert.Equal(t, "v", mock.last.Data["k"])
}

func TestDeliver_NoTokens(t *testing.T) {
	mock := &MockSender{}
	var deactivated []string
	c := newTestClient(mock, &deactivated)

	require.NoError(t, c.Deliver(context.Background(), nil, notification.Push{Title: "t"}))
	assert.Empty(t, mock.batches)
}

func TestDeliver_BatchesAtFCMLimit(t *testing.T) {
	mock := &MockSender{
		MulticastFunc: func(_ context.Context, msg *messaging.MulticastMessage) (*messaging.BatchResponse, error) {
			return &messaging.BatchResponse{SuccessCount: len(msg.Tokens)}, nil
		},
	}
	var deactivated []string
	c := newTestClient(mock, &deactivated)

	tokens := make([]string, 501)
	for i := range tokens {
		tokens[i] = fmt.Sprintf("t%d", i)
	}
	require.NoError(t, c.Deliver(context.Background(), tokens, notification.Push{Title: "t"}))
	require.Len(t, mock.batches, 2)
	assert.Len(t, mock.batches[1], 1)
}

func TestDeliver_TransportError(t *testing.T) {
	mock := &MockSender{
		MulticastFunc: func(context.Context, *messaging.MulticastMessage) (*messaging.BatchResponse, error) {
			return nil, errors.New("unavailable")
		},
	}
	var deactivated []string
	c := newTestClient(mock, &deactivated)

	assert.Error(t, c.Deliver(context.Background(), []string{"tok"}, notification.Push{Title: "t"}))
	assert.Empty(t, deactivated)
}
