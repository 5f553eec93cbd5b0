package rabbitmq

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"testing"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/baechuer/parcel-registry/internal/contracts/event"
	"github.com/baechuer/parcel-registry/internal/domain"
	"github.com/baechuer/parcel-registry/internal/logger"
)

type mockStrategy struct {
	mock.Mock
}

func (m *mockStrategy) Handle(ctx context.Context, env event.Envelope) error {
	args := m.Called(ctx, env)
	return args.Error(0)
}

func newTestConsumer(registered, recalculate Strategy) *Consumer {
	logger.Logger = zerolog.New(io.Discard)
	return NewConsumer(
		Options{Queue: "parcel_registry_queue", Prefetch: 10, ConsumerTag: "delivery_worker"},
		map[domain.EventType]Strategy{
			domain.EventParcelRegistered:  registered,
			domain.EventParcelRecalculate: recalculate,
		},
	)
}

func delivery(t *testing.T, body string, routingKey string) amqp.Delivery {
	t.Helper()
	return amqp.Delivery{Body: []byte(body), RoutingKey: routingKey, MessageId: "msg-1"}
}

func TestDispatch_InvalidJSONIsDropped(t *testing.T) {
	registered := &mockStrategy{}
	recalculate := &mockStrategy{}
	c := newTestConsumer(registered, recalculate)

	err := c.dispatch(context.Background(), delivery(t, `{"payload":`, "parcel.registered"))
	require.NoError(t, err)

	registered.AssertNotCalled(t, "Handle", mock.Anything, mock.Anything)
	recalculate.AssertNotCalled(t, "Handle", mock.Anything, mock.Anything)
}

func TestDispatch_UnknownEventTypeIsDropped(t *testing.T) {
	registered := &mockStrategy{}
	recalculate := &mockStrategy{}
	c := newTestConsumer(registered, recalculate)

	body := `{"payload": null, "event_type": "parcel.lost"}`
	err := c.dispatch(context.Background(), delivery(t, body, "parcel.lost"))
	require.NoError(t, err)

	registered.AssertNotCalled(t, "Handle", mock.Anything, mock.Anything)
	recalculate.AssertNotCalled(t, "Handle", mock.Anything, mock.Anything)
}

func TestDispatch_MissingEventTypeIsDropped(t *testing.T) {
	registered := &mockStrategy{}
	recalculate := &mockStrategy{}
	c := newTestConsumer(registered, recalculate)

	err := c.dispatch(context.Background(), delivery(t, `{"payload": {"x": 1}}`, ""))
	require.NoError(t, err)

	registered.AssertNotCalled(t, "Handle", mock.Anything, mock.Anything)
}

func TestDispatch_RoutesByEventType(t *testing.T) {
	registered := &mockStrategy{}
	recalculate := &mockStrategy{}
	c := newTestConsumer(registered, recalculate)

	payload := json.RawMessage(`{"parcel_id":"p1"}`)
	registered.On("Handle", mock.Anything, event.Envelope{
		Payload:   payload,
		EventType: string(domain.EventParcelRegistered),
	}).Return(nil).Once()

	body := `{"payload":{"parcel_id":"p1"},"event_type":"parcel.registered"}`
	err := c.dispatch(context.Background(), delivery(t, body, "parcel.registered"))
	require.NoError(t, err)

	registered.AssertExpectations(t)
	recalculate.AssertNotCalled(t, "Handle", mock.Anything, mock.Anything)
}

func TestDispatch_NullPayloadControlEvent(t *testing.T) {
	registered := &mockStrategy{}
	recalculate := &mockStrategy{}
	c := newTestConsumer(registered, recalculate)

	recalculate.On("Handle", mock.Anything, mock.MatchedBy(func(env event.Envelope) bool {
		return env.EventType == string(domain.EventParcelRecalculate) && !env.HasPayload()
	})).Return(nil).Once()

	body := `{"payload": null, "event_type": "parcel.recalculate"}`
	err := c.dispatch(context.Background(), delivery(t, body, "parcel.recalculate"))
	require.NoError(t, err)

	recalculate.AssertExpectations(t)
}

func TestDispatch_HandlerErrorIsReturned(t *testing.T) {
	registered := &mockStrategy{}
	recalculate := &mockStrategy{}
	c := newTestConsumer(registered, recalculate)

	boom := errors.New("rate feed exploded")
	registered.On("Handle", mock.Anything, mock.Anything).Return(boom).Once()

	body := `{"payload":{"parcel_id":"p1"},"event_type":"parcel.registered"}`
	err := c.dispatch(context.Background(), delivery(t, body, "parcel.registered"))
	require.ErrorIs(t, err, boom)

	registered.AssertExpectations(t)
}
