package notify

import (
	"context"
	"encoding/json"
	"errors"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	mu     sync.Mutex
	events []Event
	err    error
}

func (r *recorder) Publish(_ context.Context, evt Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, evt)
	return r.err
}

func TestFanoutDeliversToAllAndSwallowsErrors(t *testing.T) {
	failing := &recorder{err: errors.New("broker down")}
	ok := &recorder{}
	f := NewFanout(nil, failing, ok)

	err := f.Publish(context.Background(), Event{Type: OfferAccepted, OfferID: "o1"})
	require.NoError(t, err)

	require.Len(t, ok.events, 1)
	assert.Equal(t, "o1", ok.events[0].OfferID)
	assert.False(t, ok.events[0].At.IsZero(), "timestamp is filled in")
	assert.Len(t, failing.events, 1)
}

type ctxSink struct {
	block bool
	mu    sync.Mutex
	err   error
	hasDL bool
}

func (c *ctxSink) Publish(ctx context.Context, _ Event) error {
	if c.block {
		<-ctx.Done()
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.err = ctx.Err()
	_, c.hasDL = ctx.Deadline()
	return c.err
}

func TestFanoutOutlivesCallerAndBoundsSlowSinks(t *testing.T) {
	fast := &ctxSink{}
	slow := &ctxSink{block: true}
	f := NewFanout(nil, slow, fast)
	f.timeout = 50 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	start := time.Now()
	require.NoError(t, f.Publish(ctx, Event{Type: OfferReserved, OfferID: "o1"}))
	assert.Less(t, time.Since(start), 2*time.Second)

	assert.NoError(t, fast.err, "a cancelled request does not cancel delivery")
	assert.True(t, fast.hasDL)
	assert.ErrorIs(t, slow.err, context.DeadlineExceeded)
}

func TestEventTopics(t *testing.T) {
	evt := Event{ConversationID: "c1", ProductID: "p1"}
	assert.Equal(t, []string{"conversation:c1", "product:p1"}, evt.Topics())
	assert.Empty(t, Event{}.Topics())
}

func TestHubStreamsEventsToSubscribers(t *testing.T) {
	hub := NewHub(nil)
	e := echo.New()
	e.GET("/ws/:topic", func(c echo.Context) error {
		return hub.Serve(c, c.Param("topic"), "u1")
	})
	srv := httptest.NewServer(e)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/" + ConversationTopic("c1")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))

	// the join notice proves registration happened
	var msg wsEvent
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, "presence_join", msg.Type)
	assert.Equal(t, 1, hub.Clients(ConversationTopic("c1")))

	require.NoError(t, hub.Publish(context.Background(), Event{Type: OfferReserved, ConversationID: "c1", OfferID: "o9"}))
	// events for other conversations are not delivered
	require.NoError(t, hub.Publish(context.Background(), Event{Type: OfferReserved, ConversationID: "c2"}))

	var raw struct {
		Type string          `json:"type"`
		Data json.RawMessage `json:"data"`
	}
	require.NoError(t, conn.ReadJSON(&raw))
	assert.Equal(t, OfferReserved, raw.Type)

	var evt Event
	require.NoError(t, json.Unmarshal(raw.Data, &evt))
	assert.Equal(t, "o9", evt.OfferID)
}

func TestKafkaMessageKeying(t *testing.T) {
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	msg, err := message(Event{Type: OfferReserved, ProductID: "p1", ConversationID: "c1", At: at})
	require.NoError(t, err)
	assert.Equal(t, "p1", string(msg.Key))
	assert.Equal(t, at, msg.Time)
	require.Len(t, msg.Headers, 1)
	assert.Equal(t, "event-type", msg.Headers[0].Key)
	assert.Equal(t, OfferReserved, string(msg.Headers[0].Value))

	var decoded Event
	require.NoError(t, json.Unmarshal(msg.Value, &decoded))
	assert.Equal(t, "c1", decoded.ConversationID)

	msg, err = message(Event{Type: ConversationUpdated, ConversationID: "c1"})
	require.NoError(t, err)
	assert.Equal(t, "c1", string(msg.Key))
}
