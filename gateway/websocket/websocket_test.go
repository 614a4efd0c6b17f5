package websocket

import (
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/citypulse/core/bus"
	"github.com/citypulse/core/types"
)

func dial(t *testing.T, ts *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http")
	ws, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	if resp != nil {
		resp.Body.Close()
	}
	t.Cleanup(func() { ws.Close() })
	return ws
}

func readEvent(t *testing.T, ws *websocket.Conn) types.Event {
	t.Helper()
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(2*time.Second)))
	var e types.Event
	require.NoError(t, ws.ReadJSON(&e))
	return e
}

func TestConnectGreetsWithConnectionResponse(t *testing.T) {
	b := bus.New()
	defer b.Stop(time.Second)
	g := NewGateway(b, nil)
	defer g.Stop(time.Second)

	ts := httptest.NewServer(g)
	defer ts.Close()

	ws := dial(t, ts)

	greeting := readEvent(t, ws)
	assert.Equal(t, types.EventConnectionResponse, greeting.Type)

	var payload connectionGreeting
	require.NoError(t, json.Unmarshal(greeting.Payload, &payload))
	assert.NotEmpty(t, payload.ConnectionID)

	require.Eventually(t, func() bool {
		return g.ConnectionCount() == 1
	}, time.Second, 5*time.Millisecond)
}

func TestSubscribeStreamsMatchingEvents(t *testing.T) {
	b := bus.New()
	defer b.Stop(time.Second)
	g := NewGateway(b, nil)
	defer g.Stop(time.Second)

	ts := httptest.NewServer(g)
	defer ts.Close()

	ws := dial(t, ts)
	readEvent(t, ws) // connection_response

	require.NoError(t, ws.WriteJSON(clientFrame{
		Action: "subscribe",
		Types:  []types.EventType{types.EventDataUpdate},
	}))

	ack := readEvent(t, ws)
	assert.Equal(t, types.EventSubscriptionResponse, ack.Type)

	// Published once the subscription is live.
	b.Publish(types.NewEvent(types.EventDataUpdate, types.DomainWeather,
		map[string]float64{"temperature": 21.5}, time.Now()))
	b.Publish(types.NewEvent(types.EventAlertNotification, "",
		map[string]string{"kind": "raised"}, time.Now()))
	b.Publish(types.NewEvent(types.EventDataUpdate, types.DomainEconomic, nil, time.Now()))

	first := readEvent(t, ws)
	assert.Equal(t, types.EventDataUpdate, first.Type)
	assert.Equal(t, types.DomainWeather, first.Domain)

	// The alert notification does not match the filter.
	second := readEvent(t, ws)
	assert.Equal(t, types.EventDataUpdate, second.Type)
	assert.Equal(t, types.DomainEconomic, second.Domain)
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	b := bus.New()
	defer b.Stop(time.Second)
	g := NewGateway(b, nil)
	defer g.Stop(time.Second)

	ts := httptest.NewServer(g)
	defer ts.Close()

	ws := dial(t, ts)
	readEvent(t, ws) // connection_response

	require.NoError(t, ws.WriteJSON(clientFrame{Action: "subscribe"}))
	readEvent(t, ws) // subscription_response

	require.Eventually(t, func() bool {
		return b.SubscriberCount() == 1
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, ws.WriteJSON(clientFrame{Action: "unsubscribe"}))

	require.Eventually(t, func() bool {
		return b.SubscriberCount() == 0
	}, time.Second, 5*time.Millisecond)
}

func TestClientDisconnectReleasesSubscription(t *testing.T) {
	b := bus.New()
	defer b.Stop(time.Second)
	g := NewGateway(b, nil)
	defer g.Stop(time.Second)

	ts := httptest.NewServer(g)
	defer ts.Close()

	ws := dial(t, ts)
	readEvent(t, ws) // connection_response

	require.NoError(t, ws.WriteJSON(clientFrame{Action: "subscribe"}))
	readEvent(t, ws)

	ws.Close()

	require.Eventually(t, func() bool {
		return b.SubscriberCount() == 0 && g.ConnectionCount() == 0
	}, time.Second, 5*time.Millisecond)
}

func TestStopClosesConnections(t *testing.T) {
	b := bus.New()
	defer b.Stop(time.Second)
	g := NewGateway(b, nil)

	ts := httptest.NewServer(g)
	defer ts.Close()

	ws := dial(t, ts)
	readEvent(t, ws)

	require.NoError(t, g.Stop(time.Second))
	require.NoError(t, g.Stop(time.Second))
	assert.Equal(t, 0, g.ConnectionCount())

	// New connections are refused once stopped.
	url := "ws" + strings.TrimPrefix(ts.URL, "http")
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	if resp != nil {
		resp.Body.Close()
	}
}

func TestMalformedFramesAreIgnored(t *testing.T) {
	b := bus.New()
	defer b.Stop(time.Second)
	g := NewGateway(b, nil)
	defer g.Stop(time.Second)

	ts := httptest.NewServer(g)
	defer ts.Close()

	ws := dial(t, ts)
	readEvent(t, ws)

	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte("{not json")))
	require.NoError(t, ws.WriteJSON(clientFrame{Action: "subscribe"}))

	ack := readEvent(t, ws)
	assert.Equal(t, types.EventSubscriptionResponse, ack.Type)
}
