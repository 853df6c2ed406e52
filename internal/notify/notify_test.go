package notify

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"
	"github.com/slack-go/slack"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingNotifier struct {
	mu     sync.Mutex
	events []Event
	err    error
}

func (r *recordingNotifier) Notify(_ context.Context, ev Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return r.err
}

func gateEvent() Event {
	return Event{
		Type:    EventGateRequested,
		Project: "p1",
		Phase:   "specify",
		Gate:    "specify_approval",
		Summary: "architect=approve, qa=approve",
		Time:    time.Now(),
	}
}

func TestMultiBestEffort(t *testing.T) {
	failing := &recordingNotifier{err: errors.New("sink down")}
	working := &recordingNotifier{}
	m := NewMulti(zerolog.Nop(), failing, working)

	err := m.Notify(context.Background(), gateEvent())
	assert.NoError(t, err, "sink failure must not surface to the workflow")
	assert.Len(t, failing.events, 1)
	assert.Len(t, working.events, 1)
}

func TestDeduperSuppressesWithinWindow(t *testing.T) {
	inner := &recordingNotifier{}
	d := NewDeduper(inner, 10*time.Minute)

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	d.now = func() time.Time { return now }

	ev := gateEvent()
	require.NoError(t, d.Notify(context.Background(), ev))
	require.NoError(t, d.Notify(context.Background(), ev))
	assert.Len(t, inner.events, 1, "repeat within the window is suppressed")

	// Summaries differ, key does not.
	ev2 := ev
	ev2.Summary = "different"
	require.NoError(t, d.Notify(context.Background(), ev2))
	assert.Len(t, inner.events, 1)

	// Different gate passes through.
	ev3 := ev
	ev3.Gate = "plan_approval"
	require.NoError(t, d.Notify(context.Background(), ev3))
	assert.Len(t, inner.events, 2)

	// Window expiry re-arms the event.
	now = now.Add(11 * time.Minute)
	require.NoError(t, d.Notify(context.Background(), ev))
	assert.Len(t, inner.events, 3)
}

func TestWebhookNotifier(t *testing.T) {
	var gotBody Event
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	n := NewWebhookNotifier(srv.URL, "topsecret")
	require.NoError(t, n.Notify(context.Background(), gateEvent()))

	assert.Equal(t, EventGateRequested, gotBody.Type)
	assert.Equal(t, "p1", gotBody.Project)

	require.True(t, strings.HasPrefix(gotAuth, "Bearer "))
	tok, err := jwt.Parse(strings.TrimPrefix(gotAuth, "Bearer "), func(t *jwt.Token) (interface{}, error) {
		return []byte("topsecret"), nil
	})
	require.NoError(t, err)
	assert.True(t, tok.Valid)
	claims := tok.Claims.(jwt.MapClaims)
	assert.Equal(t, "phasedrive", claims["iss"])
	assert.Equal(t, "p1", claims["sub"])
}

func TestWebhookNotifierFailureStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	n := NewWebhookNotifier(srv.URL, "")
	err := n.Notify(context.Background(), gateEvent())
	assert.ErrorContains(t, err, "502")
}

type fakeSlack struct {
	channel string
	text    string
	err     error
}

func (f *fakeSlack) PostMessageContext(_ context.Context, channelID string, options ...slack.MsgOption) (string, string, error) {
	f.channel = channelID
	return "", "", f.err
}

func TestSlackNotifier(t *testing.T) {
	fake := &fakeSlack{}
	n := NewSlackNotifierWithClient(fake, "#eng-reviews")

	require.NoError(t, n.Notify(context.Background(), gateEvent()))
	assert.Equal(t, "#eng-reviews", fake.channel)

	fake.err = errors.New("channel_not_found")
	assert.Error(t, n.Notify(context.Background(), gateEvent()))
}

func TestEventText(t *testing.T) {
	assert.Contains(t, gateEvent().Text(), "specify_approval")
	assert.Contains(t, Event{Type: EventProjectComplete, Project: "p1"}.Text(), "complete")
}
