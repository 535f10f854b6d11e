package adapter

import (
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMessengerTestRouter(adapter *MessengerAdapter) chi.Router {
	r := chi.NewRouter()
	adapter.Register(r)
	return r
}

func TestMessengerVerifyEchoesChallenge(t *testing.T) {
	m := NewMessengerAdapter(MessengerConfig{VerifyToken: "secret-verify"})
	r := newMessengerTestRouter(m)

	q := url.Values{}
	q.Set("hub.mode", "subscribe")
	q.Set("hub.verify_token", "secret-verify")
	q.Set("hub.challenge", "challenge-1234")

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/fb/webhook?"+q.Encode(), nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "challenge-1234", rec.Body.String())
}

func TestMessengerVerifyRejectsBadToken(t *testing.T) {
	m := NewMessengerAdapter(MessengerConfig{VerifyToken: "secret-verify"})
	r := newMessengerTestRouter(m)

	q := url.Values{}
	q.Set("hub.mode", "subscribe")
	q.Set("hub.verify_token", "wrong")
	q.Set("hub.challenge", "challenge-1234")

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/fb/webhook?"+q.Encode(), nil))

	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Empty(t, rec.Body.String())
}

func TestMessengerVerifyMissingParams(t *testing.T) {
	m := NewMessengerAdapter(MessengerConfig{VerifyToken: "secret-verify"})
	r := newMessengerTestRouter(m)

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/fb/webhook", nil))

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestMessengerWebhookEmitsTextEvent(t *testing.T) {
	profiles := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"first_name":"Jane","last_name":"Doe","profile_pic":"http://pic"}`))
	}))
	defer profiles.Close()

	m := NewMessengerAdapter(MessengerConfig{VerifyToken: "v", PageAccessToken: "p"})
	m.profileURL = profiles.URL
	r := newMessengerTestRouter(m)

	var events []Event
	require.NoError(t, m.Start(func(ev Event) { events = append(events, ev) }))

	body := `{
		"object": "page",
		"entry": [{"messaging": [{
			"sender": {"id": "psid-1"},
			"message": {"mid": "mid-1", "text": "hello"}
		}]}]
	}`
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/fb/webhook", strings.NewReader(body)))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "EVENT_RECEIVED", rec.Body.String())
	require.Len(t, events, 1)
	assert.Equal(t, KindText, events[0].Kind)
	assert.Equal(t, "mid-1", events[0].MessageID)
	assert.Equal(t, "psid-1", events[0].ChatID)
	assert.Equal(t, "hello", events[0].Text)
	assert.Equal(t, "Jane Doe", events[0].From.Name)
	assert.Equal(t, "http://pic", events[0].From.AvatarURL)
}

func TestMessengerWebhookRejectsNonPageObject(t *testing.T) {
	m := NewMessengerAdapter(MessengerConfig{VerifyToken: "v", PageAccessToken: "p"})
	r := newMessengerTestRouter(m)

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/fb/webhook",
		strings.NewReader(`{"object":"user","entry":[]}`)))

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestMessengerSendTextSerializesPayload(t *testing.T) {
	var gotPath, gotBody string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path + "?" + r.URL.RawQuery
		b, _ := io.ReadAll(r.Body)
		gotBody = string(b)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	m := NewMessengerAdapter(MessengerConfig{PageAccessToken: "tok"})
	m.sendURL = srv.URL + "/me/messages"

	require.NoError(t, m.SendText("psid-1", "hi there"))
	assert.Contains(t, gotPath, "access_token=tok")
	assert.JSONEq(t, `{"recipient":{"id":"psid-1"},"message":{"text":"hi there"}}`, gotBody)
}

func TestMessengerSendFailsOnErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	m := NewMessengerAdapter(MessengerConfig{PageAccessToken: "tok"})
	m.sendURL = srv.URL

	err := m.SendText("psid-1", "hi")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 400")
}
