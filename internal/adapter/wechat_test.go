package adapter

import (
	"crypto/sha1"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sort"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func wechatSign(token, timestamp, nonce string) string {
	parts := []string{token, timestamp, nonce}
	sort.Strings(parts)
	return fmt.Sprintf("%x", sha1.Sum([]byte(parts[0]+parts[1]+parts[2])))
}

func newWeChatTestRouter(wc *WeChatAdapter) chi.Router {
	r := chi.NewRouter()
	wc.Register(r)
	return r
}

func TestWeChatVerifyEchoesEchostr(t *testing.T) {
	wc := NewWeChatAdapter(WeChatConfig{Token: "wx-token"})
	r := newWeChatTestRouter(wc)

	q := url.Values{}
	q.Set("timestamp", "1700000000")
	q.Set("nonce", "nonce-1")
	q.Set("signature", wechatSign("wx-token", "1700000000", "nonce-1"))
	q.Set("echostr", "echo-abc")

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/wc?"+q.Encode(), nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "echo-abc", rec.Body.String())
}

func TestWeChatVerifyRejectsBadSignature(t *testing.T) {
	wc := NewWeChatAdapter(WeChatConfig{Token: "wx-token"})
	r := newWeChatTestRouter(wc)

	q := url.Values{}
	q.Set("timestamp", "1700000000")
	q.Set("nonce", "nonce-1")
	q.Set("signature", "deadbeef")
	q.Set("echostr", "echo-abc")

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/wc?"+q.Encode(), nil))

	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Empty(t, rec.Body.String())
}

func TestWeChatWebhookEmitsTextEvent(t *testing.T) {
	profiles := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"nickname":"Li Wei","headimgurl":"http://avatar"}`))
	}))
	defer profiles.Close()

	wc := NewWeChatAdapter(WeChatConfig{Token: "wx-token"})
	wc.apiBaseURL = profiles.URL
	r := newWeChatTestRouter(wc)

	var events []Event
	wc.handler = func(ev Event) { events = append(events, ev) }

	q := url.Values{}
	q.Set("timestamp", "1700000000")
	q.Set("nonce", "n")
	q.Set("signature", wechatSign("wx-token", "1700000000", "n"))

	body := `<xml>
		<FromUserName>open-id-1</FromUserName>
		<MsgId>1001</MsgId>
		<MsgType>text</MsgType>
		<Content>ni hao</Content>
	</xml>`
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/wc?"+q.Encode(), strings.NewReader(body)))

	assert.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, events, 1)
	assert.Equal(t, KindText, events[0].Kind)
	assert.Equal(t, "1001", events[0].MessageID)
	assert.Equal(t, "open-id-1", events[0].ChatID)
	assert.Equal(t, "ni hao", events[0].Text)
	assert.Equal(t, "Li Wei", events[0].From.Name)
}

func TestWeChatWebhookEmitsLocationEvent(t *testing.T) {
	profiles := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{}`))
	}))
	defer profiles.Close()

	wc := NewWeChatAdapter(WeChatConfig{Token: "wx-token"})
	wc.apiBaseURL = profiles.URL
	r := newWeChatTestRouter(wc)

	var events []Event
	wc.handler = func(ev Event) { events = append(events, ev) }

	q := url.Values{}
	q.Set("timestamp", "1")
	q.Set("nonce", "n")
	q.Set("signature", wechatSign("wx-token", "1", "n"))

	body := `<xml>
		<FromUserName>open-id-2</FromUserName>
		<MsgId>1002</MsgId>
		<MsgType>location</MsgType>
		<Location_X>55.75</Location_X>
		<Location_Y>37.61</Location_Y>
		<Label>Red Square</Label>
	</xml>`
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/wc?"+q.Encode(), strings.NewReader(body)))

	require.Len(t, events, 1)
	assert.Equal(t, KindLocation, events[0].Kind)
	assert.Equal(t, "55.75", events[0].Location.Latitude)
	assert.Equal(t, "37.61", events[0].Location.Longitude)
	assert.Equal(t, "Red Square", events[0].Location.URL)
}

func TestWeChatWebhookRejectsUnsignedPost(t *testing.T) {
	wc := NewWeChatAdapter(WeChatConfig{Token: "wx-token"})
	r := newWeChatTestRouter(wc)

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/wc",
		strings.NewReader("<xml><MsgType>text</MsgType></xml>")))

	assert.Equal(t, http.StatusForbidden, rec.Code)
}
