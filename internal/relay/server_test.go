package relay

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spbridge/spbridge/internal/adapter"
	"github.com/spbridge/spbridge/internal/spchat"
)

func testServer(t *testing.T) (*Server, *fakeChatAPI) {
	t.Helper()
	cfg := &Config{
		Server:   ServerConfig{Port: 0, WebURL: "https://relay.example.com"},
		Messages: map[string]string{},
	}
	api := newFakeChatAPI("chat-1")
	e := NewEngine(cfg, map[string]adapter.ChatAdapter{"telegram": &fakeAdapter{}}, fakeFinder{api: api})
	return NewServer(cfg, e), api
}

func TestFileEndpointStreamsWithTokenMime(t *testing.T) {
	srv, _ := testServer(t)

	token := spchat.FileToken{
		Mime:   spchat.MimeImage,
		UserID: "telegram:42",
		ChatID: "chat-1",
		FileID: "fid-9",
	}
	req := httptest.NewRequest(http.MethodGet, "/file/"+token.Encode()+"/pic.jpg", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, spchat.MimeImage, rec.Header().Get("Content-Type"))
	assert.Equal(t, "file-bytes", rec.Body.String())
}

func TestFileEndpointRejectsBadToken(t *testing.T) {
	srv, _ := testServer(t)

	req := httptest.NewRequest(http.MethodGet, "/file/not-a-token/pic.jpg", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestFileEndpointRejectsIncompleteToken(t *testing.T) {
	srv, _ := testServer(t)

	token := spchat.FileToken{Mime: spchat.MimeBlob}
	req := httptest.NewRequest(http.MethodGet, "/file/"+token.Encode()+"/x", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestWebhookRoutesAreMounted(t *testing.T) {
	cfg := &Config{
		Server:   ServerConfig{WebURL: "https://relay.example.com"},
		Messages: map[string]string{},
	}
	m := adapter.NewMessengerAdapter(adapter.MessengerConfig{VerifyToken: "vt"})
	e := NewEngine(cfg, map[string]adapter.ChatAdapter{"messenger": m}, fakeFinder{api: newFakeChatAPI("c")})
	srv := NewServer(cfg, e)

	req := httptest.NewRequest(http.MethodGet,
		"/fb/webhook?hub.mode=subscribe&hub.verify_token=vt&hub.challenge=ch", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ch", rec.Body.String())
}
