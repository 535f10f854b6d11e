package spchat

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeBackend is a minimal tenant endpoint: it hands out chat ids, records
// posted client events and serves canned poll batches.
type fakeBackend struct {
	mu          sync.Mutex
	pollCount   int64
	pollBatches [][]Event
	clientEvent []Event
	uploadFail  bool
	srv         *httptest.Server
}

func newFakeBackend() *fakeBackend {
	b := &fakeBackend{}
	mux := http.NewServeMux()
	mux.HandleFunc("/clientweb/api/v1/chats", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"chat_id":"chat-1"}`)
	})
	mux.HandleFunc("/clientweb/api/v1/chats/chat-1/events", func(w http.ResponseWriter, r *http.Request) {
		b.mu.Lock()
		defer b.mu.Unlock()
		if r.Method == http.MethodPost {
			var body struct {
				Events []Event `json:"events"`
			}
			json.NewDecoder(r.Body).Decode(&body)
			b.clientEvent = append(b.clientEvent, body.Events...)
			fmt.Fprint(w, `{}`)
			return
		}
		atomic.AddInt64(&b.pollCount, 1)
		batch := []Event{}
		if len(b.pollBatches) > 0 {
			batch = b.pollBatches[0]
			b.pollBatches = b.pollBatches[1:]
		}
		json.NewEncoder(w).Encode(map[string]interface{}{"events": batch})
	})
	mux.HandleFunc("/clientweb/api/v1/files", func(w http.ResponseWriter, r *http.Request) {
		b.mu.Lock()
		fail := b.uploadFail
		b.mu.Unlock()
		if fail {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		fmt.Fprint(w, `{"file_id":"fid-1"}`)
	})
	b.srv = httptest.NewServer(mux)
	return b
}

func (b *fakeBackend) client() *Client {
	c := NewClient(Config{
		Name:      "test",
		BaseURL:   b.srv.URL,
		TenantURL: "tenant.example.com",
		AppID:     "app-1",
		WebURL:    "https://relay.example.com",
	})
	c.SetPollInterval(10 * time.Millisecond)
	return c
}

func (b *fakeBackend) sentEvents() []Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Event, len(b.clientEvent))
	copy(out, b.clientEvent)
	return out
}

func TestRequestChatEstablishesSession(t *testing.T) {
	b := newFakeBackend()
	defer b.srv.Close()
	c := b.client()

	chatID, err := c.RequestChat("telegram:42", map[string]interface{}{"last_name": "Jane"})
	require.NoError(t, err)
	assert.Equal(t, "chat-1", chatID)
	assert.True(t, c.HasChat("chat-1"))
}

func TestPollLoopDeliversEventsAndStopsAfterEnded(t *testing.T) {
	b := newFakeBackend()
	defer b.srv.Close()
	c := b.client()

	var mu sync.Mutex
	var received []Event
	c.SetHandler(func(userID, chatID string, ev Event) {
		mu.Lock()
		defer mu.Unlock()
		assert.Equal(t, "telegram:42", userID)
		assert.Equal(t, "chat-1", chatID)
		received = append(received, ev)
	})

	b.pollBatches = [][]Event{
		{{Event: EventChatSessionMessage, Msg: "hello from agent"}},
		{{Event: EventChatSessionEnded}},
	}

	_, err := c.RequestChat("telegram:42", nil)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(received) == 2
	}, 2*time.Second, 5*time.Millisecond)

	assert.Equal(t, EventChatSessionMessage, received[0].Event)
	assert.Equal(t, EventChatSessionEnded, received[1].Event)
	assert.False(t, c.HasChat("chat-1"))

	// The loop must stop polling once the session is gone.
	time.Sleep(50 * time.Millisecond)
	settled := atomic.LoadInt64(&b.pollCount)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, settled, atomic.LoadInt64(&b.pollCount))
}

func TestPollRewritesFileEventsIntoCapabilityURLs(t *testing.T) {
	b := newFakeBackend()
	defer b.srv.Close()
	c := b.client()

	var mu sync.Mutex
	var fileEvent *Event
	c.SetHandler(func(userID, chatID string, ev Event) {
		if ev.Event != EventChatSessionFile {
			return
		}
		mu.Lock()
		defer mu.Unlock()
		fileEvent = &ev
	})

	b.pollBatches = [][]Event{
		{{Event: EventChatSessionFile, FileID: "fid-9", FileName: "scan 1.jpg", FileType: "image"}},
		{{Event: EventChatSessionEnded}},
	}

	_, err := c.RequestChat("telegram:42", nil)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return fileEvent != nil
	}, 2*time.Second, 5*time.Millisecond)

	require.True(t, strings.HasPrefix(fileEvent.FileURL, "https://relay.example.com/file/"))
	assert.True(t, strings.HasSuffix(fileEvent.FileURL, "/scan_1.jpg"))

	parts := strings.Split(fileEvent.FileURL, "/")
	token, err := DecodeFileToken(parts[len(parts)-2])
	require.NoError(t, err)
	assert.Equal(t, FileToken{
		Mime:   MimeImage,
		UserID: "telegram:42",
		ChatID: "chat-1",
		FileID: "fid-9",
	}, token)
}

func TestSendTextPostsMessageEvent(t *testing.T) {
	b := newFakeBackend()
	defer b.srv.Close()
	c := b.client()

	_, err := c.RequestChat("telegram:42", nil)
	require.NoError(t, err)

	require.NoError(t, c.SendText("chat-1", "hi agent", "msg-7"))

	events := b.sentEvents()
	require.Len(t, events, 1)
	assert.Equal(t, EventChatSessionMessage, events[0].Event)
	assert.Equal(t, "hi agent", events[0].Msg)
	assert.Equal(t, "chat-1:msg-7", events[0].MsgID)
}

func TestSendTextWithoutSessionFails(t *testing.T) {
	b := newFakeBackend()
	defer b.srv.Close()
	c := b.client()

	err := c.SendText("chat-unknown", "hi", "m-1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no session")
}

func TestSendFileAnnouncesUploadedFile(t *testing.T) {
	b := newFakeBackend()
	defer b.srv.Close()
	c := b.client()

	source := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("picture-bytes"))
	}))
	defer source.Close()

	_, err := c.RequestChat("telegram:42", nil)
	require.NoError(t, err)

	require.NoError(t, c.SendFile("chat-1", source.URL+"/photo.jpg", "photo.jpg", nil))

	events := b.sentEvents()
	require.Len(t, events, 1)
	assert.Equal(t, EventChatSessionFile, events[0].Event)
	assert.Equal(t, "fid-1", events[0].FileID)
	assert.Equal(t, "photo.jpg", events[0].FileName)
	assert.Equal(t, "image", events[0].FileType)
	assert.Empty(t, events[0].MsgID)
}

func TestSendFileFallsBackToTextOnUploadFailure(t *testing.T) {
	b := newFakeBackend()
	defer b.srv.Close()
	b.uploadFail = true
	c := b.client()

	source := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("doc-bytes"))
	}))
	defer source.Close()

	_, err := c.RequestChat("telegram:42", nil)
	require.NoError(t, err)

	require.NoError(t, c.SendFile("chat-1", source.URL+"/contract.pdf", "contract.pdf", nil))

	events := b.sentEvents()
	require.Len(t, events, 1)
	assert.Equal(t, EventChatSessionMessage, events[0].Event)
	assert.Equal(t, "File can't be sent", events[0].Msg)
}

func TestSendLocationPostsFormData(t *testing.T) {
	b := newFakeBackend()
	defer b.srv.Close()
	c := b.client()

	_, err := c.RequestChat("telegram:42", nil)
	require.NoError(t, err)

	require.NoError(t, c.SendLocation("chat-1", "55.75", "37.61"))

	events := b.sentEvents()
	require.Len(t, events, 1)
	assert.Equal(t, EventChatSessionFormData, events[0].Event)
	assert.Equal(t, "RequestLocation", events[0].FormName)
	assert.Equal(t, map[string]string{"latitude": "55.75", "longitude": "37.61"}, events[0].FormData)
}
