package testutil

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	yt "google.golang.org/api/youtube/v3"
)

// MockYouTubeServer creates a test server that mocks YouTube Data API
// responses. Handlers are keyed by path suffix (e.g. "liveChat/messages") so
// callers don't care about the client library's base path prefix.
type MockYouTubeServer struct {
	*httptest.Server
	Handlers map[string]http.HandlerFunc
}

// NewMockYouTubeServer creates a new mock YouTube API server.
func NewMockYouTubeServer(t *testing.T) *MockYouTubeServer {
	t.Helper()
	m := &MockYouTubeServer{
		Handlers: make(map[string]http.HandlerFunc),
	}
	m.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		for suffix, handler := range m.Handlers {
			if strings.HasSuffix(r.URL.Path, suffix) {
				handler(w, r)
				return
			}
		}
		w.WriteHeader(http.StatusNotFound)
	}))
	t.Cleanup(m.Close)
	return m
}

// Endpoint returns the base URL to plug into the API client.
func (m *MockYouTubeServer) Endpoint() string {
	return m.Server.URL + "/"
}

// MockActiveBroadcast serves a liveBroadcasts list with one active broadcast
// carrying the given live chat id.
func (m *MockYouTubeServer) MockActiveBroadcast(liveChatID string) {
	m.Handlers["liveBroadcasts"] = func(w http.ResponseWriter, r *http.Request) {
		resp := &yt.LiveBroadcastListResponse{
			Items: []*yt.LiveBroadcast{
				{Snippet: &yt.LiveBroadcastSnippet{LiveChatId: liveChatID}},
			},
		}
		writeBody(w, resp)
	}
}

// MockNoBroadcast serves an empty liveBroadcasts list.
func (m *MockYouTubeServer) MockNoBroadcast() {
	m.Handlers["liveBroadcasts"] = func(w http.ResponseWriter, r *http.Request) {
		writeBody(w, &yt.LiveBroadcastListResponse{})
	}
}

// MockChannelLiveVideo serves the search and videos lookups used when a
// channel hint is configured.
func (m *MockYouTubeServer) MockChannelLiveVideo(videoID, liveChatID string) {
	m.Handlers["search"] = func(w http.ResponseWriter, r *http.Request) {
		resp := &yt.SearchListResponse{
			Items: []*yt.SearchResult{
				{Id: &yt.ResourceId{VideoId: videoID}},
			},
		}
		writeBody(w, resp)
	}
	m.Handlers["videos"] = func(w http.ResponseWriter, r *http.Request) {
		resp := &yt.VideoListResponse{
			Items: []*yt.Video{
				{LiveStreamingDetails: &yt.VideoLiveStreamingDetails{ActiveLiveChatId: liveChatID}},
			},
		}
		writeBody(w, resp)
	}
}

// ChatMessage is the minimal shape for a mocked live chat item.
type ChatMessage struct {
	ID          string
	Author      string
	Text        string
	PublishedAt string
}

// MockChatPage serves one liveChat/messages list page. Insert requests hitting
// the same path are acknowledged with an empty message resource.
func (m *MockYouTubeServer) MockChatPage(msgs []ChatMessage, nextToken string, pollMillis int64) {
	m.Handlers["liveChat/messages"] = func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			writeBody(w, &yt.LiveChatMessage{Id: "sent"})
			return
		}
		resp := &yt.LiveChatMessageListResponse{
			NextPageToken:         nextToken,
			PollingIntervalMillis: pollMillis,
		}
		for _, msg := range msgs {
			resp.Items = append(resp.Items, &yt.LiveChatMessage{
				Id: msg.ID,
				Snippet: &yt.LiveChatMessageSnippet{
					DisplayMessage: msg.Text,
					PublishedAt:    msg.PublishedAt,
				},
				AuthorDetails: &yt.LiveChatMessageAuthorDetails{DisplayName: msg.Author},
			})
		}
		writeBody(w, resp)
	}
}

// MockChatError serves an API error with the given status and reason for the
// liveChat/messages path.
func (m *MockYouTubeServer) MockChatError(status int, reason string) {
	m.Handlers["liveChat/messages"] = func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"error": map[string]any{
				"code":    status,
				"message": reason,
				"errors":  []map[string]string{{"reason": reason}},
			},
		})
	}
}

func writeBody(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v) //nolint:errcheck // test mock response
}
