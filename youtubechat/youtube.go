// Package youtubechat wraps Google OAuth2 client config and the YouTube Data
// API for the bot's live chat surface: resolving the active live chat of the
// authorized channel, paging through live chat messages, and posting bot
// replies. Tokens are persisted via the provided TokenStore interface so they
// can be refreshed and reused across restarts.
package youtubechat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/option"
	yt "google.golang.org/api/youtube/v3"

	"github.com/alicebothq/alicebot/config"
)

const provider = "youtube"

// expiryBuffer forces a refresh shortly before the stored token expires so
// in-flight calls don't race the deadline.
const expiryBuffer = 2 * time.Minute

// TokenStore persists OAuth tokens between runs.
type TokenStore interface {
	UpsertOAuthToken(ctx context.Context, provider string, accessToken string, refreshToken string, expiry time.Time, raw string) error
	GetOAuthToken(ctx context.Context, provider string) (accessToken string, refreshToken string, expiry time.Time, raw string, err error)
}

// Message is one inbound live chat item.
type Message struct {
	ID        string
	Author    string
	Text      string
	Published time.Time
}

// Client talks to the YouTube Live Chat API on behalf of the bot account.
type Client struct {
	cfg    *config.Config
	tokens TokenStore
	oauth  *oauth2.Config

	// endpoint overrides the API base URL in tests.
	endpoint string

	mu sync.Mutex
}

// New builds a client from the loaded config. The default scope covers both
// reading and posting live chat messages.
func New(cfg *config.Config, ts TokenStore) *Client {
	scopes := []string{"https://www.googleapis.com/auth/youtube"}
	if cfg.YTScopes != "" {
		// allow comma or space separated
		s := strings.ReplaceAll(cfg.YTScopes, ",", " ")
		if fields := strings.Fields(s); len(fields) > 0 {
			scopes = fields
		}
	}
	oc := &oauth2.Config{
		ClientID:     cfg.YTClientID,
		ClientSecret: cfg.YTClientSecret,
		Endpoint:     google.Endpoint,
		RedirectURL:  cfg.YTRedirectURI,
		Scopes:       scopes,
	}
	return &Client{cfg: cfg, tokens: ts, oauth: oc}
}

// AuthCodeURL builds the consent URL for the OAuth flow.
func (c *Client) AuthCodeURL(state string) string {
	return c.oauth.AuthCodeURL(state, oauth2.AccessTypeOffline, oauth2.ApprovalForce)
}

// Exchange trades an auth code for tokens and persists them.
func (c *Client) Exchange(ctx context.Context, code string) (*oauth2.Token, error) {
	tok, err := c.oauth.Exchange(ctx, code)
	if err != nil {
		return nil, err
	}
	raw, _ := json.Marshal(tok)
	if err := c.tokens.UpsertOAuthToken(ctx, provider, tok.AccessToken, tok.RefreshToken, tok.Expiry, string(raw)); err != nil {
		return nil, fmt.Errorf("persist token: %w", err)
	}
	return tok, nil
}

func (c *Client) storedToken(ctx context.Context) (*oauth2.Token, error) {
	access, refresh, expiry, raw, err := c.tokens.GetOAuthToken(ctx, provider)
	if err != nil {
		return nil, err
	}
	if access == "" && refresh == "" {
		return nil, errors.New("no youtube token stored")
	}
	var tok oauth2.Token
	if raw != "" {
		_ = json.Unmarshal([]byte(raw), &tok)
	}
	if tok.AccessToken == "" {
		tok.AccessToken = access
	}
	tok.RefreshToken = refresh
	tok.Expiry = expiry
	return &tok, nil
}

func (c *Client) refreshIfNeeded(ctx context.Context) (*oauth2.Token, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	tok, err := c.storedToken(ctx)
	if err != nil {
		return nil, err
	}
	if time.Until(tok.Expiry) > expiryBuffer {
		return tok, nil
	}
	newTok, err := c.oauth.TokenSource(ctx, tok).Token()
	if err != nil {
		return tok, err
	}
	raw, _ := json.Marshal(newTok)
	_ = c.tokens.UpsertOAuthToken(ctx, provider, newTok.AccessToken, newTok.RefreshToken, newTok.Expiry, string(raw))
	return newTok, nil
}

// RefreshCredential forces a refresh using the stored refresh token,
// regardless of the current token's remaining lifetime. Used by the retry
// policies when the API rejects a credential before its recorded expiry.
func (c *Client) RefreshCredential(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	tok, err := c.storedToken(ctx)
	if err != nil {
		return err
	}
	if tok.RefreshToken == "" {
		return errors.New("no refresh token stored")
	}
	// Drop the access token so the token source must perform a real refresh.
	stale := &oauth2.Token{RefreshToken: tok.RefreshToken}
	newTok, err := c.oauth.TokenSource(ctx, stale).Token()
	if err != nil {
		return fmt.Errorf("refresh credential: %w", err)
	}
	raw, _ := json.Marshal(newTok)
	if newTok.RefreshToken == "" {
		newTok.RefreshToken = tok.RefreshToken
	}
	return c.tokens.UpsertOAuthToken(ctx, provider, newTok.AccessToken, newTok.RefreshToken, newTok.Expiry, string(raw))
}

func (c *Client) service(ctx context.Context) (*yt.Service, error) {
	tok, err := c.refreshIfNeeded(ctx)
	if err != nil {
		return nil, err
	}
	opts := []option.ClientOption{option.WithHTTPClient(c.oauth.Client(ctx, tok))}
	if c.endpoint != "" {
		opts = append(opts, option.WithEndpoint(c.endpoint))
	}
	return yt.NewService(ctx, opts...)
}

// ResolveTarget finds the live chat id of the active broadcast. With an empty
// channel hint it looks at the authorized account's own broadcasts; with a
// hint it searches that channel for a live video.
func (c *Client) ResolveTarget(ctx context.Context, channelHint string) (string, error) {
	svc, err := c.service(ctx)
	if err != nil {
		return "", err
	}
	if channelHint == "" {
		resp, err := svc.LiveBroadcasts.List([]string{"snippet"}).
			BroadcastStatus("active").BroadcastType("all").Context(ctx).Do()
		if err != nil {
			return "", fmt.Errorf("list live broadcasts: %w", err)
		}
		for _, b := range resp.Items {
			if b.Snippet != nil && b.Snippet.LiveChatId != "" {
				return b.Snippet.LiveChatId, nil
			}
		}
		return "", ErrNoLiveBroadcast
	}

	search, err := svc.Search.List([]string{"id"}).
		ChannelId(channelHint).EventType("live").Type("video").MaxResults(1).Context(ctx).Do()
	if err != nil {
		return "", fmt.Errorf("search live video: %w", err)
	}
	if len(search.Items) == 0 || search.Items[0].Id == nil || search.Items[0].Id.VideoId == "" {
		return "", ErrNoLiveBroadcast
	}
	videos, err := svc.Videos.List([]string{"liveStreamingDetails"}).
		Id(search.Items[0].Id.VideoId).Context(ctx).Do()
	if err != nil {
		return "", fmt.Errorf("lookup live video: %w", err)
	}
	for _, v := range videos.Items {
		if v.LiveStreamingDetails != nil && v.LiveStreamingDetails.ActiveLiveChatId != "" {
			return v.LiveStreamingDetails.ActiveLiveChatId, nil
		}
	}
	return "", ErrNoLiveBroadcast
}

// FetchMessages retrieves one page of live chat messages. The returned token
// must be fed into the next call; hint is the server's suggested wait before
// polling again (zero when the API supplied none).
func (c *Client) FetchMessages(ctx context.Context, target, pageToken string) ([]Message, string, time.Duration, error) {
	if target == "" {
		return nil, "", 0, errors.New("empty live chat target")
	}
	svc, err := c.service(ctx)
	if err != nil {
		return nil, "", 0, err
	}
	call := svc.LiveChatMessages.List(target, []string{"snippet", "authorDetails"}).Context(ctx)
	if pageToken != "" {
		call = call.PageToken(pageToken)
	}
	resp, err := call.Do()
	if err != nil {
		return nil, "", 0, fmt.Errorf("list live chat messages: %w", err)
	}
	items := make([]Message, 0, len(resp.Items))
	for _, it := range resp.Items {
		if it.Snippet == nil {
			continue
		}
		m := Message{ID: it.Id, Text: it.Snippet.DisplayMessage}
		if it.AuthorDetails != nil {
			m.Author = it.AuthorDetails.DisplayName
		}
		if ts, err := time.Parse(time.RFC3339, it.Snippet.PublishedAt); err == nil {
			m.Published = ts
		}
		items = append(items, m)
	}
	hint := time.Duration(resp.PollingIntervalMillis) * time.Millisecond
	return items, resp.NextPageToken, hint, nil
}

// Send posts a bot reply into the live chat.
func (c *Client) Send(ctx context.Context, target, text string) error {
	if target == "" {
		return errors.New("empty live chat target")
	}
	svc, err := c.service(ctx)
	if err != nil {
		return err
	}
	msg := &yt.LiveChatMessage{
		Snippet: &yt.LiveChatMessageSnippet{
			LiveChatId: target,
			Type:       "textMessageEvent",
			TextMessageDetails: &yt.LiveChatTextMessageDetails{
				MessageText: text,
			},
		},
	}
	if _, err := svc.LiveChatMessages.Insert([]string{"snippet"}, msg).Context(ctx).Do(); err != nil {
		return fmt.Errorf("insert live chat message: %w", err)
	}
	return nil
}

// HasCredential reports whether any token is stored for the bot account.
func (c *Client) HasCredential(ctx context.Context) bool {
	_, err := c.storedToken(ctx)
	return err == nil
}
