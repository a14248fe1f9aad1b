package client

import (
	"errors"
	"net/http"
	"time"

	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// ErrInvalidToken is returned when the token used to authenticate is not
// valid.
var ErrInvalidToken = errors.New("invalid token passed")

// Client represents the minimal REST client. The gateway core never talks
// REST; this exists to discover the gateway URL and session limits before a
// shard is started.
type Client struct {
	Token string

	HTTP *http.Client

	// We will manually add the API version
	APIVersion string

	// Used to safely create URLs and is filled if empty
	URLHost   string
	URLScheme string
	UserAgent string
}

// NewClient makes a new client
func NewClient(token string) *Client {
	return &Client{
		Token:      token,
		HTTP:       &http.Client{Timeout: 20 * time.Second},
		APIVersion: "6",
		URLHost:    "discord.com",
		URLScheme:  "https",
	}
}

// GatewayBotResponse is the response of the gateway discovery endpoint: the
// websocket URL, the recommended shard count and the identify budget left.
type GatewayBotResponse struct {
	URL          string            `json:"url"`
	Shards       int               `json:"shards"`
	SessionLimit SessionStartLimit `json:"session_start_limit"`
}

// SessionStartLimit describes how many identifies remain in the current
// window.
type SessionStartLimit struct {
	Total      int   `json:"total"`
	Remaining  int   `json:"remaining"`
	ResetAfter int64 `json:"reset_after"`
}

// tooManyRequests is the body of a 429 response.
type tooManyRequests struct {
	Message    string `json:"message"`
	RetryAfter int64  `json:"retry_after"`
}

// GatewayBot returns the gateway url, the recommended shard count and the
// remaining session budget. Rate limits are waited out and retried.
func (c *Client) GatewayBot() (st *GatewayBotResponse, err error) {
	req, err := http.NewRequest("GET", "/gateway/bot", nil)
	if err != nil {
		return
	}

	res, err := c.HandleRequest(req)
	if err != nil {
		return
	}
	defer res.Body.Close()

	if res.StatusCode == http.StatusTooManyRequests {
		rl := tooManyRequests{}
		if err = json.NewDecoder(res.Body).Decode(&rl); err != nil {
			return
		}

		time.Sleep(time.Duration(rl.RetryAfter) * time.Millisecond)
		return c.GatewayBot()
	}

	err = json.NewDecoder(res.Body).Decode(&st)
	return
}

// HandleRequest makes a request to the Discord API
func (c *Client) HandleRequest(req *http.Request) (res *http.Response, err error) {
	req.URL.Path = "/api/v" + c.APIVersion + req.URL.Path

	// Fill out Host and Scheme if it is empty
	if req.URL.Host == "" {
		req.URL.Host = c.URLHost
	}
	if req.URL.Scheme == "" {
		req.URL.Scheme = c.URLScheme
	}
	if req.Header.Get("User-Agent") == "" {
		req.Header.Set("User-Agent", c.UserAgent)
	}
	if req.Header.Get("Authorization") == "" {
		req.Header.Set("Authorization", c.Token)
	}

	res, err = c.HTTP.Do(req)
	if err != nil {
		return
	}

	if res.StatusCode == http.StatusUnauthorized {
		err = ErrInvalidToken
		return
	}

	return
}
