package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/goyalg325/agency/agency"
)

// APIError is a non-retryable error response from a member
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("agency: %d %s: %s", e.Status, http.StatusText(e.Status), e.Message)
}

// ClientOptions configures a new Client
type ClientOptions struct {
	// Timeout for a single HTTP request
	RequestTimeout time.Duration
	// Maximum number of passes over the endpoint list
	MaxRetries int
	// Pause between passes, multiplied by the pass number
	Backoff time.Duration
	// Logger for client operations
	Logger zerolog.Logger
}

// DefaultClientOptions returns reasonable default options
func DefaultClientOptions() ClientOptions {
	return ClientOptions{
		RequestTimeout: 10 * time.Second,
		MaxRetries:     5,
		Backoff:        100 * time.Millisecond,
		Logger:         zerolog.Nop(),
	}
}

// Client talks to an agency, following leader redirects
type Client struct {
	endpoints []string   // host:port of every member
	leader    string     // Last endpoint that answered successfully
	mu        sync.Mutex // Protects leader
	http      *http.Client
	opts      ClientOptions
}

// NewClient creates a new client for the agency at endpoints
func NewClient(endpoints []string, opts ...ClientOptions) *Client {
	options := DefaultClientOptions()
	if len(opts) > 0 {
		options = opts[0]
	}
	c := &Client{
		endpoints: endpoints,
		opts:      options,
		http: &http.Client{
			Timeout: options.RequestTimeout,
			// Redirects are followed by hand so the leader is remembered
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
	}
	if len(endpoints) > 0 {
		c.leader = endpoints[0]
	}
	return c
}

// Write submits a batch of operations and returns their indices. Under
// AckNoWait no indices are returned.
func (c *Client) Write(ctx context.Context, ops []json.RawMessage, mode agency.AckMode) ([]uint64, error) {
	var resp WriteResponse
	if err := c.do(ctx, http.MethodPost, CommandWrite, mode, ops, &resp); err != nil {
		return nil, err
	}
	return resp.Results, nil
}

// Read runs queries against the leader and returns one result per query
func (c *Client) Read(ctx context.Context, queries []json.RawMessage) ([]json.RawMessage, error) {
	var resp ReadResponse
	if err := c.do(ctx, http.MethodPost, CommandRead, agency.AckDefault, queries, &resp); err != nil {
		return nil, err
	}
	return resp.Results, nil
}

// ChangeMembership proposes a new member table
func (c *Client) ChangeMembership(ctx context.Context, members map[string]string, mode agency.AckMode) ([]uint64, error) {
	var resp WriteResponse
	if err := c.do(ctx, http.MethodPost, CommandMembers, mode, MembersRequest{Members: members}, &resp); err != nil {
		return nil, err
	}
	return resp.Results, nil
}

// Config returns the configuration as seen by the first reachable member
func (c *Client) Config(ctx context.Context) (ConfigResponse, error) {
	var resp ConfigResponse
	err := c.do(ctx, http.MethodGet, CommandConfig, agency.AckDefault, nil, &resp)
	return resp, err
}

// State returns the log as seen by the first reachable member
func (c *Client) State(ctx context.Context) ([]StateEntry, error) {
	var resp []StateEntry
	err := c.do(ctx, http.MethodGet, CommandState, agency.AckDefault, nil, &resp)
	return resp, err
}

// do sends the request to the remembered leader first, then to each other
// member in turn, following redirects and retrying on unavailability
func (c *Client) do(ctx context.Context, method string, cmd Command, mode agency.AckMode, body, out interface{}) error {
	if len(c.endpoints) == 0 {
		return errors.New("agency: no endpoints")
	}

	var payload []byte
	if body != nil {
		var err error
		if payload, err = json.Marshal(body); err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
	}

	var lastErr error
	for retry := 0; retry < c.opts.MaxRetries; retry++ {
		c.mu.Lock()
		target := c.leader
		c.mu.Unlock()

		// One extra hop allows a redirect after visiting every member
		for hop := 0; hop <= len(c.endpoints); hop++ {
			resp, err := c.send(ctx, method, target, cmd, mode, payload)
			if err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				c.opts.Logger.Debug().Err(err).Str("endpoint", target).Msg("request failed")
				lastErr = err
				target = c.next(target)
				continue
			}

			switch resp.StatusCode {
			case http.StatusOK:
				defer resp.Body.Close()
				c.mu.Lock()
				c.leader = target
				c.mu.Unlock()
				if out == nil {
					return nil
				}
				if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
					return fmt.Errorf("failed to decode response: %w", err)
				}
				return nil

			case http.StatusTemporaryRedirect:
				resp.Body.Close()
				loc, err := url.Parse(resp.Header.Get("Location"))
				if err != nil || loc.Host == "" {
					lastErr = fmt.Errorf("bad redirect from %s: %q", target, resp.Header.Get("Location"))
					target = c.next(target)
					continue
				}
				c.opts.Logger.Debug().Str("from", target).Str("to", loc.Host).Msg("following redirect")
				target = loc.Host

			case http.StatusServiceUnavailable:
				lastErr = readError(resp)
				target = c.next(target)

			default:
				return readError(resp)
			}
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(c.opts.Backoff * time.Duration(retry+1)):
		}
	}
	return fmt.Errorf("agency: request failed after %d retries: %w", c.opts.MaxRetries, lastErr)
}

func (c *Client) send(ctx context.Context, method, endpoint string, cmd Command, mode agency.AckMode, payload []byte) (*http.Response, error) {
	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, "http://"+endpoint+BasePath+cmd.String(), body)
	if err != nil {
		return nil, err
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if mode != agency.AckDefault {
		req.Header.Set(ModeHeader, mode.String())
	}
	return c.http.Do(req)
}

// next returns the endpoint after endpoint in the member list
func (c *Client) next(endpoint string) string {
	for i, ep := range c.endpoints {
		if ep == endpoint {
			return c.endpoints[(i+1)%len(c.endpoints)]
		}
	}
	return c.endpoints[0]
}

func readError(resp *http.Response) error {
	defer resp.Body.Close()
	var body errorResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil || body.Message == "" {
		return &APIError{Status: resp.StatusCode, Message: http.StatusText(resp.StatusCode)}
	}
	return &APIError{Status: resp.StatusCode, Message: body.Message}
}
