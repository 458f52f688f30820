package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/bft-labs/fedship/pkg/log"
	"github.com/bft-labs/fedship/pkg/params"
)

const (
	uploadEndpoint    = "/api/upload-client-weights"
	downloadEndpoint  = "/api/get-global-model"
	statusEndpoint    = "/api/server-status"
	roundsEndpoint    = "/api/rounds/"
	aggregateEndpoint = "/api/aggregate"

	roundHeader = "X-Fedship-Round"
)

// HTTPClient abstracts HTTP request execution for testing and custom transports.
// The standard *http.Client satisfies this interface.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// Client talks to a fedship server.
type Client struct {
	baseURL    string
	http       HTTPClient
	adminToken string
	logger     log.Logger

	attempts       int
	initialBackoff time.Duration
	maxBackoff     time.Duration
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient sets the HTTP client. Defaults to a client without timeout,
// since model downloads can be long; bound requests with the context instead.
func WithHTTPClient(c HTTPClient) Option {
	return func(cl *Client) {
		if c != nil {
			cl.http = c
		}
	}
}

// WithAdminToken sets the bearer token sent on aggregate requests.
func WithAdminToken(token string) Option {
	return func(cl *Client) {
		cl.adminToken = token
	}
}

// WithLogger sets the logger used to report retries.
func WithLogger(logger log.Logger) Option {
	return func(cl *Client) {
		if logger != nil {
			cl.logger = logger
		}
	}
}

// WithRetry sets the attempt count and backoff bounds. attempts < 1 means 1.
func WithRetry(attempts int, initial, max time.Duration) Option {
	return func(cl *Client) {
		if attempts < 1 {
			attempts = 1
		}
		cl.attempts = attempts
		cl.initialBackoff = initial
		cl.maxBackoff = max
	}
}

// New creates a client for the server at baseURL.
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL:        strings.TrimRight(baseURL, "/"),
		http:           &http.Client{},
		logger:         log.NewNoopLogger(),
		attempts:       4,
		initialBackoff: 500 * time.Millisecond,
		maxBackoff:     10 * time.Second,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Contribution describes an upload.
type Contribution struct {
	ClientID    string
	Round       uint64
	DatasetSize int64
}

// UploadResult is the server's acknowledgment of an upload.
type UploadResult struct {
	Success    bool   `json:"success"`
	Message    string `json:"message"`
	SavePath   string `json:"save_path"`
	ClientID   string `json:"client_id"`
	Round      uint64 `json:"round"`
	RoundState string `json:"round_state"`
	TransferID string `json:"transfer_id"`
}

// Upload sends blob as the contribution of c.ClientID to c.Round.
func (c *Client) Upload(ctx context.Context, contrib Contribution, blob []byte) (UploadResult, error) {
	var body bytes.Buffer
	writer := multipart.NewWriter(&body)

	fields := [][2]string{
		{"client_id", contrib.ClientID},
		{"round", strconv.FormatUint(contrib.Round, 10)},
		{"dataset_size", strconv.FormatInt(contrib.DatasetSize, 10)},
	}
	for _, f := range fields {
		if err := writer.WriteField(f[0], f[1]); err != nil {
			return UploadResult{}, fmt.Errorf("write %s field: %w", f[0], err)
		}
	}

	filePart, err := writer.CreateFormFile("file", fmt.Sprintf("%s_round%d.bin", contrib.ClientID, contrib.Round))
	if err != nil {
		return UploadResult{}, fmt.Errorf("create file field: %w", err)
	}
	if _, err := filePart.Write(blob); err != nil {
		return UploadResult{}, fmt.Errorf("write file data: %w", err)
	}
	if err := writer.Close(); err != nil {
		return UploadResult{}, fmt.Errorf("finalize multipart: %w", err)
	}
	payload := body.Bytes()

	var res UploadResult
	err = c.retry(ctx, "upload", func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+uploadEndpoint, bytes.NewReader(payload))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", writer.FormDataContentType())
		return c.doJSON(req, &res)
	})
	return res, err
}

// UploadState encodes state and uploads it.
func (c *Client) UploadState(ctx context.Context, contrib Contribution, state *params.State) (UploadResult, error) {
	blob, err := params.Marshal(state)
	if err != nil {
		return UploadResult{}, err
	}
	return c.Upload(ctx, contrib, blob)
}

// Download streams the latest global model into w and returns its round.
// Only failures before the first byte is written are retried.
func (c *Client) Download(ctx context.Context, w io.Writer) (round uint64, n int64, err error) {
	var resp *http.Response
	err = c.retry(ctx, "download", func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+downloadEndpoint, nil)
		if err != nil {
			return err
		}
		r, err := c.http.Do(req)
		if err != nil {
			return err
		}
		if r.StatusCode == http.StatusNotFound {
			r.Body.Close()
			return ErrNoGlobalModel
		}
		if r.StatusCode/100 != 2 {
			defer r.Body.Close()
			return statusError(r)
		}
		resp = r
		return nil
	})
	if err != nil {
		return 0, 0, err
	}
	defer resp.Body.Close()

	round, _ = strconv.ParseUint(resp.Header.Get(roundHeader), 10, 64)
	n, err = io.Copy(w, resp.Body)
	if err != nil {
		return round, n, fmt.Errorf("read global model: %w", err)
	}
	return round, n, nil
}

// DownloadState downloads and decodes the latest global model.
func (c *Client) DownloadState(ctx context.Context) (*params.State, uint64, error) {
	var buf bytes.Buffer
	round, _, err := c.Download(ctx, &buf)
	if err != nil {
		return nil, 0, err
	}
	state, err := params.Decode(&buf)
	if err != nil {
		return nil, round, err
	}
	return state, round, nil
}

// ServerStatus mirrors GET /api/server-status.
type ServerStatus struct {
	NextRound        uint64         `json:"next_round"`
	LatestRound      *uint64        `json:"latest_round"`
	LatestCreatedAt  *time.Time     `json:"latest_created_at,omitempty"`
	AllowReaggregate bool           `json:"allow_reaggregate"`
	Rounds           map[string]int `json:"rounds"`
}

// Status fetches the server status.
func (c *Client) Status(ctx context.Context) (ServerStatus, error) {
	var st ServerStatus
	err := c.retry(ctx, "status", func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+statusEndpoint, nil)
		if err != nil {
			return err
		}
		return c.doJSON(req, &st)
	})
	return st, err
}

// ContributionEntry is one ledger entry as reported by the server.
type ContributionEntry struct {
	ClientID    string    `json:"client_id"`
	DatasetSize int64     `json:"dataset_size"`
	Timestamp   time.Time `json:"timestamp"`
	BlobRef     string    `json:"blob_ref,omitempty"`
}

// Contributions lists the ledger entries for round.
func (c *Client) Contributions(ctx context.Context, round uint64) ([]ContributionEntry, error) {
	var out struct {
		Contributions []ContributionEntry `json:"contributions"`
	}
	err := c.retry(ctx, "contributions", func() error {
		u := c.baseURL + roundsEndpoint + strconv.FormatUint(round, 10) + "/contributions"
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
		if err != nil {
			return err
		}
		return c.doJSON(req, &out)
	})
	return out.Contributions, err
}

// Exclusion is a contribution the server left out of an aggregation.
type Exclusion struct {
	ClientID string `json:"client_id"`
	Reason   string `json:"reason"`
}

// AggregateResult mirrors the aggregate response.
type AggregateResult struct {
	Success       bool        `json:"success"`
	Round         uint64      `json:"round"`
	State         string      `json:"state"`
	Contributions int         `json:"contributions"`
	Used          []string    `json:"used"`
	Excluded      []Exclusion `json:"excluded"`
	NextRound     uint64      `json:"next_round"`
	Error         string      `json:"error,omitempty"`
	Retryable     bool        `json:"retryable,omitempty"`
}

// Aggregate triggers aggregation of round. It is not retried: the server
// reports in-progress and failed rounds itself.
func (c *Client) Aggregate(ctx context.Context, round uint64, reaggregate bool) (AggregateResult, error) {
	u := c.baseURL + roundsEndpoint + strconv.FormatUint(round, 10) + "/aggregate"
	if reaggregate {
		u += "?" + url.Values{"reaggregate": {"true"}}.Encode()
	}
	return c.aggregate(ctx, u)
}

// AggregateCurrent triggers aggregation of the server's current round.
func (c *Client) AggregateCurrent(ctx context.Context) (AggregateResult, error) {
	return c.aggregate(ctx, c.baseURL+aggregateEndpoint)
}

func (c *Client) aggregate(ctx context.Context, u string) (AggregateResult, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, nil)
	if err != nil {
		return AggregateResult{}, err
	}
	if c.adminToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.adminToken)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return AggregateResult{}, fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	var res AggregateResult
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil && resp.StatusCode/100 == 2 {
		return res, fmt.Errorf("decode response: %w", err)
	}
	if resp.StatusCode/100 != 2 {
		msg := res.Error
		if msg == "" {
			msg = http.StatusText(resp.StatusCode)
		}
		return res, &StatusError{Code: resp.StatusCode, Message: msg}
	}
	return res, nil
}

func (c *Client) doJSON(req *http.Request, out any) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		return statusError(resp)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// statusError builds a StatusError from a failed response, preferring the
// server's JSON error message.
func statusError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	var payload struct {
		Error string `json:"error"`
	}
	msg := strings.TrimSpace(string(body))
	if json.Unmarshal(body, &payload) == nil && payload.Error != "" {
		msg = payload.Error
	}
	return &StatusError{Code: resp.StatusCode, Message: msg}
}
