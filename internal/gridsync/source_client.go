package gridsync

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

type Logger interface {
	Printf(format string, args ...any)
}

type SourceClientOptions struct {
	BaseURL     string
	Token       string
	APIVersion  string
	UserAgent   string
	HTTPClient  *http.Client
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Logger      Logger
}

// SourceClient makes authenticated calls against the source record
// API. Every request goes through the retry wrapper: transport errors
// and 429/5xx responses are retried with Retry-After or doubling
// backoff, up to MaxAttempts.
type SourceClient struct {
	baseURL     string
	token       string
	apiVersion  string
	userAgent   string
	httpClient  *http.Client
	maxAttempts int
	baseDelay   time.Duration
	maxDelay    time.Duration
	logger      Logger
}

func NewSourceClient(opts SourceClientOptions) (*SourceClient, error) {
	token := strings.TrimSpace(opts.Token)
	if token == "" {
		return nil, fmt.Errorf("%w: source API token is required", ErrConfiguration)
	}
	baseURL := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if baseURL == "" {
		baseURL = "https://api.notion.com"
	}
	apiVersion := strings.TrimSpace(opts.APIVersion)
	if apiVersion == "" {
		apiVersion = "2022-06-28"
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	maxAttempts := opts.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 5
	}
	baseDelay := opts.BaseDelay
	if baseDelay <= 0 {
		baseDelay = 250 * time.Millisecond
	}
	maxDelay := opts.MaxDelay
	if maxDelay <= 0 {
		maxDelay = 8 * time.Second
	}
	return &SourceClient{
		baseURL:     baseURL,
		token:       token,
		apiVersion:  apiVersion,
		userAgent:   strings.TrimSpace(opts.UserAgent),
		httpClient:  httpClient,
		maxAttempts: maxAttempts,
		baseDelay:   baseDelay,
		maxDelay:    maxDelay,
		logger:      opts.Logger,
	}, nil
}

func (c *SourceClient) doJSON(ctx context.Context, method, requestPath string, query url.Values, body any, out any) error {
	var bodyBytes []byte
	if body != nil {
		var err error
		bodyBytes, err = json.Marshal(body)
		if err != nil {
			return err
		}
	}
	endpoint := c.baseURL + requestPath
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}

	var lastErr error
	for attempt := 1; attempt <= c.maxAttempts; attempt++ {
		var bodyReader io.Reader
		if bodyBytes != nil {
			bodyReader = bytes.NewReader(bodyBytes)
		}
		req, err := http.NewRequestWithContext(ctx, method, endpoint, bodyReader)
		if err != nil {
			return err
		}
		req.Header.Set("Authorization", "Bearer "+c.token)
		req.Header.Set("Notion-Version", c.apiVersion)
		if bodyBytes != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		if c.userAgent != "" {
			req.Header.Set("User-Agent", c.userAgent)
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			lastErr = err
			if attempt < c.maxAttempts {
				if waitErr := sleepContext(ctx, c.retryDelay(attempt, "")); waitErr != nil {
					return waitErr
				}
				continue
			}
			return lastErr
		}

		payload, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if readErr != nil {
			return readErr
		}

		if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
			if out == nil || len(payload) == 0 {
				return nil
			}
			return json.Unmarshal(payload, out)
		}

		var errPayload struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		}
		_ = json.Unmarshal(payload, &errPayload)
		message := errPayload.Message
		if message == "" {
			message = truncateBody(string(payload))
		}
		lastErr = &HTTPError{
			StatusCode: resp.StatusCode,
			Code:       errPayload.Code,
			Message:    message,
			Endpoint:   requestPath,
		}
		if resp.StatusCode == http.StatusTooManyRequests || (resp.StatusCode >= 500 && resp.StatusCode <= 599) {
			if attempt < c.maxAttempts {
				if waitErr := sleepContext(ctx, c.retryDelay(attempt, resp.Header.Get("Retry-After"))); waitErr != nil {
					return waitErr
				}
				continue
			}
		}
		return lastErr
	}
	if lastErr != nil {
		return lastErr
	}
	return fmt.Errorf("%w: %s failed after %d attempts", ErrTransient, requestPath, c.maxAttempts)
}

// ResolveSource fetches the live schema for an identifier or URL. The
// id space is shared between data sources and databases, so a failed
// or mismatched data-source lookup falls back to the database
// endpoint; both failures are reported together.
func (c *SourceClient) ResolveSource(ctx context.Context, idOrURL string) (SourceSchema, error) {
	id := ToDashedForm(ExtractID32(idOrURL))

	var ds sourceSchemaWire
	dsErr := c.doJSON(ctx, http.MethodGet, "/v1/data_sources/"+url.PathEscape(id), nil, nil, &ds)
	if dsErr == nil {
		if ds.Object == string(SourceKindDataSource) {
			return ds.toSchema(), nil
		}
		dsErr = fmt.Errorf("unexpected object kind %q from data source endpoint", ds.Object)
	}

	var db sourceSchemaWire
	dbErr := c.doJSON(ctx, http.MethodGet, "/v1/databases/"+url.PathEscape(id), nil, nil, &db)
	if dbErr == nil {
		if db.Object == string(SourceKindDatabase) {
			return db.toSchema(), nil
		}
		dbErr = fmt.Errorf("unexpected object kind %q from database endpoint", db.Object)
	}

	return SourceSchema{}, &ResolveError{ID: id, DataSourceErr: dsErr, DatabaseErr: dbErr}
}

func (c *SourceClient) queryPath(schema SourceSchema) string {
	switch schema.Kind {
	case SourceKindDatabase:
		return "/v1/databases/" + url.PathEscape(schema.ID) + "/query"
	default:
		return "/v1/data_sources/" + url.PathEscape(schema.ID) + "/query"
	}
}

// QueryPage fetches one page of records for a resolved source.
func (c *SourceClient) QueryPage(ctx context.Context, schema SourceSchema, baseBody map[string]any, pageSize int, cursor string) ([]Record, string, error) {
	if pageSize <= 0 {
		pageSize = 100
	}
	body := make(map[string]any, len(baseBody)+2)
	for key, value := range baseBody {
		body[key] = value
	}
	body["page_size"] = pageSize
	if cursor != "" {
		body["start_cursor"] = cursor
	}
	var page queryResponse
	if err := c.doJSON(ctx, http.MethodPost, c.queryPath(schema), nil, body, &page); err != nil {
		return nil, "", err
	}
	next := ""
	if page.HasMore {
		next = page.NextCursor
	}
	return page.Results, next, nil
}

// QueryAll exhausts cursor pagination and returns every record in
// server order. A page failure propagates immediately; per-request
// retries are the retry wrapper's job.
func (c *SourceClient) QueryAll(ctx context.Context, schema SourceSchema, baseBody map[string]any, pageSize int) ([]Record, error) {
	var records []Record
	cursor := ""
	for {
		results, next, err := c.QueryPage(ctx, schema, baseBody, pageSize, cursor)
		if err != nil {
			return nil, err
		}
		records = append(records, results...)
		if next == "" {
			return records, nil
		}
		cursor = next
	}
}

func (c *SourceClient) retryDelay(attempt int, retryAfterHeader string) time.Duration {
	if retryAfter := parseRetryAfterSeconds(retryAfterHeader); retryAfter > 0 {
		if retryAfter > c.maxDelay {
			return c.maxDelay
		}
		return retryAfter
	}
	delay := c.baseDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= c.maxDelay {
			return c.maxDelay
		}
	}
	if delay > c.maxDelay {
		return c.maxDelay
	}
	return delay
}

func parseRetryAfterSeconds(header string) time.Duration {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0
	}
	seconds, err := strconv.Atoi(header)
	if err != nil || seconds < 0 {
		return 0
	}
	return time.Duration(seconds) * time.Second
}

func sleepContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
