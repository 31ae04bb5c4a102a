package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/tidwall/gjson"
)

// FieldPaths tells the client where to find a record's identity fields
// inside the raw JSON the provider returns. Paths are gjson paths.
// When From/To are set the object is treated as an association object and
// each result element is expanded into one record per (from, to) pair.
type FieldPaths struct {
	Key       string
	UpdatedAt string
	From      string
	To        string
}

// RESTConfig holds the HTTP client settings.
type RESTConfig struct {
	BaseURL        string
	AuthToken      string
	TimeoutSeconds int
	Fields         map[string]FieldPaths
}

// RESTClient talks to a paginated, rate-limited CRM-style REST API.
type RESTClient struct {
	config RESTConfig
	client *http.Client
}

// NewRESTClient builds a client from a raw config map.
func NewRESTClient(config map[string]interface{}) (*RESTClient, error) {
	baseURL, ok := config["base_url"].(string)
	if !ok || baseURL == "" {
		return nil, errors.New("base_url must be specified")
	}

	authToken, _ := config["auth_token"].(string)

	timeoutSeconds := 30
	if t, ok := config["timeout_seconds"].(int); ok {
		timeoutSeconds = t
	} else if t, ok := config["timeout_seconds"].(float64); ok {
		timeoutSeconds = int(t)
	}

	fields := make(map[string]FieldPaths)
	if rawFields, ok := config["fields"].(map[string]interface{}); ok {
		for object, raw := range rawFields {
			fm, ok := raw.(map[string]interface{})
			if !ok {
				continue
			}
			fp := FieldPaths{}
			if v, ok := fm["key"].(string); ok {
				fp.Key = v
			}
			if v, ok := fm["updated_at"].(string); ok {
				fp.UpdatedAt = v
			}
			if v, ok := fm["from"].(string); ok {
				fp.From = v
			}
			if v, ok := fm["to"].(string); ok {
				fp.To = v
			}
			fields[object] = fp
		}
	}

	return NewRESTClientFromConfig(RESTConfig{
		BaseURL:        strings.TrimRight(baseURL, "/"),
		AuthToken:      authToken,
		TimeoutSeconds: timeoutSeconds,
		Fields:         fields,
	}), nil
}

// NewRESTClientFromConfig builds a client from an already-parsed config.
func NewRESTClientFromConfig(config RESTConfig) *RESTClient {
	if config.TimeoutSeconds <= 0 {
		config.TimeoutSeconds = 30
	}
	return &RESTClient{
		config: config,
		client: &http.Client{
			Timeout: time.Duration(config.TimeoutSeconds) * time.Second,
		},
	}
}

func (c *RESTClient) paths(object string) FieldPaths {
	fp, ok := c.config.Fields[object]
	if !ok {
		return FieldPaths{Key: "id", UpdatedAt: "updatedAt"}
	}
	if fp.Key == "" {
		fp.Key = "id"
	}
	if fp.UpdatedAt == "" {
		fp.UpdatedAt = "updatedAt"
	}
	return fp
}

// ListPage implements Client.
func (c *RESTClient) ListPage(ctx context.Context, object string, since *time.Time, until time.Time, after string, limit int) (*Page, error) {
	params := url.Values{}
	params.Set("limit", strconv.Itoa(limit))
	params.Set("updatedBefore", until.UTC().Format(time.RFC3339))
	if since != nil {
		params.Set("updatedSince", since.UTC().Format(time.RFC3339))
	}
	if after != "" {
		params.Set("after", after)
	}

	endpoint := fmt.Sprintf("%s/%s?%s", c.config.BaseURL, object, params.Encode())
	body, err := c.do(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}

	page := &Page{
		After: gjson.GetBytes(body, "paging.next.after").String(),
	}

	fp := c.paths(object)
	for _, raw := range gjson.GetBytes(body, "results").Array() {
		recs, err := c.extractRecords(raw, fp)
		if err != nil {
			return nil, errors.Wrapf(err, "error extracting record from %s response", object)
		}
		page.Records = append(page.Records, recs...)
	}

	return page, nil
}

// BatchRead implements Client.
func (c *RESTClient) BatchRead(ctx context.Context, object string, ids []string, direction string) (*BatchResult, error) {
	inputs := make([]map[string]string, len(ids))
	for i, id := range ids {
		inputs[i] = map[string]string{"id": id}
	}

	reqBody := map[string]interface{}{"inputs": inputs}
	if direction != "" {
		reqBody["direction"] = direction
	}

	payload, err := json.Marshal(reqBody)
	if err != nil {
		return nil, errors.Wrap(err, "error marshaling batch read request")
	}

	endpoint := fmt.Sprintf("%s/%s/batch/read", c.config.BaseURL, object)
	body, err := c.do(ctx, http.MethodPost, endpoint, payload)
	if err != nil {
		return nil, err
	}

	result := &BatchResult{}
	for _, raw := range gjson.GetBytes(body, "errors").Array() {
		var batchErr BatchError
		if err := json.Unmarshal([]byte(raw.Raw), &batchErr); err != nil {
			log.Printf("RESTClient: skipping unparseable batch error entry: %v", err)
			continue
		}
		result.Errors = append(result.Errors, batchErr)
	}

	fp := c.paths(object)
	for _, raw := range gjson.GetBytes(body, "results").Array() {
		recs, err := c.extractRecords(raw, fp)
		if err != nil {
			return nil, errors.Wrapf(err, "error extracting record from %s batch response", object)
		}
		result.Records = append(result.Records, recs...)
	}

	return result, nil
}

// Read implements Client.
func (c *RESTClient) Read(ctx context.Context, object, id string) (*Record, bool, error) {
	endpoint := fmt.Sprintf("%s/%s/%s", c.config.BaseURL, object, url.PathEscape(id))
	body, err := c.do(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		var fe *FetchError
		if errors.As(err, &fe) && fe.StatusCode == http.StatusNotFound {
			return nil, false, nil
		}
		return nil, false, err
	}

	fp := c.paths(object)
	recs, err := c.extractRecords(gjson.ParseBytes(body), fp)
	if err != nil {
		return nil, false, errors.Wrapf(err, "error extracting %s record %s", object, id)
	}
	if len(recs) == 0 {
		return nil, false, nil
	}
	return &recs[0], true, nil
}

func (c *RESTClient) do(ctx context.Context, method, endpoint string, body []byte) ([]byte, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return nil, errors.Wrap(err, "error creating request")
	}
	req.Header.Set("Content-Type", "application/json")
	if c.config.AuthToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.config.AuthToken)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		// Timeouts and transport failures are worth a subdivided retry.
		return nil, &FetchError{Retryable: true, Message: fmt.Sprintf("transport error: %v", err)}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &FetchError{Retryable: true, Message: fmt.Sprintf("error reading response body: %v", err)}
	}

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return respBody, nil
	}

	retryable := resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500
	return nil, &FetchError{
		StatusCode: resp.StatusCode,
		Retryable:  retryable,
		Message:    fmt.Sprintf("%s %s returned status %d: %s", method, endpoint, resp.StatusCode, truncate(string(respBody), 200)),
	}
}

// extractRecords turns one result element into records. Plain objects yield
// one record; association elements fan out into one record per (from, to) pair.
func (c *RESTClient) extractRecords(raw gjson.Result, fp FieldPaths) ([]Record, error) {
	if fp.From != "" && fp.To != "" {
		from := raw.Get(fp.From).String()
		if from == "" {
			return nil, fmt.Errorf("association element missing %q", fp.From)
		}
		var records []Record
		for _, to := range raw.Get(fp.To).Array() {
			toID := to.String()
			if toID == "" {
				continue
			}
			records = append(records, Record{
				Key:     from + ":" + toID,
				Payload: json.RawMessage(raw.Raw),
			})
		}
		return records, nil
	}

	key := raw.Get(fp.Key).String()
	if key == "" {
		return nil, fmt.Errorf("record missing key field %q", fp.Key)
	}

	rec := Record{
		Key:     key,
		Payload: json.RawMessage(raw.Raw),
	}
	if ts := raw.Get(fp.UpdatedAt); ts.Exists() {
		if parsed, err := parseTimestamp(ts); err == nil {
			rec.UpdatedAt = parsed
		}
	}
	return []Record{rec}, nil
}

// parseTimestamp accepts the timestamp shapes CRM APIs actually emit:
// RFC3339 strings, unix seconds, and unix milliseconds.
func parseTimestamp(ts gjson.Result) (time.Time, error) {
	if ts.Type == gjson.String {
		s := ts.String()
		if t, err := time.Parse(time.RFC3339, s); err == nil {
			return t, nil
		}
		if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
			return t, nil
		}
		if n, err := strconv.ParseInt(s, 10, 64); err == nil {
			return fromUnix(n), nil
		}
		return time.Time{}, fmt.Errorf("unable to parse timestamp string: %s", s)
	}
	if ts.Type == gjson.Number {
		return fromUnix(ts.Int()), nil
	}
	return time.Time{}, fmt.Errorf("unsupported timestamp type: %s", ts.Type)
}

func fromUnix(n int64) time.Time {
	// Values past the year 33658 in seconds are clearly milliseconds.
	if n > 1e12 {
		return time.UnixMilli(n).UTC()
	}
	return time.Unix(n, 0).UTC()
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
