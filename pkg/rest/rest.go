// Package rest is the typed HTTP adapter every socket request ends up in.
//
// It applies one long, fixed timeout suited to slow administrative operations,
// bounds the connection pool, converts any status >= 400 into a
// *wire.APIError and any network failure into a *wire.TransportError, and logs
// every call with its verb, path and elapsed time.
package rest

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/buger/jsonparser"
	json "github.com/goccy/go-json"
	"github.com/tidwall/gjson"

	"github.com/clusterui/realtime/pkg/constants"
	"github.com/clusterui/realtime/pkg/logger"
	"github.com/clusterui/realtime/pkg/wire"
)

// Config configures a Client. Zero values fall back to the package defaults.
type Config struct {
	// BaseURL already carries the API prefix, e.g. "http://manager/api".
	BaseURL         string
	Timeout         time.Duration
	MaxConnsPerHost int
	Logger          logger.Logger
	// HTTPClient overrides the pooled client built from Timeout and MaxConnsPerHost.
	HTTPClient *http.Client
	// OnCall is invoked after every call, successful or not.
	OnCall func(verb wire.Verb, statusCode int, elapsed time.Duration)
}

type Client struct {
	BaseURL string

	httpClient *http.Client
	logger     logger.Logger
	onCall     func(verb wire.Verb, statusCode int, elapsed time.Duration)
}

// Response is a successful (status < 400) backend reply.
type Response struct {
	StatusCode int
	Header     http.Header
	// Body is raw JSON, already masked when a mask was requested.
	// It is nil for empty replies.
	Body []byte
}

// Decode unmarshals the body into a generic JSON value.
func (r *Response) Decode() (any, error) {
	if len(r.Body) == 0 {
		return nil, nil
	}
	var v any
	if err := json.Unmarshal(r.Body, &v); err != nil {
		return nil, fmt.Errorf("decoding response body: %w", err)
	}
	return v, nil
}

func New(cfg Config) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = constants.DefaultRESTTimeout
	}
	maxConns := cfg.MaxConnsPerHost
	if maxConns <= 0 {
		maxConns = constants.DefaultMaxConnsPerHost
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		transport := http.DefaultTransport.(*http.Transport).Clone()
		transport.MaxConnsPerHost = maxConns
		transport.MaxIdleConnsPerHost = maxConns
		httpClient = &http.Client{
			Timeout:   timeout,
			Transport: transport,
		}
	}

	log := cfg.Logger
	if log == nil {
		log = logger.Default()
	}

	return &Client{
		BaseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		httpClient: httpClient,
		logger:     log,
		onCall:     cfg.OnCall,
	}
}

// Call issues one request. path must not carry the API prefix, the base URL supplies it.
func (c *Client) Call(ctx context.Context, verb wire.Verb, path string, opts wire.Options) (*Response, error) {
	if c.BaseURL == "" {
		return nil, constants.ErrNoBaseURL
	}

	start := time.Now()
	res, err := c.do(ctx, verb, path, opts)
	elapsed := time.Since(start)

	status := wire.StatusCode(err)
	if res != nil {
		status = res.StatusCode
	}
	if c.onCall != nil {
		c.onCall(verb, status, elapsed)
	}

	if err != nil {
		err = enhance(err, verb, path)
		c.logger.Error(err.Error(), "verb", verb, "path", path, "status", status, "elapsed", elapsed)
		return nil, err
	}

	c.logger.Info("rest call", "verb", verb, "path", path, "status", status, "elapsed", elapsed)
	return res, nil
}

func (c *Client) do(ctx context.Context, verb wire.Verb, path string, opts wire.Options) (*Response, error) {
	target, err := c.url(path, opts.Qs)
	if err != nil {
		return nil, &wire.ValidationError{Field: "path", Reason: err.Error()}
	}

	var body io.Reader = http.NoBody
	if opts.JSON != nil {
		data, err := json.Marshal(opts.JSON)
		if err != nil {
			return nil, &wire.ValidationError{Field: "json", Reason: err.Error()}
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, string(verb), target, body)
	if err != nil {
		return nil, &wire.ValidationError{Field: "path", Reason: err.Error()}
	}
	req.Header.Set("Accept", "application/json")
	if opts.JSON != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range opts.Header {
		req.Header.Set(k, v)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &wire.TransportError{Err: err}
	}
	defer resp.Body.Close()

	respBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &wire.TransportError{Err: fmt.Errorf("reading response body: %w", err)}
	}

	if resp.StatusCode >= http.StatusBadRequest {
		return nil, &wire.APIError{
			StatusCode: resp.StatusCode,
			Body:       bestEffortJSON(respBytes),
		}
	}

	respBytes = bytes.TrimSpace(respBytes)
	if len(respBytes) > 0 && len(opts.JSONMask) > 0 {
		respBytes = Mask(respBytes, opts.JSONMask)
	}

	return &Response{
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Body:       respBytes,
	}, nil
}

func (c *Client) url(path string, qs map[string]any) (string, error) {
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	u, err := url.Parse(c.BaseURL + path)
	if err != nil {
		return "", err
	}
	if len(qs) == 0 {
		return u.String(), nil
	}

	values := u.Query()
	keys := make([]string, 0, len(qs))
	for k := range qs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		switch v := qs[k].(type) {
		case []any:
			for _, item := range v {
				values.Add(k, fmt.Sprint(item))
			}
		case []string:
			for _, item := range v {
				values.Add(k, item)
			}
		case nil:
		default:
			values.Add(k, fmt.Sprint(v))
		}
	}
	u.RawQuery = values.Encode()
	return u.String(), nil
}

// Mask reduces a JSON document to the selected gjson paths. Each path lands
// under its first segment, so ["meta.total_count", "objects.#.{id,state}"]
// yields {"meta": 3, "objects": [{"id":..,"state":..}]}. Paths that match
// nothing are omitted; a later path with the same first segment wins.
func Mask(body []byte, paths []string) []byte {
	var buf bytes.Buffer
	buf.WriteByte('{')
	written := make(map[string]int)
	type field struct {
		key string
		raw string
	}
	var fields []field
	for _, p := range paths {
		res := gjson.GetBytes(body, p)
		if !res.Exists() {
			continue
		}
		key := topLevelKey(p)
		if i, ok := written[key]; ok {
			fields[i].raw = res.Raw
			continue
		}
		written[key] = len(fields)
		fields = append(fields, field{key: key, raw: res.Raw})
	}
	for i, f := range fields {
		if i > 0 {
			buf.WriteByte(',')
		}
		key, _ := json.Marshal(f.key)
		buf.Write(key)
		buf.WriteByte(':')
		buf.WriteString(f.raw)
	}
	buf.WriteByte('}')
	return buf.Bytes()
}

func topLevelKey(path string) string {
	for i := 0; i < len(path); i++ {
		switch path[i] {
		case '\\':
			i++
		case '.', '|':
			return strings.ReplaceAll(path[:i], `\`, "")
		}
	}
	return strings.ReplaceAll(path, `\`, "")
}

// bestEffortJSON keeps a JSON body as-is and encodes anything else as a JSON string.
func bestEffortJSON(body []byte) []byte {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return []byte(`""`)
	}
	_, dataType, end, err := jsonparser.Get(trimmed)
	if err == nil && dataType != jsonparser.NotExist && dataType != jsonparser.Unknown && end == len(trimmed) {
		return trimmed
	}
	encoded, err := json.Marshal(string(body))
	if err != nil {
		return []byte(`""`)
	}
	return encoded
}

// enhance appends the call site to the error message, keeping its type.
func enhance(err error, verb wire.Verb, path string) error {
	suffix := fmt.Sprintf(" During %s request to %s", verb, path)

	var (
		apiErr       *wire.APIError
		transportErr *wire.TransportError
	)
	switch {
	case errors.As(err, &apiErr):
		original := apiErr.Message
		if original == "" {
			original = fmt.Sprintf("%d %s: %s", apiErr.StatusCode, http.StatusText(apiErr.StatusCode), string(apiErr.Body))
		}
		apiErr.Message = original + suffix
		return apiErr
	case errors.As(err, &transportErr):
		return &wire.TransportError{Err: fmt.Errorf("%w%s", transportErr.Err, suffix)}
	default:
		return fmt.Errorf("%w%s", err, suffix)
	}
}
