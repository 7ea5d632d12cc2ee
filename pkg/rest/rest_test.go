package rest

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clusterui/realtime/internal/fakeapi"
	"github.com/clusterui/realtime/pkg/constants"
	"github.com/clusterui/realtime/pkg/logger"
	"github.com/clusterui/realtime/pkg/wire"
)

func newTestClient(t *testing.T, s *fakeapi.Server) *Client {
	t.Helper()
	return New(Config{BaseURL: s.APIURL(), Logger: logger.Discard()})
}

func TestCallGet(t *testing.T) {
	s := fakeapi.NewServer()
	defer s.Close()
	s.AddStubResponse(fakeapi.StubResponse{
		Method:     http.MethodGet,
		Path:       "/host",
		StatusCode: http.StatusOK,
		Body:       map[string]any{"objects": []any{map[string]any{"id": 1}}},
	})

	c := newTestClient(t, s)
	res, err := c.Call(context.Background(), wire.Get, "/host", wire.Options{})
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, res.StatusCode)
	assert.JSONEq(t, `{"objects":[{"id":1}]}`, string(res.Body))

	body, err := res.Decode()
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"objects": []any{map[string]any{"id": float64(1)}}}, body)

	calls := s.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, "/host", calls[0].Path)
	assert.Equal(t, "application/json", calls[0].Header.Get("Accept"))
}

func TestCallPostJSONAndHeaders(t *testing.T) {
	s := fakeapi.NewServer()
	defer s.Close()
	s.AddStubResponse(fakeapi.StubResponse{
		Method:     http.MethodPost,
		Path:       "/host",
		StatusCode: http.StatusCreated,
		Body:       map[string]any{"id": 7},
	})

	c := newTestClient(t, s)
	res, err := c.Call(context.Background(), wire.Post, "host", wire.Options{
		JSON:   map[string]any{"address": "10.0.0.1"},
		Header: map[string]string{"X-Trace": "abc"},
	})
	require.NoError(t, err)
	assert.Equal(t, http.StatusCreated, res.StatusCode)

	calls := s.Calls()
	require.Len(t, calls, 1)
	assert.JSONEq(t, `{"address":"10.0.0.1"}`, string(calls[0].Body))
	assert.Equal(t, "application/json", calls[0].Header.Get("Content-Type"))
	assert.Equal(t, "abc", calls[0].Header.Get("X-Trace"))
}

func TestCallQueryString(t *testing.T) {
	s := fakeapi.NewServer()
	defer s.Close()
	s.AddStubResponse(fakeapi.StubResponse{Method: http.MethodGet, Path: "/host", Body: map[string]any{}})

	c := newTestClient(t, s)
	_, err := c.Call(context.Background(), wire.Get, "/host", wire.Options{
		Qs: map[string]any{
			"state": []any{"up", "down"},
			"limit": 2,
			"skip":  nil,
		},
	})
	require.NoError(t, err)

	calls := s.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, "limit=2&state=up&state=down", calls[0].Query)
}

func TestCallAPIError(t *testing.T) {
	s := fakeapi.NewServer()
	defer s.Close()
	s.AddStubResponse(fakeapi.StubResponse{
		Method:     http.MethodGet,
		Path:       "/host/9",
		StatusCode: http.StatusNotFound,
		Body:       map[string]any{"error": "not found"},
	})

	c := newTestClient(t, s)
	res, err := c.Call(context.Background(), wire.Get, "/host/9", wire.Options{})
	require.Error(t, err)
	assert.Nil(t, res)

	var apiErr *wire.APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusNotFound, apiErr.StatusCode)
	assert.JSONEq(t, `{"error":"not found"}`, string(apiErr.Body))
	assert.True(t, strings.HasSuffix(err.Error(), " During GET request to /host/9"), err.Error())
	assert.Equal(t, http.StatusNotFound, wire.StatusCode(err))
}

func TestCallAPIErrorTextBody(t *testing.T) {
	s := fakeapi.NewServer()
	defer s.Close()
	s.AddStubResponse(fakeapi.StubResponse{
		Method:     http.MethodDelete,
		Path:       "/host/1",
		StatusCode: http.StatusInternalServerError,
		Body:       "500 upstream exploded",
	})

	c := newTestClient(t, s)
	_, err := c.Call(context.Background(), wire.Delete, "/host/1", wire.Options{})

	var apiErr *wire.APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, `"500 upstream exploded"`, string(apiErr.Body))
	assert.Contains(t, err.Error(), "During DELETE request to /host/1")
}

func TestCallTransportError(t *testing.T) {
	s := fakeapi.NewServer()
	defer s.Close()
	s.AddStubResponse(fakeapi.StubResponse{
		Method:  http.MethodGet,
		Path:    "/host",
		Failure: fakeapi.FailureDropConnection,
	})

	c := newTestClient(t, s)
	_, err := c.Call(context.Background(), wire.Get, "/host", wire.Options{})
	require.Error(t, err)
	assert.True(t, wire.IsTransport(err))
	assert.Equal(t, 0, wire.StatusCode(err))
	assert.Contains(t, err.Error(), "During GET request to /host")
}

func TestCallTimeout(t *testing.T) {
	s := fakeapi.NewServer()
	defer s.Close()
	s.AddStubResponse(fakeapi.StubResponse{
		Method:  http.MethodGet,
		Path:    "/slow",
		Failure: fakeapi.FailureDelay,
		Delay:   200 * time.Millisecond,
	})

	c := New(Config{BaseURL: s.APIURL(), Timeout: 20 * time.Millisecond, Logger: logger.Discard()})
	_, err := c.Call(context.Background(), wire.Get, "/slow", wire.Options{})
	require.Error(t, err)
	assert.True(t, wire.IsTransport(err))
}

func TestCallNoBaseURL(t *testing.T) {
	c := New(Config{Logger: logger.Discard()})
	_, err := c.Call(context.Background(), wire.Get, "/host", wire.Options{})
	assert.ErrorIs(t, err, constants.ErrNoBaseURL)
}

func TestCallOnCall(t *testing.T) {
	s := fakeapi.NewServer()
	defer s.Close()
	s.AddStubResponse(fakeapi.StubResponse{Method: http.MethodGet, Path: "/ok", Body: map[string]any{}})
	s.AddStubResponse(fakeapi.StubResponse{Method: http.MethodGet, Path: "/gone", StatusCode: http.StatusGone})

	var (
		mu       sync.Mutex
		statuses []int
		verbs    []wire.Verb
	)
	c := New(Config{
		BaseURL: s.APIURL(),
		Logger:  logger.Discard(),
		OnCall: func(verb wire.Verb, statusCode int, _ time.Duration) {
			mu.Lock()
			defer mu.Unlock()
			verbs = append(verbs, verb)
			statuses = append(statuses, statusCode)
		},
	})

	_, err := c.Call(context.Background(), wire.Get, "/ok", wire.Options{})
	require.NoError(t, err)
	_, err = c.Call(context.Background(), wire.Get, "/gone", wire.Options{})
	require.Error(t, err)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []int{http.StatusOK, http.StatusGone}, statuses)
	assert.Equal(t, []wire.Verb{wire.Get, wire.Get}, verbs)
}

func TestCallMask(t *testing.T) {
	s := fakeapi.NewServer()
	defer s.Close()
	s.AddStubResponse(fakeapi.StubResponse{
		Method: http.MethodGet,
		Path:   "/host",
		Body: map[string]any{
			"meta":    map[string]any{"total_count": 2, "limit": 20},
			"objects": []any{map[string]any{"id": 1, "fqdn": "a"}, map[string]any{"id": 2, "fqdn": "b"}},
		},
	})

	c := newTestClient(t, s)
	res, err := c.Call(context.Background(), wire.Get, "/host", wire.Options{
		JSONMask: []string{"meta.total_count", "objects.#.id"},
	})
	require.NoError(t, err)
	assert.JSONEq(t, `{"meta":2,"objects":[1,2]}`, string(res.Body))
}

func TestMask(t *testing.T) {
	body := []byte(`{"a":{"b":1},"c":[1,2],"d":"x"}`)

	tests := []struct {
		name  string
		paths []string
		want  string
	}{
		{"single", []string{"d"}, `{"d":"x"}`},
		{"nested", []string{"a.b"}, `{"a":1}`},
		{"missing path omitted", []string{"zz", "d"}, `{"d":"x"}`},
		{"later path wins", []string{"a", "a.b"}, `{"a":1}`},
		{"nothing", []string{"zz"}, `{}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.JSONEq(t, tt.want, string(Mask(body, tt.paths)))
		})
	}
}

func TestBestEffortJSON(t *testing.T) {
	assert.Equal(t, `{"a":1}`, string(bestEffortJSON([]byte(` {"a":1} `))))
	assert.Equal(t, `[1,2]`, string(bestEffortJSON([]byte(`[1,2]`))))
	assert.Equal(t, `"404 not found"`, string(bestEffortJSON([]byte(`404 not found`))))
	assert.JSONEq(t, `"<html></html>"`, string(bestEffortJSON([]byte(`<html></html>`))))
	assert.Equal(t, `""`, string(bestEffortJSON(nil)))
}
