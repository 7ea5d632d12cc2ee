// Package fakeapi provides a fake REST backend for tests.
//
// Requests are answered from stub responses matched by verb and path, in the
// order the stubs were added. Stubs can inject failures (delays, dropped
// connections) and can be dynamic, computing their reply per call, which is
// how polling tests make the backend's state advance.
package fakeapi

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"time"

	json "github.com/goccy/go-json"
	"github.com/gorilla/mux"
)

// FailureType represents the type of failure to inject.
type FailureType string

const (
	// FailureNone indicates no failure injection
	FailureNone FailureType = "none"
	// FailureDelay sleeps before answering
	FailureDelay FailureType = "delay"
	// FailureDropConnection hijacks and closes the TCP connection without a reply
	FailureDropConnection FailureType = "drop_connection"
)

// Call is one request the server received.
type Call struct {
	Method string
	Path   string
	Query  string
	Body   []byte
	Header http.Header
}

// StubResponse answers requests whose method and path match.
type StubResponse struct {
	Method string
	// Path is matched exactly against the request path (query excluded).
	Path       string
	StatusCode int
	// Body is JSON-encoded unless it is a string, which is written raw.
	Body any
	// Func overrides StatusCode/Body when set.
	Func    func(call Call) (int, any)
	Failure FailureType
	Delay   time.Duration
	// Times limits how often the stub matches; 0 means forever.
	Times int

	used int
}

// Server is a fake REST backend served by httptest.
type Server struct {
	*httptest.Server

	mu    sync.Mutex
	stubs []*StubResponse
	calls []Call
}

// NewServer starts a server. The base URL to give a rest.Client is URL()+"/api".
func NewServer() *Server {
	s := &Server{}
	router := mux.NewRouter()
	router.PathPrefix("/api/").HandlerFunc(s.handle)
	s.Server = httptest.NewServer(router)
	return s
}

// APIURL is the base URL including the API prefix.
func (s *Server) APIURL() string {
	return s.URL + "/api"
}

// AddStubResponse registers a stub. Paths are given without the /api prefix.
func (s *Server) AddStubResponse(stub StubResponse) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := stub
	s.stubs = append(s.stubs, &st)
}

// Reset drops all stubs and recorded calls.
func (s *Server) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stubs = nil
	s.calls = nil
}

// Calls returns a copy of the calls received so far.
func (s *Server) Calls() []Call {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Call, len(s.calls))
	copy(out, s.calls)
	return out
}

func (s *Server) handle(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	call := Call{
		Method: r.Method,
		Path:   strings.TrimPrefix(r.URL.Path, "/api"),
		Query:  r.URL.RawQuery,
		Body:   body,
		Header: r.Header.Clone(),
	}

	s.mu.Lock()
	s.calls = append(s.calls, call)
	var matched *StubResponse
	for _, stub := range s.stubs {
		if !strings.EqualFold(stub.Method, call.Method) || stub.Path != call.Path {
			continue
		}
		if stub.Times > 0 && stub.used >= stub.Times {
			continue
		}
		stub.used++
		matched = stub
		break
	}
	s.mu.Unlock()

	if matched == nil {
		writeJSON(w, http.StatusNotFound, map[string]any{"error": "no stub for " + call.Method + " " + call.Path})
		return
	}

	switch matched.Failure {
	case FailureDelay:
		time.Sleep(matched.Delay)
	case FailureDropConnection:
		hj, ok := w.(http.Hijacker)
		if !ok {
			panic("fakeapi: response writer cannot hijack")
		}
		conn, _, err := hj.Hijack()
		if err == nil {
			_ = conn.Close()
		}
		return
	}

	status, payload := matched.StatusCode, matched.Body
	if matched.Func != nil {
		status, payload = matched.Func(call)
	}
	if status == 0 {
		status = http.StatusOK
	}
	writeJSON(w, status, payload)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	if raw, ok := payload.(string); ok {
		w.Header().Set("Content-Type", "text/plain")
		w.WriteHeader(status)
		_, _ = io.WriteString(w, raw)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(payload)
}
