package handler

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/mr-tron/base58"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"didregistry/internal/hosttoken"
	ratelimitmw "didregistry/internal/ratelimit/middleware"
	ratelimit "didregistry/internal/ratelimit/models"
	"didregistry/internal/ratelimit/store/bucket"
	"didregistry/internal/subject/models"
	"didregistry/internal/subject/service"
	"didregistry/internal/subject/store"
)

type HandlerSuite struct {
	suite.Suite
	server *httptest.Server
	tokens *hosttoken.Service
}

func TestHandlerSuite(t *testing.T) {
	suite.Run(t, new(HandlerSuite))
}

func (s *HandlerSuite) SetupTest() {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	s.tokens = hosttoken.NewService("test-secret", "didregistry", "didregistry")
	svc := service.New(store.NewInMemory(), service.WithLogger(logger))

	r := chi.NewRouter()
	New(svc, s.tokens, logger).Register(r)
	s.server = httptest.NewServer(r)
	s.T().Cleanup(s.server.Close)
}

func (s *HandlerSuite) token(account string, key []byte) string {
	token, err := s.tokens.Issue(account, key, time.Minute)
	s.Require().NoError(err)
	return token
}

func (s *HandlerSuite) do(method, path, token string, body any) *http.Response {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		s.Require().NoError(err)
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, s.server.URL+path, reader)
	s.Require().NoError(err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	s.Require().NoError(err)
	s.T().Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func (s *HandlerSuite) errorCode(resp *http.Response) string {
	var body map[string]string
	s.Require().NoError(json.NewDecoder(resp.Body).Decode(&body))
	return body["error"]
}

func (s *HandlerSuite) TestRequiresHostToken() {
	resp := s.do(http.MethodPost, "/subjects", "", nil)
	s.Equal(http.StatusUnauthorized, resp.StatusCode)

	resp = s.do(http.MethodPost, "/subjects", "not-a-token", nil)
	s.Equal(http.StatusUnauthorized, resp.StatusCode)
	s.NotEmpty(resp.Header.Get("X-Request-ID"))
}

func (s *HandlerSuite) TestSubjectLifecycle() {
	bobKey := []byte{0, 0xb0}
	bob := s.token("bob", bobKey)
	carolKey := []byte{0, 0xca}
	carol := s.token("carol", carolKey)

	resp := s.do(http.MethodPost, "/subjects", bob, nil)
	s.Require().Equal(http.StatusCreated, resp.StatusCode)
	var created RegisterResponse
	s.Require().NoError(json.NewDecoder(resp.Body).Decode(&created))
	s.Equal("did:near:bob", created.ID)
	s.NotZero(created.Created)

	resp = s.do(http.MethodPost, "/subjects", bob, nil)
	s.Equal(http.StatusConflict, resp.StatusCode)
	s.Equal("already_exists", s.errorCode(resp))

	s.Require().Equal(http.StatusCreated, s.do(http.MethodPost, "/subjects", carol, nil).StatusCode)

	s.Equal(http.StatusNoContent, s.do(http.MethodPost, "/subjects/me/verify", bob, nil).StatusCode)
	s.Equal(http.StatusNoContent, s.do(http.MethodPost, "/subjects/me/keys", bob,
		KeyRequest{PublicKey: base58.Encode([]byte{1})}).StatusCode)
	s.Equal(http.StatusNoContent, s.do(http.MethodPost, "/subjects/me/authentication/new", bob,
		KeyRequest{PublicKey: base58.Encode([]byte{2})}).StatusCode)
	s.Equal(http.StatusNoContent, s.do(http.MethodPost, "/subjects/me/authentication", bob,
		KeyRequest{PublicKey: base58.Encode([]byte{1})}).StatusCode)
	s.Equal(http.StatusNoContent, s.do(http.MethodPost, "/subjects/me/contexts", bob,
		ContextRequest{Contexts: []string{"https://example.com/v1"}}).StatusCode)
	s.Equal(http.StatusNoContent, s.do(http.MethodPost, "/subjects/me/services", bob,
		ServiceRequest{ID: "hub", Type: "IdentityHub", ServiceEndpoint: "https://hub.example.com"}).StatusCode)
	s.Equal(http.StatusNoContent, s.do(http.MethodPut, "/subjects/me/services/hub", bob,
		ServiceRequest{ID: "hub", Type: "IdentityHub", ServiceEndpoint: "https://hub2.example.com"}).StatusCode)
	s.Equal(http.StatusNoContent, s.do(http.MethodPost, "/subjects/me/controllers", bob,
		ControllerRequest{Controller: "did:near:carol"}).StatusCode)

	s.Equal(http.StatusNoContent, s.do(http.MethodPost, "/subjects/did:near:bob/verify-controller", carol, nil).StatusCode)
	s.Equal(http.StatusNoContent, s.do(http.MethodPost, "/subjects/did:near:bob/controller/authentication/new", carol,
		KeyRequest{PublicKey: base58.Encode([]byte{1, 3})}).StatusCode)

	resp = s.do(http.MethodGet, "/documents/did:near:bob", "", nil)
	s.Require().Equal(http.StatusOK, resp.StatusCode)
	var doc models.Document
	s.Require().NoError(json.NewDecoder(resp.Body).Decode(&doc))
	s.Equal("did:near:bob", doc.ID)
	s.Len(doc.PublicKey, 4)
	s.Len(doc.Authentication, 4)
	s.Equal("did:near:bob#keys-1", doc.Authentication[0].Ref)
	s.Equal([]string{"did:near:carol"}, doc.Controller)
	s.Equal("https://hub2.example.com", doc.Service[0].ServiceEndpoint)
	s.Contains(doc.Contexts, "https://example.com/v1")

	s.Equal(http.StatusNoContent, s.do(http.MethodDelete, "/subjects/me/controllers/did:near:carol", bob, nil).StatusCode)
	resp = s.do(http.MethodPost, "/subjects/did:near:bob/verify-controller", carol, nil)
	s.Equal(http.StatusUnauthorized, resp.StatusCode)

	s.Equal(http.StatusNoContent, s.do(http.MethodDelete, "/subjects/me", bob, nil).StatusCode)
	resp = s.do(http.MethodGet, "/documents/did:near:bob", "", nil)
	s.Equal(http.StatusNotFound, resp.StatusCode)
}

func (s *HandlerSuite) TestErrorMapping() {
	bob := s.token("bob", []byte{0, 0xb0})
	s.Require().Equal(http.StatusCreated, s.do(http.MethodPost, "/subjects", bob, nil).StatusCode)

	tests := []struct {
		name   string
		method string
		path   string
		token  string
		body   any
		status int
		code   string
	}{
		{"bad base58", http.MethodPost, "/subjects/me/keys", bob, KeyRequest{PublicKey: "0OIl"}, http.StatusBadRequest, "validation_error"},
		{"unknown field", http.MethodPost, "/subjects/me/keys", bob, map[string]string{"key": "2"}, http.StatusBadRequest, "bad_request"},
		{"duplicate key", http.MethodPost, "/subjects/me/keys", bob, KeyRequest{PublicKey: base58.Encode([]byte{0, 0xb0})}, http.StatusConflict, "already_exists"},
		{"missing key", http.MethodPost, "/subjects/me/keys/deactivate", bob, KeyRequest{PublicKey: base58.Encode([]byte{7})}, http.StatusNotFound, "not_found"},
		{"wrong signer", http.MethodPost, "/subjects/me/verify", s.token("bob", []byte{9}), nil, http.StatusUnauthorized, "unauthorized"},
		{"unregistered", http.MethodPost, "/subjects/me/verify", s.token("zed", []byte{9}), nil, http.StatusNotFound, "not_found"},
		{"malformed controller", http.MethodPost, "/subjects/me/controllers", bob, ControllerRequest{Controller: "carol"}, http.StatusBadRequest, "malformed_identifier"},
		{"service id mismatch", http.MethodPut, "/subjects/me/services/a", bob, ServiceRequest{ID: "b", Type: "t", ServiceEndpoint: "e"}, http.StatusBadRequest, "validation_error"},
		{"malformed document id", http.MethodGet, "/documents/bob", "", nil, http.StatusBadRequest, "malformed_identifier"},
	}
	for _, tt := range tests {
		s.Run(tt.name, func() {
			resp := s.do(tt.method, tt.path, tt.token, tt.body)
			s.Equal(tt.status, resp.StatusCode)
			s.Equal(tt.code, s.errorCode(resp))
		})
	}
}

func TestRateLimitedRoutes(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	tokens := hosttoken.NewService("test-secret", "didregistry", "didregistry")
	limiter := ratelimitmw.New(bucket.New(), map[ratelimit.Class]ratelimit.Limit{
		ratelimit.ClassRead:  {RequestsPerWindow: 1, Window: time.Minute},
		ratelimit.ClassWrite: {RequestsPerWindow: 1, Window: time.Minute},
	}, logger)

	r := chi.NewRouter()
	New(service.New(store.NewInMemory()), tokens, logger, WithRateLimiter(limiter)).Register(r)
	server := httptest.NewServer(r)
	t.Cleanup(server.Close)

	post := func(account string) int {
		token, err := tokens.Issue(account, []byte{0, 1}, time.Minute)
		require.NoError(t, err)
		req, err := http.NewRequest(http.MethodPost, server.URL+"/subjects", nil)
		require.NoError(t, err)
		req.Header.Set("Authorization", "Bearer "+token)
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		defer resp.Body.Close()
		return resp.StatusCode
	}
	get := func() *http.Response {
		resp, err := http.Get(server.URL + "/documents/did:near:alice")
		require.NoError(t, err)
		t.Cleanup(func() { _ = resp.Body.Close() })
		return resp
	}

	assert.Equal(t, http.StatusCreated, post("alice"))
	assert.Equal(t, http.StatusTooManyRequests, post("alice"))
	assert.Equal(t, http.StatusCreated, post("bob"), "write budget is per account")

	first := get()
	assert.Equal(t, http.StatusOK, first.StatusCode)
	assert.Equal(t, "0", first.Header.Get("X-RateLimit-Remaining"))
	second := get()
	assert.Equal(t, http.StatusTooManyRequests, second.StatusCode)
	assert.NotEmpty(t, second.Header.Get("Retry-After"))
}
