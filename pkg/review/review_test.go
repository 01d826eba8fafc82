package review

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewClientRequiresBaseURL(t *testing.T) {
	_, err := NewClient(Config{})
	require.Error(t, err)
}

func TestOpenReviewRequest(t *testing.T) {
	var got Request
	var gotAuth, gotPath string

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(Ref{ID: "42", URL: srvURL(r) + "/pulls/42"})
	}))
	defer srv.Close()

	c, err := NewClient(Config{BaseURL: srv.URL + "/", Token: "secret"})
	require.NoError(t, err)

	ref, err := c.OpenReviewRequest(context.Background(), Request{
		Repo:  "acme/widgets",
		Head:  "foreman/resolve/abc12345",
		Base:  "main",
		Title: "[resolve] repo/issue.assigned#d1",
		Body:  "automated change",
	})
	require.NoError(t, err)

	assert.Equal(t, "42", ref.ID)
	assert.NotEmpty(t, ref.URL)
	assert.Equal(t, "/repos/acme/widgets/pulls", gotPath)
	assert.Equal(t, "Bearer secret", gotAuth)
	assert.Equal(t, "foreman/resolve/abc12345", got.Head)
	assert.Equal(t, "main", got.Base)
}

func srvURL(r *http.Request) string {
	return "http://" + r.Host
}

func TestOpenReviewRequestValidatesInput(t *testing.T) {
	c, err := NewClient(Config{BaseURL: "http://localhost:1"})
	require.NoError(t, err)

	_, err = c.OpenReviewRequest(context.Background(), Request{Repo: "acme/widgets"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "required")
}

func TestOpenReviewRequestAPIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusForbidden)
	}))
	defer srv.Close()

	c, err := NewClient(Config{BaseURL: srv.URL})
	require.NoError(t, err)

	_, err = c.OpenReviewRequest(context.Background(), Request{Repo: "r", Head: "h", Base: "b"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "403")
}

func TestOpenReviewRequestMissingURL(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"id":"7"}`))
	}))
	defer srv.Close()

	c, err := NewClient(Config{BaseURL: srv.URL})
	require.NoError(t, err)

	_, err = c.OpenReviewRequest(context.Background(), Request{Repo: "r", Head: "h", Base: "b"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "missing url")
}

func TestOpenReviewRequestNoTokenHeader(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Empty(t, r.Header.Get("Authorization"))
		_, _ = w.Write([]byte(`{"id":"1","url":"http://example.com/pulls/1"}`))
	}))
	defer srv.Close()

	c, err := NewClient(Config{BaseURL: srv.URL})
	require.NoError(t, err)

	_, err = c.OpenReviewRequest(context.Background(), Request{Repo: "r", Head: "h", Base: "b"})
	require.NoError(t, err)
}
