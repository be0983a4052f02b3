package platforms

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/postloom/backend/internal/logging"
	"github.com/postloom/backend/internal/models"
)

func creds(values map[string]string) models.Credentials {
	return models.Credentials{AccountID: "acct", Values: values}
}

// ---------------------------------------------------------------------------
// Twitter
// ---------------------------------------------------------------------------

func TestTwitter_PostSendsBearerAndText(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/2/tweets", r.URL.Path)
		assert.Equal(t, "Bearer user-token", r.Header.Get("Authorization"))
		var body map[string]string
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "hello world", body["text"])
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"data":{"id":"1789","text":"hello world"}}`))
	}))
	defer srv.Close()

	a := NewTwitterAdapter(srv.URL)
	id, err := a.Post(context.Background(), creds(map[string]string{"access_token": "user-token"}), "hello world")
	require.NoError(t, err)
	assert.Equal(t, "1789", id)
	assert.Equal(t, 280, a.CharacterLimit())
}

func TestTwitter_RefreshesTokenOnce(t *testing.T) {
	var refreshes, posts atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case "/2/oauth2/token":
			refreshes.Add(1)
			_, _ = w.Write([]byte(`{"access_token":"fresh","token_type":"bearer","expires_in":7200,"refresh_token":"next"}`))
		case "/2/tweets":
			posts.Add(1)
			assert.Equal(t, "Bearer fresh", r.Header.Get("Authorization"))
			_, _ = w.Write([]byte(`{"data":{"id":"42"}}`))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	a := NewTwitterAdapter(srv.URL)
	c := creds(map[string]string{"refresh_token": "r1", "client_id": "cid"})
	for i := 0; i < 2; i++ {
		_, err := a.Post(context.Background(), c, "post")
		require.NoError(t, err)
	}
	assert.Equal(t, int32(1), refreshes.Load())
	assert.Equal(t, int32(2), posts.Load())
}

func TestTwitter_ErrorsAndConnection(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer good" {
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(`{"title":"Unauthorized"}`))
			return
		}
		switch r.URL.Path {
		case "/2/users/me":
			_, _ = w.Write([]byte(`{"data":{"id":"7","username":"acct"}}`))
		case "/2/tweets":
			w.WriteHeader(http.StatusForbidden)
			_, _ = w.Write([]byte(`{"detail":"duplicate content"}`))
		}
	}))
	defer srv.Close()
	a := NewTwitterAdapter(srv.URL)

	ok, err := a.TestConnection(context.Background(), creds(map[string]string{"access_token": "good"}))
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = a.TestConnection(context.Background(), creds(map[string]string{"access_token": "bad"}))
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = a.Post(context.Background(), creds(map[string]string{"access_token": "good"}), "dup")
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusForbidden, apiErr.StatusCode)
	assert.False(t, apiErr.Transient())

	_, err = a.Post(context.Background(), creds(nil), "x")
	assert.ErrorIs(t, err, ErrNoCredentials)
}

// ---------------------------------------------------------------------------
// Threads
// ---------------------------------------------------------------------------

func TestThreads_CreateThenPublish(t *testing.T) {
	var calls []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.NoError(t, r.ParseForm())
		calls = append(calls, r.URL.Path)
		assert.Equal(t, "tok", r.PostForm.Get("access_token"))
		switch r.URL.Path {
		case "/u1/threads":
			assert.Equal(t, "TEXT", r.PostForm.Get("media_type"))
			assert.Equal(t, "a thread", r.PostForm.Get("text"))
			_, _ = w.Write([]byte(`{"id":"container-1"}`))
		case "/u1/threads_publish":
			assert.Equal(t, "container-1", r.PostForm.Get("creation_id"))
			_, _ = w.Write([]byte(`{"id":"post-9"}`))
		}
	}))
	defer srv.Close()

	a := NewThreadsAdapter(srv.URL)
	id, err := a.Post(context.Background(), creds(map[string]string{"access_token": "tok", "user_id": "u1"}), "a thread")
	require.NoError(t, err)
	assert.Equal(t, "post-9", id)
	assert.Equal(t, []string{"/u1/threads", "/u1/threads_publish"}, calls)
	assert.Equal(t, 500, a.CharacterLimit())
}

func TestThreads_MissingUserID(t *testing.T) {
	a := NewThreadsAdapter("http://unused.invalid")
	_, err := a.Post(context.Background(), creds(map[string]string{"access_token": "tok"}), "x")
	assert.ErrorIs(t, err, ErrNoCredentials)
	assert.Contains(t, err.Error(), "user_id")
}

// ---------------------------------------------------------------------------
// Wrappers
// ---------------------------------------------------------------------------

type fakeAdapter struct {
	platform models.Platform
	posts    atomic.Int32
	err      error
}

func (f *fakeAdapter) Platform() models.Platform { return f.platform }
func (f *fakeAdapter) CharacterLimit() int       { return 100 }
func (f *fakeAdapter) Post(context.Context, models.Credentials, string) (string, error) {
	f.posts.Add(1)
	if f.err != nil {
		return "", f.err
	}
	return "real-id", nil
}
func (f *fakeAdapter) TestConnection(context.Context, models.Credentials) (bool, error) {
	return true, nil
}

func TestSimulated_NeverCallsPlatform(t *testing.T) {
	inner := &fakeAdapter{platform: models.PlatformTwitter}
	s := NewSimulated(inner, logging.NewDiscard())

	id, err := s.Post(context.Background(), creds(map[string]string{"access_token": "t"}), "hi")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(id, "sim-"))
	assert.Zero(t, inner.posts.Load())
}

func TestBreaker_OpensOnTransientFailures(t *testing.T) {
	inner := &fakeAdapter{platform: models.PlatformTwitter, err: &APIError{Platform: models.PlatformTwitter, StatusCode: 503}}
	b := NewBreaker(inner, BreakerConfig{Failures: 2, Window: 2, Delay: time.Hour}, nil)

	for i := 0; i < 2; i++ {
		_, err := b.Post(context.Background(), creds(nil), "x")
		require.Error(t, err)
	}
	assert.True(t, b.Open())
	_, err := b.Post(context.Background(), creds(nil), "x")
	require.Error(t, err)
	assert.Equal(t, int32(2), inner.posts.Load(), "open circuit must not reach the platform")
}

func TestBreaker_IgnoresClientErrors(t *testing.T) {
	inner := &fakeAdapter{platform: models.PlatformTwitter, err: &APIError{Platform: models.PlatformTwitter, StatusCode: 401}}
	b := NewBreaker(inner, BreakerConfig{Failures: 1, Window: 1, Delay: time.Hour}, nil)
	for i := 0; i < 3; i++ {
		_, _ = b.Post(context.Background(), creds(nil), "x")
	}
	assert.False(t, b.Open())
	assert.Equal(t, int32(3), inner.posts.Load())
}

func TestSpacing_WaitsBetweenPostsOfOneAccount(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	var waits []time.Duration
	after := func(d time.Duration) <-chan time.Time {
		waits = append(waits, d)
		ch := make(chan time.Time, 1)
		ch <- now.Add(d)
		return ch
	}
	inner := &fakeAdapter{platform: models.PlatformTwitter}
	s := NewSpacing(inner, time.Minute, WithSpacingClock(func() time.Time { return now }, after))

	_, err := s.Post(context.Background(), creds(nil), "one")
	require.NoError(t, err)
	_, err = s.Post(context.Background(), creds(nil), "two")
	require.NoError(t, err)
	other := models.Credentials{AccountID: "other"}
	_, err = s.Post(context.Background(), other, "three")
	require.NoError(t, err)

	assert.Equal(t, []time.Duration{time.Minute}, waits)
	assert.Equal(t, int32(3), inner.posts.Load())
}

func TestSpacing_CancelledWhileWaiting(t *testing.T) {
	inner := &fakeAdapter{platform: models.PlatformTwitter}
	s := NewSpacing(inner, time.Hour)
	_, err := s.Post(context.Background(), creds(nil), "first")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = s.Post(ctx, creds(nil), "second")
	assert.True(t, errors.Is(err, context.Canceled))
	assert.Equal(t, int32(1), inner.posts.Load())
}

func TestValidateCredentials(t *testing.T) {
	assert.NoError(t, ValidateCredentials(models.PlatformTwitter, creds(map[string]string{"access_token": "a"})))
	assert.NoError(t, ValidateCredentials(models.PlatformTwitter, creds(map[string]string{"refresh_token": "r", "client_id": "c"})))
	assert.ErrorIs(t, ValidateCredentials(models.PlatformThreads, creds(map[string]string{"user_id": "u"})), ErrNoCredentials)
	assert.ErrorIs(t, ValidateCredentials("myspace", creds(nil)), ErrUnknownPlatform)
}
