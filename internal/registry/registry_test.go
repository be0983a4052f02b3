package registry

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/postloom/backend/internal/logging"
	"github.com/postloom/backend/internal/models"
)

func writeAccount(t *testing.T, dir, name string, doc map[string]any) {
	t.Helper()
	data, err := json.Marshal(doc)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), data, 0o600))
}

func validDoc(id string) map[string]any {
	return map[string]any{
		"account_id":              id,
		"display_name":            "Essays by " + id,
		"persona":                 "A patient essayist.",
		"knowledge_collection_id": "essays",
		"enabled_platforms":       []string{"twitter", "threads"},
		"exemplars":               []string{"Short and kind."},
		"twitter_credentials":     map[string]string{"access_token": "tw"},
		"threads_credentials":     map[string]string{"access_token": "env:THREADS_TOKEN_TEST", "user_id": "42"},
	}
}

func newTestService(t *testing.T, dir string) *service {
	t.Helper()
	return NewService(NewRepository(dir, Limits{}), logging.NewDiscard())
}

// ---------------------------------------------------------------------------
// Loading
// ---------------------------------------------------------------------------

func TestReload_LoadsValidAndSkipsInvalid(t *testing.T) {
	t.Setenv("THREADS_TOKEN_TEST", "resolved-token")
	dir := t.TempDir()
	writeAccount(t, dir, "b.json", validDoc("beta"))
	writeAccount(t, dir, "a.json", validDoc("alpha"))

	bad := validDoc("bad id!")
	writeAccount(t, dir, "c.json", bad)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "d.json"), []byte("{not json"), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("ignored"), 0o600))

	svc := newTestService(t, dir)
	require.NoError(t, svc.Reload())

	list := svc.List()
	require.Len(t, list, 2)
	assert.Equal(t, "alpha", list[0].ID)
	assert.Equal(t, "beta", list[1].ID)
	assert.Equal(t, "Essays by alpha", list[0].DisplayName)
	assert.Equal(t, "essays", list[0].CollectionID)

	acct, err := svc.Get("alpha")
	require.NoError(t, err)
	assert.Equal(t, "resolved-token", acct.Credentials[models.PlatformThreads].Get("access_token"))
	assert.Equal(t, "alpha", acct.Credentials[models.PlatformThreads].AccountID)
	assert.Equal(t, []string{"Short and kind."}, acct.Exemplars)

	errs := svc.LoadErrors()
	require.Len(t, errs, 2)
	assert.Equal(t, "c.json", errs[0].File)
	assert.Equal(t, "d.json", errs[1].File)

	_, err = svc.Get("gamma")
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestReload_Rejections(t *testing.T) {
	t.Setenv("THREADS_TOKEN_TEST", "x")
	cases := map[string]func(doc map[string]any){
		"no platforms":        func(d map[string]any) { d["enabled_platforms"] = []string{} },
		"unknown platform":    func(d map[string]any) { d["enabled_platforms"] = []string{"myspace"} },
		"missing credentials": func(d map[string]any) { delete(d, "twitter_credentials") },
		"long persona":        func(d map[string]any) { d["persona"] = strings.Repeat("p", 5001) },
		"long exemplar": func(d map[string]any) {
			d["exemplars"] = []string{strings.Repeat("e", 301)}
		},
		"missing display name": func(d map[string]any) { delete(d, "display_name") },
		"blank display name":   func(d map[string]any) { d["display_name"] = "  " },
		"missing collection":   func(d map[string]any) { delete(d, "knowledge_collection_id") },
		"unset env": func(d map[string]any) {
			d["threads_credentials"] = map[string]string{"access_token": "env:POSTLOOM_NOT_SET", "user_id": "1"}
		},
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			dir := t.TempDir()
			doc := validDoc("acct")
			mutate(doc)
			writeAccount(t, dir, "acct.json", doc)

			svc := newTestService(t, dir)
			require.NoError(t, svc.Reload())
			assert.Empty(t, svc.List())
			require.Len(t, svc.LoadErrors(), 1)
		})
	}
}

func TestReload_AcceptsOlderFieldSpellings(t *testing.T) {
	t.Setenv("THREADS_TOKEN_TEST", "x")
	dir := t.TempDir()
	doc := validDoc("legacy")
	delete(doc, "knowledge_collection_id")
	doc["vector_collection"] = "legacy-notes"
	doc["exemplars"] = []map[string]string{{"text": "First."}, {"text": "Second."}}
	writeAccount(t, dir, "legacy.json", doc)

	svc := newTestService(t, dir)
	require.NoError(t, svc.Reload())
	require.Empty(t, svc.LoadErrors())
	acct, err := svc.Get("legacy")
	require.NoError(t, err)
	assert.Equal(t, "legacy-notes", acct.CollectionID)
	assert.Equal(t, []string{"First.", "Second."}, acct.Exemplars, "exemplar order is kept")
}

func TestReload_DuplicateIDKeepsFirstFile(t *testing.T) {
	t.Setenv("THREADS_TOKEN_TEST", "x")
	dir := t.TempDir()
	first := validDoc("same")
	first["display_name"] = "first"
	writeAccount(t, dir, "01.json", first)
	writeAccount(t, dir, "02.json", validDoc("same"))

	svc := newTestService(t, dir)
	require.NoError(t, svc.Reload())
	acct, err := svc.Get("same")
	require.NoError(t, err)
	assert.Equal(t, "first", acct.DisplayName)
	require.Len(t, svc.LoadErrors(), 1)
	assert.Contains(t, svc.LoadErrors()[0].Err, "already defined")
}

func TestReload_MissingDirKeepsCurrentSet(t *testing.T) {
	t.Setenv("THREADS_TOKEN_TEST", "x")
	dir := t.TempDir()
	writeAccount(t, dir, "a.json", validDoc("alpha"))
	svc := newTestService(t, dir)
	require.NoError(t, svc.Reload())

	require.NoError(t, os.RemoveAll(dir))
	assert.Error(t, svc.Reload())
	assert.Len(t, svc.List(), 1)
}

// ---------------------------------------------------------------------------
// Handler
// ---------------------------------------------------------------------------

type reloaderFunc func(ctx context.Context) error

func (f reloaderFunc) Reload(ctx context.Context) error { return f(ctx) }

func TestHandler_ListAndReload(t *testing.T) {
	t.Setenv("THREADS_TOKEN_TEST", "x")
	dir := t.TempDir()
	writeAccount(t, dir, "a.json", validDoc("alpha"))
	svc := newTestService(t, dir)
	require.NoError(t, svc.Reload())

	reloads := 0
	h := NewHandler(svc, reloaderFunc(func(context.Context) error { reloads++; return svc.Reload() }), nil)

	rec := httptest.NewRecorder()
	h.ReloadAccounts(rec, httptest.NewRequest(http.MethodPost, "/api/v1/accounts/reload", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, reloads)

	raw := rec.Body.String()
	var body listAccountsResponse
	require.NoError(t, json.Unmarshal([]byte(raw), &body))
	require.Len(t, body.Accounts, 1)
	assert.Equal(t, "alpha", body.Accounts[0].ID)
	assert.Equal(t, []models.Platform{models.PlatformTwitter, models.PlatformThreads}, body.Accounts[0].Platforms)
	assert.NotContains(t, raw, "access_token")
}
