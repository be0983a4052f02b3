package registry

import (
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/postloom/backend/internal/models"
	"github.com/postloom/backend/internal/platforms"
)

//go:embed schema/account.schema.json
var accountSchemaJSON string

var accountSchema = jsonschema.MustCompileString("https://postloom.dev/schemas/account.json", accountSchemaJSON)

// ErrInvalidAccount can be used with errors.Is to detect a rejected account file.
var ErrInvalidAccount = errors.New("invalid account file")

const envPrefix = "env:"

// accountFile is the on-disk layout of one account. vector_collection and
// {"text": ...} exemplars are older spellings that still load.
type accountFile struct {
	AccountID             string            `json:"account_id"`
	DisplayName           string            `json:"display_name"`
	Persona               string            `json:"persona"`
	KnowledgeCollectionID string            `json:"knowledge_collection_id"`
	VectorCollection      string            `json:"vector_collection"`
	EnabledPlatforms      []models.Platform `json:"enabled_platforms"`
	Exemplars             []exemplar        `json:"exemplars"`
	TwitterCredentials    map[string]string `json:"twitter_credentials"`
	ThreadsCredentials    map[string]string `json:"threads_credentials"`
}

func (f accountFile) collection() string {
	if f.KnowledgeCollectionID != "" {
		return f.KnowledgeCollectionID
	}
	return f.VectorCollection
}

// exemplar is either a plain string or an object with a text field.
type exemplar struct {
	Text string `json:"text"`
}

func (e *exemplar) UnmarshalJSON(data []byte) error {
	if len(data) > 0 && data[0] == '"' {
		return json.Unmarshal(data, &e.Text)
	}
	type plain exemplar
	return json.Unmarshal(data, (*plain)(e))
}

// LoadError records why one file did not become an account.
type LoadError struct {
	File string `json:"file"`
	Err  string `json:"error"`
}

type Limits struct {
	MaxPersonaLength  int
	MaxExemplarLength int
}

// Repository reads account files from a directory.
type Repository struct {
	dir    string
	limits Limits
	getenv func(string) (string, bool)
}

func NewRepository(dir string, limits Limits) *Repository {
	if limits.MaxPersonaLength <= 0 {
		limits.MaxPersonaLength = 5000
	}
	if limits.MaxExemplarLength <= 0 {
		limits.MaxExemplarLength = 300
	}
	return &Repository{dir: dir, limits: limits, getenv: os.LookupEnv}
}

// LoadAll parses every *.json file in name order. A bad file is reported in
// the returned LoadErrors and skipped; the error is set only when the
// directory itself cannot be read.
func (r *Repository) LoadAll() ([]*models.Account, []LoadError, error) {
	entries, err := os.ReadDir(r.dir)
	if err != nil {
		return nil, nil, fmt.Errorf("read accounts dir %q: %w", r.dir, err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)

	var (
		accounts []*models.Account
		errs     []LoadError
		seen     = make(map[string]string)
	)
	for _, name := range names {
		path := filepath.Join(r.dir, name)
		acct, err := r.loadFile(path)
		if err != nil {
			errs = append(errs, LoadError{File: name, Err: err.Error()})
			continue
		}
		if first, dup := seen[acct.ID]; dup {
			errs = append(errs, LoadError{File: name, Err: fmt.Sprintf("%v: account_id %q already defined in %s", ErrInvalidAccount, acct.ID, first)})
			continue
		}
		seen[acct.ID] = name
		accounts = append(accounts, acct)
	}
	return accounts, errs, nil
}

func (r *Repository) loadFile(path string) (*models.Account, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %q: %w", path, err)
	}
	var doc interface{}
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("%w: invalid JSON: %v", ErrInvalidAccount, err)
	}
	if err := accountSchema.Validate(doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidAccount, err)
	}
	var f accountFile
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidAccount, err)
	}
	return r.build(f, path)
}

func (r *Repository) build(f accountFile, path string) (*models.Account, error) {
	if n := utf8.RuneCountInString(f.Persona); n > r.limits.MaxPersonaLength {
		return nil, fmt.Errorf("%w: persona is %d characters, limit %d", ErrInvalidAccount, n, r.limits.MaxPersonaLength)
	}
	acct := &models.Account{
		ID:           f.AccountID,
		DisplayName:  strings.TrimSpace(f.DisplayName),
		Persona:      strings.TrimSpace(f.Persona),
		CollectionID: f.collection(),
		Platforms:    f.EnabledPlatforms,
		Credentials:  make(map[models.Platform]models.Credentials, len(f.EnabledPlatforms)),
		SourceFile:   path,
	}
	if acct.DisplayName == "" {
		return nil, fmt.Errorf("%w: display_name is blank", ErrInvalidAccount)
	}
	for i, ex := range f.Exemplars {
		if n := utf8.RuneCountInString(ex.Text); n > r.limits.MaxExemplarLength {
			return nil, fmt.Errorf("%w: exemplar %d is %d characters, limit %d", ErrInvalidAccount, i, n, r.limits.MaxExemplarLength)
		}
		acct.Exemplars = append(acct.Exemplars, ex.Text)
	}

	raw := map[models.Platform]map[string]string{
		models.PlatformTwitter: f.TwitterCredentials,
		models.PlatformThreads: f.ThreadsCredentials,
	}
	for _, p := range acct.Platforms {
		values, err := r.resolve(raw[p])
		if err != nil {
			return nil, fmt.Errorf("%w: %s credentials: %v", ErrInvalidAccount, p, err)
		}
		creds := models.Credentials{AccountID: acct.ID, Values: values}
		if err := platforms.ValidateCredentials(p, creds); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidAccount, err)
		}
		acct.Credentials[p] = creds
	}
	return acct, nil
}

// resolve replaces env:NAME values with the environment variable NAME.
func (r *Repository) resolve(in map[string]string) (map[string]string, error) {
	out := make(map[string]string, len(in))
	for k, v := range in {
		if name, ok := strings.CutPrefix(v, envPrefix); ok {
			resolved, set := r.getenv(name)
			if !set || resolved == "" {
				return nil, fmt.Errorf("environment variable %s for %s is not set", name, k)
			}
			v = resolved
		}
		out[k] = v
	}
	return out, nil
}
