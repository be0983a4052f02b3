package models

import (
	"slices"
	"sort"
	"strings"
)

// Platform names a target social platform.
type Platform string

const (
	PlatformTwitter Platform = "twitter"
	PlatformThreads Platform = "threads"
)

// KnownPlatforms lists every platform with an adapter, in dispatch order.
var KnownPlatforms = []Platform{PlatformTwitter, PlatformThreads}

// IsKnown reports whether p has an adapter.
func (p Platform) IsKnown() bool {
	return slices.Contains(KnownPlatforms, p)
}

// Credentials is the resolved secret bundle for one account on one platform.
type Credentials struct {
	AccountID string
	Values    map[string]string
}

// Get returns the named credential value, or "".
func (c Credentials) Get(key string) string {
	return c.Values[key]
}

// String never prints secret values.
func (c Credentials) String() string {
	keys := make([]string, 0, len(c.Values))
	for k := range c.Values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return "credentials{" + c.AccountID + ": " + strings.Join(keys, ",") + " [redacted]}"
}

// GoString keeps %#v from leaking secrets as well.
func (c Credentials) GoString() string { return c.String() }

// Account is one posting identity. It is immutable for the lifetime of a
// registry load; edits take effect after a reload.
type Account struct {
	ID           string                   `json:"account_id"`
	DisplayName  string                   `json:"display_name"`
	Persona      string                   `json:"persona"`
	Exemplars    []string                 `json:"exemplars"`
	CollectionID string                   `json:"knowledge_collection_id"`
	Platforms    []Platform               `json:"enabled_platforms"`
	Credentials  map[Platform]Credentials `json:"-"`
	SourceFile   string                   `json:"source_file,omitempty"`
}

// HasPlatform reports whether p is enabled for the account.
func (a *Account) HasPlatform(p Platform) bool {
	return slices.Contains(a.Platforms, p)
}
