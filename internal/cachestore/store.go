// Package cachestore implements named request/response caches: a registry of
// caches addressed by name, each mapping a request identity to a captured
// response and remembering the order in which keys were inserted.
package cachestore

import (
	"context"
	"net/http"
	"strings"

	errs "github.com/jmgilman/go/errors"
)

// Entry is a captured response stored under a request key.
type Entry struct {
	Method   string
	URL      string
	Status   int
	Header   http.Header
	Body     []byte
	StoredAt int64 // unix nanoseconds
}

// Clone returns a deep copy so callers can mutate headers and body freely.
func (e Entry) Clone() Entry {
	out := e
	if e.Header != nil {
		out.Header = e.Header.Clone()
	}
	if e.Body != nil {
		out.Body = append([]byte(nil), e.Body...)
	}
	return out
}

// Key builds the request identity used as a cache key.
func Key(method, url string) string {
	return strings.ToUpper(method) + " " + url
}

// Cache is a single named cache. Keys are listed oldest insertion first;
// re-putting a key moves it to the end.
type Cache interface {
	Name() string
	Match(ctx context.Context, key string) (Entry, bool, error)
	Put(ctx context.Context, key string, entry Entry) error
	Delete(ctx context.Context, key string) (bool, error)
	Keys(ctx context.Context) ([]string, error)
	Len(ctx context.Context) (int, error)
}

// Storage is the registry of named caches.
type Storage interface {
	// Open returns the named cache, creating it when missing.
	Open(ctx context.Context, name string) (Cache, error)
	Has(ctx context.Context, name string) (bool, error)
	// Names lists caches in creation order.
	Names(ctx context.Context) ([]string, error)
	Delete(ctx context.Context, name string) (bool, error)
	// Match looks the key up in every cache, in creation order.
	Match(ctx context.Context, key string) (Entry, bool, error)
	Close() error
}

// Config selects and parameterises a storage backend.
type Config struct {
	Backend string
	Path    string
	Redis   RedisConfig
}

// New builds the storage backend named by cfg.Backend.
func New(cfg Config) (Storage, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Backend)) {
	case "", "memory":
		return NewMemory(), nil
	case "leveldb":
		return OpenLevelDB(cfg.Path)
	case "sqlite":
		return OpenSQLite(cfg.Path)
	case "redis":
		return NewRedis(cfg.Redis)
	default:
		return nil, errs.Newf(errs.CodeInvalidConfig, "cachestore: unsupported backend %q", cfg.Backend)
	}
}

func validateName(name string) error {
	if name == "" {
		return errs.New(errs.CodeInvalidInput, "cachestore: empty cache name")
	}
	if strings.ContainsRune(name, 0) {
		return errs.Newf(errs.CodeInvalidInput, "cachestore: cache name %q contains NUL", name)
	}
	return nil
}

func backendErr(err error, op string) error {
	return errs.Wrap(err, errs.CodeDatabase, "cachestore: "+op)
}
