package trails

import (
	"fmt"
	"net/url"
	"strings"
)

// OpenStore builds a Store from a DSN. Supported schemes:
//
//	memory://            in-process store (tests, local runs)
//	postgres://...       shared Postgres database
func OpenStore(dsn string) (Store, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, fmt.Errorf("%w: empty store dsn", ErrInvalidInput)
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		return nil, fmt.Errorf("%w: store dsn: %v", ErrInvalidInput, err)
	}
	scheme := strings.ToLower(strings.TrimSpace(parsed.Scheme))
	if factory, ok := lookupStoreFactory(scheme); ok {
		return factory(dsn)
	}
	switch scheme {
	case "memory", "mem", "inmem":
		return NewMemoryStore(), nil
	case "postgres", "postgresql":
		return NewPostgresStore(dsn)
	default:
		return nil, fmt.Errorf("%w: unsupported store scheme %q", ErrInvalidInput, parsed.Scheme)
	}
}
