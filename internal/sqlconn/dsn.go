package sqlconn

import (
	"fmt"
	"net/url"
	"strings"
	"sync"

	"pkt.systems/ssbtransport/faults"
)

// MemoryScheme prefixes data source names served by a registered in-process
// broker.
const MemoryScheme = "mem://"

// DefaultCacheCapacity bounds the validated data source name cache.
const DefaultCacheCapacity = 100

var (
	asyncKeys = map[string]struct{}{
		"asynchronous processing": {},
		"asynchronousprocessing":  {},
		"async":                   {},
	}
	marsKeys = map[string]struct{}{
		"multipleactiveresultsets":    {},
		"multiple active result sets": {},
		"mars":                        {},
	}
	passwordKeys = map[string]struct{}{
		"password": {},
		"pwd":      {},
	}
)

// ValidatedCache remembers data source names that passed validation together
// with their driver form. It holds at most Capacity entries and never evicts;
// once full, further names are validated on every Open.
type ValidatedCache struct {
	mu       sync.Mutex
	capacity int
	entries  map[string]string
}

// NewValidatedCache returns a cache of the given capacity, or
// DefaultCacheCapacity when capacity is not positive.
func NewValidatedCache(capacity int) *ValidatedCache {
	if capacity <= 0 {
		capacity = DefaultCacheCapacity
	}
	return &ValidatedCache{capacity: capacity, entries: make(map[string]string)}
}

func (c *ValidatedCache) get(dsn string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	driver, ok := c.entries[dsn]
	return driver, ok
}

func (c *ValidatedCache) add(dsn, driver string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.entries[dsn]; ok {
		return true
	}
	if len(c.entries) >= c.capacity {
		return false
	}
	c.entries[dsn] = driver
	return true
}

// Len returns the number of cached names.
func (c *ValidatedCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Capacity returns the maximum number of cached names.
func (c *ValidatedCache) Capacity() int {
	return c.capacity
}

// Normalize checks that a SQL Server data source name enables asynchronous
// processing and multiple active result sets, and returns it with those
// capability keys removed. Both ADO-style "key=value;" strings and
// sqlserver:// URLs are accepted. Memory names pass through unchanged.
func Normalize(dsn string) (string, error) {
	trimmed := strings.TrimSpace(dsn)
	if trimmed == "" {
		return "", faults.New(faults.KindConfig, "sqlconn.validate", "data source name is empty")
	}
	if strings.HasPrefix(trimmed, MemoryScheme) {
		if strings.TrimPrefix(trimmed, MemoryScheme) == "" {
			return "", faults.New(faults.KindConfig, "sqlconn.validate", "memory data source name lacks a broker name")
		}
		return trimmed, nil
	}
	if strings.Contains(trimmed, "://") {
		return normalizeURL(trimmed)
	}
	return normalizeADO(trimmed)
}

type capabilities struct {
	async, mars bool
}

func (c *capabilities) observe(key, value string) bool {
	key = strings.ToLower(strings.TrimSpace(key))
	if _, ok := asyncKeys[key]; ok {
		c.async = truthy(value)
		return true
	}
	if _, ok := marsKeys[key]; ok {
		c.mars = truthy(value)
		return true
	}
	return false
}

func (c capabilities) check() error {
	var missing []string
	if !c.async {
		missing = append(missing, "asynchronous processing=true")
	}
	if !c.mars {
		missing = append(missing, "multipleactiveresultsets=true")
	}
	if len(missing) == 0 {
		return nil
	}
	return faults.New(faults.KindConfig, "sqlconn.validate",
		fmt.Sprintf("data source name must specify %s", strings.Join(missing, " and ")))
}

func truthy(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "true", "yes", "1":
		return true
	}
	return false
}

func normalizeADO(dsn string) (string, error) {
	var caps capabilities
	kept := make([]string, 0, 8)
	for _, part := range strings.Split(dsn, ";") {
		if strings.TrimSpace(part) == "" {
			continue
		}
		key, value, _ := strings.Cut(part, "=")
		if caps.observe(key, value) {
			continue
		}
		kept = append(kept, strings.TrimSpace(part))
	}
	if err := caps.check(); err != nil {
		return "", err
	}
	return strings.Join(kept, ";"), nil
}

func normalizeURL(dsn string) (string, error) {
	u, err := url.Parse(dsn)
	if err != nil {
		return "", faults.Wrap(faults.KindConfig, "sqlconn.validate", "data source name is not a valid URL", err)
	}
	var caps capabilities
	query := u.Query()
	for key, values := range query {
		value := ""
		if len(values) > 0 {
			value = values[len(values)-1]
		}
		if caps.observe(key, value) {
			query.Del(key)
		}
	}
	if err := caps.check(); err != nil {
		return "", err
	}
	u.RawQuery = query.Encode()
	return u.String(), nil
}

// Redact hides passwords in a data source name for logging.
func Redact(dsn string) string {
	trimmed := strings.TrimSpace(dsn)
	if strings.Contains(trimmed, "://") {
		u, err := url.Parse(trimmed)
		if err != nil {
			return "<unparseable>"
		}
		query := u.Query()
		for key := range query {
			if _, ok := passwordKeys[strings.ToLower(key)]; ok {
				query.Set(key, "xxxxx")
			}
		}
		u.RawQuery = query.Encode()
		return u.Redacted()
	}
	parts := strings.Split(trimmed, ";")
	for i, part := range parts {
		key, _, found := strings.Cut(part, "=")
		if !found {
			continue
		}
		if _, ok := passwordKeys[strings.ToLower(strings.TrimSpace(key))]; ok {
			parts[i] = key + "=xxxxx"
		}
	}
	return strings.Join(parts, ";")
}
