// Package domainmap resolves the custom domain mapped onto a network site.
package domainmap

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/jackc/pgx/v5"
)

// DefaultTable is the domain mapping table created by the host's domain mapping plugin.
const DefaultTable = "wp_domain_mapping"

var tableRegex = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// Resolver looks up the mapped domain of a site.
type Resolver interface {
	MappedDomain(ctx context.Context, siteID int64) (domain string, ok bool, err error)
}

// Querier is the subset of a pgx pool the Postgres resolver needs.
type Querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Postgres reads mappings from the host's domain mapping table.
type Postgres struct {
	db    Querier
	query string
}

// NewPostgres creates a resolver over table. The newest mapping of a site wins.
func NewPostgres(db Querier, table string) (*Postgres, error) {
	if table == "" {
		table = DefaultTable
	}
	if !tableRegex.MatchString(table) {
		return nil, fmt.Errorf("invalid domain mapping table name %q", table)
	}
	return &Postgres{
		db:    db,
		query: "SELECT domain FROM " + pgx.Identifier{table}.Sanitize() + " WHERE blog_id = $1 ORDER BY id DESC LIMIT 1",
	}, nil
}

// MappedDomain returns the newest domain mapped to siteID.
func (p *Postgres) MappedDomain(ctx context.Context, siteID int64) (string, bool, error) {
	var domain string
	err := p.db.QueryRow(ctx, p.query, siteID).Scan(&domain)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("query domain mapping for site %d: %w", siteID, err)
	}
	domain = strings.TrimSpace(domain)
	if domain == "" {
		return "", false, nil
	}
	return domain, true, nil
}

// Static serves mappings from a fixed table.
type Static map[int64]string

// ParseStatic parses "2=blog.example.com,3=shop.example.com".
func ParseStatic(s string) (Static, error) {
	m := make(Static)
	for _, pair := range strings.Split(s, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		id, domain, found := strings.Cut(pair, "=")
		if !found {
			return nil, fmt.Errorf("domain mapping %q: missing '='", pair)
		}
		siteID, err := strconv.ParseInt(strings.TrimSpace(id), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("domain mapping %q: invalid site id: %w", pair, err)
		}
		domain = strings.TrimSpace(domain)
		if domain == "" {
			return nil, fmt.Errorf("domain mapping %q: empty domain", pair)
		}
		m[siteID] = domain
	}
	return m, nil
}

// MappedDomain returns the static mapping for siteID.
func (s Static) MappedDomain(_ context.Context, siteID int64) (string, bool, error) {
	d, ok := s[siteID]
	return d, ok, nil
}

type cacheEntry struct {
	domain string
	ok     bool
}

// Cached memoizes another resolver's answers, including misses, for a TTL.
// Errors are not cached.
type Cached struct {
	next   Resolver
	cache  *expirable.LRU[int64, cacheEntry]
	logger *slog.Logger
}

// NewCached wraps next with an LRU of at most size sites.
func NewCached(next Resolver, size int, ttl time.Duration, logger *slog.Logger) *Cached {
	return &Cached{
		next:   next,
		cache:  expirable.NewLRU[int64, cacheEntry](size, nil, ttl),
		logger: logger,
	}
}

// MappedDomain returns the cached answer or asks the wrapped resolver.
func (c *Cached) MappedDomain(ctx context.Context, siteID int64) (string, bool, error) {
	if e, hit := c.cache.Get(siteID); hit {
		return e.domain, e.ok, nil
	}
	domain, ok, err := c.next.MappedDomain(ctx, siteID)
	if err != nil {
		return "", false, err
	}
	c.cache.Add(siteID, cacheEntry{domain: domain, ok: ok})
	c.logger.Debug("Domain mapping cached", "site_id", siteID, "domain", domain, "mapped", ok)
	return domain, ok, nil
}

// Chain asks each resolver in order and returns the first mapping found.
type Chain []Resolver

// MappedDomain returns the first mapped domain in the chain.
func (c Chain) MappedDomain(ctx context.Context, siteID int64) (string, bool, error) {
	for _, r := range c {
		domain, ok, err := r.MappedDomain(ctx, siteID)
		if err != nil {
			return "", false, err
		}
		if ok {
			return domain, true, nil
		}
	}
	return "", false, nil
}
