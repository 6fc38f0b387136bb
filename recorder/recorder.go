// Package recorder appends newly published posts to the shared recent list.
package recorder

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"recentposts/domainmap"
	"recentposts/metrics"
	"recentposts/pkg/recent"
	"recentposts/storage"

	"github.com/PuerkitoBio/goquery"
)

// Store is the key-value port the recorder persists through.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte) error
	Update(ctx context.Context, key string, fn storage.UpdateFunc) error
}

// Outcome describes what MaybeRecord did with a post.
type Outcome string

// Possible outcomes.
const (
	Recorded                Outcome = "recorded"
	SkippedAutoDraft        Outcome = "skipped_auto_draft"
	SkippedBlankTitle       Outcome = "skipped_blank_title"
	SkippedAlreadyPublished Outcome = "skipped_already_published"
	SkippedPrimarySite      Outcome = "skipped_primary_site"
	SkippedFirstPost        Outcome = "skipped_first_post"
)

// firstPostID is the ID the host gives the bootstrap post of a new site.
const firstPostID = 1

// Config controls the optional skip rules.
type Config struct {
	// SkipPrimarySite ignores posts from the network's primary site.
	SkipPrimarySite bool
	PrimarySiteID   int64

	// FirstPostTemplate is the network's default first-post content, with
	// SITE_URL and SITE_NAME placeholders. Empty disables first-post detection.
	FirstPostTemplate string
	NetworkHomeURL    string
	NetworkName       string
}

// Recorder decides once per post whether to add it to the shared list.
type Recorder struct {
	store     Store
	resolver  domainmap.Resolver
	logger    *slog.Logger
	firstPost string
	cfg       Config
	mu        sync.Mutex // Serializes appends within this process
}

// New creates a recorder. resolver may be nil when no domains are mapped.
func New(store Store, resolver domainmap.Resolver, cfg Config, logger *slog.Logger) *Recorder {
	firstPost := cfg.FirstPostTemplate
	firstPost = strings.ReplaceAll(firstPost, "SITE_URL", cfg.NetworkHomeURL)
	firstPost = strings.ReplaceAll(firstPost, "SITE_NAME", cfg.NetworkName)

	return &Recorder{
		store:     store,
		resolver:  resolver,
		logger:    logger,
		firstPost: firstPost,
		cfg:       cfg,
	}
}

// MaybeRecord records post unless one of the skip rules applies.
// Storage failures are returned; skips are not errors.
func (r *Recorder) MaybeRecord(ctx context.Context, post recent.Post, site recent.Site) (Outcome, error) {
	outcome, err := r.maybeRecord(ctx, post, site)
	if err != nil {
		metrics.RecordOutcome("error")
		return outcome, err
	}
	metrics.RecordOutcome(string(outcome))
	return outcome, nil
}

func (r *Recorder) maybeRecord(ctx context.Context, post recent.Post, site recent.Site) (Outcome, error) {
	if post.Title == recent.AutoDraftTitle {
		r.logger.Debug("Skipping auto draft", "site_id", site.ID, "post_id", post.ID)
		return SkippedAutoDraft, nil
	}
	if strings.TrimSpace(post.Title) == "" {
		r.logger.Debug("Skipping post without title", "site_id", site.ID, "post_id", post.ID)
		return SkippedBlankTitle, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	markerKey := recent.MarkerKey(site.ID, post.ID)
	published, err := r.publishedOnce(ctx, markerKey)
	if err != nil {
		return "", err
	}
	if published {
		r.logger.Debug("Skipping already published post", "site_id", site.ID, "post_id", post.ID)
		return SkippedAlreadyPublished, nil
	}

	if r.cfg.SkipPrimarySite && site.ID == r.cfg.PrimarySiteID {
		r.logger.Debug("Skipping primary site post", "site_id", site.ID, "post_id", post.ID)
		return SkippedPrimarySite, nil
	}
	if r.isFirstPost(post) {
		r.logger.Info("Skipping bootstrap first post", "site_id", site.ID, "post_id", post.ID)
		return SkippedFirstPost, nil
	}

	rec := recent.Record{
		Title:           post.Title,
		Permalink:       r.canonicalPermalink(ctx, post.Permalink, site),
		ThumbnailMarkup: post.ThumbnailMarkup,
		PublishedAt:     post.PublishedAt,
		SiteID:          site.ID,
		PostID:          post.ID,
	}

	var size int
	err = r.store.Update(ctx, recent.ListKey, func(current []byte) ([]byte, error) {
		list, decodeErr := recent.DecodeList(current)
		if decodeErr != nil {
			r.logger.Warn("Stored list is unreadable, starting a new one", "key", recent.ListKey, "error", decodeErr)
			list = recent.List{}
		}
		// A previous attempt may have listed the post but failed to set its marker.
		if list.Contains(site.ID, post.ID) {
			r.logger.Info("Post already listed, repairing marker", "site_id", site.ID, "post_id", post.ID)
			size = len(list)
			return current, nil
		}
		list = list.Prepend(rec)
		size = len(list)
		return json.Marshal(list)
	})
	if err != nil {
		return "", fmt.Errorf("update recent list: %w", err)
	}

	if err := r.store.Set(ctx, markerKey, []byte("true")); err != nil {
		return "", fmt.Errorf("set published marker: %w", err)
	}

	r.logger.Info("Post recorded",
		"site_id", site.ID,
		"post_id", post.ID,
		"title", rec.Title,
		"permalink", rec.Permalink,
		"list_size", size)
	return Recorded, nil
}

func (r *Recorder) publishedOnce(ctx context.Context, key string) (bool, error) {
	data, err := r.store.Get(ctx, key)
	if err != nil {
		if storage.IsNotFound(err) {
			return false, nil
		}
		return false, fmt.Errorf("load published marker: %w", err)
	}
	var published bool
	if err := json.Unmarshal(data, &published); err != nil {
		// Any non-boolean value still means the marker was written.
		r.logger.Warn("Unexpected published marker value", "key", key, "value", string(data))
		return true, nil
	}
	return published, nil
}

// isFirstPost reports whether post is the network's bootstrap post. The
// content is compared both raw and as extracted text so that editor markup
// around the default text does not defeat the match.
func (r *Recorder) isFirstPost(post recent.Post) bool {
	if post.ID != firstPostID || r.firstPost == "" {
		return false
	}
	if strings.Contains(post.Content, r.firstPost) {
		return true
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(post.Content))
	if err != nil {
		return false
	}
	text := strings.Join(strings.Fields(doc.Text()), " ")
	return strings.Contains(text, strings.Join(strings.Fields(r.firstPost), " "))
}

// canonicalPermalink swaps the site's raw base URL for its mapped domain.
func (r *Recorder) canonicalPermalink(ctx context.Context, permalink string, site recent.Site) string {
	base := strings.TrimRight(site.BaseURL(), "/")
	if base == "" || r.resolver == nil {
		return permalink
	}

	domain, ok, err := r.resolver.MappedDomain(ctx, site.ID)
	if err != nil {
		r.logger.Warn("Domain mapping lookup failed, keeping original permalink", "site_id", site.ID, "error", err)
		return permalink
	}
	if !ok {
		return permalink
	}

	rest, found := strings.CutPrefix(permalink, base)
	if !found || (rest != "" && !strings.HasPrefix(rest, "/") && !strings.HasPrefix(rest, "?")) {
		return permalink
	}
	return canonicalPrefix(domain) + rest
}

// canonicalPrefix turns a mapped domain into a URL prefix.
func canonicalPrefix(domain string) string {
	domain = strings.TrimRight(domain, "/")
	if strings.HasPrefix(domain, "http://") || strings.HasPrefix(domain, "https://") {
		return domain
	}
	return "http://" + domain
}
