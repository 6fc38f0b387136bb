// Package recent contains the core domain types for the network recent posts feed.
package recent

import (
	"encoding/json"
	"fmt"
	"time"
)

const (
	// MaxRecords is the maximum number of records kept in the shared list.
	MaxRecords = 50

	// AutoDraftTitle is the placeholder title the host gives posts without content.
	AutoDraftTitle = "Auto Draft"

	// ListKey is the storage key holding the shared list.
	ListKey = "network_latest_posts"

	markerPrefix = "published_once/"
)

// Post is a published post as reported by the host.
type Post struct {
	PublishedAt     time.Time `json:"published_at"`
	Title           string    `json:"title"`
	Content         string    `json:"content"`
	Permalink       string    `json:"permalink"`
	ThumbnailMarkup string    `json:"thumbnail_markup,omitempty"` // Pre-rendered by the host
	ID              int64     `json:"id" validate:"gt=0"`
}

// Site identifies the network site a post belongs to.
type Site struct {
	HomeURL string `json:"home_url"`
	SiteURL string `json:"site_url"`
	ID      int64  `json:"id" validate:"gt=0"`
}

// BaseURL returns the raw base URL of the site: its home URL, or its site URL if no home URL is set.
func (s Site) BaseURL() string {
	if s.HomeURL != "" {
		return s.HomeURL
	}
	return s.SiteURL
}

// Record is one entry in the shared list.
type Record struct {
	PublishedAt     time.Time `json:"published_at"`
	Title           string    `json:"title"`
	Permalink       string    `json:"permalink"`
	ThumbnailMarkup string    `json:"thumbnail_markup,omitempty"`

	// Source post, used to keep a post from being listed twice.
	SiteID int64 `json:"site_id,omitempty"`
	PostID int64 `json:"post_id,omitempty"`
}

// Displayable reports whether the record has both a title and a permalink.
func (r Record) Displayable() bool {
	return r.Title != "" && r.Permalink != ""
}

// Contains reports whether the list already holds the given post.
// Records without a source post never match.
func (l List) Contains(siteID, postID int64) bool {
	if siteID == 0 || postID == 0 {
		return false
	}
	for _, r := range l {
		if r.SiteID == siteID && r.PostID == postID {
			return true
		}
	}
	return false
}

// List is the shared list of records, newest first.
type List []Record

// Prepend returns a new list with r at the head, truncated to MaxRecords.
// The receiver is not modified.
func (l List) Prepend(r Record) List {
	n := min(len(l)+1, MaxRecords)
	out := make(List, 0, n)
	out = append(out, r)
	out = append(out, l[:n-1]...)
	return out
}

// DecodeList decodes a stored list. Empty input yields an empty list.
func DecodeList(data []byte) (List, error) {
	if len(data) == 0 {
		return List{}, nil
	}
	var l List
	if err := json.Unmarshal(data, &l); err != nil {
		return nil, fmt.Errorf("unmarshal list: %w", err)
	}
	if l == nil {
		l = List{}
	}
	return l, nil
}

// MarkerKey returns the storage key of the published-once marker for a post.
// Post IDs are only unique within a site, so the site ID is part of the key.
func MarkerKey(siteID, postID int64) string {
	return fmt.Sprintf("%s%d-%d", markerPrefix, siteID, postID)
}
