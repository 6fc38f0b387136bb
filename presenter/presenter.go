// Package presenter renders the shared recent list as widget markup.
package presenter

import (
	"bytes"
	"embed"
	"fmt"
	"html"
	"html/template"
	"net/url"
	"strconv"
	"strings"

	"recentposts/pkg/recent"

	"github.com/microcosm-cc/bluemonday"
	"github.com/samber/lo"
)

//go:embed tmpl/*.tmpl
var templateFS embed.FS

var templates = template.Must(template.ParseFS(templateFS, "tmpl/*.tmpl"))

const (
	// DefaultTitle is the widget title when none is configured.
	DefaultTitle = "Recent Posts from the Network"

	// DefaultLimit is the number of posts shown when no limit is configured.
	DefaultLimit = 5

	// dateLayout renders day.month.year without zero padding.
	dateLayout = "2.1.2006"
)

var (
	// thumbnailPolicy allows the image markup the host generates for post thumbnails.
	thumbnailPolicy = newThumbnailPolicy()

	stripTags = bluemonday.StrictPolicy()
)

func newThumbnailPolicy() *bluemonday.Policy {
	p := bluemonday.NewPolicy()
	p.AllowStandardURLs()
	p.AllowImages()
	p.AllowAttrs("class", "srcset", "sizes", "loading", "decoding").OnElements("img")
	return p
}

// Options are the per-widget settings.
type Options struct {
	Title         string
	Limit         int
	ShowThumbnail bool
	OpenInNewTab  bool
}

// DefaultOptions returns the settings of a freshly added widget.
func DefaultOptions() Options {
	return Options{
		Title:         DefaultTitle,
		Limit:         DefaultLimit,
		ShowThumbnail: true,
		OpenInNewTab:  true,
	}
}

// effectiveLimit treats an unset limit as the default and caps it at the list size.
func (o Options) effectiveLimit() int {
	if o.Limit <= 0 {
		return DefaultLimit
	}
	return min(o.Limit, recent.MaxRecords)
}

// ParseOptions reads widget settings from form or query values. Missing
// fields keep their defaults; the title is reduced to plain text.
func ParseOptions(v url.Values) Options {
	opts := DefaultOptions()
	if v.Has("title") {
		opts.Title = strings.TrimSpace(html.UnescapeString(stripTags.Sanitize(v.Get("title"))))
	}
	if v.Has("limit") {
		// Unparseable limits count as unset, like an empty setting.
		n, err := strconv.Atoi(strings.TrimSpace(v.Get("limit")))
		if err != nil {
			n = 0
		}
		opts.Limit = n
	}
	if v.Has("thumb") {
		opts.ShowThumbnail = parseBool(v.Get("thumb"))
	}
	if v.Has("new_tab") {
		opts.OpenInNewTab = parseBool(v.Get("new_tab"))
	}
	return opts
}

func parseBool(s string) bool {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "on", "yes":
		return true
	}
	b, err := strconv.ParseBool(s)
	return err == nil && b
}

// Chrome is the container markup the host wraps around a widget. It is
// emitted verbatim.
type Chrome struct {
	BeforeWidget string
	AfterWidget  string
	BeforeTitle  string
	AfterTitle   string
}

type item struct {
	Title     string
	Permalink string
	Date      string
	Thumbnail template.HTML
}

type listView struct {
	Items  []item
	NewTab bool
}

// Items returns the records that would be shown, in list order: the first
// opts.Limit records that have both a title and a permalink.
func Items(list recent.List, opts Options) []recent.Record {
	shown := lo.Filter(list, func(r recent.Record, _ int) bool {
		return r.Displayable()
	})
	if limit := opts.effectiveLimit(); len(shown) > limit {
		shown = shown[:limit]
	}
	return shown
}

// Render renders list as an unordered list. An empty result renders a single
// placeholder item.
func Render(list recent.List, opts Options) (template.HTML, error) {
	return renderItems(Items(list, opts), opts)
}

func renderItems(records []recent.Record, opts Options) (template.HTML, error) {
	view := listView{
		Items:  make([]item, 0, len(records)),
		NewTab: opts.OpenInNewTab,
	}
	for _, r := range records {
		it := item{
			Title:     r.Title,
			Permalink: r.Permalink,
		}
		if !r.PublishedAt.IsZero() {
			it.Date = r.PublishedAt.Format(dateLayout)
		}
		if opts.ShowThumbnail && r.ThumbnailMarkup != "" {
			it.Thumbnail = template.HTML(thumbnailPolicy.Sanitize(r.ThumbnailMarkup))
		}
		view.Items = append(view.Items, it)
	}

	var buf bytes.Buffer
	if err := templates.ExecuteTemplate(&buf, "list", view); err != nil {
		return "", fmt.Errorf("render list: %w", err)
	}
	return template.HTML(buf.String()), nil
}

// RenderWidget renders the list with its title inside the host's chrome and
// reports how many records were shown.
func RenderWidget(chrome Chrome, list recent.List, opts Options) (template.HTML, int, error) {
	records := Items(list, opts)
	body, err := renderItems(records, opts)
	if err != nil {
		return "", 0, err
	}

	data := struct {
		Chrome struct {
			BeforeWidget, AfterWidget, BeforeTitle, AfterTitle template.HTML
		}
		Title string
		List  template.HTML
	}{
		Title: opts.Title,
		List:  body,
	}
	data.Chrome.BeforeWidget = template.HTML(chrome.BeforeWidget)
	data.Chrome.AfterWidget = template.HTML(chrome.AfterWidget)
	data.Chrome.BeforeTitle = template.HTML(chrome.BeforeTitle)
	data.Chrome.AfterTitle = template.HTML(chrome.AfterTitle)

	var buf bytes.Buffer
	if err := templates.ExecuteTemplate(&buf, "widget", data); err != nil {
		return "", 0, fmt.Errorf("render widget: %w", err)
	}
	return template.HTML(buf.String()), len(records), nil
}
