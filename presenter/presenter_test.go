package presenter

import (
	"fmt"
	"html/template"
	"net/url"
	"strings"
	"testing"
	"time"

	"recentposts/pkg/recent"

	"github.com/PuerkitoBio/goquery"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func parse(t *testing.T, markup template.HTML) *goquery.Document {
	t.Helper()
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(string(markup)))
	require.NoError(t, err)
	return doc
}

func titles(doc *goquery.Document) []string {
	var out []string
	doc.Find("li h3.hrpn-title a").Each(func(_ int, s *goquery.Selection) {
		out = append(out, s.Text())
	})
	return out
}

func records(n int) recent.List {
	l := make(recent.List, 0, n)
	for i := n; i >= 1; i-- {
		l = append(l, recent.Record{
			Title:       fmt.Sprintf("post %d", i),
			Permalink:   fmt.Sprintf("http://a/%d", i),
			PublishedAt: time.Date(2024, 3, 5, 9, 0, 0, 0, time.UTC),
		})
	}
	return l
}

func TestRenderEmptyList(t *testing.T) {
	for _, list := range []recent.List{nil, {}} {
		out, err := Render(list, DefaultOptions())
		require.NoError(t, err)

		doc := parse(t, out)
		items := doc.Find("ul.hrpn-ul > li")
		assert.Equal(t, 1, items.Length())
		assert.Equal(t, "No posts to display.", strings.TrimSpace(items.Text()))
		assert.Equal(t, 0, doc.Find("a").Length())
	}
}

func TestRenderNoQualifyingEntries(t *testing.T) {
	list := recent.List{{Title: "no link"}, {Permalink: "http://a/1"}}
	out, err := Render(list, DefaultOptions())
	require.NoError(t, err)

	doc := parse(t, out)
	assert.Equal(t, 1, doc.Find("li").Length())
	assert.Contains(t, doc.Text(), "No posts to display.")
}

func TestRenderScenario(t *testing.T) {
	list := recent.List{
		{Title: "World", Permalink: "http://a/3"},
		{Title: "Hello", Permalink: "http://a/2"},
	}
	opts := DefaultOptions()
	opts.Limit = 1

	out, err := Render(list, opts)
	require.NoError(t, err)

	doc := parse(t, out)
	assert.Equal(t, []string{"World"}, titles(doc))
	href, _ := doc.Find("li a").First().Attr("href")
	assert.Equal(t, "http://a/3", href)
}

func TestRenderLimit(t *testing.T) {
	tests := []struct {
		name  string
		list  int
		limit int
		want  int
	}{
		{name: "default", list: 20, limit: 5, want: 5},
		{name: "unset limit uses default", list: 20, limit: 0, want: DefaultLimit},
		{name: "negative limit uses default", list: 20, limit: -3, want: DefaultLimit},
		{name: "limit above list", list: 3, limit: 10, want: 3},
		{name: "limit capped at max", list: recent.MaxRecords + 10, limit: 500, want: recent.MaxRecords},
		{name: "all", list: recent.MaxRecords, limit: recent.MaxRecords, want: recent.MaxRecords},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			opts := DefaultOptions()
			opts.Limit = tt.limit

			out, err := Render(records(tt.list), opts)
			require.NoError(t, err)

			got := titles(parse(t, out))
			require.Len(t, got, tt.want)
			for i, title := range got {
				assert.Equal(t, fmt.Sprintf("post %d", tt.list-i), title)
			}
		})
	}
}

func TestRenderSkipsIncompleteEntriesButKeepsCounting(t *testing.T) {
	list := recent.List{
		{Title: "first", Permalink: "http://a/1"},
		{Title: "missing permalink"},
		{Title: "", Permalink: "http://a/3"},
		{Title: "second", Permalink: "http://a/4"},
		{Title: "third", Permalink: "http://a/5"},
		{Title: "fourth", Permalink: "http://a/6"},
	}
	opts := DefaultOptions()
	opts.Limit = 3

	out, err := Render(list, opts)
	require.NoError(t, err)
	assert.Equal(t, []string{"first", "second", "third"}, titles(parse(t, out)))
}

func TestRenderDate(t *testing.T) {
	list := recent.List{
		{Title: "dated", Permalink: "http://a/1", PublishedAt: time.Date(2024, 3, 5, 23, 59, 0, 0, time.UTC)},
		{Title: "undated", Permalink: "http://a/2"},
	}
	out, err := Render(list, DefaultOptions())
	require.NoError(t, err)

	doc := parse(t, out)
	dates := doc.Find("span.hrpn-date")
	require.Equal(t, 1, dates.Length())
	assert.Equal(t, "(5.3.2024)", dates.Text())
}

func TestRenderNewTab(t *testing.T) {
	list := recent.List{{Title: "T", Permalink: "http://a/1", ThumbnailMarkup: `<img src="http://a/t.jpg">`}}

	opts := DefaultOptions()
	out, err := Render(list, opts)
	require.NoError(t, err)
	parse(t, out).Find("a").Each(func(_ int, s *goquery.Selection) {
		target, ok := s.Attr("target")
		assert.True(t, ok)
		assert.Equal(t, "_blank", target)
	})

	opts.OpenInNewTab = false
	out, err = Render(list, opts)
	require.NoError(t, err)
	assert.Equal(t, 0, parse(t, out).Find("a[target]").Length())
}

func TestRenderThumbnail(t *testing.T) {
	list := recent.List{{
		Title:           "T",
		Permalink:       "http://a/1",
		ThumbnailMarkup: `<img width="300" height="200" src="http://a/t.jpg" class="hrpn-alignleft hrpn-thumb" alt="" onerror="alert(1)"><script>alert(2)</script>`,
	}}

	out, err := Render(list, DefaultOptions())
	require.NoError(t, err)
	doc := parse(t, out)

	img := doc.Find("li > a > img")
	require.Equal(t, 1, img.Length())
	src, _ := img.Attr("src")
	assert.Equal(t, "http://a/t.jpg", src)
	class, _ := img.Attr("class")
	assert.Equal(t, "hrpn-alignleft hrpn-thumb", class)
	_, hasOnError := img.Attr("onerror")
	assert.False(t, hasOnError)
	assert.Equal(t, 0, doc.Find("script").Length())

	opts := DefaultOptions()
	opts.ShowThumbnail = false
	out, err = Render(list, opts)
	require.NoError(t, err)
	assert.Equal(t, 0, parse(t, out).Find("img").Length())
}

func TestRenderEscapesRecordFields(t *testing.T) {
	list := recent.List{
		{Title: `<b>Bold</b> & "quoted"`, Permalink: "http://a/1?x=1&y=2"},
		{Title: "evil", Permalink: "javascript:alert(1)"},
	}
	out, err := Render(list, DefaultOptions())
	require.NoError(t, err)

	assert.NotContains(t, string(out), "<b>Bold</b>")
	assert.NotContains(t, string(out), "javascript:")

	doc := parse(t, out)
	assert.Equal(t, `<b>Bold</b> & "quoted"`, doc.Find("li a").First().Text())
	href, _ := doc.Find("li a").First().Attr("href")
	assert.Equal(t, "http://a/1?x=1&y=2", href)
}

func TestRenderWidget(t *testing.T) {
	chrome := Chrome{
		BeforeWidget: `<section id="hrpn-2" class="widget">`,
		AfterWidget:  `</section>`,
		BeforeTitle:  `<h2 class="widget-title">`,
		AfterTitle:   `</h2>`,
	}
	opts := DefaultOptions()
	opts.Title = "Network <news>"

	out, shown, err := RenderWidget(chrome, records(2), opts)
	require.NoError(t, err)
	assert.Equal(t, 2, shown)

	s := string(out)
	assert.True(t, strings.HasPrefix(s, `<section id="hrpn-2" class="widget"><h2 class="widget-title">Network &lt;news&gt;</h2><div class="hrpn-block">`), s)
	assert.True(t, strings.HasSuffix(s, `</ul></div></section>`), s)
	assert.Len(t, titles(parse(t, out)), 2)
}

func TestRenderWidgetCountsShownRecords(t *testing.T) {
	list := records(8)
	list[1].Title = ""
	opts := DefaultOptions()
	opts.Limit = 3

	out, shown, err := RenderWidget(Chrome{}, list, opts)
	require.NoError(t, err)
	assert.Equal(t, 3, shown)
	assert.Len(t, titles(parse(t, out)), shown)

	_, shown, err = RenderWidget(Chrome{}, nil, opts)
	require.NoError(t, err)
	assert.Equal(t, 0, shown)
}

func TestParseOptions(t *testing.T) {
	tests := []struct {
		name  string
		query string
		want  Options
	}{
		{
			name:  "no values",
			query: "",
			want:  DefaultOptions(),
		},
		{
			name:  "all set",
			query: "title=Latest&limit=12&thumb=0&new_tab=false",
			want:  Options{Title: "Latest", Limit: 12, ShowThumbnail: false, OpenInNewTab: false},
		},
		{
			name:  "tags stripped from title",
			query: "title=" + url.QueryEscape("<em>Fresh</em> & new"),
			want:  Options{Title: "Fresh & new", Limit: DefaultLimit, ShowThumbnail: true, OpenInNewTab: true},
		},
		{
			name:  "checkbox on",
			query: "thumb=on&new_tab=1",
			want:  DefaultOptions(),
		},
		{
			name:  "unparseable limit",
			query: "limit=lots",
			want:  Options{Title: DefaultTitle, Limit: 0, ShowThumbnail: true, OpenInNewTab: true},
		},
		{
			name:  "empty checkbox value",
			query: "thumb=",
			want:  Options{Title: DefaultTitle, Limit: DefaultLimit, ShowThumbnail: false, OpenInNewTab: true},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v, err := url.ParseQuery(tt.query)
			require.NoError(t, err)
			assert.Equal(t, tt.want, ParseOptions(v))
		})
	}
}

func TestItems(t *testing.T) {
	list := recent.List{{Title: "a", Permalink: "http://a/1"}, {Title: "b"}, {Title: "c", Permalink: "http://a/3"}}
	got := Items(list, Options{Limit: 5})
	require.Len(t, got, 2)
	assert.Equal(t, "a", got[0].Title)
	assert.Equal(t, "c", got[1].Title)
}
