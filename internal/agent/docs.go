package agent

import (
	"bytes"
	"embed"
	"html/template"
	"net/http"
	"path"
	"sort"
	"strings"

	highlighting "github.com/yuin/goldmark-highlighting/v2"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
	"github.com/yuin/goldmark/renderer/html"
)

//go:embed all:docs
var docsFS embed.FS

// DocPage holds a single rendered documentation page.
type DocPage struct {
	Slug  string
	Title string
	Order int
	HTML  template.HTML
}

// DocSite holds all documentation pages, rendered at startup.
type DocSite struct {
	Pages  []DocPage
	BySlug map[string]*DocPage
}

// newDocSite reads all .md files from the embedded docs directory, renders
// them with goldmark, and returns a DocSite with pages sorted by filename
// prefix. All rendering happens once at startup.
func newDocSite() *DocSite {
	md := goldmark.New(
		goldmark.WithExtensions(
			extension.Table,
			highlighting.NewHighlighting(highlighting.WithStyle("monokai")),
		),
		goldmark.WithRendererOptions(html.WithUnsafe()),
	)

	entries, err := docsFS.ReadDir("docs")
	if err != nil {
		return &DocSite{BySlug: map[string]*DocPage{}}
	}

	site := &DocSite{BySlug: map[string]*DocPage{}}

	for i, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".md") {
			continue
		}

		data, err := docsFS.ReadFile(path.Join("docs", e.Name()))
		if err != nil {
			continue
		}

		// Slug: strip numeric prefix and extension.
		// "01-overview.md" -> "overview"
		name := strings.TrimSuffix(e.Name(), ".md")
		parts := strings.SplitN(name, "-", 2)
		slug := name
		if len(parts) == 2 {
			slug = parts[1]
		}

		// Title: first "# Heading" line.
		title := slug
		for _, line := range strings.Split(string(data), "\n") {
			line = strings.TrimSpace(line)
			if strings.HasPrefix(line, "# ") {
				title = strings.TrimPrefix(line, "# ")
				break
			}
		}

		var buf bytes.Buffer
		if err := md.Convert(data, &buf); err != nil {
			continue
		}

		page := DocPage{
			Slug:  slug,
			Title: title,
			Order: i,
			HTML:  template.HTML(buf.String()),
		}
		site.Pages = append(site.Pages, page)
	}

	sort.Slice(site.Pages, func(i, j int) bool {
		return site.Pages[i].Order < site.Pages[j].Order
	})

	for idx := range site.Pages {
		site.BySlug[site.Pages[idx].Slug] = &site.Pages[idx]
	}

	return site
}

type docsVM struct {
	Title   string
	Pages   []DocPage
	Current *DocPage
	Prev    *DocPage
	Next    *DocPage
}

var docsTmpl = template.Must(template.New("docs").Parse(`<!doctype html>
<html lang="en">
<head>
<meta charset="utf-8">
<meta name="viewport" content="width=device-width, initial-scale=1">
<title>{{.Title}} — Sentinal Call Engine</title>
<style>
:root { color-scheme: dark; }
body { margin: 0; display: flex; min-height: 100vh; background: #1d1f21; color: #d8d8d8;
       font: 15px/1.6 -apple-system, "Segoe UI", Roboto, sans-serif; }
nav { width: 220px; flex-shrink: 0; padding: 24px 16px; border-right: 1px solid #333;
      background: #191b1d; }
nav h1 { font-size: 14px; text-transform: uppercase; letter-spacing: .08em; color: #888; }
nav a { display: block; padding: 5px 8px; border-radius: 4px; color: #b6c2cc; text-decoration: none; }
nav a:hover { background: #26292c; }
nav a.active { background: #2d3136; color: #fff; }
main { flex: 1; max-width: 860px; padding: 32px 48px; }
main h1, main h2, main h3 { color: #f0f0f0; }
main h2 { border-bottom: 1px solid #333; padding-bottom: 6px; margin-top: 2em; }
main a { color: #6ab0f3; }
main code { background: #26292c; padding: 1px 5px; border-radius: 3px; font-size: 13px; }
main pre { padding: 14px 16px; border-radius: 6px; overflow-x: auto; }
main pre code { background: none; padding: 0; }
main table { border-collapse: collapse; width: 100%; }
main th, main td { border: 1px solid #3a3d40; padding: 6px 10px; text-align: left; }
main th { background: #26292c; }
.pager { display: flex; justify-content: space-between; margin-top: 48px;
         padding-top: 16px; border-top: 1px solid #333; }
</style>
</head>
<body>
<nav>
<h1>Sentinal</h1>
{{range .Pages}}<a href="/docs/{{.Slug}}"{{if eq .Slug $.Current.Slug}} class="active"{{end}}>{{.Title}}</a>
{{end}}</nav>
<main>
{{.Current.HTML}}
<div class="pager">
<span>{{if .Prev}}<a href="/docs/{{.Prev.Slug}}">&larr; {{.Prev.Title}}</a>{{end}}</span>
<span>{{if .Next}}<a href="/docs/{{.Next.Slug}}">{{.Next.Title}} &rarr;</a>{{end}}</span>
</div>
</main>
</body>
</html>
`))

func (s *DocSite) redirectFirst(w http.ResponseWriter, r *http.Request) {
	if len(s.Pages) == 0 {
		http.NotFound(w, r)
		return
	}
	http.Redirect(w, r, "/docs/"+s.Pages[0].Slug, http.StatusFound)
}

func (s *DocSite) servePage(w http.ResponseWriter, r *http.Request) {
	slug := strings.TrimPrefix(r.URL.Path, "/docs/")
	if slug == "" {
		s.redirectFirst(w, r)
		return
	}

	page, ok := s.BySlug[slug]
	if !ok {
		http.NotFound(w, r)
		return
	}

	var prev, next *DocPage
	for i := range s.Pages {
		if s.Pages[i].Slug == slug {
			if i > 0 {
				prev = &s.Pages[i-1]
			}
			if i < len(s.Pages)-1 {
				next = &s.Pages[i+1]
			}
			break
		}
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_ = docsTmpl.Execute(w, docsVM{
		Title:   page.Title,
		Pages:   s.Pages,
		Current: page,
		Prev:    prev,
		Next:    next,
	})
}
