package action

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	htmldom "golang.org/x/net/html"
)

// KindHTMLExtract extracts text, links or elements from HTML.
const KindHTMLExtract = "html_extract"

// HTML operations.
const (
	OpText   = "text"
	OpLinks  = "links"
	OpSelect = "select"
)

// Fetcher downloads a page.
type Fetcher interface {
	Fetch(ctx context.Context, url string) (string, error)
}

// HTMLCapability parses HTML given inline ("html") or fetched ("url").
type HTMLCapability struct {
	fetcher Fetcher
}

// NewHTMLCapability returns the capability. fetcher may be nil, in which
// case only inline HTML is accepted.
func NewHTMLCapability(fetcher Fetcher) *HTMLCapability {
	return &HTMLCapability{fetcher: fetcher}
}

func (c *HTMLCapability) Kind() string { return KindHTMLExtract }

func (c *HTMLCapability) CanHandle(req Request) bool {
	if req.Kind != KindHTMLExtract {
		return false
	}
	switch op(req) {
	case OpText, OpLinks, OpSelect:
		return true
	}
	return false
}

func op(req Request) string {
	if req.Operation == "" {
		return OpText
	}
	return req.Operation
}

func (c *HTMLCapability) ValidateRequest(req Request) error {
	if req.Param("html") == "" && req.Param("url") == "" {
		return fmt.Errorf("%w: html or url is required", ErrInvalidRequest)
	}
	if req.Param("html") == "" && c.fetcher == nil {
		return fmt.Errorf("%w: fetching is not configured", ErrInvalidRequest)
	}
	if op(req) == OpSelect && req.Param("selector") == "" {
		return fmt.Errorf("%w: selector is required", ErrInvalidRequest)
	}
	return nil
}

func (c *HTMLCapability) Execute(ctx context.Context, req Request) Result {
	start := time.Now()
	res := c.execute(ctx, req)
	res.Duration = time.Since(start)
	return res
}

func (c *HTMLCapability) execute(ctx context.Context, req Request) Result {
	page := req.Param("html")
	base := req.Param("base_url")
	if page == "" {
		var err error
		if page, err = c.fetcher.Fetch(ctx, req.Param("url")); err != nil {
			return Failed(err)
		}
		if base == "" {
			base = req.Param("url")
		}
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(page))
	if err != nil {
		return Failed(fmt.Errorf("parse html: %w", err))
	}

	switch op(req) {
	case OpLinks:
		type link struct {
			Text string `json:"text"`
			URL  string `json:"url"`
		}
		var links []link
		doc.Find("a[href]").Each(func(_ int, s *goquery.Selection) {
			href, _ := s.Attr("href")
			links = append(links, link{Text: strings.TrimSpace(s.Text()), URL: absolute(base, href)})
		})
		b, _ := json.Marshal(links)
		return Result{Success: true, Output: string(b), Data: map[string]any{"count": len(links)}}
	case OpSelect:
		var items []string
		doc.Find(req.Param("selector")).Each(func(_ int, s *goquery.Selection) {
			items = append(items, outerHTML(s))
		})
		b, _ := json.Marshal(items)
		return Result{Success: true, Output: string(b), Data: map[string]any{"count": len(items)}}
	default:
		doc.Find("script, style, noscript").Remove()
		text := strings.Join(strings.Fields(doc.Text()), " ")
		return Result{Success: true, Output: text}
	}
}

func absolute(base, href string) string {
	u, err := url.Parse(href)
	if err != nil || href == "" {
		return href
	}
	if u.IsAbs() || base == "" {
		return u.String()
	}
	bu, err := url.Parse(base)
	if err != nil {
		return href
	}
	return bu.ResolveReference(u).String()
}

func outerHTML(sel *goquery.Selection) string {
	var buf bytes.Buffer
	for _, n := range sel.Nodes {
		_ = htmldom.Render(&buf, n)
	}
	return buf.String()
}
