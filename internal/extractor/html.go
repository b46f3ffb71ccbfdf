package extractor

import (
	"context"
	"fmt"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"go.uber.org/zap"
)

const userAgent = "scraper-api/1.0"

// excerptLimit caps the text excerpt stored per item.
const excerptLimit = 500

var hashtagPattern = regexp.MustCompile(`#([\p{L}\p{N}_]+)`)

// HTML extracts post-like items from public web pages with goquery.
type HTML struct {
	client *http.Client
	delay  time.Duration
	log    *zap.Logger
}

// NewHTML creates the extractor. delay is the pause between targets,
// used to stay polite towards the scraped hosts.
func NewHTML(timeout, delay time.Duration, log *zap.Logger) *HTML {
	return &HTML{
		client: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		delay: delay,
		log:   log.Named("extractor"),
	}
}

// ExtractBatch fetches every target in order, reporting progress after
// each one. Cancellation is honored between targets, never mid-fetch
// beyond the request context.
func (h *HTML) ExtractBatch(ctx context.Context, targets []string, opts Options, onProgress func(completed, total int)) ([]Result, error) {
	total := len(targets)
	results := make([]Result, 0, total)

	for i, target := range targets {
		if err := ctx.Err(); err != nil {
			return results, err
		}

		item, err := h.extractOne(ctx, target, opts)
		if err != nil {
			h.log.Warn("target failed",
				zap.String("target", target),
				zap.Error(err))
			results = append(results, Result{Target: target, Err: err})
		} else {
			results = append(results, Result{Target: target, Item: item})
		}

		if onProgress != nil {
			onProgress(i+1, total)
		}

		if h.delay > 0 && i < total-1 {
			select {
			case <-time.After(h.delay):
			case <-ctx.Done():
				return results, ctx.Err()
			}
		}
	}

	return results, nil
}

func (h *HTML) extractOne(ctx context.Context, target string, opts Options) (map[string]any, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)

	resp, err := h.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch target: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("HTTP %d: %s", resp.StatusCode, resp.Status)
	}

	doc, err := goquery.NewDocumentFromReader(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("parse html: %w", err)
	}

	return h.parseDocument(doc, target, opts), nil
}

func (h *HTML) parseDocument(doc *goquery.Document, target string, opts Options) map[string]any {
	title := strings.TrimSpace(doc.Find("title").First().Text())
	if og := metaContent(doc, "og:title"); og != "" {
		title = og
	}

	excerpt := normalizeSpace(doc.Find("body").Text())
	if len(excerpt) > excerptLimit {
		excerpt = excerpt[:excerptLimit]
	}

	item := map[string]any{
		"type":        string(opts.ScrapeType),
		"url":         target,
		"title":       title,
		"description": metaContent(doc, "og:description", "description"),
		"author":      metaContent(doc, "author", "og:site_name"),
		"hashtags":    hashtags(excerpt),
		"excerpt":     excerpt,
		"scraped_at":  time.Now().UTC().Format(time.RFC3339),
	}

	if canonical, ok := doc.Find(`link[rel="canonical"]`).Attr("href"); ok {
		item["canonical_url"] = canonical
	}

	if opts.IncludeMedia {
		item["media"] = h.mediaURLs(doc)
	}
	if opts.IncludeComments {
		// Public pages rarely expose comments in markup; record the
		// request so downstream consumers see what was asked for.
		item["comments"] = []any{}
	}

	return item
}

// mediaURLs collects image references: the og:image first, then inline
// <img> sources.
func (h *HTML) mediaURLs(doc *goquery.Document) []any {
	media := []any{}
	seen := map[string]struct{}{}

	add := func(kind, url string) {
		if url == "" {
			return
		}
		if _, ok := seen[url]; ok {
			return
		}
		seen[url] = struct{}{}
		media = append(media, map[string]any{"type": kind, "url": url})
	}

	add("image", metaContent(doc, "og:image"))
	doc.Find("img[src]").Each(func(_ int, sel *goquery.Selection) {
		src, _ := sel.Attr("src")
		add("image", src)
	})

	return media
}

// metaContent returns the first non-empty content attribute among the
// given meta names/properties.
func metaContent(doc *goquery.Document, names ...string) string {
	for _, name := range names {
		sel := doc.Find(fmt.Sprintf(`meta[property="%s"], meta[name="%s"]`, name, name))
		if content, ok := sel.First().Attr("content"); ok {
			if content = strings.TrimSpace(content); content != "" {
				return content
			}
		}
	}
	return ""
}

func hashtags(text string) []any {
	tags := []any{}
	seen := map[string]struct{}{}
	for _, match := range hashtagPattern.FindAllStringSubmatch(text, -1) {
		tag := match[1]
		if _, ok := seen[tag]; ok {
			continue
		}
		seen[tag] = struct{}{}
		tags = append(tags, tag)
	}
	return tags
}

func normalizeSpace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
