package upstream

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"

	"github.com/junho-song/marketdeck/internal/market"
)

// maxNewsEvents caps the scraped headline list
const maxNewsEvents = 30

// GetNewsEvents reads recent market news. With a configured news page
// it scrapes the HTML headline list; otherwise it falls back to the
// backend's JSON feed.
func (c *Client) GetNewsEvents(ctx context.Context) ([]market.NewsEvent, error) {
	if c.newsURL != "" {
		return c.scrapeNews(ctx)
	}
	return c.fetchNewsJSON(ctx)
}

// fetchNewsJSON reads the backend's structured news feed
func (c *Client) fetchNewsJSON(ctx context.Context) ([]market.NewsEvent, error) {
	var payload struct {
		Events []market.NewsEvent `json:"events"`
	}
	endpoint := fmt.Sprintf("%s/api/v1/news/events", c.baseURL)
	if err := c.httpClient.GetJSON(ctx, endpoint, &payload); err != nil {
		return nil, fmt.Errorf("get news events: %w", err)
	}
	return payload.Events, nil
}

// scrapeNews pulls headlines off the configured finance news page
func (c *Client) scrapeNews(ctx context.Context) ([]market.NewsEvent, error) {
	resp, err := c.httpClient.Get(ctx, c.newsURL)
	if err != nil {
		return nil, fmt.Errorf("fetch news page: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch news page: unexpected status %d", resp.StatusCode)
	}

	doc, err := goquery.NewDocumentFromReader(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("parse news page: %w", err)
	}

	var events []market.NewsEvent
	doc.Find("ul.news-list li").EachWithBreak(func(i int, item *goquery.Selection) bool {
		if len(events) >= maxNewsEvents {
			return false
		}

		link := item.Find("a").First()
		title := strings.TrimSpace(link.Text())
		if title == "" {
			return true
		}

		href, _ := link.Attr("href")
		source := strings.TrimSpace(item.Find(".press, .source").First().Text())

		event := market.NewsEvent{
			Title:  title,
			Source: source,
			URL:    absoluteURL(c.newsURL, href),
		}
		if ts := strings.TrimSpace(item.Find("time").First().AttrOr("datetime", "")); ts != "" {
			if parsed, err := time.Parse(time.RFC3339, ts); err == nil {
				event.PublishedAt = parsed
			}
		}

		events = append(events, event)
		return true
	})

	c.logger.WithField("count", len(events)).Debug("Scraped news events")
	return events, nil
}

// absoluteURL resolves a scraped href against the news page URL
func absoluteURL(base, href string) string {
	if href == "" || strings.HasPrefix(href, "http://") || strings.HasPrefix(href, "https://") {
		return href
	}
	base = strings.TrimSuffix(base, "/")
	if !strings.HasPrefix(href, "/") {
		href = "/" + href
	}
	// Keep only the scheme and host of the base
	if idx := strings.Index(base, "://"); idx >= 0 {
		if slash := strings.Index(base[idx+3:], "/"); slash >= 0 {
			base = base[:idx+3+slash]
		}
	}
	return base + href
}

// decodeJSON decodes a response body, draining it for connection reuse
func decodeJSON(resp *http.Response, dest interface{}) error {
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response body: %w", err)
	}
	if err := json.Unmarshal(body, dest); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
