package domain

import (
	"encoding/json"
	"fmt"
	"strconv"
)

// ScrapeResultItem is one row of a scrape dataset. Which optional fields a
// row carries depends on the platform that produced it, so every metric is
// optional and is resolved through a per-platform precedence list.
type ScrapeResultItem struct {
	Platform  Platform `json:"platform"`
	URL       string   `json:"url,omitempty"`
	ShortCode string   `json:"short_code,omitempty"`
	Views     *int64   `json:"views,omitempty"`
	Likes     *int64   `json:"likes,omitempty"`
	Shares    *int64   `json:"shares,omitempty"`
	Comments  *int64   `json:"comments,omitempty"`
}

// fieldPrecedence lists, per platform and per logical field, the dataset keys
// consulted in order. The first key present with a usable value wins.
var fieldPrecedence = map[Platform]map[string][]string{
	PlatformTikTok: {
		"url":      {"webVideoUrl", "url"},
		"views":    {"playCount", "viewCount"},
		"likes":    {"diggCount", "likeCount"},
		"shares":   {"shareCount"},
		"comments": {"commentCount"},
	},
	PlatformInstagram: {
		"url":       {"url", "inputUrl"},
		"shortcode": {"shortCode", "shortcode"},
		"views":     {"videoPlayCount", "videoViewCount", "playCount"},
		"likes":     {"likesCount", "likeCount"},
		"comments":  {"commentsCount", "commentCount"},
	},
}

// DecodeScrapeResultItem resolves a raw dataset row for platform p.
func DecodeScrapeResultItem(p Platform, raw json.RawMessage) (ScrapeResultItem, error) {
	fields, ok := fieldPrecedence[p]
	if !ok {
		return ScrapeResultItem{}, fmt.Errorf("unknown platform %q", p)
	}
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(raw, &obj); err != nil {
		return ScrapeResultItem{}, fmt.Errorf("decode scrape item: %w", err)
	}
	item := ScrapeResultItem{Platform: p}
	item.URL = firstString(obj, fields["url"])
	item.ShortCode = firstString(obj, fields["shortcode"])
	if item.URL == "" && item.ShortCode != "" {
		item.URL = "https://www.instagram.com/p/" + item.ShortCode + "/"
	}
	item.Views = firstInt(obj, fields["views"])
	item.Likes = firstInt(obj, fields["likes"])
	item.Shares = firstInt(obj, fields["shares"])
	item.Comments = firstInt(obj, fields["comments"])
	return item, nil
}

// Metrics flattens the item into stored totals; absent fields become zero.
func (i ScrapeResultItem) Metrics() Metrics {
	return Metrics{
		Views:    deref(i.Views),
		Likes:    deref(i.Likes),
		Shares:   deref(i.Shares),
		Comments: deref(i.Comments),
	}
}

func firstString(obj map[string]json.RawMessage, keys []string) string {
	for _, k := range keys {
		raw, ok := obj[k]
		if !ok {
			continue
		}
		var s string
		if err := json.Unmarshal(raw, &s); err == nil && s != "" {
			return s
		}
	}
	return ""
}

func firstInt(obj map[string]json.RawMessage, keys []string) *int64 {
	for _, k := range keys {
		raw, ok := obj[k]
		if !ok {
			continue
		}
		var n json.Number
		if err := json.Unmarshal(raw, &n); err != nil {
			// some scrapers report counts as strings
			var s string
			if err := json.Unmarshal(raw, &s); err != nil {
				continue
			}
			n = json.Number(s)
		}
		if v, err := n.Int64(); err == nil {
			return &v
		}
		if f, err := strconv.ParseFloat(string(n), 64); err == nil {
			v := int64(f)
			return &v
		}
	}
	return nil
}

func deref(p *int64) int64 {
	if p == nil {
		return 0
	}
	return *p
}
