// Package opml reads and writes OPML subscription lists. Each outline may carry a
// refreshMode attribute so custom-managed feeds survive an export and re-import.
package opml

import (
	"cmp"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"strings"

	"dailyspread/internal/spread"
)

const (
	rootName = "opml"
	version  = "2.0"
)

// Subscription is one feed in an OPML document.
type Subscription struct {
	Title       string
	URL         string
	RefreshMode spread.RefreshMode
}

type document struct {
	XMLName xml.Name `xml:"opml"`
	Version string   `xml:"version,attr,omitempty"`
	Head    struct {
		Title string `xml:"title,omitempty"`
	} `xml:"head"`
	Body struct {
		Outlines []outline `xml:"outline"`
	} `xml:"body"`
}

type outline struct {
	Text        string    `xml:"text,attr,omitempty"`
	Title       string    `xml:"title,attr,omitempty"`
	Type        string    `xml:"type,attr,omitempty"`
	XMLURL      string    `xml:"xmlUrl,attr,omitempty"`
	XMLURLLower string    `xml:"xmlurl,attr,omitempty"`
	URL         string    `xml:"url,attr,omitempty"`
	RefreshMode string    `xml:"refreshMode,attr,omitempty"`
	Children    []outline `xml:"outline,omitempty"`
}

var ErrInvalidRoot = errors.New("invalid OPML: expected root <opml>")

// Parse walks every outline, nested folders included, and returns the ones with a feed URL.
// A missing or unknown refreshMode yields the default mode.
func Parse(r io.Reader) ([]Subscription, error) {
	var doc document
	if err := xml.NewDecoder(r).Decode(&doc); err != nil {
		return nil, fmt.Errorf("invalid OPML: %w", err)
	}
	if !strings.EqualFold(doc.XMLName.Local, rootName) {
		return nil, ErrInvalidRoot
	}

	var subs []Subscription
	walk(doc.Body.Outlines, func(o *outline) {
		feedURL := firstNonEmpty(o.XMLURL, o.XMLURLLower, o.URL)
		if feedURL == "" {
			return
		}
		subs = append(subs, Subscription{
			Title:       cmp.Or(firstNonEmpty(o.Title, o.Text), feedURL),
			URL:         feedURL,
			RefreshMode: spread.ParseRefreshMode(o.RefreshMode),
		})
	})

	return subs, nil
}

func walk(outlines []outline, fn func(*outline)) {
	for i := range outlines {
		fn(&outlines[i])
		walk(outlines[i].Children, fn)
	}
}

// Write encodes subs as an indented OPML 2.0 document. Entries without a URL are skipped;
// the refreshMode attribute is only written for custom feeds.
func Write(w io.Writer, title string, subs []Subscription) error {
	var doc document
	doc.Version = version
	doc.Head.Title = strings.TrimSpace(title)

	for _, sub := range subs {
		feedURL := strings.TrimSpace(sub.URL)
		if feedURL == "" {
			continue
		}
		name := cmp.Or(strings.TrimSpace(sub.Title), feedURL)

		o := outline{Text: name, Title: name, Type: "rss", XMLURL: feedURL}
		if sub.RefreshMode == spread.RefreshCustom {
			o.RefreshMode = string(spread.RefreshCustom)
		}
		doc.Body.Outlines = append(doc.Body.Outlines, o)
	}

	if _, err := io.WriteString(w, xml.Header); err != nil {
		return fmt.Errorf("write XML header: %w", err)
	}

	enc := xml.NewEncoder(w)
	enc.Indent("", "  ")
	if err := enc.Encode(doc); err != nil {
		return fmt.Errorf("encode OPML: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("flush OPML encoder: %w", err)
	}

	return nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if trimmed := strings.TrimSpace(v); trimmed != "" {
			return trimmed
		}
	}
	return ""
}
