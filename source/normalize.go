package source

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"freedrop/pkg/giveaway"
)

// rawListing mirrors the API's field names; it never leaves this package.
type rawListing struct {
	ID            json.RawMessage `json:"id"`
	Worth         *string         `json:"worth"`
	Users         json.RawMessage `json:"users"`
	Title         string          `json:"title"`
	Platforms     string          `json:"platforms"`
	Type          string          `json:"type"`
	Thumbnail     string          `json:"thumbnail"`
	Image         string          `json:"image"`
	Description   string          `json:"description"`
	Instructions  string          `json:"instructions"`
	OpenURL       string          `json:"open_giveaway_url"`
	GamerPowerURL string          `json:"gamerpower_url"`
	PublishedDate string          `json:"published_date"`
	EndDate       string          `json:"end_date"`
	Status        string          `json:"status"`
}

var (
	errMissingID    = errors.New("missing id")
	errMissingTitle = errors.New("missing title")
)

func normalize(raw json.RawMessage) (giveaway.Listing, error) {
	var r rawListing
	if err := json.Unmarshal(raw, &r); err != nil {
		return giveaway.Listing{}, fmt.Errorf("decode listing: %w", err)
	}

	id, err := parseID(r.ID)
	if err != nil {
		return giveaway.Listing{}, err
	}

	title := strings.TrimSpace(r.Title)
	if title == "" {
		return giveaway.Listing{}, errMissingTitle
	}

	typ, ok := giveaway.ParseType(strings.TrimSpace(r.Type))
	if !ok {
		return giveaway.Listing{}, fmt.Errorf("unknown type %q", r.Type)
	}

	var users int
	var n json.Number
	if json.Unmarshal(r.Users, &n) == nil {
		if v, err := n.Int64(); err == nil {
			users = int(v)
		}
	}

	link := r.OpenURL
	if link == "" {
		link = r.GamerPowerURL
	}

	return giveaway.Listing{
		ID:            id,
		Title:         title,
		Worth:         r.Worth,
		Platforms:     strings.TrimSpace(r.Platforms),
		Type:          typ,
		Thumbnail:     r.Thumbnail,
		Image:         r.Image,
		Description:   htmlToText(r.Description),
		Instructions:  htmlToText(r.Instructions),
		URL:           link,
		GamerPowerURL: r.GamerPowerURL,
		PublishedDate: r.PublishedDate,
		EndDate:       r.EndDate,
		Status:        r.Status,
		Users:         users,
	}, nil
}

// parseID accepts numeric or string ids and returns the string form.
func parseID(raw json.RawMessage) (string, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return "", errMissingID
	}

	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return "", fmt.Errorf("decode id: %w", err)
		}
		s = strings.TrimSpace(s)
		if s == "" {
			return "", errMissingID
		}
		return s, nil
	}

	var n json.Number
	if err := json.Unmarshal(raw, &n); err != nil {
		return "", fmt.Errorf("decode id: %w", err)
	}
	return n.String(), nil
}

// htmlToText flattens the small amount of markup the API embeds in descriptions.
func htmlToText(s string) string {
	if !strings.ContainsAny(s, "<&") {
		return strings.TrimSpace(s)
	}

	doc, err := goquery.NewDocumentFromReader(strings.NewReader(s))
	if err != nil {
		return strings.TrimSpace(s)
	}
	doc.Find("br").ReplaceWithHtml("\n")
	doc.Find("p, li").Each(func(_ int, sel *goquery.Selection) {
		sel.AppendHtml("\n")
	})

	lines := strings.Split(doc.Text(), "\n")
	out := lines[:0]
	for _, line := range lines {
		if line = strings.TrimSpace(line); line != "" {
			out = append(out, line)
		}
	}
	return strings.Join(out, "\n")
}
