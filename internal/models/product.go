package models

import (
	"strings"
	"time"
)

// ProductRecord is the normalized output of one successful extraction.
type ProductRecord struct {
	ProductID   string       `json:"productId"`
	Title       string       `json:"title"`
	Price       *float64     `json:"price"`
	ImageURL    *string      `json:"imageUrl"`
	Images      []string     `json:"images"`
	VendorLinks []VendorLink `json:"vendorLinks"`
	Seller      *string      `json:"seller"`
	ShopID      *string      `json:"shopId"`
	DetailURL   string       `json:"detailUrl"`
	Category    *string      `json:"category"`
	Subcategory *string      `json:"subcategory"`
	Description *string      `json:"description"`
	Colors      []string     `json:"colors"`
	Sizes       []string     `json:"sizes"`
	CreatedAt   time.Time    `json:"createdAt"`
	IsActive    bool         `json:"isActive"`
	SavedBy     string       `json:"savedBy"`
}

type VendorLink struct {
	ImageURL  string `json:"imageUrl"`
	SourceURL string `json:"sourceUrl"`
}

// RawContent is what a fetcher hands to an extractor. No parsing has happened yet.
type RawContent struct {
	Body        []byte    `json:"-"`
	ContentType string    `json:"contentType"`
	URL         string    `json:"url"`
	StatusCode  int       `json:"statusCode"`
	FetchedAt   time.Time `json:"fetchedAt"`
	Strategy    string    `json:"strategy"`
}

func (c *RawContent) IsEmpty() bool {
	return c == nil || len(strings.TrimSpace(string(c.Body))) == 0
}

// DedupKey is the natural key sinks use to detect duplicates.
func (p *ProductRecord) DedupKey() string {
	if id := strings.TrimSpace(p.ProductID); id != "" {
		return "id:" + id
	}
	return "url:" + p.DetailURL
}

// Normalize enforces the record invariants: non-nil sequences, trimmed
// strings, blank optionals collapsed to nil and no negative price.
func (p *ProductRecord) Normalize() {
	p.ProductID = strings.TrimSpace(p.ProductID)
	p.Title = strings.TrimSpace(p.Title)

	if p.Price != nil && *p.Price < 0 {
		p.Price = nil
	}

	p.ImageURL = normalizeOptional(p.ImageURL)
	p.Seller = normalizeOptional(p.Seller)
	p.ShopID = normalizeOptional(p.ShopID)
	p.Category = normalizeOptional(p.Category)
	p.Subcategory = normalizeOptional(p.Subcategory)
	p.Description = normalizeOptional(p.Description)

	p.Images = uniqueStrings(p.Images)
	p.Colors = uniqueStrings(p.Colors)
	p.Sizes = uniqueStrings(p.Sizes)

	links := make([]VendorLink, 0, len(p.VendorLinks))
	seen := make(map[VendorLink]bool)
	for _, l := range p.VendorLinks {
		l.ImageURL = strings.TrimSpace(l.ImageURL)
		l.SourceURL = strings.TrimSpace(l.SourceURL)
		if l.SourceURL == "" || seen[l] {
			continue
		}
		seen[l] = true
		links = append(links, l)
	}
	p.VendorLinks = links

	if p.ImageURL == nil && len(p.Images) > 0 {
		first := p.Images[0]
		p.ImageURL = &first
	}
}

// Validate returns the list of violated invariants, empty when the record is usable.
func (p *ProductRecord) Validate() []string {
	var errors []string

	if p.DetailURL == "" {
		errors = append(errors, "detailUrl is required")
	}

	if p.Title == "" {
		errors = append(errors, "title is required")
	}

	if p.Price != nil && *p.Price < 0 {
		errors = append(errors, "price must be non-negative")
	}

	if p.Images == nil || p.Colors == nil || p.Sizes == nil || p.VendorLinks == nil {
		errors = append(errors, "sequences must not be nil")
	}

	return errors
}

func normalizeOptional(s *string) *string {
	if s == nil {
		return nil
	}
	v := strings.Join(strings.Fields(*s), " ")
	if v == "" {
		return nil
	}
	return &v
}

func uniqueStrings(in []string) []string {
	out := make([]string, 0, len(in))
	seen := make(map[string]bool, len(in))
	for _, s := range in {
		s = strings.TrimSpace(s)
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	return out
}

// StringPtr returns nil for blank input.
func StringPtr(s string) *string {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	return &s
}
