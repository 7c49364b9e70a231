package extractor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/maltedev/product-pipeline/internal/models"
)

var DefaultAvailabilityPhrases = []string{"in stock", "for sale"}

type StructuralOptions struct {
	SavedBy             string
	AvailabilityPhrases []string
	Clock               Clock
}

// StructuralExtractor reads product fields from markup: JSON-LD first, then
// Open Graph and microdata, then class/id heuristics.
type StructuralExtractor struct {
	savedBy string
	phrases []string
	clock   Clock
}

// NewStructuralExtractor creates an extractor that reads markup only.
func NewStructuralExtractor(opts StructuralOptions) *StructuralExtractor {
	phrases := opts.AvailabilityPhrases
	if len(phrases) == 0 {
		phrases = DefaultAvailabilityPhrases
	}
	lowered := make([]string, 0, len(phrases))
	for _, p := range phrases {
		if p = strings.ToLower(strings.TrimSpace(p)); p != "" {
			lowered = append(lowered, p)
		}
	}

	clock := opts.Clock
	if clock == nil {
		clock = time.Now
	}

	return &StructuralExtractor{
		savedBy: opts.SavedBy,
		phrases: lowered,
		clock:   clock,
	}
}

func (e *StructuralExtractor) Name() string {
	return "structural"
}

func (e *StructuralExtractor) Extract(ctx context.Context, content *models.RawContent, sourceURL string) (*models.ProductRecord, error) {
	if content.IsEmpty() {
		return nil, errEmptyContent
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(content.Body))
	if err != nil {
		return nil, newError(KindNoMatch, fmt.Errorf("failed to parse HTML: %w", err))
	}

	base, _ := url.Parse(sourceURL)
	ld := findProductLD(doc)
	price := e.price(doc, ld)
	if !hasProductSignal(doc, ld, price) {
		return nil, newError(KindNoMatch, errors.New("no product markup found"))
	}

	title := firstNonEmpty(
		ld.str("name"),
		metaContent(doc, `meta[property="og:title"]`),
		productName(doc),
		textOf(doc.Find("h1").First()),
		textOf(doc.Find("title").First()),
	)
	if title == "" {
		return nil, newError(KindNoMatch, errors.New("no product title found"))
	}

	record := &models.ProductRecord{
		ProductID: firstNonEmpty(
			ld.str("sku"),
			ld.str("productID"),
			itempropValue(doc, "sku"),
			itempropValue(doc, "productID"),
			attrOf(doc.Find("[data-product-id]").First(), "data-product-id"),
		),
		Title:       title,
		Price:       price,
		Images:      images(doc, ld, base),
		VendorLinks: vendorLinks(doc, base),
		Seller: models.StringPtr(firstNonEmpty(
			textOf(doc.Find("[itemprop=seller] [itemprop=name]").First()),
			textOf(doc.Find("[class*=seller-name]").First()),
			textOf(doc.Find("[class*=shop-name]").First()),
		)),
		ShopID: models.StringPtr(firstNonEmpty(
			attrOf(doc.Find("[data-shop-id]").First(), "data-shop-id"),
			attrOf(doc.Find("[data-seller-id]").First(), "data-seller-id"),
		)),
		Description: models.StringPtr(firstNonEmpty(
			ld.str("description"),
			metaContent(doc, `meta[name="description"]`),
			metaContent(doc, `meta[property="og:description"]`),
			textOf(doc.Find("[itemprop=description]").First()),
		)),
		Colors:   options(doc, "color"),
		Sizes:    options(doc, "size"),
		IsActive: e.isActive(doc),
	}

	crumbs := breadcrumbs(doc)
	if len(crumbs) > 0 {
		record.Category = models.StringPtr(crumbs[0])
	}
	if len(crumbs) > 1 {
		record.Subcategory = models.StringPtr(crumbs[1])
	}

	return finish(record, sourceURL, e.savedBy, e.clock), nil
}

func (e *StructuralExtractor) price(doc *goquery.Document, ld productLD) *float64 {
	if p := ld.offerPrice(); p != nil {
		return p
	}

	if sel := doc.Find("[itemprop=price]").First(); sel.Length() > 0 {
		if v, ok := sel.Attr("content"); ok {
			if p := ParsePrice(v); p != nil {
				return p
			}
		}
		if p := ParsePrice(sel.Text()); p != nil {
			return p
		}
	}

	if p := ParsePrice(metaContent(doc, `meta[property="product:price:amount"]`)); p != nil {
		return p
	}

	var found *float64
	doc.Find("[id*=price], [class*=price]").EachWithBreak(func(_ int, s *goquery.Selection) bool {
		found = ParsePrice(s.Text())
		return found == nil
	})
	return found
}

// hasProductSignal reports whether the page carries any product markup or a
// parseable price. A page title alone is not enough.
func hasProductSignal(doc *goquery.Document, ld productLD, price *float64) bool {
	if ld != nil || price != nil {
		return true
	}
	if strings.EqualFold(metaContent(doc, `meta[property="og:type"]`), "product") {
		return true
	}
	return doc.Find("[itemtype*=Product], [itemprop=price], [itemprop=offers]").Length() > 0
}

// isActive is a heuristic: any availability phrase anywhere in the page text.
func (e *StructuralExtractor) isActive(doc *goquery.Document) bool {
	text := strings.ToLower(doc.Text())
	for _, phrase := range e.phrases {
		if strings.Contains(text, phrase) {
			return true
		}
	}
	return false
}

// productName looks at microdata names that are not part of a seller, offer or breadcrumb.
func productName(doc *goquery.Document) string {
	var name string
	doc.Find("[itemprop=name]").EachWithBreak(func(_ int, s *goquery.Selection) bool {
		if s.ParentsFiltered("[itemprop=seller], [itemprop=offers], [itemprop=brand], [itemtype*=BreadcrumbList]").Length() > 0 {
			return true
		}
		name = textOf(s)
		return name == ""
	})
	return name
}

func images(doc *goquery.Document, ld productLD, base *url.URL) []string {
	var out []string
	add := func(raw string) {
		if u := resolve(base, raw); u != "" {
			out = append(out, u)
		}
	}

	for _, img := range ld.images() {
		add(img)
	}
	doc.Find(`meta[property="og:image"]`).Each(func(_ int, s *goquery.Selection) {
		add(attrOf(s, "content"))
	})
	doc.Find("[itemprop=image]").Each(func(_ int, s *goquery.Selection) {
		add(firstNonEmpty(attrOf(s, "src"), attrOf(s, "content"), attrOf(s, "href")))
	})
	doc.Find("[class*=gallery] img").Each(func(_ int, s *goquery.Selection) {
		add(firstNonEmpty(attrOf(s, "src"), attrOf(s, "data-src")))
	})

	return out
}

func vendorLinks(doc *goquery.Document, base *url.URL) []models.VendorLink {
	var links []models.VendorLink
	doc.Find("[class*=vendor] a, [data-vendor] a, a[data-vendor]").Each(func(_ int, s *goquery.Selection) {
		img := s.Find("img").First()
		if img.Length() == 0 {
			return
		}
		source := resolve(base, attrOf(s, "href"))
		if source == "" {
			return
		}
		links = append(links, models.VendorLink{
			ImageURL:  resolve(base, firstNonEmpty(attrOf(img, "src"), attrOf(img, "data-src"))),
			SourceURL: source,
		})
	})
	return links
}

func breadcrumbs(doc *goquery.Document) []string {
	collect := func(sel *goquery.Selection) []string {
		var items []string
		sel.Each(func(_ int, s *goquery.Selection) {
			text := textOf(s)
			if text == "" || strings.EqualFold(text, "home") {
				return
			}
			items = append(items, text)
		})
		return items
	}

	if items := collect(doc.Find("[itemtype*=BreadcrumbList] [itemprop=name]")); len(items) > 0 {
		return items
	}
	return collect(doc.Find("[class*=breadcrumb] a"))
}

// options gathers variant values (colors, sizes) from microdata, select boxes and data attributes.
func options(doc *goquery.Document, name string) []string {
	var values []string

	doc.Find("[itemprop=" + name + "]").Each(func(_ int, s *goquery.Selection) {
		values = append(values, firstNonEmpty(attrOf(s, "content"), textOf(s)))
	})
	doc.Find("select[name*=" + name + "] option").Each(func(_ int, s *goquery.Selection) {
		if v, ok := s.Attr("value"); ok && strings.TrimSpace(v) == "" {
			return
		}
		if text := textOf(s); !isPlaceholder(text) {
			values = append(values, text)
		}
	})
	doc.Find("[data-" + name + "]").Each(func(_ int, s *goquery.Selection) {
		values = append(values, attrOf(s, "data-"+name))
	})

	return values
}

func isPlaceholder(text string) bool {
	lower := strings.ToLower(text)
	return lower == "" ||
		strings.HasPrefix(lower, "select") ||
		strings.HasPrefix(lower, "choose") ||
		strings.HasPrefix(lower, "--")
}

func itempropValue(doc *goquery.Document, prop string) string {
	sel := doc.Find("[itemprop=" + prop + "]").First()
	return firstNonEmpty(attrOf(sel, "content"), textOf(sel))
}

func metaContent(doc *goquery.Document, selector string) string {
	return attrOf(doc.Find(selector).First(), "content")
}

func textOf(s *goquery.Selection) string {
	return strings.Join(strings.Fields(s.Text()), " ")
}

func attrOf(s *goquery.Selection, name string) string {
	v, _ := s.Attr(name)
	return strings.TrimSpace(v)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}

func resolve(base *url.URL, raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" || strings.HasPrefix(raw, "data:") {
		return ""
	}
	ref, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	if base == nil {
		return ref.String()
	}
	return base.ResolveReference(ref).String()
}

// productLD is the first schema.org Product object found in JSON-LD scripts.
type productLD map[string]any

func findProductLD(doc *goquery.Document) productLD {
	var found productLD
	doc.Find(`script[type="application/ld+json"]`).EachWithBreak(func(_ int, s *goquery.Selection) bool {
		var data any
		if err := json.Unmarshal([]byte(s.Text()), &data); err != nil {
			return true
		}
		found = searchProduct(data)
		return found == nil
	})
	return found
}

func searchProduct(data any) productLD {
	switch v := data.(type) {
	case []any:
		for _, item := range v {
			if p := searchProduct(item); p != nil {
				return p
			}
		}
	case map[string]any:
		if isType(v["@type"], "Product") {
			return v
		}
		if graph, ok := v["@graph"]; ok {
			return searchProduct(graph)
		}
	}
	return nil
}

func isType(t any, want string) bool {
	switch v := t.(type) {
	case string:
		return strings.EqualFold(v, want)
	case []any:
		for _, item := range v {
			if isType(item, want) {
				return true
			}
		}
	}
	return false
}

func (p productLD) str(key string) string {
	if p == nil {
		return ""
	}
	return scalarString(p[key])
}

func (p productLD) offerPrice() *float64 {
	if p == nil {
		return nil
	}

	offers := p["offers"]
	if list, ok := offers.([]any); ok && len(list) > 0 {
		offers = list[0]
	}
	offer, ok := offers.(map[string]any)
	if !ok {
		return nil
	}

	for _, key := range []string{"price", "lowPrice"} {
		switch v := offer[key].(type) {
		case float64:
			return &v
		case string:
			if price := ParsePrice(v); price != nil {
				return price
			}
		}
	}
	return nil
}

func (p productLD) images() []string {
	if p == nil {
		return nil
	}

	var out []string
	var walk func(any)
	walk = func(v any) {
		switch img := v.(type) {
		case string:
			out = append(out, img)
		case []any:
			for _, item := range img {
				walk(item)
			}
		case map[string]any:
			if u := scalarString(img["url"]); u != "" {
				out = append(out, u)
			}
		}
	}
	walk(p["image"])
	return out
}

func scalarString(v any) string {
	switch s := v.(type) {
	case string:
		return strings.TrimSpace(s)
	case float64:
		return strconv.FormatFloat(s, 'f', -1, 64)
	}
	return ""
}
