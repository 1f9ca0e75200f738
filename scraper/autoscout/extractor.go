package autoscout

import (
	"net/url"
	"regexp"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/tidwall/gjson"

	"listing-tracker/models"
	"listing-tracker/scraper"
	"listing-tracker/services"
	"listing-tracker/utils"
)

const descExcerptLimit = 800

var cardSelector = strings.Join([]string{
	"article",
	"[data-testid='result-list'] article",
	"[class*='ListItem_wrapper__']",
	"[data-item-name='listing']",
}, ", ")

var linkSelectors = []string{
	"a[data-item-name='detail-page-link']",
	"a[data-testid='result-list-entry-link']",
	"a[href*='/anuncios/']",
	"a[href*='/ofertas/']",
}

var (
	cardPriceSelectors = []string{
		`[data-testid="price-label"]`,
		`[data-testid="srp-price"]`,
		`[itemprop="price"]`,
		`[class*="Price"]`,
		`[class*="price"]`,
	}
	detailPriceSelectors = []string{
		`[data-testid="price-label"]`,
		`[data-testid="ad-price"]`,
		`[itemprop="price"]`,
		`[class*="Price"]`,
		`[class*="price"]`,
	}
	kmSelectors = []string{
		`[data-testid="mileage"]`,
		`[class*="mileage"]`,
		`[class*="Mileage"]`,
	}
	yearSelectors = []string{
		`[data-testid="first-registration"]`,
		`[class*="first-registration"]`,
		`[class*="FirstRegistration"]`,
	}
	descSelector = `[data-testid="description"], section[id*="descripcion"], [class*="Description"]`
)

var (
	euroPriceRegexp = regexp.MustCompile(`€\s*([\d.\s,]+)`)
	kmRegexp        = regexp.MustCompile(`(?i)(\d{1,3}(?:[.\s]\d{3})+|\d+)\s*km`)
	fourDigitRegexp = regexp.MustCompile(`(\d{4})`)
	yearRegexp      = regexp.MustCompile(`\b(20\d{2})\b`)
	powerRegexp     = regexp.MustCompile(`(\d+)\s*kW.*?\((\d+)\s*CV\)`)
)

// jsonLDPricePaths are tried in order against each ld+json block.
var jsonLDPricePaths = []string{"offers.price", "offers.0.price", "offers.lowPrice"}

// Extractor parses AutoScout24 result pages and detail pages.
type Extractor struct {
	logger *utils.Logger
}

var _ scraper.Extractor = (*Extractor)(nil)

func NewExtractor(logger *utils.Logger) *Extractor {
	return &Extractor{logger: logger}
}

// ExtractListEntries returns one partial record per result card that links
// to a detail page.
func (x *Extractor) ExtractListEntries(content, baseURL string) []*models.ListingRecord {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(content))
	if err != nil {
		x.logger.Debug("[autoscout] parse list: %v", err)
		return nil
	}

	var out []*models.ListingRecord
	doc.Find(cardSelector).Each(func(_ int, card *goquery.Selection) {
		if r := parseCard(card, baseURL); r != nil {
			out = append(out, r)
		}
	})
	return out
}

func parseCard(card *goquery.Selection, baseURL string) *models.ListingRecord {
	a := firstOf(card, linkSelectors)
	if a == nil {
		return nil
	}
	link := resolveLink(baseURL, a.AttrOr("href", ""))

	title := visibleText(a)
	if title == "" {
		title = visibleText(card.Find("h2, h3").First())
	}
	raw := visibleText(card)

	r := &models.ListingRecord{
		ListingID: services.DeriveListingID(link),
		Link:      link,
		Price:     extractPrice(card, cardPriceSelectors, raw),
		Km:        extractKm(card, raw),
		Year:      extractYear(card, raw),
		Image:     cardImage(card),
		Category:  services.GuessCategory(title),
	}
	r.Brand, r.Model, r.Version = services.SplitTitle(title)

	low := strings.ToLower(raw)
	switch {
	case strings.Contains(low, "diesel"):
		r.Fuel = "Diesel"
	case containsAny(low, "gasolina", "híbrido", "hibrido", "eléctrico", "electrico"):
		r.Fuel = "Gasolina/Híbrido/Eléctrico"
	}
	switch {
	case strings.Contains(low, "auto"):
		r.Gearbox = "Automático"
	case strings.Contains(low, "manual"):
		r.Gearbox = "Manual"
	}
	return r
}

// ExtractDetail reads the higher-fidelity fields of a detail page. It returns
// nil when the content cannot be parsed.
func (x *Extractor) ExtractDetail(content string) *models.ListingRecord {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(content))
	if err != nil {
		x.logger.Debug("[autoscout] parse detail: %v", err)
		return nil
	}
	body := doc.Selection
	text := visibleText(body)
	low := strings.ToLower(text)

	r := &models.ListingRecord{
		Price: jsonLDPrice(doc),
		Km:    extractKm(body, text),
		Year:  extractYear(body, text),
	}
	if r.Price == nil {
		r.Price = extractPrice(body, detailPriceSelectors, text)
	}

	switch {
	case containsAny(low, "diésel", "diesel"):
		r.Fuel = "Diésel"
	case strings.Contains(low, "gasolina"):
		r.Fuel = "Gasolina"
	case containsAny(low, "híbrido", "hibrido"):
		r.Fuel = "Híbrido"
	case containsAny(low, "eléctrico", "electrico"):
		r.Fuel = "Eléctrico"
	}
	switch {
	case containsAny(low, "automát", "automatic"):
		r.Gearbox = "Automático"
	case strings.Contains(low, "manual"):
		r.Gearbox = "Manual"
	}

	if m := powerRegexp.FindStringSubmatch(text); m != nil {
		kw, _ := strconv.Atoi(m[1])
		cv, _ := strconv.Atoi(m[2])
		r.PowerKW, r.PowerCV = &kw, &cv
	}

	switch {
	case strings.Contains(low, "iva no incluido"):
		r.VATNote = "IVA no incluido"
	case strings.Contains(low, "iva incluido"):
		r.VATNote = "IVA incluido"
	case strings.Contains(low, "iva deducible"):
		r.VATNote = "IVA deducible"
	}

	if og, ok := doc.Find(`meta[property="og:image"]`).First().Attr("content"); ok {
		r.Image = strings.TrimSpace(og)
	}

	desc := text
	if d := doc.Find(descSelector).First(); d.Length() > 0 {
		desc = visibleText(d)
	}
	r.DescExcerpt = truncateRunes(desc, descExcerptLimit)
	return r
}

// jsonLDPrice reads the offer price from structured data, if any.
func jsonLDPrice(doc *goquery.Document) *float64 {
	var price *float64
	doc.Find(`script[type="application/ld+json"]`).EachWithBreak(func(_ int, s *goquery.Selection) bool {
		raw := s.Text()
		if !gjson.Valid(raw) {
			return true
		}
		for _, path := range jsonLDPricePaths {
			v := gjson.Get(raw, path)
			switch v.Type {
			case gjson.Number:
				f := v.Float()
				price = &f
			case gjson.String:
				price = parseStructuredPrice(v.Str)
			}
			if price != nil {
				return false
			}
		}
		return true
	})
	return price
}

func extractPrice(root *goquery.Selection, selectors []string, raw string) *float64 {
	for _, sel := range selectors {
		el := root.Find(sel).First()
		if el.Length() == 0 {
			continue
		}
		if p := elementPrice(el); p != nil {
			return p
		}
	}
	if m := euroPriceRegexp.FindStringSubmatch(raw); m != nil {
		return services.CoercePrice(m[1])
	}
	return nil
}

func extractKm(root *goquery.Selection, raw string) *int {
	for _, sel := range kmSelectors {
		el := root.Find(sel).First()
		if el.Length() == 0 {
			continue
		}
		if km := services.CoerceInteger(el.Text()); km != nil {
			return km
		}
	}
	if m := kmRegexp.FindStringSubmatch(raw); m != nil {
		return services.CoerceInteger(m[1])
	}
	return nil
}

func extractYear(root *goquery.Selection, raw string) *int {
	for _, sel := range yearSelectors {
		el := root.Find(sel).First()
		if el.Length() == 0 {
			continue
		}
		if m := fourDigitRegexp.FindStringSubmatch(el.Text()); m != nil {
			y, _ := strconv.Atoi(m[1])
			return &y
		}
	}
	if m := yearRegexp.FindStringSubmatch(raw); m != nil {
		y, _ := strconv.Atoi(m[1])
		return &y
	}
	return nil
}

func cardImage(card *goquery.Selection) string {
	img := card.Find("img").First()
	if img.Length() == 0 {
		return ""
	}
	for _, attr := range []string{"src", "data-src"} {
		if v := strings.TrimSpace(img.AttrOr(attr, "")); v != "" {
			return v
		}
	}
	if fields := strings.Fields(img.AttrOr("data-srcset", "")); len(fields) > 0 {
		return fields[0]
	}
	return ""
}

// visibleText joins the text nodes under sel with single spaces, skipping
// scripts and styles.
func visibleText(sel *goquery.Selection) string {
	var b strings.Builder
	var walk func(*goquery.Selection)
	walk = func(s *goquery.Selection) {
		s.Contents().Each(func(_ int, c *goquery.Selection) {
			switch goquery.NodeName(c) {
			case "#text":
				b.WriteString(c.Text())
				b.WriteByte(' ')
			case "script", "style", "noscript":
			default:
				walk(c)
			}
		})
	}
	walk(sel)
	return services.CleanText(b.String())
}

// elementPrice prefers a machine-readable content attribute over the text.
func elementPrice(el *goquery.Selection) *float64 {
	if v := strings.TrimSpace(el.AttrOr("content", "")); v != "" {
		return parseStructuredPrice(v)
	}
	return services.CoercePrice(el.Text())
}

// parseStructuredPrice reads a plain decimal first and falls back to the
// display format.
func parseStructuredPrice(v string) *float64 {
	if f, err := strconv.ParseFloat(strings.TrimSpace(v), 64); err == nil {
		return &f
	}
	return services.CoercePrice(v)
}

func firstOf(root *goquery.Selection, selectors []string) *goquery.Selection {
	for _, sel := range selectors {
		if el := root.Find(sel).First(); el.Length() > 0 {
			return el
		}
	}
	return nil
}

func resolveLink(baseURL, href string) string {
	href = strings.TrimSpace(href)
	if href == "" || strings.HasPrefix(href, "http") {
		return href
	}
	base, err := url.Parse(baseURL)
	if err != nil {
		return baseURL + href
	}
	ref, err := url.Parse(href)
	if err != nil {
		return baseURL + href
	}
	return base.ResolveReference(ref).String()
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

func truncateRunes(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
