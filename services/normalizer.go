package services

import (
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"unicode"

	"listing-tracker/models"
	trackererrors "listing-tracker/pkg/errors"
	"listing-tracker/utils"
)

var (
	// idRegexp captures the platform's canonical numeric id
	idRegexp = regexp.MustCompile(`\d{6,}`)
	// nonDigitRegexp matches everything an integer field must drop
	nonDigitRegexp = regexp.MustCompile(`[^\d]`)
	// nonPriceRegexp matches everything a price field must drop
	nonPriceRegexp = regexp.MustCompile(`[^\d.,]`)
)

var industrialKeywords = []string{
	"FURGON", "FURGÓN", "VITO", "TRAFIC", "VIVARO", "JUMPY", "EXPERT", "PARTNER",
	"BERLINGO", "SPRINTER", "CRAFTER", "DUCATO", "BOXER", "MASTER", "MOVANO",
	"KANGOO", "CADDY", "PROACE", "DOBLO", "COMBO", "NV200",
}

const (
	CategoryIndustrial = "Industrial"
	CategoryPassenger  = "Turismo"
)

// DeriveListingID returns the stable id for a listing link. The query string,
// fragment and trailing slashes are ignored; the first run of six or more
// digits in the path wins, otherwise the last path segment is used.
func DeriveListingID(link string) string {
	link = strings.TrimSpace(link)
	if i := strings.IndexAny(link, "?#"); i >= 0 {
		link = link[:i]
	}
	link = strings.TrimRight(link, "/")

	path := link
	if u, err := url.Parse(link); err == nil && u.Host != "" {
		path = u.Path
	}
	path = strings.TrimRight(path, "/")

	if m := idRegexp.FindString(path); m != "" {
		return m
	}
	if path == "" {
		return ""
	}
	return path[strings.LastIndex(path, "/")+1:]
}

// CoerceInteger keeps only the digits of text. Nil means no digits.
func CoerceInteger(text string) *int {
	n, err := ParseInteger(text)
	if err != nil {
		return nil
	}
	return &n
}

// ParseInteger is CoerceInteger with the failure reason.
func ParseInteger(text string) (int, error) {
	digits := nonDigitRegexp.ReplaceAllString(text, "")
	if digits == "" {
		return 0, trackererrors.NewMalformedNumeric("integer", text, nil)
	}
	n, err := strconv.Atoi(digits)
	if err != nil {
		return 0, trackererrors.NewMalformedNumeric("integer", text, err)
	}
	return n, nil
}

// CoercePrice parses a price written with '.' as thousands separator and
// ',' as decimal separator. Nil means the text held no parseable price.
func CoercePrice(text string) *float64 {
	v, err := ParsePrice(text)
	if err != nil {
		return nil
	}
	return &v
}

// ParsePrice is CoercePrice with the failure reason.
func ParsePrice(text string) (float64, error) {
	cleaned := nonPriceRegexp.ReplaceAllString(text, "")
	cleaned = strings.ReplaceAll(cleaned, ".", "")
	cleaned = strings.ReplaceAll(cleaned, ",", ".")
	if cleaned == "" {
		return 0, trackererrors.NewMalformedNumeric("price", text, nil)
	}
	v, err := strconv.ParseFloat(cleaned, 64)
	if err != nil {
		return 0, trackererrors.NewMalformedNumeric("price", text, err)
	}
	return v, nil
}

// CleanText strips leading/trailing whitespace and collapses internal whitespace.
func CleanText(s string) string {
	return strings.Join(strings.FieldsFunc(s, unicode.IsSpace), " ")
}

// GuessCategory tags vans as industrial vehicles.
func GuessCategory(title string) string {
	upper := strings.ToUpper(title)
	for _, k := range industrialKeywords {
		if strings.Contains(upper, k) {
			return CategoryIndustrial
		}
	}
	return CategoryPassenger
}

// SplitTitle derives brand, model and version from a listing title: the
// first word is the brand, the next two words the model and the rest the
// version.
func SplitTitle(title string) (brand, model, version string) {
	parts := strings.Fields(title)
	switch {
	case len(parts) == 0:
		return "", "", ""
	case len(parts) == 1:
		return parts[0], "", ""
	case len(parts) == 2:
		return parts[0], parts[1], ""
	default:
		return parts[0], strings.Join(parts[1:3], " "), strings.Join(parts[3:], " ")
	}
}

// Normalizer turns partial extractor output into records ready for
// reconciliation.
type Normalizer struct {
	logger *utils.Logger
}

// NewNormalizer creates a Normalizer with the given logger.
func NewNormalizer(logger *utils.Logger) *Normalizer {
	return &Normalizer{logger: logger}
}

// Normalize cleans text fields, fills derived fields and drops records
// without a stable id. The first record of each id wins.
func (n *Normalizer) Normalize(batch []*models.ListingRecord) []*models.ListingRecord {
	seen := make(map[string]struct{}, len(batch))
	result := make([]*models.ListingRecord, 0, len(batch))

	for _, r := range batch {
		if r == nil {
			continue
		}
		n.Apply(r)
		if r.ListingID == "" {
			n.logger.Debug("[normalizer] Dropping record without id: %q", r.Link)
			continue
		}
		if _, dup := seen[r.ListingID]; dup {
			n.logger.Debug("[normalizer] Duplicate id skipped: %s", r.ListingID)
			continue
		}
		seen[r.ListingID] = struct{}{}
		result = append(result, r)
	}

	if dropped := len(batch) - len(result); dropped > 0 {
		n.logger.Info("[normalizer] Normalized %d → %d records (dropped %d)", len(batch), len(result), dropped)
	}
	return result
}

// Apply normalizes a single record in place.
func (n *Normalizer) Apply(r *models.ListingRecord) {
	r.Link = strings.TrimSpace(r.Link)
	if r.ListingID == "" {
		r.ListingID = DeriveListingID(r.Link)
	}
	r.Brand = CleanText(r.Brand)
	r.Model = CleanText(r.Model)
	r.Version = CleanText(r.Version)
	r.Fuel = CleanText(r.Fuel)
	r.Gearbox = CleanText(r.Gearbox)
	r.VATNote = CleanText(r.VATNote)
	r.DescExcerpt = CleanText(r.DescExcerpt)
	r.Image = strings.TrimSpace(r.Image)

	if r.Brand == "" && r.Model == "" && r.Version != "" {
		r.Brand, r.Model, r.Version = SplitTitle(r.Version)
	}
	if r.Category == "" && r.Title() != "" {
		r.Category = GuessCategory(r.Title())
	}
	if r.Km != nil && *r.Km < 0 {
		r.Km = nil
	}
	if r.Price != nil && *r.Price < 0 {
		r.Price = nil
	}
}
