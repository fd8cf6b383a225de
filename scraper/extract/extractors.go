package extract

import (
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/sirupsen/logrus"

	"listing-scraper/models"
)

// ErrNotFound is returned by an extractor that found nothing usable.
var ErrNotFound = errors.New("extract: value not found")

// Value is what an extractor produced: the typed value and the raw text it
// was derived from, kept for the listing's original snapshot.
type Value struct {
	Typed any
	Raw   string
}

// Extractor maps page content under scope to one field value. Extractors
// must not mutate the document.
type Extractor func(scope *goquery.Selection, selector string, logger logrus.FieldLogger) (Value, error)

var coordPairRegexp = regexp.MustCompile(`(-?\d{1,3}\.\d+)\s*,\s*(-?\d{1,3}\.\d+)`)

// DefaultExtractors returns the built-in extractor registry.
func DefaultExtractors() map[string]Extractor {
	return map[string]Extractor{
		"text":        Text,
		"texts":       Texts,
		"price":       Price,
		"area":        Area,
		"images":      Images,
		"coordinates": CoordinatesFromDOM,
		"sold":        Sold,
		"exists":      Exists,
	}
}

// Text returns the trimmed text of the first match.
func Text(scope *goquery.Selection, selector string, _ logrus.FieldLogger) (Value, error) {
	text := collapseSpace(scope.Find(selector).First().Text())
	if text == "" {
		return Value{}, ErrNotFound
	}
	return Value{Typed: text, Raw: text}, nil
}

// Texts returns the trimmed, non-empty text of every match.
func Texts(scope *goquery.Selection, selector string, _ logrus.FieldLogger) (Value, error) {
	var out []string
	scope.Find(selector).Each(func(_ int, s *goquery.Selection) {
		if t := collapseSpace(s.Text()); t != "" {
			out = append(out, t)
		}
	})
	if len(out) == 0 {
		return Value{}, ErrNotFound
	}
	return Value{Typed: out, Raw: strings.Join(out, "\n")}, nil
}

// Price parses the first match with ParsePrice.
func Price(scope *goquery.Selection, selector string, logger logrus.FieldLogger) (Value, error) {
	raw := collapseSpace(scope.Find(selector).First().Text())
	if raw == "" {
		return Value{}, ErrNotFound
	}
	v := ParsePrice(raw, logger)
	if v == 0 {
		return Value{Raw: raw}, fmt.Errorf("price %q: %w", raw, ErrNotFound)
	}
	return Value{Typed: v, Raw: raw}, nil
}

// Area parses the first match with ParseArea.
func Area(scope *goquery.Selection, selector string, logger logrus.FieldLogger) (Value, error) {
	raw := collapseSpace(scope.Find(selector).First().Text())
	if raw == "" {
		return Value{}, ErrNotFound
	}
	v := ParseArea(raw, logger)
	if v == 0 {
		return Value{Raw: raw}, fmt.Errorf("area %q: %w", raw, ErrNotFound)
	}
	return Value{Typed: v, Raw: raw}, nil
}

// Images collects image URLs in document order, preferring lazy-load
// attributes over src and dropping duplicates.
func Images(scope *goquery.Selection, selector string, _ logrus.FieldLogger) (Value, error) {
	seen := make(map[string]struct{})
	var out []string
	scope.Find(selector).Each(func(_ int, s *goquery.Selection) {
		for _, attr := range []string{"data-src", "data-original", "src"} {
			src, ok := s.Attr(attr)
			src = strings.TrimSpace(src)
			if !ok || src == "" || strings.HasPrefix(src, "data:") {
				continue
			}
			if _, dup := seen[src]; !dup {
				seen[src] = struct{}{}
				out = append(out, src)
			}
			return
		}
	})
	if len(out) == 0 {
		return Value{}, ErrNotFound
	}
	return Value{Typed: out, Raw: strings.Join(out, "\n")}, nil
}

// CoordinatesFromDOM reads a geocode from the first match, looking at
// data-lat/data-lng attributes first and then at a map URL in src or href.
func CoordinatesFromDOM(scope *goquery.Selection, selector string, _ logrus.FieldLogger) (Value, error) {
	var found *models.Coordinates
	raw := ""
	scope.Find(selector).EachWithBreak(func(_ int, s *goquery.Selection) bool {
		lat, okLat := s.Attr("data-lat")
		lng, okLng := s.Attr("data-lng")
		if !okLng {
			lng, okLng = s.Attr("data-long")
		}
		if okLat && okLng {
			if c, ok := ParseCoordinates(lat, lng); ok {
				found, raw = c, lat+","+lng
				return false
			}
		}
		for _, attr := range []string{"src", "href", "data-url"} {
			if u, ok := s.Attr(attr); ok {
				if c, ok := CoordinatesFromURL(u); ok {
					found, raw = c, u
					return false
				}
			}
		}
		return true
	})
	if found == nil {
		return Value{}, ErrNotFound
	}
	return Value{Typed: *found, Raw: raw}, nil
}

// CoordinatesFromURL pulls a "lat,long" pair out of a map or geocode URL,
// checking the usual query parameters before falling back to the path.
func CoordinatesFromURL(raw string) (*models.Coordinates, bool) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, false
	}
	q := u.Query()
	for _, key := range []string{"center", "q", "ll", "latlng", "query", "destination"} {
		if c, ok := coordinatesFromText(q.Get(key)); ok {
			return c, true
		}
	}
	if lat, lng := q.Get("lat"), q.Get("lng"); lat != "" && lng != "" {
		if c, ok := ParseCoordinates(lat, lng); ok {
			return c, true
		}
	}
	// /maps/@35.68,139.76,17z style paths
	return coordinatesFromText(u.Path)
}

func coordinatesFromText(s string) (*models.Coordinates, bool) {
	m := coordPairRegexp.FindStringSubmatch(s)
	if m == nil {
		return nil, false
	}
	return ParseCoordinates(m[1], m[2])
}

// ParseCoordinates parses a lat/long pair, rejecting out-of-range values and
// the 0,0 placeholder some map widgets emit.
func ParseCoordinates(latRaw, lngRaw string) (*models.Coordinates, bool) {
	lat, err1 := strconv.ParseFloat(strings.TrimSpace(latRaw), 64)
	lng, err2 := strconv.ParseFloat(strings.TrimSpace(lngRaw), 64)
	if err1 != nil || err2 != nil {
		return nil, false
	}
	if lat < -90 || lat > 90 || lng < -180 || lng > 180 || (lat == 0 && lng == 0) {
		return nil, false
	}
	return &models.Coordinates{Lat: lat, Long: lng}, true
}

// Sold reports whether a sold marker matches. It never fails: no marker
// means the listing is still available.
func Sold(scope *goquery.Selection, selector string, _ logrus.FieldLogger) (Value, error) {
	sel := scope.Find(selector)
	if sel.Length() == 0 {
		return Value{Typed: false}, nil
	}
	return Value{Typed: true, Raw: collapseSpace(sel.First().Text())}, nil
}

// Exists reports whether selector matches at all.
func Exists(scope *goquery.Selection, selector string, _ logrus.FieldLogger) (Value, error) {
	return Value{Typed: scope.Find(selector).Length() > 0}, nil
}

func collapseSpace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
