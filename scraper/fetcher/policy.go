package fetcher

import (
	"regexp"
	"strings"

	"github.com/chromedp/cdproto/network"

	"listing-scraper/models"
	"listing-scraper/scraper/extract"
)

// BlockPolicy decides which requests are failed before they leave the
// browser.
type BlockPolicy struct {
	ResourceTypes map[network.ResourceType]bool
	URLPatterns   []string
}

// DefaultBlockPolicy blocks images, styles, fonts, media and common trackers.
func DefaultBlockPolicy() BlockPolicy {
	return BlockPolicy{
		ResourceTypes: map[network.ResourceType]bool{
			network.ResourceTypeImage:      true,
			network.ResourceTypeStylesheet: true,
			network.ResourceTypeFont:       true,
			network.ResourceTypeMedia:      true,
			network.ResourceTypePing:       true,
		},
		URLPatterns: []string{
			"google-analytics.com",
			"googletagmanager.com",
			"doubleclick.net",
			"connect.facebook.net",
			"hotjar.com",
			"clarity.ms",
			"/beacon",
		},
	}
}

// ShouldBlock reports whether a request of the given type and URL is blocked.
func (p BlockPolicy) ShouldBlock(rt network.ResourceType, url string) bool {
	if p.ResourceTypes[rt] {
		return true
	}
	lower := strings.ToLower(url)
	for _, pattern := range p.URLPatterns {
		if strings.Contains(lower, pattern) {
			return true
		}
	}
	return false
}

var geoURLPatterns = []string{
	"maps.googleapis.com",
	"maps.google.",
	"/maps/",
	"staticmap",
	"geocode",
	"/tiles/",
	"mapbox.com",
}

// IsGeoURL reports whether url looks like a map tile or geocoding request.
func IsGeoURL(url string) bool {
	lower := strings.ToLower(url)
	for _, p := range geoURLPatterns {
		if strings.Contains(lower, p) {
			return true
		}
	}
	return false
}

// CoordinatesFromRequest returns the geocode carried by a map request URL.
func CoordinatesFromRequest(url string) (*models.Coordinates, bool) {
	if !IsGeoURL(url) {
		return nil, false
	}
	return extract.CoordinatesFromURL(url)
}

var jsonCoordRegexp = regexp.MustCompile(
	`"lat(?:itude)?"\s*:\s*"?(-?\d{1,3}\.\d+)"?\s*,\s*"(?:lng|lon|long|longitude)"\s*:\s*"?(-?\d{1,3}\.\d+)"?`)

// CoordinatesFromBody scans a geocode response body for the first lat/lng
// pair.
func CoordinatesFromBody(body []byte) (*models.Coordinates, bool) {
	m := jsonCoordRegexp.FindSubmatch(body)
	if m == nil {
		return nil, false
	}
	return extract.ParseCoordinates(string(m[1]), string(m[2]))
}
