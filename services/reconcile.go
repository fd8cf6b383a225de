package services

import (
	"encoding/json"

	"listing-scraper/models"
)

// DefaultStickyFields are kept when a newer scrape brings an empty value.
var DefaultStickyFields = []string{"listingImages", "recommendedText", "isDetailSoldPresent"}

// Reconciler merges two versions of the same listing. Present fields of the
// newer record replace the older ones, except that fields on the sticky
// allow-list never fall back from populated to empty.
type Reconciler struct {
	sticky map[string]bool
}

// NewReconciler builds a Reconciler with the given sticky allow-list. A nil
// list selects DefaultStickyFields.
func NewReconciler(stickyFields []string) *Reconciler {
	if stickyFields == nil {
		stickyFields = DefaultStickyFields
	}
	r := &Reconciler{sticky: make(map[string]bool, len(stickyFields))}
	for _, f := range stickyFields {
		r.sticky[f] = true
	}
	return r
}

// IsSticky reports whether field is on the allow-list.
func (r *Reconciler) IsSticky(field string) bool {
	return r.sticky[field]
}

// Overlay returns a new record: base with in laid over it. Neither input is
// modified. base's id always wins when it has one.
func (r *Reconciler) Overlay(base, in *models.Listing) *models.Listing {
	if base == nil {
		return in.Clone()
	}
	if in == nil {
		return base.Clone()
	}
	out := base.Clone()
	next := in.Clone()

	if next.SchemaVersion > out.SchemaVersion {
		out.SchemaVersion = next.SchemaVersion
	}
	if out.ID == "" {
		out.ID = next.ID
	}

	out.ListingURL = pickString(out.ListingURL, next.ListingURL)
	out.Address = pickString(out.Address, next.Address)
	out.EnglishAddress = pickString(out.EnglishAddress, next.EnglishAddress)
	out.Layout = pickString(out.Layout, next.Layout)
	out.AboutProperty = pickString(out.AboutProperty, next.AboutProperty)

	out.Price = pickPtr(out.Price, next.Price)
	out.PriceUSD = pickPtr(out.PriceUSD, next.PriceUSD)
	out.LandAreaSqm = pickPtr(out.LandAreaSqm, next.LandAreaSqm)
	out.BuildAreaSqm = pickPtr(out.BuildAreaSqm, next.BuildAreaSqm)
	out.LatLong = pickPtr(out.LatLong, next.LatLong)
	out.ScrapedAt = pickPtr(out.ScrapedAt, next.ScrapedAt)

	out.LatLongString = r.pickStringPtr("latLongString", out.LatLongString, next.LatLongString)
	out.IsSold = r.pickBool("isSold", out.IsSold, next.IsSold)
	out.IsDetailSoldPresent = r.pickBool("isDetailSoldPresent", out.IsDetailSoldPresent, next.IsDetailSoldPresent)

	out.ListingImages = r.pickSlice("listingImages", out.ListingImages, next.ListingImages)
	out.RecommendedText = r.pickSlice("recommendedText", out.RecommendedText, next.RecommendedText)
	out.Tags = r.pickSlice("tags", out.Tags, next.Tags)

	out.Original = mergeSnapshot(out.Original, next.Original)
	out.Extra = mergeExtra(out.Extra, next.Extra)
	return out
}

func pickString(base, in string) string {
	if in != "" {
		return in
	}
	return base
}

func pickPtr[T any](base, in *T) *T {
	if in != nil {
		return in
	}
	return base
}

func (r *Reconciler) pickStringPtr(field string, base, in *string) *string {
	if in == nil {
		return base
	}
	if r.sticky[field] && *in == "" && base != nil && *base != "" {
		return base
	}
	return in
}

func (r *Reconciler) pickBool(field string, base, in *bool) *bool {
	if in == nil {
		return base
	}
	if r.sticky[field] && !*in && base != nil && *base {
		return base
	}
	return in
}

func (r *Reconciler) pickSlice(field string, base, in []string) []string {
	if in == nil {
		return base
	}
	if r.sticky[field] && len(in) == 0 && len(base) > 0 {
		return base
	}
	return in
}

// mergeSnapshot overrides base key by key; it never replaces the map whole.
func mergeSnapshot(base, in map[string]any) map[string]any {
	if in == nil {
		return base
	}
	if base == nil {
		base = make(map[string]any, len(in))
	}
	for k, v := range in {
		base[k] = v
	}
	return base
}

func mergeExtra(base, in map[string]json.RawMessage) map[string]json.RawMessage {
	if in == nil {
		return base
	}
	if base == nil {
		base = make(map[string]json.RawMessage, len(in))
	}
	for k, v := range in {
		base[k] = v
	}
	return base
}
