package models

import (
	"encoding/json"
	"reflect"
	"strings"
	"time"
)

// SchemaVersion is written into every listing this code produces.
const SchemaVersion = 1

// Coordinates is a resolved geocode.
type Coordinates struct {
	Lat  float64 `json:"lat"`
	Long float64 `json:"long"`
}

// Listing is one scraped property keyed by a stable UUID. Optional fields are
// pointers or nil slices so that "absent" can be told apart from a value;
// fields this version does not know about are kept in Extra and written back
// unchanged.
type Listing struct {
	SchemaVersion int `json:"schemaVersion,omitempty"`

	ID         string `json:"id"`
	ListingURL string `json:"listingUrl,omitempty"`

	Address        string `json:"address,omitempty"`
	EnglishAddress string `json:"englishAddress,omitempty"`

	Price    *float64 `json:"price,omitempty"`
	PriceUSD *float64 `json:"priceUsd,omitempty"`

	Layout       string   `json:"layout,omitempty"`
	LandAreaSqm  *float64 `json:"landAreaSqm,omitempty"`
	BuildAreaSqm *float64 `json:"buildAreaSqm,omitempty"`

	ListingImages   []string `json:"listingImages,omitempty"`
	RecommendedText []string `json:"recommendedText,omitempty"`
	AboutProperty   string   `json:"aboutProperty,omitempty"`

	LatLong       *Coordinates `json:"latLong,omitempty"`
	LatLongString *string      `json:"latLongString,omitempty"`

	IsSold              *bool `json:"isSold,omitempty"`
	IsDetailSoldPresent *bool `json:"isDetailSoldPresent,omitempty"`

	Tags []string `json:"tags,omitempty"`

	Original map[string]any `json:"original,omitempty"`

	ScrapedAt *time.Time `json:"scrapedAt,omitempty"`

	Extra map[string]json.RawMessage `json:"-"`
}

type listingAlias Listing

var knownFields = jsonFieldNames(reflect.TypeOf(Listing{}))

func jsonFieldNames(t reflect.Type) map[string]struct{} {
	names := make(map[string]struct{}, t.NumField())
	for i := 0; i < t.NumField(); i++ {
		tag := t.Field(i).Tag.Get("json")
		name, _, _ := strings.Cut(tag, ",")
		if name == "" || name == "-" {
			continue
		}
		names[name] = struct{}{}
	}
	return names
}

// IsKnownField reports whether name is a JSON field of Listing.
func IsKnownField(name string) bool {
	_, ok := knownFields[name]
	return ok
}

// UnmarshalJSON decodes the known fields and stashes the rest in Extra.
func (l *Listing) UnmarshalJSON(data []byte) error {
	var alias listingAlias
	if err := json.Unmarshal(data, &alias); err != nil {
		return err
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	for name := range raw {
		if IsKnownField(name) {
			delete(raw, name)
		}
	}
	alias.Extra = nil
	if len(raw) > 0 {
		alias.Extra = raw
	}

	*l = Listing(alias)
	return nil
}

// MarshalJSON writes the known fields followed by any Extra fields. An empty
// but non-nil slice is written as [] so it still reads back as present.
func (l Listing) MarshalJSON() ([]byte, error) {
	data, err := json.Marshal(listingAlias(l))
	empty := l.emptySlices()
	if err != nil || (len(l.Extra) == 0 && len(empty) == 0) {
		return data, err
	}

	var merged map[string]json.RawMessage
	if err := json.Unmarshal(data, &merged); err != nil {
		return nil, err
	}
	for _, name := range empty {
		merged[name] = json.RawMessage(`[]`)
	}
	for name, value := range l.Extra {
		if IsKnownField(name) {
			continue
		}
		merged[name] = value
	}
	return json.Marshal(merged)
}

func (l *Listing) emptySlices() []string {
	var names []string
	for name, s := range map[string][]string{
		"listingImages":   l.ListingImages,
		"recommendedText": l.RecommendedText,
		"tags":            l.Tags,
	} {
		if s != nil && len(s) == 0 {
			names = append(names, name)
		}
	}
	return names
}

// HasTags reports whether the listing carries at least one tag.
func (l *Listing) HasTags() bool {
	return len(l.Tags) > 0
}

// DetailSoldChecked reports whether isDetailSoldPresent is set to true.
func (l *Listing) DetailSoldChecked() bool {
	return l.IsDetailSoldPresent != nil && *l.IsDetailSoldPresent
}

// Clone returns a deep copy that shares no mutable state with l.
func (l *Listing) Clone() *Listing {
	if l == nil {
		return nil
	}
	c := *l
	c.Price = cloneFloat(l.Price)
	c.PriceUSD = cloneFloat(l.PriceUSD)
	c.LandAreaSqm = cloneFloat(l.LandAreaSqm)
	c.BuildAreaSqm = cloneFloat(l.BuildAreaSqm)
	c.ListingImages = cloneStrings(l.ListingImages)
	c.RecommendedText = cloneStrings(l.RecommendedText)
	c.Tags = cloneStrings(l.Tags)
	if l.LatLong != nil {
		ll := *l.LatLong
		c.LatLong = &ll
	}
	if l.LatLongString != nil {
		s := *l.LatLongString
		c.LatLongString = &s
	}
	c.IsSold = cloneBool(l.IsSold)
	c.IsDetailSoldPresent = cloneBool(l.IsDetailSoldPresent)
	if l.ScrapedAt != nil {
		ts := *l.ScrapedAt
		c.ScrapedAt = &ts
	}
	if l.Original != nil {
		c.Original = CloneSnapshot(l.Original)
	}
	if l.Extra != nil {
		c.Extra = make(map[string]json.RawMessage, len(l.Extra))
		for k, v := range l.Extra {
			c.Extra[k] = append(json.RawMessage(nil), v...)
		}
	}
	return &c
}

// CloneSnapshot deep-copies a raw snapshot map.
func CloneSnapshot(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return CloneSnapshot(t)
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = cloneValue(e)
		}
		return out
	default:
		return v
	}
}

func cloneFloat(f *float64) *float64 {
	if f == nil {
		return nil
	}
	v := *f
	return &v
}

func cloneBool(b *bool) *bool {
	if b == nil {
		return nil
	}
	v := *b
	return &v
}

func cloneStrings(s []string) []string {
	if s == nil {
		return nil
	}
	return append(make([]string, 0, len(s)), s...)
}

// Float returns a pointer to f.
func Float(f float64) *float64 { return &f }

// Bool returns a pointer to b.
func Bool(b bool) *bool { return &b }

// String returns a pointer to s.
func String(s string) *string { return &s }
