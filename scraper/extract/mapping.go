package extract

import (
	"errors"
	"fmt"
	"math"
	"os"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/sirupsen/logrus"
	"golang.org/x/text/width"
	"gopkg.in/yaml.v3"

	"listing-scraper/models"
)

// ErrRequiredMissing marks a result where at least one required field could
// not be extracted.
var ErrRequiredMissing = errors.New("extract: required field missing")

// Mapping declares how one output field is derived. The mapping list is the
// only place that knows which fields exist.
type Mapping struct {
	OutputField string `yaml:"field"`
	Extractor   string `yaml:"extractor"`
	Selector    string `yaml:"selector"`
	Required    bool   `yaml:"required"`
	Default     any    `yaml:"default"`
	Post        string `yaml:"post"`
}

type mappingFile struct {
	Scope    string    `yaml:"scope"`
	Mappings []Mapping `yaml:"mappings"`
}

// PostProcessor rewrites an extracted value.
type PostProcessor func(v any) (any, error)

// DefaultMappings is the selector contract for the listing detail page.
func DefaultMappings() []Mapping {
	return []Mapping{
		{OutputField: "address", Extractor: "text", Selector: ".property-detail__address", Required: true},
		{OutputField: "englishAddress", Extractor: "text", Selector: ".property-detail__address-en"},
		{OutputField: "price", Extractor: "price", Selector: ".property-detail__price", Required: true},
		{OutputField: "priceUsd", Extractor: "price", Selector: ".property-detail__price", Post: "usd"},
		{OutputField: "layout", Extractor: "text", Selector: ".property-detail__layout", Post: "layout"},
		{OutputField: "landAreaSqm", Extractor: "area", Selector: ".property-detail__land-area"},
		{OutputField: "buildAreaSqm", Extractor: "area", Selector: ".property-detail__building-area"},
		{OutputField: "listingImages", Extractor: "images", Selector: ".property-gallery img"},
		{OutputField: "recommendedText", Extractor: "texts", Selector: ".property-recommend li"},
		{OutputField: "aboutProperty", Extractor: "text", Selector: ".property-detail__about"},
		{OutputField: "tags", Extractor: "texts", Selector: ".property-tags li", Required: true},
		{OutputField: "latLong", Extractor: "coordinates", Selector: "[data-lat], .property-map iframe, a.property-map__link"},
		{OutputField: "latLongString", Extractor: "coordinates", Selector: "[data-lat], .property-map iframe, a.property-map__link", Post: "latlongstring"},
		{OutputField: "isSold", Extractor: "sold", Selector: ".property-status--sold"},
		{OutputField: "isDetailSoldPresent", Extractor: "exists", Selector: ".property-status"},
	}
}

// LoadMappingFile reads a YAML mapping list and overlays it on base: entries
// with a known field replace the base entry, new fields are appended.
func LoadMappingFile(path string, base []Mapping) ([]Mapping, string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, "", fmt.Errorf("extract: read mapping file: %w", err)
	}
	var f mappingFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, "", fmt.Errorf("extract: parse mapping file %q: %w", path, err)
	}

	out := append([]Mapping(nil), base...)
	index := make(map[string]int, len(out))
	for i, m := range out {
		index[m.OutputField] = i
	}
	for _, m := range f.Mappings {
		if m.OutputField == "" {
			return nil, "", fmt.Errorf("extract: mapping without field in %q", path)
		}
		if i, ok := index[m.OutputField]; ok {
			out[i] = m
			continue
		}
		index[m.OutputField] = len(out)
		out = append(out, m)
	}
	return out, f.Scope, nil
}

// Result is the outcome of applying a mapping list to one page.
type Result struct {
	Fields  map[string]any
	Raw     map[string]any
	Missing []string
}

// Err returns ErrRequiredMissing naming the missing fields, or nil.
func (r *Result) Err() error {
	if len(r.Missing) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %s", ErrRequiredMissing, strings.Join(r.Missing, ", "))
}

// Engine applies mappings with a fixed extractor and post-processor registry.
type Engine struct {
	mappings   []Mapping
	extractors map[string]Extractor
	post       map[string]PostProcessor
	logger     logrus.FieldLogger
}

// NewEngine validates mappings against the built-in registries.
func NewEngine(mappings []Mapping, usdPerJPY float64, logger logrus.FieldLogger) (*Engine, error) {
	e := &Engine{
		mappings:   mappings,
		extractors: DefaultExtractors(),
		post:       DefaultPostProcessors(usdPerJPY),
		logger:     logger,
	}
	for _, m := range mappings {
		if _, ok := e.extractors[m.Extractor]; !ok {
			return nil, fmt.Errorf("extract: field %q: unknown extractor %q", m.OutputField, m.Extractor)
		}
		if m.Post != "" {
			if _, ok := e.post[m.Post]; !ok {
				return nil, fmt.Errorf("extract: field %q: unknown post-processor %q", m.OutputField, m.Post)
			}
		}
	}
	return e, nil
}

// Mappings returns the engine's mapping list.
func (e *Engine) Mappings() []Mapping {
	return e.mappings
}

// Apply runs every mapping against doc, limited to the first element matching
// scope when scope is non-empty. A failed optional field takes its default (or
// is left out); a failed required field is recorded in Result.Missing. The
// remaining fields are still extracted.
func (e *Engine) Apply(doc *goquery.Document, scope string) *Result {
	root := doc.Selection
	if scope != "" {
		if s := doc.Find(scope).First(); s.Length() > 0 {
			root = s
		} else {
			e.logger.WithField("scope", scope).Warn("[extract] Scope not found, using whole document")
		}
	}

	res := &Result{Fields: make(map[string]any), Raw: make(map[string]any)}
	for _, m := range e.mappings {
		v, err := e.extractors[m.Extractor](root, m.Selector, e.logger)
		if v.Raw != "" {
			res.Raw[m.OutputField] = v.Raw
		}
		if err == nil && m.Post != "" {
			v.Typed, err = e.post[m.Post](v.Typed)
		}
		if err != nil {
			if m.Required {
				res.Missing = append(res.Missing, m.OutputField)
				e.logger.WithField("field", m.OutputField).Debugf("[extract] Required field failed: %v", err)
				continue
			}
			if m.Default != nil {
				res.Fields[m.OutputField] = m.Default
			}
			continue
		}
		res.Fields[m.OutputField] = v.Typed
	}
	return res
}

// DefaultPostProcessors returns the built-in post-processor registry.
func DefaultPostProcessors(usdPerJPY float64) map[string]PostProcessor {
	return map[string]PostProcessor{
		"usd": func(v any) (any, error) {
			f, ok := v.(float64)
			if !ok {
				return nil, fmt.Errorf("usd: want number, got %T", v)
			}
			return math.Round(f*usdPerJPY*100) / 100, nil
		},
		"layout": func(v any) (any, error) {
			s, ok := v.(string)
			if !ok {
				return nil, fmt.Errorf("layout: want text, got %T", v)
			}
			return strings.ToUpper(width.Narrow.String(strings.ReplaceAll(s, " ", ""))), nil
		},
		"latlongstring": func(v any) (any, error) {
			c, ok := v.(models.Coordinates)
			if !ok {
				return nil, fmt.Errorf("latlongstring: want coordinates, got %T", v)
			}
			return strconv.FormatFloat(c.Lat, 'f', -1, 64) + "," + strconv.FormatFloat(c.Long, 'f', -1, 64), nil
		},
	}
}
