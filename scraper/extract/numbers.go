package extract

import (
	"math"
	"regexp"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"
	"golang.org/x/text/width"
)

const (
	tenThousand    = 1e4 // 万
	hundredMillion = 1e8 // 億
)

var (
	okuRegexp    = regexp.MustCompile(`(\d+(?:\.\d+)?)億`)
	manRegexp    = regexp.MustCompile(`(\d+(?:\.\d+)?)万`)
	numberRegexp = regexp.MustCompile(`\d+(?:\.\d+)?`)
	areaRegexp   = regexp.MustCompile(`(\d+(?:\.\d+)?)\s*(?:m²|㎡|m2|平米|sqm)`)
)

// normaliseNumeric folds full-width digits and drops separators and currency
// marks so the magnitude regexps only see ASCII digits.
func normaliseNumeric(raw string) string {
	s := width.Narrow.String(raw)
	s = strings.NewReplacer(",", "", " ", "", " ", "", "円", "", "¥", "", "￥", "").Replace(s)
	return strings.TrimSpace(s)
}

// ParsePrice turns a listing price into base currency units. It understands
// compact magnitude notation ("693万円" is 6,930,000 and "1億2000万円" is
// 120,000,000) as well as plain digits. Unparseable input logs a warning and
// yields 0.
func ParsePrice(raw string, logger logrus.FieldLogger) float64 {
	s := normaliseNumeric(raw)
	if s == "" {
		warnUnparseable(logger, "price", raw)
		return 0
	}

	var total float64
	matched := false

	if m := okuRegexp.FindStringSubmatch(s); m != nil {
		v, err := strconv.ParseFloat(m[1], 64)
		if err == nil {
			total += v * hundredMillion
			matched = true
			s = strings.Replace(s, m[0], "", 1)
		}
	}
	if m := manRegexp.FindStringSubmatch(s); m != nil {
		v, err := strconv.ParseFloat(m[1], 64)
		if err == nil {
			total += v * tenThousand
			matched = true
			s = strings.Replace(s, m[0], "", 1)
		}
	}

	// Whatever digits remain after the magnitude parts are plain units,
	// e.g. the 5000 in "1万5000円".
	if rest := numberRegexp.FindString(s); rest != "" {
		v, err := strconv.ParseFloat(rest, 64)
		if err == nil {
			total += v
			matched = true
		}
	}

	if !matched {
		warnUnparseable(logger, "price", raw)
		return 0
	}
	return math.Round(total)
}

// ParseArea extracts square metres from text such as "120.55m²" or
// "98.3㎡（登記）". A bare number is accepted as square metres. Unparseable
// input logs a warning and yields 0.
func ParseArea(raw string, logger logrus.FieldLogger) float64 {
	s := width.Narrow.String(strings.ReplaceAll(raw, ",", ""))

	match := ""
	if m := areaRegexp.FindStringSubmatch(s); m != nil {
		match = m[1]
	} else {
		match = numberRegexp.FindString(s)
	}
	if match == "" {
		warnUnparseable(logger, "area", raw)
		return 0
	}

	v, err := strconv.ParseFloat(match, 64)
	if err != nil {
		warnUnparseable(logger, "area", raw)
		return 0
	}
	return v
}

func warnUnparseable(logger logrus.FieldLogger, kind, raw string) {
	if logger == nil {
		return
	}
	logger.WithField("raw", raw).Warnf("[extract] Could not parse %s", kind)
}
