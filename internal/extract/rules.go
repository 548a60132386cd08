package extract

import (
	"context"
	"net/mail"
	"regexp"
	"strconv"
	"strings"
	"time"

	"inboxflow/internal/domain"
)

// Source is a third-party listing site and the text markers that identify it.
type Source struct {
	Name    string
	Markers []string
}

// KnownSources is checked in order; the first source with a matching marker
// wins.
var KnownSources = []Source{
	{Name: "bark", Markers: []string{"bark.com", "via bark", "bark lead"}},
	{Name: "hitched", Markers: []string{"hitched.co.uk", "via hitched"}},
	{Name: "addtoevent", Markers: []string{"addtoevent", "add to event"}},
	{Name: "poptop", Markers: []string{"poptop"}},
	{Name: "encore", Markers: []string{"encoremusicians", "encore musicians"}},
}

// IsKnownSource reports whether s names a recognized listing source.
func IsKnownSource(s string) bool {
	s = strings.ToLower(s)
	for _, src := range KnownSources {
		if src.Name == s {
			return true
		}
	}
	return false
}

var months = map[string]time.Month{
	"jan": time.January, "feb": time.February, "mar": time.March, "apr": time.April,
	"may": time.May, "jun": time.June, "jul": time.July, "aug": time.August,
	"sep": time.September, "oct": time.October, "nov": time.November, "dec": time.December,
}

const monthPattern = `(jan(?:uary)?|feb(?:ruary)?|mar(?:ch)?|apr(?:il)?|may|june?|july?|aug(?:ust)?|sept?(?:ember)?|oct(?:ober)?|nov(?:ember)?|dec(?:ember)?)`

var (
	dayMonthRe = regexp.MustCompile(`(?i)\b(\d{1,2})(?:st|nd|rd|th)?\s+(?:of\s+)?` + monthPattern + `\b(?:,?\s+(\d{4}))?`)
	monthDayRe = regexp.MustCompile(`(?i)\b` + monthPattern + `\s+(\d{1,2})(?:st|nd|rd|th)?\b(?:,?\s+(\d{4}))?`)
	numericRe  = regexp.MustCompile(`\b(\d{1,2})/(\d{1,2})/(\d{4})\b`)
	feeRe      = regexp.MustCompile(`([£$€])\s?(\d{1,3}(?:,\d{3})+|\d+)(?:\.(\d{1,2}))?`)
	segmentRe  = regexp.MustCompile(`[,;\n]+`)
	leadInRe   = regexp.MustCompile(`(?i)^(?:venue\s*(?:is)?\s*:?|at|in)\s+`)
)

var venueWords = []string{
	"barn", "hall", "hotel", "manor", "house", "church", "chapel", "club", "venue",
	"farm", "castle", "estate", "gardens", "court", "lodge", "abbey", "inn", "pub",
	"rooms", "centre", "center", "pavilion", "mill", "priory", "arms",
}

var eventTypes = []string{
	"wedding", "engagement", "anniversary", "birthday", "christening", "corporate",
	"funeral", "ceremony", "gala", "festival", "party",
}

var currencies = map[string]string{"£": "GBP", "$": "USD", "€": "EUR"}

// Rules is a deterministic extractor built from regular expressions. Dates
// without a year resolve to the next occurrence on or after Now.
type Rules struct {
	Now func() time.Time
}

func (r Rules) Extract(ctx context.Context, body, sender, tenantID string) (domain.ExtractedFields, error) {
	if err := ctx.Err(); err != nil {
		return domain.ExtractedFields{}, err
	}
	now := time.Now()
	if r.Now != nil {
		now = r.Now()
	}

	var f domain.ExtractedFields
	if a, err := mail.ParseAddress(sender); err == nil {
		f.ClientName = a.Name
		f.ClientEmail = strings.ToLower(a.Address)
	} else {
		f.ClientEmail = strings.ToLower(strings.TrimSpace(sender))
	}

	f.EventDate = findDate(body, now)
	if m := feeRe.FindStringSubmatch(body); m != nil {
		amount := strings.ReplaceAll(m[2], ",", "")
		if m[3] != "" {
			amount += "." + m[3]
		}
		if v, err := strconv.ParseFloat(amount, 64); err == nil {
			f.Fee = &v
			f.Currency = currencies[m[1]]
		}
	}
	f.Venue = findVenue(body)
	f.EventType = findEventType(body)
	f.Source = findSource(body + " " + sender)

	found := 0
	for _, ok := range []bool{f.EventDate != nil, f.Venue != "", f.Fee != nil, f.EventType != ""} {
		if ok {
			found++
		}
	}
	f.Confidence = float64(found) / 4
	return f, nil
}

func findDate(body string, now time.Time) *time.Time {
	if m := dayMonthRe.FindStringSubmatch(body); m != nil {
		day, _ := strconv.Atoi(m[1])
		return resolveDate(day, months[strings.ToLower(m[2][:3])], m[3], now)
	}
	if m := monthDayRe.FindStringSubmatch(body); m != nil {
		day, _ := strconv.Atoi(m[2])
		return resolveDate(day, months[strings.ToLower(m[1][:3])], m[3], now)
	}
	if m := numericRe.FindStringSubmatch(body); m != nil {
		day, _ := strconv.Atoi(m[1])
		mon, _ := strconv.Atoi(m[2])
		if mon < 1 || mon > 12 {
			return nil
		}
		return resolveDate(day, time.Month(mon), m[3], now)
	}
	return nil
}

func resolveDate(day int, month time.Month, year string, now time.Time) *time.Time {
	if day < 1 || day > 31 || month == 0 {
		return nil
	}
	y := now.Year()
	explicit := year != ""
	if explicit {
		y, _ = strconv.Atoi(year)
	}
	d := time.Date(y, month, day, 0, 0, 0, 0, time.UTC)
	if d.Day() != day {
		return nil
	}
	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	if !explicit && d.Before(today) {
		d = time.Date(y+1, month, day, 0, 0, 0, 0, time.UTC)
		if d.Day() != day {
			return nil
		}
	}
	return &d
}

func findVenue(body string) string {
	var fallback string
	for _, seg := range segmentRe.Split(body, -1) {
		seg = strings.TrimSpace(strings.TrimRight(strings.TrimSpace(seg), ".!"))
		seg = leadInRe.ReplaceAllString(seg, "")
		if seg == "" || strings.ContainsAny(seg, "0123456789£$€@") || !titleCase(seg) {
			continue
		}
		lower := strings.ToLower(seg)
		for _, w := range venueWords {
			for _, word := range strings.Fields(lower) {
				if word == w {
					return seg
				}
			}
		}
		if fallback == "" && strings.HasPrefix(seg, "The ") && len(strings.Fields(seg)) > 1 {
			fallback = seg
		}
	}
	return fallback
}

func titleCase(s string) bool {
	words := strings.Fields(s)
	if len(words) == 0 || len(words) > 8 {
		return false
	}
	for _, w := range words {
		switch strings.ToLower(w) {
		case "of", "on", "the", "and", "at", "in", "&", "upon":
			continue
		}
		if c := w[0]; c < 'A' || c > 'Z' {
			return false
		}
	}
	return true
}

func findEventType(body string) string {
	lower := strings.ToLower(body)
	for _, t := range eventTypes {
		if containsWord(lower, t, true) {
			return t
		}
	}
	return ""
}

func findSource(text string) string {
	lower := strings.ToLower(text)
	for _, src := range KnownSources {
		for _, m := range src.Markers {
			if containsWord(lower, m, false) {
				return src.Name
			}
		}
	}
	return ""
}

// containsWord reports whether w occurs in text as a whole word. Hyphens
// count as word characters, so "third-party" does not contain "party".
// With plural set a trailing "s" is accepted.
func containsWord(text, w string, plural bool) bool {
	for from := 0; from < len(text); {
		i := strings.Index(text[from:], w)
		if i < 0 {
			return false
		}
		start := from + i
		end := start + len(w)
		if plural && end < len(text) && text[end] == 's' && (end+1 == len(text) || !isWordByte(text[end+1])) {
			end++
		}
		if (start == 0 || !isWordByte(text[start-1])) && (end == len(text) || !isWordByte(text[end])) {
			return true
		}
		from = start + 1
	}
	return false
}

func isWordByte(c byte) bool {
	return c == '-' || c == '_' || c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c >= '0' && c <= '9'
}
