package demo

import (
	"net/url"
	"regexp"
	"strings"
	"unicode"
)

var nameAliases = []string{"demo_name", "demoName", "product", "title"}

var (
	idLikeSegment = regexp.MustCompile(`^[0-9a-fA-F-]{8,}$`)
	slugSegment   = regexp.MustCompile(`^[A-Za-z0-9_-]*[A-Za-z][A-Za-z0-9_-]*$`)
)

var stopSegments = map[string]struct{}{
	"demo": {}, "demos": {}, "public": {}, "view": {}, "p": {}, "embed": {}, "share": {}, "app": {},
}

// FallbackName is the placeholder used when nothing better is known about a
// demo's name.
func FallbackName(demoID string) string {
	short := demoID
	if len(short) > 8 {
		short = short[:8]
	}
	return fallbackPrefix + short
}

// IsFallbackName reports whether name looks like a generated placeholder.
func IsFallbackName(name string) bool {
	return strings.HasPrefix(name, fallbackPrefix)
}

// NameFromLead recovers a demo name from what a lead carried at submission
// time: the _demo_name snapshot, then common alias fields, then the page URL,
// then the placeholder.
func NameFromLead(lead Lead, demoID string) string {
	if name := fieldString(lead.Fields, DemoNameField); name != "" {
		return name
	}
	for _, alias := range nameAliases {
		if name := fieldString(lead.Fields, alias); name != "" {
			return name
		}
	}
	if name := nameFromPageURL(lead.PageURL, demoID); name != "" {
		return name
	}
	return FallbackName(demoID)
}

// BestNameFromLeads prefers the first lead whose derived name is not a
// placeholder.
func BestNameFromLeads(leads []Lead, demoID string) string {
	if len(leads) == 0 {
		return FallbackName(demoID)
	}
	for _, lead := range leads {
		name := NameFromLead(lead, demoID)
		if !IsFallbackName(name) {
			return name
		}
	}
	return NameFromLead(leads[0], demoID)
}

func fieldString(fields map[string]any, key string) string {
	if fields == nil {
		return ""
	}
	value, ok := fields[key].(string)
	if !ok {
		return ""
	}
	return strings.TrimSpace(value)
}

func nameFromPageURL(pageURL, demoID string) string {
	if strings.TrimSpace(pageURL) == "" {
		return ""
	}
	path := pageURL
	if parsed, err := url.Parse(pageURL); err == nil {
		path = parsed.Path
	}
	segments := strings.Split(strings.Trim(path, "/"), "/")
	for i := len(segments) - 1; i >= 0; i-- {
		segment, err := url.PathUnescape(segments[i])
		if err != nil {
			segment = segments[i]
		}
		if segment == "" || segment == demoID {
			continue
		}
		if _, stop := stopSegments[strings.ToLower(segment)]; stop {
			continue
		}
		if isIDLike(segment) || !slugSegment.MatchString(segment) {
			continue
		}
		return humanize(segment)
	}
	return ""
}

func isIDLike(segment string) bool {
	return idLikeSegment.MatchString(segment) && strings.ContainsAny(segment, "0123456789")
}

func humanize(slug string) string {
	words := strings.FieldsFunc(slug, func(r rune) bool { return r == '-' || r == '_' })
	for i, word := range words {
		runes := []rune(word)
		runes[0] = unicode.ToUpper(runes[0])
		words[i] = string(runes)
	}
	return strings.Join(words, " ")
}
