package stats

import (
	"net/url"
	"regexp"
	"strings"
)

var (
	numericSegment = regexp.MustCompile(`^\d+$`)
	uuidSegment    = regexp.MustCompile(`^[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12}$`)
	hexSegment     = regexp.MustCompile(`^[0-9a-fA-F]{24,}$`)
)

// NormalizeURL groups URLs that differ only in identifiers: the query
// string is dropped and path segments that look like numeric ids, UUIDs
// or long hex tokens become ":id".
func NormalizeURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}

	segments := strings.Split(u.Path, "/")
	for i, seg := range segments {
		if numericSegment.MatchString(seg) || uuidSegment.MatchString(seg) || hexSegment.MatchString(seg) {
			segments[i] = ":id"
		}
	}

	u.Path = strings.Join(segments, "/")
	u.RawQuery = ""
	u.Fragment = ""
	return u.String()
}
