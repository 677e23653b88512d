package agent

import (
	"fmt"
	"net/url"
	"path"
	"strings"

	"github.com/illmade-knight/go-gigcache/pkg/cache"
	"github.com/illmade-knight/go-gigcache/pkg/gig"
)

// RequestClass selects the caching strategy applied to a request.
type RequestClass string

const (
	// ClassPerformanceData is a gig snapshot fetch: cache-first with background refresh.
	ClassPerformanceData RequestClass = "performance-data"
	// ClassPerformancePage is the performance view page: network-first with cache fallback.
	ClassPerformancePage RequestClass = "performance-page"
	// ClassStaticAsset is a static asset: cache-first, populated on miss.
	ClassStaticAsset RequestClass = "static-asset"
	// ClassPassthrough is everything else: never cached.
	ClassPassthrough RequestClass = "passthrough"
)

// Routes describes the URL layout of the performance view. A gig id is
// substituted for the single "%s" in each pattern.
type Routes struct {
	DataPattern   string
	PagePattern   string
	AssetPrefixes []string
}

// DefaultRoutes matches the band app's performance view.
func DefaultRoutes() Routes {
	return Routes{
		DataPattern:   "/api/gigs/%s/performance",
		PagePattern:   "/gigs/%s/performance",
		AssetPrefixes: []string{"/static/", "/assets/"},
	}
}

// Validate checks that each pattern has exactly one id placeholder.
func (r Routes) Validate() error {
	for name, pattern := range map[string]string{"data": r.DataPattern, "page": r.PagePattern} {
		if strings.Count(pattern, "%s") != 1 || !strings.HasPrefix(pattern, "/") {
			return fmt.Errorf("%s pattern %q must start with '/' and contain exactly one %%s", name, pattern)
		}
	}
	return nil
}

// DataPath returns the snapshot URL path of a gig.
func (r Routes) DataPath(gigID string) string {
	return fmt.Sprintf(r.DataPattern, url.PathEscape(gigID))
}

// PagePath returns the performance page URL path of a gig.
func (r Routes) PagePath(gigID string) string {
	return fmt.Sprintf(r.PagePattern, url.PathEscape(gigID))
}

// Classify determines the request class of a path and, for performance
// requests, the gig id it addresses.
func (r Routes) Classify(rawPath string) (RequestClass, string) {
	p := cleanPath(rawPath)
	if id, ok := matchPattern(r.DataPattern, p); ok {
		return ClassPerformanceData, id
	}
	if id, ok := matchPattern(r.PagePattern, p); ok {
		return ClassPerformancePage, id
	}
	for _, prefix := range r.AssetPrefixes {
		if strings.HasPrefix(p, prefix) {
			return ClassStaticAsset, ""
		}
	}
	return ClassPassthrough, ""
}

// CacheKey returns the namespace kind and key under which a classified
// request is stored. Passthrough requests have no key.
func (r Routes) CacheKey(class RequestClass, gigID, rawPath string) (cache.Kind, string, bool) {
	switch class {
	case ClassPerformanceData:
		return cache.KindPerformanceData, gig.DataKey(gigID), true
	case ClassPerformancePage:
		return cache.KindStaticAssets, r.PagePath(gigID), true
	case ClassStaticAsset:
		return cache.KindStaticAssets, cleanPath(rawPath), true
	default:
		return "", "", false
	}
}

func cleanPath(raw string) string {
	if u, err := url.Parse(raw); err == nil && u.Path != "" {
		raw = u.Path
	}
	if !strings.HasPrefix(raw, "/") {
		raw = "/" + raw
	}
	cleaned := path.Clean(raw)
	if strings.HasSuffix(raw, "/") && cleaned != "/" {
		cleaned += "/"
	}
	return cleaned
}

// matchPattern extracts the id from p if it matches pattern. p is already
// unescaped by cleanPath.
func matchPattern(pattern, p string) (string, bool) {
	prefix, suffix, ok := strings.Cut(pattern, "%s")
	if !ok {
		return "", false
	}
	if !strings.HasPrefix(p, prefix) || !strings.HasSuffix(p, suffix) || len(p) <= len(prefix)+len(suffix) {
		return "", false
	}
	id := p[len(prefix) : len(p)-len(suffix)]
	if strings.Contains(id, "/") {
		return "", false
	}
	return id, true
}
