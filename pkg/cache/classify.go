package cache

import (
	"net/http"
	"regexp"
	"strings"
)

// Class selects the caching strategy for a request. Rules are
// evaluated in order; first match wins.
type Class int

const (
	ClassStatic Class = iota
	ClassTile
	ClassAPI
	ClassNavigation
	ClassDefault
)

func (c Class) String() string {
	switch c {
	case ClassStatic:
		return "static"
	case ClassTile:
		return "tile"
	case ClassAPI:
		return "api"
	case ClassNavigation:
		return "navigation"
	default:
		return "default"
	}
}

// Default patterns mirror the deployed application shell: the OSM tile
// servers and the weather/geo APIs the client talks to.
var (
	defaultTilePattern  = regexp.MustCompile(`^https://[abc]\.tile\.openstreetmap\.org/\d+/\d+/\d+\.png$`)
	defaultAPIPatterns  = []*regexp.Regexp{regexp.MustCompile(`^https://api\.openweathermap\.org`), regexp.MustCompile(`^https://api\.mapbox\.com`)}
	defaultStaticSuffix = []string{".css", ".js", ".png", ".jpg", ".svg", ".woff", ".woff2"}
)

// Classifier assigns a Class to each request.
type Classifier struct {
	StaticAssets   []string
	StaticSuffixes []string
	TilePattern    *regexp.Regexp
	APIPatterns    []*regexp.Regexp
}

// NewClassifier returns a classifier with the default rule set, with
// the given always-static asset identities (the application shell).
func NewClassifier(staticAssets []string) *Classifier {
	return &Classifier{
		StaticAssets:   staticAssets,
		StaticSuffixes: defaultStaticSuffix,
		TilePattern:    defaultTilePattern,
		APIPatterns:    defaultAPIPatterns,
	}
}

// Classify applies the ordered rules to a request.
func (c *Classifier) Classify(method, url, accept string) Class {
	for _, asset := range c.StaticAssets {
		if strings.Contains(url, asset) {
			return ClassStatic
		}
	}
	// Tiles are .png too; the pattern must win over the suffix
	// shortcut or they would never age out.
	if c.TilePattern != nil && c.TilePattern.MatchString(url) {
		return ClassTile
	}
	for _, suffix := range c.StaticSuffixes {
		if strings.HasSuffix(url, suffix) {
			return ClassStatic
		}
	}
	for _, re := range c.APIPatterns {
		if re.MatchString(url) {
			return ClassAPI
		}
	}
	if strings.Contains(url, "/api/") {
		return ClassAPI
	}
	if method == http.MethodGet && strings.Contains(accept, "text/html") {
		return ClassNavigation
	}
	return ClassDefault
}
