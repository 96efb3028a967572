package mirror

import "strings"

// URLBuilder turns storage keys into externally visible URLs.
type URLBuilder interface {
	Format(relativePath string) string
}

// BaseURL joins keys onto a public base such as a CDN or bucket endpoint.
type BaseURL string

// Format is pure; it performs no I/O.
func (b BaseURL) Format(relativePath string) string {
	base := strings.TrimRight(string(b), "/")
	rel := strings.TrimLeft(relativePath, "/")
	if base == "" {
		return "/" + rel
	}
	return base + "/" + rel
}
