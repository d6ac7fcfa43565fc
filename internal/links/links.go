// Package links canonicalizes and classifies catalog URLs. Two links that refer
// to the same logical page canonicalize to byte-identical strings, which is what
// the frontier deduplicates on.
package links

import (
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"

	"github.com/JakeFAU/catalog-crawler/internal/crawler"
)

// Canonicalizer normalizes URLs for a single target host.
type Canonicalizer struct {
	scheme string
	host   string
}

// New builds a Canonicalizer for scheme://host.
func New(scheme, host string) (*Canonicalizer, error) {
	scheme = strings.ToLower(strings.TrimSpace(scheme))
	host = strings.ToLower(strings.TrimSpace(host))
	if scheme != "http" && scheme != "https" {
		return nil, fmt.Errorf("unsupported scheme %q", scheme)
	}
	if host == "" {
		return nil, fmt.Errorf("target host is required")
	}
	return &Canonicalizer{scheme: scheme, host: host}, nil
}

// Canonicalize turns an absolute URL on the target host into its canonical form:
// lower-cased, query and fragment stripped, duplicate slashes collapsed, trailing
// slash appended, and the slug dropped from numeric entity paths.
func (c *Canonicalizer) Canonicalize(raw string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return "", fmt.Errorf("%w: %v", crawler.ErrInvalidURL, err)
	}
	if !u.IsAbs() || u.Host == "" {
		return "", fmt.Errorf("%w: %q is not absolute", crawler.ErrInvalidURL, raw)
	}
	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return "", fmt.Errorf("%w: unsupported scheme %q", crawler.ErrInvalidURL, u.Scheme)
	}
	if host := normalizeHost(u.Host, scheme); host != c.host {
		return "", fmt.Errorf("%w: %s", crawler.ErrForeignHost, host)
	}

	path := collapseSlashes(strings.ToLower(u.Path))
	if r, ok := matchRule(path); ok && r.numeric {
		if id, ok := parseID(path[len(r.prefix):]); ok {
			return c.build(r.prefix + strconv.FormatInt(id, 10) + "/"), nil
		}
	}
	if !strings.HasSuffix(path, "/") {
		path += "/"
	}
	return c.build(path), nil
}

// Classify derives the entity reference of a canonical URL. Numeric entity paths
// with a missing, zero or non-numeric id yield ErrInvalidEntityID.
func (c *Canonicalizer) Classify(canonical string) (crawler.EntityRef, error) {
	path, err := c.pathOf(canonical)
	if err != nil {
		return crawler.EntityRef{}, err
	}
	r, ok := matchRule(path)
	if !ok {
		return crawler.EntityRef{Kind: crawler.KindOther, URL: canonical}, nil
	}
	if !r.numeric {
		return crawler.EntityRef{Kind: r.kind, URL: canonical}, nil
	}
	rest := path[len(r.prefix):]
	id, ok := parseID(rest)
	if !ok || rest != strconv.FormatInt(id, 10)+"/" {
		return crawler.EntityRef{}, fmt.Errorf("%w: %s", crawler.ErrInvalidEntityID, canonical)
	}
	return crawler.EntityRef{Kind: r.kind, ID: id, URL: canonical}, nil
}

// IsExplorable reports whether a canonical URL may be admitted to the frontier.
func (c *Canonicalizer) IsExplorable(canonical string) bool {
	path, err := c.pathOf(canonical)
	if err != nil {
		return false
	}
	for _, alias := range rootAliases {
		if path == alias {
			return true
		}
	}
	r, ok := matchRule(path)
	if !ok || !r.explorable {
		return false
	}
	if r.numeric {
		_, err := c.Classify(canonical)
		return err == nil
	}
	return true
}

// EntityURL builds the canonical URL of a typed entity.
func (c *Canonicalizer) EntityURL(kind crawler.EntityKind, id int64) (string, error) {
	prefix, ok := typedPrefix(kind)
	if !ok {
		return "", fmt.Errorf("kind %q has no entity path", kind)
	}
	if id <= 0 {
		return "", fmt.Errorf("%w: %d", crawler.ErrInvalidEntityID, id)
	}
	return c.build(prefix + strconv.FormatInt(id, 10) + "/"), nil
}

func (c *Canonicalizer) pathOf(canonical string) (string, error) {
	u, err := url.Parse(canonical)
	if err != nil {
		return "", fmt.Errorf("%w: %v", crawler.ErrInvalidURL, err)
	}
	if !u.IsAbs() {
		return "", fmt.Errorf("%w: %q is not absolute", crawler.ErrInvalidURL, canonical)
	}
	if u.Host != c.host {
		return "", fmt.Errorf("%w: %s", crawler.ErrForeignHost, u.Host)
	}
	if u.Path == "" {
		return "/", nil
	}
	return u.Path, nil
}

func (c *Canonicalizer) build(path string) string {
	u := url.URL{Scheme: c.scheme, Host: c.host, Path: path}
	return u.String()
}

func normalizeHost(hostport, scheme string) string {
	hostport = strings.ToLower(hostport)
	host, port, err := net.SplitHostPort(hostport)
	if err != nil {
		return strings.TrimSuffix(hostport, ".")
	}
	if (scheme == "http" && port == "80") || (scheme == "https" && port == "443") {
		return strings.TrimSuffix(host, ".")
	}
	return hostport
}

func collapseSlashes(path string) string {
	if path == "" {
		return "/"
	}
	var b strings.Builder
	b.Grow(len(path) + 1)
	if path[0] != '/' {
		b.WriteByte('/')
	}
	prevSlash := false
	for i := 0; i < len(path); i++ {
		ch := path[i]
		if ch == '/' {
			if prevSlash {
				continue
			}
			prevSlash = true
		} else {
			prevSlash = false
		}
		b.WriteByte(ch)
	}
	return b.String()
}

// parseID reads the leading decimal segment of rest. It fails for empty, zero,
// or non-numeric segments.
func parseID(rest string) (int64, bool) {
	seg := rest
	if i := strings.IndexByte(rest, '/'); i >= 0 {
		seg = rest[:i]
	}
	if seg == "" {
		return 0, false
	}
	for i := 0; i < len(seg); i++ {
		if seg[i] < '0' || seg[i] > '9' {
			return 0, false
		}
	}
	id, err := strconv.ParseInt(seg, 10, 64)
	if err != nil || id <= 0 {
		return 0, false
	}
	return id, true
}
