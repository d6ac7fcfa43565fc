// Package parse extracts canonical outbound links and typed entity references from
// fetched catalog pages.
package parse

import (
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"go.uber.org/zap"

	"github.com/JakeFAU/catalog-crawler/internal/crawler"
	"github.com/JakeFAU/catalog-crawler/internal/links"
)

// Parser implements crawler.Parser with goquery.
type Parser struct {
	canon  *links.Canonicalizer
	logger *zap.Logger
}

var _ crawler.Parser = (*Parser)(nil)

// New returns a Parser that canonicalizes links with canon.
func New(canon *links.Canonicalizer, logger *zap.Logger) (*Parser, error) {
	if canon == nil {
		return nil, errors.New("parse: canonicalizer is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Parser{canon: canon, logger: logger.Named("parse")}, nil
}

// Parse reads every anchor in body, resolves it against pageURL, and splits the
// on-host results into explorable links and ignored ones. Off-host and malformed
// hrefs are dropped without being reported.
func (p *Parser) Parse(pageURL string, body string) (crawler.ParsedPage, error) {
	address, err := p.canon.Canonicalize(pageURL)
	if err != nil {
		return crawler.ParsedPage{}, fmt.Errorf("parse: page address: %w", err)
	}
	base, err := url.Parse(pageURL)
	if err != nil {
		return crawler.ParsedPage{}, fmt.Errorf("parse: %w: %v", crawler.ErrInvalidURL, err)
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(body))
	if err != nil {
		return crawler.ParsedPage{}, fmt.Errorf("parse: read html: %w", err)
	}

	page := crawler.ParsedPage{Address: address}
	seen := make(map[string]struct{})
	seenEntity := make(map[crawler.EntityRef]struct{})

	doc.Find("a[href]").Each(func(_ int, sel *goquery.Selection) {
		href, ok := sel.Attr("href")
		href = strings.TrimSpace(href)
		if !ok || href == "" || strings.HasPrefix(href, "#") {
			return
		}
		resolved, err := base.Parse(href)
		if err != nil {
			return
		}
		canonical, err := p.canon.Canonicalize(resolved.String())
		if err != nil {
			return
		}
		if _, dup := seen[canonical]; dup {
			return
		}
		seen[canonical] = struct{}{}

		if !p.canon.IsExplorable(canonical) {
			page.Ignored = append(page.Ignored, canonical)
			return
		}
		page.Links = append(page.Links, canonical)

		ref, err := p.canon.Classify(canonical)
		if err != nil || !ref.Kind.IsTyped() {
			return
		}
		key := crawler.EntityRef{Kind: ref.Kind, ID: ref.ID}
		if _, dup := seenEntity[key]; dup {
			return
		}
		seenEntity[key] = struct{}{}
		page.Entities = append(page.Entities, ref)
	})

	p.logger.Debug("parsed page",
		zap.String("url", address),
		zap.Int("links", len(page.Links)),
		zap.Int("entities", len(page.Entities)),
		zap.Int("ignored", len(page.Ignored)),
	)
	return page, nil
}
