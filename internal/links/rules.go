package links

import "github.com/JakeFAU/catalog-crawler/internal/crawler"

// rule maps an exact path prefix onto a classification.
type rule struct {
	prefix     string
	kind       crawler.EntityKind
	numeric    bool
	explorable bool
}

// rules is checked in order with exact prefix matching; every prefix ends with a
// slash so that /app/ never matches /application/.
var rules = []rule{
	{prefix: "/app/", kind: crawler.KindApp, numeric: true, explorable: true},
	{prefix: "/bundle/", kind: crawler.KindBundle, numeric: true, explorable: true},
	{prefix: "/sub/", kind: crawler.KindSub, numeric: true, explorable: true},
	{prefix: "/dlc/", kind: crawler.KindOther, numeric: true, explorable: true},

	{prefix: "/developer/", kind: crawler.KindOther, explorable: true},
	{prefix: "/publisher/", kind: crawler.KindOther, explorable: true},
	{prefix: "/franchise/", kind: crawler.KindOther, explorable: true},
	{prefix: "/curator/", kind: crawler.KindOther, explorable: true},
	{prefix: "/genre/", kind: crawler.KindOther, explorable: true},
	{prefix: "/tags/", kind: crawler.KindOther, explorable: true},
	{prefix: "/category/", kind: crawler.KindOther, explorable: true},
	{prefix: "/search/", kind: crawler.KindOther, explorable: true},
	{prefix: "/specials/", kind: crawler.KindOther, explorable: true},
	{prefix: "/sale/", kind: crawler.KindOther, explorable: true},
	{prefix: "/explore/", kind: crawler.KindOther, explorable: true},
	{prefix: "/charts/", kind: crawler.KindOther, explorable: true},

	{prefix: "/login/", kind: crawler.KindOther},
	{prefix: "/join/", kind: crawler.KindOther},
	{prefix: "/cart/", kind: crawler.KindOther},
	{prefix: "/checkout/", kind: crawler.KindOther},
	{prefix: "/account/", kind: crawler.KindOther},
	{prefix: "/wishlist/", kind: crawler.KindOther},
	{prefix: "/agecheck/", kind: crawler.KindOther},
	{prefix: "/widget/", kind: crawler.KindOther},
}

// rootAliases are host-root paths that are always explorable.
var rootAliases = []string{"/", "/home/"}

func matchRule(path string) (rule, bool) {
	for _, r := range rules {
		if len(path) >= len(r.prefix) && path[:len(r.prefix)] == r.prefix {
			return r, true
		}
	}
	return rule{}, false
}

func typedPrefix(kind crawler.EntityKind) (string, bool) {
	for _, r := range rules {
		if r.kind == kind && r.numeric && kind.IsTyped() {
			return r.prefix, true
		}
	}
	return "", false
}
