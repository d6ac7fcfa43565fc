package scanner

import (
	"fmt"
	"sort"

	"github.com/JakeFAU/catalog-crawler/internal/crawler"
)

// Kind describes one periodic worker type: which entities it claims and which
// column records its progress.
type Kind struct {
	Name   string
	Entity crawler.EntityKind
	Table  string
	Column string
}

// Built-in worker kinds. Each is its own lease namespace, so scanning and
// aggregating the same app are claimed independently.
var kinds = map[string]Kind{
	"scan-apps":        {Name: "scan-apps", Entity: crawler.KindApp, Table: "apps", Column: "last_scanned_at"},
	"scan-bundles":     {Name: "scan-bundles", Entity: crawler.KindBundle, Table: "bundles", Column: "last_scanned_at"},
	"scan-subs":        {Name: "scan-subs", Entity: crawler.KindSub, Table: "subs", Column: "last_scanned_at"},
	"aggregate-prices": {Name: "aggregate-prices", Entity: crawler.KindApp, Table: "apps", Column: "last_aggregated_at"},
}

// LookupKind returns the worker kind registered under name.
func LookupKind(name string) (Kind, error) {
	k, ok := kinds[name]
	if !ok {
		return Kind{}, fmt.Errorf("unknown scanner worker %q (known: %v)", name, KindNames())
	}
	return k, nil
}

// KindNames lists the known worker kinds in sorted order.
func KindNames() []string {
	names := make([]string, 0, len(kinds))
	for name := range kinds {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
