// Package crawler defines the core types and collaborator interfaces shared by
// the catalog crawler: entity references, fetch outcomes, the frontier and
// lease stores, and the relational backlog consumed by the periodic workers.
package crawler
