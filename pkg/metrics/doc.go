// Package metrics exposes marketd's Prometheus collectors. Collectors are
// package-level and registered lazily on first use, keeping the naturally
// process-wide registry out of the explicitly-constructed core.
package metrics
