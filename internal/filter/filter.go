// Package filter decides whether a listed message matches a WatchConfig.
package filter

import (
	"strings"

	"gmail-webhook-relay/internal/mailclient"
	"gmail-webhook-relay/internal/model"
)

// Matches reports whether s satisfies every predicate set on cfg.
// Both predicates are case-insensitive substring tests; the sender predicate
// runs against the raw From header, so "bot@example.com" also matches
// "Trading Bot <bot@example.com>". An empty predicate always matches.
func Matches(cfg model.WatchConfig, s mailclient.Summary) bool {
	if !containsFold(s.Subject, cfg.FilterSubject) {
		return false
	}
	return containsFold(s.Sender, cfg.FilterSender)
}

func containsFold(haystack, needle string) bool {
	needle = strings.TrimSpace(needle)
	if needle == "" {
		return true
	}
	return strings.Contains(strings.ToLower(haystack), strings.ToLower(needle))
}
