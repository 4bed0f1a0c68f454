// Copyright 2024-2026 Aiku AI

package relay

import "strings"

// Match returns the first rule whose text occurs in the message content.
// Nothing matches while the filter is disabled.
func Match(msg InboundMessage, cfg FilterConfig) (*FilterRule, bool) {
	if !cfg.Enabled {
		return nil, false
	}
	for i := range cfg.Rules {
		rule := &cfg.Rules[i]
		if rule.matches(msg.Content) {
			return rule, true
		}
	}
	return nil, false
}

func (r *FilterRule) matches(content string) bool {
	if r.Text == "" {
		return false
	}
	if r.IgnoreCase {
		return strings.Contains(strings.ToLower(content), strings.ToLower(r.Text))
	}
	return strings.Contains(content, r.Text)
}
