package dispatch

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// Rules maps event-type prefixes to channels, e.g. "billing." -> email.
// Exact matches win over prefixes; among prefixes the longest wins.
type Rules map[string]string

// DefaultRules covers the platform's built-in event families.
func DefaultRules() Rules {
	return Rules{
		"billing.": ChannelEmail,
		"order.":   ChannelWebhook,
		"print.":   ChannelSlack,
		"sync.":    ChannelWebhook,
		"ping":     ChannelWebhook,
	}
}

// LoadRules reads a yaml file of event-type prefix -> channel overrides
// and merges it over the defaults.
func LoadRules(path string) (Rules, error) {
	rules := DefaultRules()
	if path == "" {
		return rules, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read rules file: %w", err)
	}

	var overrides map[string]string
	if err := yaml.Unmarshal(data, &overrides); err != nil {
		return nil, fmt.Errorf("failed to parse rules file: %w", err)
	}

	for prefix, channel := range overrides {
		if !KnownChannel(channel) {
			return nil, fmt.Errorf("unknown channel %q for rule %q", channel, prefix)
		}
		rules[prefix] = channel
	}
	return rules, nil
}

// Resolve returns the channel for eventType.
func (r Rules) Resolve(eventType string) (string, bool) {
	if channel, ok := r[eventType]; ok {
		return channel, true
	}

	prefixes := make([]string, 0, len(r))
	for prefix := range r {
		if strings.HasSuffix(prefix, ".") && strings.HasPrefix(eventType, prefix) {
			prefixes = append(prefixes, prefix)
		}
	}
	if len(prefixes) == 0 {
		return "", false
	}
	sort.Slice(prefixes, func(i, j int) bool { return len(prefixes[i]) > len(prefixes[j]) })
	return r[prefixes[0]], true
}
