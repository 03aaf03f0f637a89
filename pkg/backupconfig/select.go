package backupconfig

import (
	"fmt"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// Select returns a copy of cfg narrowed to hosts whose names match any of
// patterns (doublestar globs such as "web-*"). No patterns selects all
// hosts. A pattern that is invalid or matches nothing is a configuration
// error.
func Select(cfg *Config, patterns []string) (*Config, error) {
	var cleaned []string
	for _, p := range patterns {
		if p = strings.TrimSpace(p); p != "" {
			cleaned = append(cleaned, p)
		}
	}
	if len(cleaned) == 0 {
		return cfg, nil
	}

	for _, p := range cleaned {
		if !doublestar.ValidatePattern(p) {
			return nil, fmt.Errorf("%w: invalid host pattern %q", ErrConfig, p)
		}
	}

	out := *cfg
	out.Hosts = nil
	hits := make(map[string]bool, len(cleaned))
	for _, h := range cfg.Hosts {
		matched := false
		for _, p := range cleaned {
			ok, err := doublestar.Match(p, h.Name)
			if err != nil {
				return nil, fmt.Errorf("%w: host pattern %q: %v", ErrConfig, p, err)
			}
			if ok {
				hits[p] = true
				matched = true
			}
		}
		if matched {
			out.Hosts = append(out.Hosts, h)
		}
	}

	for _, p := range cleaned {
		if !hits[p] {
			return nil, fmt.Errorf("%w: host pattern %q matches no configured host", ErrConfig, p)
		}
	}
	return &out, nil
}
