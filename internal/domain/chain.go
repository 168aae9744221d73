package domain

import (
	"fmt"
	"strings"
)

// TagPrefix marks a fallback chain entry as a capability-tag wildcard
// instead of a worker id: "tag:completion" expands to every registered
// worker carrying that capability.
const TagPrefix = "tag:"

// FallbackChain is the ordered list of workers to try for one work
// category. Immutable after load; consulted, never mutated, by the
// resolver.
type FallbackChain struct {
	Category string   `json:"category"`
	Entries  []string `json:"entries"`
}

// Validate checks if the chain definition is valid.
func (c *FallbackChain) Validate() error {
	if c.Category == "" {
		return fmt.Errorf("fallback chain category cannot be empty")
	}
	if len(c.Entries) == 0 {
		return fmt.Errorf("fallback chain %s has no entries", c.Category)
	}
	for _, e := range c.Entries {
		if e == "" || e == TagPrefix {
			return fmt.Errorf("fallback chain %s has an empty entry", c.Category)
		}
	}
	return nil
}

// IsTagEntry reports whether a chain entry is a capability wildcard,
// returning the bare tag when it is.
func IsTagEntry(entry string) (string, bool) {
	if strings.HasPrefix(entry, TagPrefix) {
		return strings.TrimPrefix(entry, TagPrefix), true
	}
	return "", false
}
