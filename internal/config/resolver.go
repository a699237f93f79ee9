package config

import (
	"slices"
	"strings"
)

// loadOrder ranks module ID prefixes so providers come up before their
// consumers: the store registers the "job.store" service the scheduler,
// gateway, and maintenance modules resolve, and the executors must exist
// before the scheduler starts claiming. Shutdown runs in reverse.
var loadOrder = []string{"store.", "task.", "scheduler", "cron.", "gateway."}

// Resolve returns the module IDs from the configuration in load order.
// Within a rank the order is alphabetical, keeping loading deterministic.
func Resolve(cfg *Config) []string {
	ids := make([]string, 0, len(cfg.Modules))
	for id := range cfg.Modules {
		ids = append(ids, id)
	}

	slices.SortFunc(ids, func(a, b string) int {
		if ra, rb := rank(a), rank(b); ra != rb {
			return ra - rb
		}
		return strings.Compare(a, b)
	})
	return ids
}

func rank(id string) int {
	for i, prefix := range loadOrder {
		if strings.HasPrefix(id, prefix) {
			return i
		}
	}
	return len(loadOrder)
}
