package dataset

import (
	"fmt"
	"io/fs"
	"path/filepath"
	"regexp"
	"sort"
)

// DefaultShardPattern matches shard-000000.tar style names.
const DefaultShardPattern = `^shard-[0-9]{6,}\.tar$`

var shardRegexp = regexp.MustCompile(DefaultShardPattern)

// DiscoverShards returns paths to shard TAR files beneath root, sorted.
func DiscoverShards(root string) ([]string, error) {
	return discover(root, shardRegexp)
}

func discover(root string, pattern *regexp.Regexp) ([]string, error) {
	entries := make([]string, 0)
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		if pattern.MatchString(d.Name()) {
			entries = append(entries, path)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("discover shards: %w", err)
	}
	sort.Strings(entries)
	return entries, nil
}

// DiscoverByRoot scans each root independently. An empty pattern selects
// DefaultShardPattern. Roots without any shard are an error so a typo in a
// path does not silently shrink the epoch.
func DiscoverByRoot(roots []string, pattern string) (map[string][]string, error) {
	re := shardRegexp
	if pattern != "" {
		var err error
		if re, err = regexp.Compile(pattern); err != nil {
			return nil, fmt.Errorf("shard pattern: %w", err)
		}
	}
	result := make(map[string][]string, len(roots))
	for _, root := range roots {
		shards, err := discover(root, re)
		if err != nil {
			return nil, err
		}
		if len(shards) == 0 {
			return nil, fmt.Errorf("discover shards: no shards under %s", root)
		}
		result[root] = shards
	}
	return result, nil
}
