package pingfile

import (
	"maps"
	"slices"
	"sort"
)

// TagCount is a tag and how many pings carry it.
type TagCount struct {
	Tag   string `json:"tag"`
	Count int    `json:"count"`
}

// TagFrequencies returns how often each tag occurs. The map is a copy.
func (s *Store) TagFrequencies() (map[string]int, error) {
	if err := s.load(); err != nil {
		return nil, err
	}
	return maps.Clone(s.freq), nil
}

// Tags returns every distinct tag, sorted by name.
func (s *Store) Tags() ([]string, error) {
	if err := s.load(); err != nil {
		return nil, err
	}
	return slices.Sorted(maps.Keys(s.freq)), nil
}

// TagsOrdered returns every distinct tag, most used first. Ties are broken
// by name so the order is stable.
func (s *Store) TagsOrdered() ([]TagCount, error) {
	if err := s.load(); err != nil {
		return nil, err
	}
	return RankTags(s.freq), nil
}

// RankTags orders a frequency map by descending count, then by name.
func RankTags(freq map[string]int) []TagCount {
	out := make([]TagCount, 0, len(freq))
	for tag, n := range freq {
		out = append(out, TagCount{Tag: tag, Count: n})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count == out[j].Count {
			return out[i].Tag < out[j].Tag
		}
		return out[i].Count > out[j].Count
	})
	return out
}
