package pingfile

import (
	"slices"
	"strings"
	"time"
)

// Ping is a timestamped, tagged answer to "what are you doing right now?".
type Ping struct {
	// Time is milliseconds since the UNIX epoch, on a whole second.
	Time int64 `json:"time"`
	// Tags is a set: no duplicates, order carries no meaning.
	Tags    []string `json:"tags"`
	Comment string   `json:"comment"`
}

// New builds a Ping, deduplicating tags and dropping empty ones.
func New(t int64, tags []string, comment string) Ping {
	return Ping{Time: t, Tags: NewTags(tags...), Comment: comment}
}

// NewTags returns tags with blanks and repeats removed, first occurrence wins.
func NewTags(tags ...string) []string {
	out := make([]string, 0, len(tags))
	for _, t := range tags {
		t = strings.TrimSpace(t)
		if t == "" || slices.Contains(out, t) {
			continue
		}
		out = append(out, t)
	}
	return out
}

// Timestamp returns the ping time as a time.Time in the local zone.
func (p Ping) Timestamp() time.Time {
	return time.UnixMilli(p.Time)
}

// HasTag reports whether tag is one of the ping's tags.
func (p Ping) HasTag(tag string) bool {
	return slices.Contains(p.Tags, tag)
}

// SameTags reports whether two pings carry the same tag set.
func (p Ping) SameTags(o Ping) bool {
	if len(p.Tags) != len(o.Tags) {
		return false
	}
	for _, t := range p.Tags {
		if !o.HasTag(t) {
			return false
		}
	}
	return true
}

// Entry is one line of the log: either a parsed ping or a malformed line.
type Entry struct {
	Line int    `json:"line"`
	Raw  string `json:"raw"`
	Ping Ping   `json:"ping"`
	OK   bool   `json:"ok"`
}
