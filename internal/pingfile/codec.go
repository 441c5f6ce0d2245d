package pingfile

import (
	"errors"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/kalambet/tagtime/internal/schedule"
)

// ErrInvalidPing is returned when a ping cannot be written to the log.
var ErrInvalidPing = errors.New("invalid ping")

// annotationLayout is ISO 8601 with a numeric offset, e.g. 2017-02-18T23:13:42+00:00.
const annotationLayout = "2006-01-02T15:04:05-07:00"

var (
	entryPattern     = regexp.MustCompile(`^(\d+)\s*(\s[^\[]+)?(\[.*\])?\s*$`)
	annotatedPattern = regexp.MustCompile(`^(\S+) \w\w\w( (.+))?$`)
)

// Encode formats p as a log line without the trailing newline. When annotate
// is set the comment is prefixed with the local time and weekday. Tags are
// right-padded with spaces to width characters.
func Encode(p Ping, annotate bool, width int) (string, error) {
	return encode(p, annotate, width, time.Local)
}

func encode(p Ping, annotate bool, width int, loc *time.Location) (string, error) {
	if err := validate(p); err != nil {
		return "", err
	}

	var b strings.Builder
	b.WriteString(strconv.FormatInt(p.Time/1000, 10))

	if len(p.Tags) > 0 {
		tags := strings.Join(p.Tags, " ")
		b.WriteByte(' ')
		b.WriteString(tags)
		if pad := width - len(tags); pad > 0 {
			b.WriteString(strings.Repeat(" ", pad))
		}
	}

	comment := p.Comment
	if annotate {
		ts := time.UnixMilli(p.Time).In(loc)
		comment = ts.Format(annotationLayout) + " " + ts.Format("Mon") + " " + comment
	}
	if comment = strings.TrimSpace(comment); comment != "" {
		b.WriteString(" [")
		b.WriteString(comment)
		b.WriteByte(']')
	}

	return strings.TrimSpace(b.String()), nil
}

func validate(p Ping) error {
	if p.Time < schedule.Epoch {
		return fmt.Errorf("%w: time %d must be after the epoch %d", ErrInvalidPing, p.Time, schedule.Epoch)
	}
	if p.Time > schedule.MaxTime {
		return fmt.Errorf("%w: time %d is past %d", ErrInvalidPing, p.Time, schedule.MaxTime)
	}
	seen := make(map[string]struct{}, len(p.Tags))
	for _, t := range p.Tags {
		if t == "" || strings.ContainsAny(t, " \t\r\n[") {
			return fmt.Errorf("%w: tag %q is empty or contains whitespace or '['", ErrInvalidPing, t)
		}
		if _, dup := seen[t]; dup {
			return fmt.Errorf("%w: tag %q repeated", ErrInvalidPing, t)
		}
		seen[t] = struct{}{}
	}
	if strings.ContainsAny(p.Comment, "\r\n") {
		return fmt.Errorf("%w: comment spans several lines", ErrInvalidPing)
	}
	return nil
}

// Parse reads one log line. It is not information preserving: repeated
// tags collapse and spacing is lost. The boolean is false for lines that
// are not pings.
func Parse(line string) (Ping, bool) {
	m := entryPattern.FindStringSubmatch(line)
	if m == nil {
		return Ping{}, false
	}

	secs, err := strconv.ParseInt(m[1], 10, 64)
	if err != nil || secs > math.MaxInt64/1000 || secs*1000 < schedule.Epoch {
		return Ping{}, false
	}

	p := Ping{Time: secs * 1000, Tags: NewTags(strings.Fields(m[2])...)}
	if m[3] != "" {
		p.Comment = m[3][1 : len(m[3])-1]
	}
	return p, true
}

// UnannotateComment strips the "ISO-time weekday" prefix written by Encode.
// A comment whose prefix does not hold a valid timestamp is returned as is.
func UnannotateComment(comment string) string {
	m := annotatedPattern.FindStringSubmatch(comment)
	if m == nil || !isTimestamp(m[1]) {
		return comment
	}
	return m[3]
}

func isTimestamp(s string) bool {
	for _, layout := range []string{time.RFC3339, "2006-01-02T15:04:05", "2006-01-02T15:04", "2006-01-02"} {
		if _, err := time.Parse(layout, s); err == nil {
			return true
		}
	}
	return false
}
