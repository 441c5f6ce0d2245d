package prompt

import (
	"strings"
	"unicode"

	"github.com/kalambet/tagtime/internal/pingfile"
)

// repeatToken in an answer stands for the previous ping's tags.
const repeatToken = `"`

// ExpandTags splits free-form tag input on whitespace and commas and replaces
// the repeat token with previous. The result has no blanks or repeats.
func ExpandTags(input []string, previous []string) []string {
	var out []string
	for _, field := range input {
		for _, tok := range strings.FieldsFunc(field, func(r rune) bool {
			return r == ',' || unicode.IsSpace(r)
		}) {
			if tok == repeatToken {
				out = append(out, previous...)
				continue
			}
			out = append(out, tok)
		}
	}
	return pingfile.NewTags(out...)
}
