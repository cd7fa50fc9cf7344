// Package safety lints drafted text before it can leave the system. The
// linter only ever tightens gating: a flag forces human review, it never
// loosens a requirement set upstream.
package safety

import (
	"fmt"
	"strings"

	"caseline/internal/config"
)

// Flag is one lint violation attached to a proposal as a risk flag.
type Flag struct {
	Rule   string
	Detail string
}

func (f Flag) String() string {
	if f.Detail == "" {
		return f.Rule
	}
	return f.Rule + ": " + f.Detail
}

type Linter struct {
	Config *config.Config
}

// Lint checks the drafted body for an action. An empty result means the
// draft is clean.
func (l Linter) Lint(action, subject, body string) []Flag {
	var flags []Flag
	if l.Config == nil {
		return flags
	}
	if max, ok := l.Config.Safety.MaxWords[action]; ok && max > 0 {
		words := len(strings.Fields(body))
		if words > max {
			flags = append(flags, Flag{
				Rule:   "word_ceiling",
				Detail: fmt.Sprintf("%d words exceeds limit of %d for %s", words, max, action),
			})
		}
	}
	lower := strings.ToLower(body)
	for _, phrase := range l.Config.Safety.ForbiddenPhrases[action] {
		if phrase == "" {
			continue
		}
		if strings.Contains(lower, strings.ToLower(phrase)) {
			flags = append(flags, Flag{
				Rule:   "forbidden_phrase",
				Detail: fmt.Sprintf("%q not allowed in %s drafts", phrase, action),
			})
		}
	}
	if sig := strings.TrimSpace(l.Config.Safety.SignatureBlock); sig != "" {
		if !strings.Contains(body, sig) {
			flags = append(flags, Flag{
				Rule:   "missing_signature",
				Detail: "draft must end with the signature block",
			})
		}
	}
	return flags
}

// FlagStrings renders flags for storage on the proposal.
func FlagStrings(flags []Flag) []string {
	if len(flags) == 0 {
		return nil
	}
	out := make([]string, 0, len(flags))
	for _, f := range flags {
		out = append(out, f.String())
	}
	return out
}
