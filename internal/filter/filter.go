// Package filter screens message text against a chat's rule set. It
// reports every keyword and regex pattern that matched so enforcement
// reports can show moderators exactly what triggered.
package filter

import (
	"log"
	"regexp"
	"strings"
	"sync"

	"github.com/groupguard/groupguard/internal/rules"
	"github.com/groupguard/groupguard/internal/textnorm"
)

// Result is the outcome of matching one message against one rule set.
// Pure value, regenerated per evaluation.
type Result struct {
	Matched  bool
	Keywords []string // literal keyword hits, rule-set order
	Patterns []string // regex pattern hits (pattern source), rule-set order
}

// compiled caches case-insensitive compiles keyed by pattern source.
// Rule sets change rarely relative to message volume, so the same
// handful of patterns is compiled over and over without this.
var compiled sync.Map // string -> *regexp.Regexp

func compilePattern(pattern string) (*regexp.Regexp, bool) {
	if re, ok := compiled.Load(pattern); ok {
		return re.(*regexp.Regexp), true
	}
	re, err := regexp.Compile("(?i)" + pattern)
	if err != nil {
		// Rejected at write time, so this is a pattern stored by an
		// older engine flavor. Skip it for this evaluation only.
		log.Printf("[filter] skipping uncompilable pattern %q: %v", pattern, err)
		return nil, false
	}
	compiled.Store(pattern, re)
	return re, true
}

// Match tests rawText against rs and gathers every hit. Keywords are
// matched by substring containment on normalized text; patterns are
// tested case-insensitively against both the raw and the normalized
// text, so patterns written for literal punctuation keep working next
// to patterns aimed at obfuscated variants.
func Match(rs rules.RuleSet, rawText string) Result {
	var res Result
	if rawText == "" {
		return res
	}
	normalized := textnorm.Normalize(rawText)

	for _, k := range rs.Keywords {
		if k == "" {
			continue
		}
		if strings.Contains(normalized, textnorm.Normalize(k)) {
			res.Keywords = append(res.Keywords, k)
		}
	}

	for _, p := range rs.RegexPatterns {
		re, ok := compilePattern(p)
		if !ok {
			continue
		}
		if re.MatchString(rawText) || re.MatchString(normalized) {
			res.Patterns = append(res.Patterns, p)
		}
	}

	if rs.FloodDetection {
		res.Patterns = append(res.Patterns, floodHits(normalized)...)
	}

	res.Matched = len(res.Keywords) > 0 || len(res.Patterns) > 0
	return res
}
