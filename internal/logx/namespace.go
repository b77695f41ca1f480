package logx

import (
	"regexp"
	"strings"
)

// Namespaces is a parsed PERCY_DEBUG-style filter spec: a
// comma/whitespace-separated list of patterns, each either an include
// or (prefixed with "-") an exclude pattern. "*" expands to ".*?" and a
// trailing ":*" expands to ":?.*?", mirroring the source's glob-to-
// regex translation.
type Namespaces struct {
	Include []*regexp.Regexp
	Exclude []*regexp.Regexp
	Spec    string
}

// ParseNamespaces compiles spec into a Namespaces filter. An empty
// spec yields no include patterns, and such a filter matches nothing.
func ParseNamespaces(spec string) Namespaces {
	ns := Namespaces{Spec: spec}
	for _, tok := range strings.FieldsFunc(spec, func(r rune) bool {
		return r == ',' || r == ' ' || r == '\t' || r == '\n'
	}) {
		if tok == "" {
			continue
		}
		exclude := false
		if strings.HasPrefix(tok, "-") {
			exclude = true
			tok = tok[1:]
		}
		re := compileGlob(tok)
		if exclude {
			ns.Exclude = append(ns.Exclude, re)
		} else {
			ns.Include = append(ns.Include, re)
		}
	}
	return ns
}

// compileGlob turns a debug-namespace glob into an anchored regexp:
// "*" becomes ".*?" and ":*" becomes ":?.*?"; everything else is
// quoted literally.
func compileGlob(glob string) *regexp.Regexp {
	var b strings.Builder
	b.WriteByte('^')
	for i := 0; i < len(glob); i++ {
		switch {
		case glob[i] == ':' && i+1 < len(glob) && glob[i+1] == '*':
			b.WriteString(":?.*?")
			i++
		case glob[i] == '*':
			b.WriteString(".*?")
		default:
			b.WriteString(regexp.QuoteMeta(string(glob[i])))
		}
	}
	b.WriteByte('$')
	re, err := regexp.Compile(b.String())
	if err != nil {
		// A glob built only from literals and the two substitutions
		// above is always a valid pattern; fall back to a literal
		// match if something still slips through.
		return regexp.MustCompile(regexp.QuoteMeta(glob))
	}
	return re
}

// Matches reports whether debug passes this filter: some include
// pattern matches and no exclude pattern matches. With no include
// patterns at all, nothing matches.
func (n Namespaces) Matches(debug string) bool {
	for _, re := range n.Exclude {
		if re.MatchString(debug) {
			return false
		}
	}
	if len(n.Include) == 0 {
		return false
	}
	for _, re := range n.Include {
		if re.MatchString(debug) {
			return true
		}
	}
	return false
}
