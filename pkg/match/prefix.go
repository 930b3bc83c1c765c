package match

import (
	"sort"
	"strings"
)

// DerivePrefix extracts the static part of a glob pattern, before the first
// unescaped metacharacter, with escapes removed.
//
//	"sub-01/anat/*.nii.gz"  → "sub-01/anat/"
//	"sub-*/func/**"         → "sub-"
//	"**/*.nii.gz"           → ""
//	"figures/\[qc\]/*.svg"  → "figures/[qc]/"
func DerivePrefix(pattern string) string {
	pattern = NormalizePattern(pattern)
	if i := firstUnescapedMeta(pattern); i >= 0 {
		pattern = pattern[:i]
	}
	return unescape(pattern)
}

// DeriveDirs returns the deduplicated directories that must be walked to
// find every path the patterns can match. Each derived prefix is cut back to
// its last slash, so "sub-" (a partial name) widens to the root ("").
// A result of [""] means the whole tree must be walked.
func DeriveDirs(patterns []string) []string {
	if len(patterns) == 0 {
		return nil
	}

	dirs := make([]string, 0, len(patterns))
	for _, p := range patterns {
		prefix := DerivePrefix(p)
		if i := strings.LastIndexByte(prefix, '/'); i >= 0 {
			dirs = append(dirs, prefix[:i+1])
		} else {
			dirs = append(dirs, "")
		}
	}
	return dedupe(dirs)
}

// IsGlobPattern reports whether pattern contains an unescaped metacharacter.
func IsGlobPattern(pattern string) bool {
	return firstUnescapedMeta(pattern) != -1
}

func firstUnescapedMeta(pattern string) int {
	for i := 0; i < len(pattern); i++ {
		switch pattern[i] {
		case '\\':
			if i+1 < len(pattern) {
				i++
			}
		case '*', '?', '[', '{':
			return i
		}
	}
	return -1
}

func unescape(s string) string {
	if !strings.ContainsRune(s, '\\') {
		return s
	}
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		if s[i] == '\\' && i+1 < len(s) && strings.IndexByte(globEscapable, s[i+1]) >= 0 {
			i++
		}
		b.WriteByte(s[i])
	}
	return b.String()
}

// dedupe drops directories nested under another entry and sorts the rest.
func dedupe(dirs []string) []string {
	for _, d := range dirs {
		if d == "" {
			return []string{""}
		}
	}

	sorted := append([]string(nil), dirs...)
	sort.Slice(sorted, func(i, j int) bool { return len(sorted[i]) < len(sorted[j]) })

	out := make([]string, 0, len(sorted))
	for _, candidate := range sorted {
		covered := false
		for _, kept := range out {
			if strings.HasPrefix(candidate, kept) {
				covered = true
				break
			}
		}
		if !covered {
			out = append(out, candidate)
		}
	}
	sort.Strings(out)
	return out
}
