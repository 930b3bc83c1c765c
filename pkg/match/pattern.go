package match

import "strings"

// globEscapable lists the characters a backslash may escape in a pattern.
const globEscapable = `*?[]{}\`

// NormalizePattern converts a user-provided glob to slash form.
//
// Unescaped backslashes become forward slashes so Windows-style patterns
// ("sub-*\anat\sub-*.nii.gz") work unchanged. Escapes of glob metacharacters
// ("\*", "\[") are kept so literal brackets in derivative names still match.
func NormalizePattern(pattern string) string {
	if pattern == "" {
		return ""
	}

	var b strings.Builder
	b.Grow(len(pattern))

	for i := 0; i < len(pattern); i++ {
		c := pattern[i]
		if c != '\\' {
			b.WriteByte(c)
			continue
		}
		if i+1 < len(pattern) && strings.IndexByte(globEscapable, pattern[i+1]) >= 0 {
			b.WriteByte('\\')
			b.WriteByte(pattern[i+1])
			i++
			continue
		}
		b.WriteByte('/')
	}

	return b.String()
}

// IsHidden reports whether any segment of a slash path starts with a dot.
//
//	"sub-01/anat/T1w.nii"   → false
//	".git/config"           → true
//	"sub-01/.DS_Store"      → true
func IsHidden(rel string) bool {
	for _, seg := range strings.Split(rel, "/") {
		if seg != "" && seg[0] == '.' {
			return true
		}
	}
	return false
}
