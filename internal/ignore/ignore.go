// Package ignore implements the repository engine's built-in
// filename exclusion list, with room for per-deployment overrides
// loaded from config.
package ignore

import (
	"path"
	"strings"
)

// defaultPatterns are the filename globs the sync client has always
// excluded. Matching is case-sensitive, so *.tmp and *.TMP are both
// listed even though they look redundant.
var defaultPatterns = []string{
	"*~",
	"*#",
	"*.tmp",
	"*.TMP",
	"~$*.doc",
	"~$*.docx",
	"~$*.xls",
	"~$*.xlsx",
	"~$*.ppt",
	"~$*.pptx",
	"Thumbs.db",
	".DS_Store",
}

// illegalChars are the path characters Windows cannot represent;
// containing any of them excludes a filename. Spelled out as byte
// values so the backspace and tab entries are unambiguous.
const illegalChars = "\\/:*?\"<>|\b\t"

// Matcher decides whether a worktree-relative path should be ignored.
type Matcher struct {
	patterns []string
}

// New builds a Matcher from the built-in list plus any
// deployment-specific additions from config.
func New(extra []string) *Matcher {
	m := &Matcher{patterns: append([]string(nil), defaultPatterns...)}
	m.patterns = append(m.patterns, extra...)
	return m
}

// Ignored reports whether the filename component of p should be
// excluded from staging and untracked detection: it matches one of
// the glob patterns, contains a Windows-illegal character or a
// control byte (0x01-0x1F), or ends with a space.
func (m *Matcher) Ignored(p string) bool {
	name := p
	if i := strings.LastIndexByte(name, '/'); i >= 0 {
		name = name[i+1:]
	}
	if name == "" {
		return false
	}

	if strings.HasSuffix(name, " ") {
		return true
	}
	for i := 0; i < len(name); i++ {
		c := name[i]
		if c >= 0x01 && c <= 0x1F {
			return true
		}
	}
	if strings.ContainsAny(name, illegalChars) {
		return true
	}

	for _, pat := range m.patterns {
		if ok, _ := path.Match(pat, name); ok {
			return true
		}
	}
	return false
}
