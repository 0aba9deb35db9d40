package ignore

import "testing"

func TestIgnoredBuiltins(t *testing.T) {
	m := New(nil)

	tests := []struct {
		path string
		want bool
	}{
		{"foo~", true},
		{"notes#", true},
		{"build.tmp", true},
		{"BUILD.TMP", true},
		{"build.Tmp", false}, // matching is case-sensitive
		{"~$report.doc", true},
		{"~$report.docx", true},
		{"~$sheet.xls", true},
		{"~$sheet.xlsx", true},
		{"~$deck.ppt", true},
		{"~$deck.pptx", true},
		{"Thumbs.db", true},
		{".DS_Store", true},
		{"ok.txt", false},
		{"dir/ok.txt", false},
		{"dir/Thumbs.db", true},
		{"thumbs.db", false},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			if got := m.Ignored(tt.path); got != tt.want {
				t.Errorf("Ignored(%q) = %v, want %v", tt.path, got, tt.want)
			}
		})
	}
}

func TestIgnoredIllegalCharacters(t *testing.T) {
	m := New(nil)

	tests := []struct {
		name string
		path string
		want bool
	}{
		{"colon", "a:b", true},
		{"star", "a*b", true},
		{"question", "a?b", true},
		{"quote", `a"b`, true},
		{"angle open", "a<b", true},
		{"angle close", "a>b", true},
		{"pipe", "a|b", true},
		{"tab", "a\tb", true},
		{"backspace", "a\bb", true},
		{"control byte", "a\x01b", true},
		{"trailing space", "name ", true},
		{"inner space ok", "my file.txt", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := m.Ignored(tt.path); got != tt.want {
				t.Errorf("Ignored(%q) = %v, want %v", tt.path, got, tt.want)
			}
		})
	}
}

func TestIgnoredExtraPatterns(t *testing.T) {
	m := New([]string{"*.bak"})
	if !m.Ignored("save.bak") {
		t.Error("extra pattern *.bak not applied")
	}
	if m.Ignored("save.bak2") {
		t.Error("*.bak must not match save.bak2")
	}
}
