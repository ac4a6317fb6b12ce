package shellkit

import (
	"strings"
	"testing"
)

func TestNormalizeRelPath(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{in: "foo/bar", want: "foo/bar"},
		{in: "./foo/bar", want: "foo/bar"},
		{in: "././src/index.ts", want: "src/index.ts"},
		{in: "foo//bar/", want: "foo/bar"},
		{in: ".", want: "."},
		{in: "./", want: "."},
		{in: "", wantErr: true},
		{in: "/etc/passwd", wantErr: true},
		{in: "../secrets", wantErr: true},
		{in: "foo/../../bar", wantErr: true},
		{in: "./..", wantErr: true},
		{in: "a/b/../c", wantErr: true},
		{in: "foo\x00bar", wantErr: true},
	}
	for _, tt := range tests {
		got, err := NormalizeRelPath(tt.in)
		if tt.wantErr {
			if err == nil {
				t.Errorf("NormalizeRelPath(%q) = %q, want error", tt.in, got)
			}
			continue
		}
		if err != nil {
			t.Errorf("NormalizeRelPath(%q): unexpected error %v", tt.in, err)
			continue
		}
		if got != tt.want {
			t.Errorf("NormalizeRelPath(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestQuote(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{in: "plain", want: "'plain'"},
		{in: "has space", want: "'has space'"},
		{in: "it's", want: `'it'\''s'`},
		{in: "$HOME", want: "'$HOME'"},
		{in: "", want: "''"},
	}
	for _, tt := range tests {
		if got := Quote(tt.in); got != tt.want {
			t.Errorf("Quote(%q) = %s, want %s", tt.in, got, tt.want)
		}
	}
}

func TestCheckAllowsNormalCommands(t *testing.T) {
	scripts := []string{
		"ls -la",
		"npm install zustand",
		"git log --oneline | head -5",
		"git config core.autocrlf false",
	}
	for _, script := range scripts {
		if err := Check(script); err != nil {
			t.Errorf("Check(%q): unexpected error %v", script, err)
		}
	}
}

func TestCheckRejectsGitIdentityChanges(t *testing.T) {
	scripts := []string{
		"git config user.name 'Someone Else'",
		"git config --global user.email someone@example.com",
		"cd /app && git config user.email x@y.z",
	}
	for _, script := range scripts {
		err := Check(script)
		if err == nil {
			t.Errorf("Check(%q): expected error, got nil", script)
			continue
		}
		if !strings.Contains(err.Error(), "git identity") {
			t.Errorf("Check(%q): unexpected error %v", script, err)
		}
	}
}

func TestCheckToleratesUnparseableInput(t *testing.T) {
	// A syntactically broken script is left for the VM shell to reject.
	if err := Check("if then fi ((("); err != nil {
		t.Errorf("Check on unparseable script: unexpected error %v", err)
	}
}
