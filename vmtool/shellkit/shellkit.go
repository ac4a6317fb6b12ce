// Package shellkit validates the paths and shell fragments that agent
// tool calls send to a VM.
//
// NormalizeRelPath is the single defense against path traversal out of
// the VM working directory: every file-oriented tool must pass its path
// through it and refuse to execute on rejection. Quote makes arbitrary
// strings safe to interpolate into a shell command line.
package shellkit

import (
	"fmt"
	"strings"

	"mvdan.cc/sh/v3/syntax"
)

// NormalizeRelPath validates raw as a relative path and returns it in
// normalized form. It rejects empty input, NUL bytes, absolute paths,
// and any ".." segment. An input that normalizes to nothing (".", "./")
// yields ".".
func NormalizeRelPath(raw string) (string, error) {
	if raw == "" {
		return "", fmt.Errorf("path is empty")
	}
	if strings.ContainsRune(raw, 0) {
		return "", fmt.Errorf("path contains a NUL byte")
	}
	if strings.HasPrefix(raw, "/") {
		return "", fmt.Errorf("path %q is absolute; only paths relative to the working directory are allowed", raw)
	}
	s := raw
	for strings.HasPrefix(s, "./") {
		s = s[2:]
	}
	var segments []string
	for _, seg := range strings.Split(s, "/") {
		switch seg {
		case "", ".":
			continue
		case "..":
			return "", fmt.Errorf("path %q escapes the working directory", raw)
		}
		segments = append(segments, seg)
	}
	if len(segments) == 0 {
		return ".", nil
	}
	return strings.Join(segments, "/"), nil
}

// Quote wraps value in single quotes for safe interpolation into a shell
// command, escaping embedded single quotes.
func Quote(value string) string {
	return "'" + strings.ReplaceAll(value, "'", `'\''`) + "'"
}

var checks = []func(*syntax.CallExpr) error{
	noGitIdentityChanges,
}

// Check inspects script and returns an error if it ought not be executed.
// Check DOES NOT PROVIDE SECURITY against malicious actors. It is
// intended to catch straightforward mistakes in which a model does
// things despite having been instructed not to do them.
func Check(script string) error {
	parser := syntax.NewParser()
	file, err := parser.Parse(strings.NewReader(script), "")
	if err != nil {
		// Execution will fail anyway, and the VM shell gives a better error.
		return nil
	}
	err = nil
	syntax.Walk(file, func(node syntax.Node) bool {
		if err != nil {
			return false
		}
		callExpr, ok := node.(*syntax.CallExpr)
		if !ok {
			return true
		}
		for _, check := range checks {
			if err = check(callExpr); err != nil {
				return false
			}
		}
		return true
	})
	return err
}

// noGitIdentityChanges rejects git config changes to user.name/user.email;
// the commit tool owns the commit identity.
func noGitIdentityChanges(call *syntax.CallExpr) error {
	words := literalWords(call)
	if len(words) < 3 || words[0] != "git" {
		return nil
	}
	if words[1] != "config" {
		return nil
	}
	for _, w := range words[2:] {
		if strings.HasSuffix(w, "user.name") || strings.HasSuffix(w, "user.email") {
			return fmt.Errorf("do not change the git identity; commits made through the commit tool are attributed automatically")
		}
	}
	return nil
}

func literalWords(call *syntax.CallExpr) []string {
	words := make([]string, 0, len(call.Args))
	for _, arg := range call.Args {
		lit := ""
		if len(arg.Parts) == 1 {
			if l, ok := arg.Parts[0].(*syntax.Lit); ok {
				lit = l.Value
			}
		}
		words = append(words, lit)
	}
	return words
}
