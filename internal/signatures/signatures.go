package signatures

import (
	"fmt"
	"os"
	"regexp"

	"gopkg.in/yaml.v3"
)

// Pattern is one known-bad content signature. Matching is case-insensitive.
type Pattern struct {
	ID          string `yaml:"id" json:"id"`
	Name        string `yaml:"name" json:"name"`
	Description string `yaml:"description" json:"description"`
	Expr        string `yaml:"pattern" json:"pattern"`

	re *regexp.Regexp
}

// Set is an ordered, compiled collection of patterns. It is safe for concurrent use.
type Set struct {
	patterns []*Pattern
}

// signatureFile is the YAML layout accepted by Load
type signatureFile struct {
	Signatures []*Pattern `yaml:"signatures"`
}

// builtin patterns, scanned over the whole file
var builtin = []*Pattern{
	{ID: "FS-001", Name: "script_block", Description: "Inline <script> block", Expr: `<script[^>]*>.*?</script>`},
	{ID: "FS-002", Name: "javascript_uri", Description: "javascript: URI", Expr: `javascript:`},
	{ID: "FS-003", Name: "vbscript_uri", Description: "vbscript: URI", Expr: `vbscript:`},
	{ID: "FS-004", Name: "onload_handler", Description: "onload event handler", Expr: `onload\s*=`},
	{ID: "FS-005", Name: "onerror_handler", Description: "onerror event handler", Expr: `onerror\s*=`},
	{ID: "FS-006", Name: "eval_call", Description: "eval() invocation", Expr: `eval\s*\(`},
	{ID: "FS-007", Name: "document_write", Description: "document.write call", Expr: `document\.write`},
	{ID: "FS-008", Name: "activex_object", Description: "ActiveXObject instantiation", Expr: `ActiveXObject`},
	{ID: "FS-009", Name: "shell_application", Description: "Shell.Application COM object", Expr: `Shell\.Application`},
	{ID: "FS-010", Name: "wscript_shell", Description: "WScript.Shell COM object", Expr: `WScript\.Shell`},
}

var defaultSet = mustCompile(builtin)

// Default returns the built-in pattern set
func Default() *Set {
	return defaultSet
}

// New compiles the given patterns into a set
func New(patterns []*Pattern) (*Set, error) {
	set := &Set{patterns: make([]*Pattern, 0, len(patterns))}
	for _, p := range patterns {
		re, err := regexp.Compile("(?i)" + p.Expr)
		if err != nil {
			return nil, fmt.Errorf("failed to compile signature %s: %w", p.ID, err)
		}
		compiled := *p
		compiled.re = re
		set.patterns = append(set.patterns, &compiled)
	}
	return set, nil
}

func mustCompile(patterns []*Pattern) *Set {
	set, err := New(patterns)
	if err != nil {
		panic(err)
	}
	return set
}

// Load reads a YAML signature file. An empty path yields the built-in set.
func Load(path string) (*Set, error) {
	if path == "" {
		return Default(), nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read signatures %s: %w", path, err)
	}

	var file signatureFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse signatures %s: %w", path, err)
	}
	if len(file.Signatures) == 0 {
		return nil, fmt.Errorf("no signatures defined in %s", path)
	}

	return New(file.Signatures)
}

// CountMatches returns how many patterns match content at least once
func (s *Set) CountMatches(content []byte) int {
	count := 0
	for _, p := range s.patterns {
		if p.re.Match(content) {
			count++
		}
	}
	return count
}

// Matching returns the IDs of the patterns found in content, in set order
func (s *Set) Matching(content []byte) []string {
	var ids []string
	for _, p := range s.patterns {
		if p.re.Match(content) {
			ids = append(ids, p.ID)
		}
	}
	return ids
}

// Patterns returns a copy of the set's patterns
func (s *Set) Patterns() []Pattern {
	out := make([]Pattern, len(s.patterns))
	for i, p := range s.patterns {
		out[i] = *p
	}
	return out
}

// Len returns the number of patterns in the set
func (s *Set) Len() int {
	return len(s.patterns)
}
