package sandbox

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/google/shlex"
)

// DefaultVerbs is the reference allow-list: read-only inspection commands only.
var DefaultVerbs = []string{"pwd", "ls", "cat", "head", "tail", "echo"}

// bannedSequences may not appear anywhere in the raw command text.
// "||" and "&&" are covered by "|" and "&".
var bannedSequences = []string{"|", "&", ";", "`", "$(", ">", "<"}

const defaultMaxCommandLength = 4096

// Validator turns untrusted command text into an argument vector whose path
// arguments are absolute and contained in the sandbox root. It never spawns
// anything and is safe for concurrent use.
type Validator struct {
	resolver  *Resolver
	verbs     map[string]struct{}
	maxLength int
}

// ValidatorOption configures a Validator.
type ValidatorOption func(*Validator)

// WithMaxCommandLength caps the raw command length in bytes.
func WithMaxCommandLength(n int) ValidatorOption {
	return func(v *Validator) {
		if n > 0 {
			v.maxLength = n
		}
	}
}

// NewValidator creates a validator for the given allow-list.
// An empty verbs list falls back to DefaultVerbs.
func NewValidator(resolver *Resolver, verbs []string, opts ...ValidatorOption) *Validator {
	if len(verbs) == 0 {
		verbs = DefaultVerbs
	}
	v := &Validator{
		resolver:  resolver,
		verbs:     make(map[string]struct{}, len(verbs)),
		maxLength: defaultMaxCommandLength,
	}
	for _, verb := range verbs {
		v.verbs[strings.TrimSpace(verb)] = struct{}{}
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Verbs returns the allow-list, sorted.
func (v *Validator) Verbs() []string {
	out := make([]string, 0, len(v.verbs))
	for verb := range v.verbs {
		out = append(out, verb)
	}
	sort.Strings(out)
	return out
}

// Validate applies, in order: emptiness, control characters and length,
// banned metacharacters on the raw text, tokenising, the verb allow-list,
// and path confinement. The first failing gate wins.
func (v *Validator) Validate(raw string) ([]string, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, newError(KindEmptyCommand, "Empty command", nil)
	}
	if len(raw) > v.maxLength {
		return nil, newError(KindForbiddenMetacharacter,
			fmt.Sprintf("command too long (max %d bytes, got %d)", v.maxLength, len(raw)), nil)
	}
	if hasControlChars(raw) {
		return nil, newError(KindForbiddenMetacharacter, "command contains control characters", nil)
	}
	for _, seq := range bannedSequences {
		if strings.Contains(raw, seq) {
			return nil, newError(KindForbiddenMetacharacter, "Pipes/redirects/chaining not allowed", nil)
		}
	}

	tokens, err := shlex.Split(raw)
	if err != nil {
		return nil, newError(KindMalformedCommand, fmt.Sprintf("cannot parse command: %v", err), err)
	}
	if len(tokens) == 0 {
		return nil, newError(KindEmptyCommand, "Empty command", nil)
	}

	verb := tokens[0]
	if _, ok := v.verbs[verb]; !ok {
		return nil, newError(KindVerbNotAllowed, fmt.Sprintf("Command '%s' not allowed", verb), nil)
	}

	argv := make([]string, 0, len(tokens))
	argv = append(argv, verb)
	for _, tok := range tokens[1:] {
		switch {
		case verb == "echo":
			// echo has no filesystem semantics.
			argv = append(argv, tok)
		case strings.HasPrefix(tok, "-"):
			argv = append(argv, tok)
		case isPathLike(tok):
			resolved, err := v.resolver.Resolve(tok)
			if err != nil {
				return nil, err
			}
			argv = append(argv, resolved)
		default:
			// Bare words are relative to the working directory, which is the root.
			// An existing entry may be a symlink, so it must still resolve inside.
			if err := v.checkBare(tok); err != nil {
				return nil, err
			}
			argv = append(argv, tok)
		}
	}
	return argv, nil
}

// Recheck verifies that every absolute argument produced by Validate still
// canonicalises inside the root. Call it immediately before spawning to narrow
// the window in which a symlink could be swapped.
func (v *Validator) Recheck(argv []string) error {
	if len(argv) == 0 {
		return newError(KindEmptyCommand, "Empty command", nil)
	}
	if _, ok := v.verbs[argv[0]]; !ok {
		return newError(KindVerbNotAllowed, fmt.Sprintf("Command '%s' not allowed", argv[0]), nil)
	}
	if argv[0] == "echo" {
		return nil
	}
	for _, arg := range argv[1:] {
		switch {
		case strings.HasPrefix(arg, "-"):
		case filepath.IsAbs(arg):
			if !v.resolver.Contains(arg) {
				return newError(KindPathEscapesSandbox, "Path escapes sandbox", nil)
			}
		default:
			if err := v.checkBare(arg); err != nil {
				return err
			}
		}
	}
	return nil
}

func (v *Validator) checkBare(tok string) error {
	if _, err := os.Lstat(filepath.Join(v.resolver.Root(), tok)); err != nil {
		return nil
	}
	_, err := v.resolver.Resolve(tok)
	return err
}

func isPathLike(tok string) bool {
	return tok == "." || tok == ".." || strings.ContainsAny(tok, `/\`)
}

func hasControlChars(s string) bool {
	for _, r := range s {
		switch r {
		case '\t', '\n', '\r':
			continue
		}
		if r < 0x20 || r == 0x7f {
			return true
		}
	}
	return false
}
