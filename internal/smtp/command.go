package smtp

import (
	"fmt"
	"strings"
)

// Command is one parsed SMTP command line.
type Command struct {
	// Verb is the command name, normalized to uppercase ASCII.
	Verb string

	// Arg is everything after the verb with surrounding whitespace removed.
	Arg string
}

// ParseCommand parses a command line into a verb and its argument. The verb
// must be ASCII letters only; anything else is a syntax error the session
// reports as a 500.
func ParseCommand(line string) (Command, error) {
	line = strings.TrimSpace(line)
	if line == "" {
		return Command{}, ErrEmptyCommand
	}

	verb := line
	arg := ""
	if i := strings.IndexByte(line, ' '); i >= 0 {
		verb = line[:i]
		arg = strings.TrimSpace(line[i+1:])
	}

	for i := 0; i < len(verb); i++ {
		c := verb[i]
		if (c < 'A' || c > 'Z') && (c < 'a' || c > 'z') {
			return Command{}, fmt.Errorf("%w: %q", ErrInvalidVerb, verb)
		}
	}

	return Command{Verb: strings.ToUpper(verb), Arg: arg}, nil
}

// ParsePath extracts the angle-bracketed mailbox from a MAIL or RCPT
// argument and collects any trailing ESMTP parameters. keyword is "FROM" or
// "TO". The null reverse-path <> yields an empty mailbox.
//
//	MAIL FROM:<a@example.com> SIZE=1000 BODY=8BITMIME
//	RCPT TO:<b@example.com>
func ParsePath(arg, keyword string) (string, map[string]string, error) {
	rest, ok := cutPrefixFold(arg, keyword+":")
	if !ok {
		return "", nil, fmt.Errorf("%w: missing %s:", ErrInvalidPath, keyword)
	}
	rest = strings.TrimLeft(rest, " ")

	if !strings.HasPrefix(rest, "<") {
		return "", nil, fmt.Errorf("%w: path must be enclosed in angle brackets", ErrInvalidPath)
	}
	end := strings.IndexByte(rest, '>')
	if end < 0 {
		return "", nil, fmt.Errorf("%w: unterminated path", ErrInvalidPath)
	}

	path := rest[1:end]
	// Strip an RFC 5321 source route; only the final mailbox matters.
	if strings.HasPrefix(path, "@") {
		if i := strings.IndexByte(path, ':'); i >= 0 {
			path = path[i+1:]
		}
	}

	if path != "" && !strings.Contains(path, "@") {
		return "", nil, fmt.Errorf("%w: mailbox %q has no domain", ErrInvalidPath, path)
	}

	params, err := parseParams(strings.TrimSpace(rest[end+1:]))
	if err != nil {
		return "", nil, err
	}

	return path, params, nil
}

// parseParams parses space-separated ESMTP parameters into a map keyed by
// uppercase parameter name. Values are kept verbatim; a bare keyword maps
// to the empty string.
func parseParams(s string) (map[string]string, error) {
	if s == "" {
		return nil, nil
	}

	params := make(map[string]string)
	for _, field := range strings.Fields(s) {
		key, value, _ := strings.Cut(field, "=")
		if key == "" {
			return nil, fmt.Errorf("%w: %q", ErrInvalidParameter, field)
		}
		params[strings.ToUpper(key)] = value
	}
	return params, nil
}

// ParseHeloHostname validates the argument of HELO or EHLO. The argument is
// required but otherwise accepted leniently; address literals in brackets
// are allowed.
func ParseHeloHostname(arg string) (string, error) {
	arg = strings.TrimSpace(arg)
	if arg == "" {
		return "", fmt.Errorf("%w: hostname required", ErrInvalidParameter)
	}
	if strings.ContainsAny(arg, " \t") {
		return "", fmt.Errorf("%w: hostname must not contain whitespace", ErrInvalidParameter)
	}
	return arg, nil
}

// cutPrefixFold is strings.CutPrefix with ASCII case folding on the prefix.
func cutPrefixFold(s, prefix string) (string, bool) {
	if len(s) < len(prefix) {
		return s, false
	}
	if !strings.EqualFold(s[:len(prefix)], prefix) {
		return s, false
	}
	return s[len(prefix):], true
}
