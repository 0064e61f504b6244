package main

import (
	"strings"
)

// maxKeySuggestions bounds the range scan behind key completion.
const maxKeySuggestions = 50

// completer implements readline.AutoCompleter
type completer struct {
	s *session
}

// commands whose arguments are keys
var keyArgCommands = map[string]bool{
	"put": true, "get": true, "delete": true, "range": true,
}

func commandNames() []string {
	names := make([]string, 0, len(commands)+2)
	for _, c := range commands {
		names = append(names, c.name)
	}
	return append(names, "help", "exit")
}

// Do is called by chzyer/readline.
// `line` is full buffer as runes, `pos` is cursor position.
// It returns the completions for the token under the cursor and its length.
func (c completer) Do(line []rune, pos int) ([][]rune, int) {
	if pos < 0 {
		pos = 0
	}
	if pos > len(line) {
		pos = len(line)
	}
	prefix := string(line[:pos])
	fields := strings.Fields(prefix)

	// determine token index and current token string
	var token string
	var tokenIndex int // 0 = command, >=1 = args
	switch {
	case len(fields) == 0:
		token, tokenIndex = "", 0
	case strings.HasSuffix(prefix, " ") || strings.HasSuffix(prefix, "\t"):
		// starting a new token
		token, tokenIndex = "", len(fields)
	default:
		token, tokenIndex = fields[len(fields)-1], len(fields)-1
	}
	replaceLen := len([]rune(token))

	if tokenIndex == 0 {
		return suffixes(matchPrefix(commandNames(), token), replaceLen), replaceLen
	}

	cmd := strings.ToLower(fields[0])
	if !keyArgCommands[cmd] || (cmd != "range" && tokenIndex > 1) || tokenIndex > 2 || token == "" {
		return nil, 0
	}
	return suffixes(c.keysWithPrefix(token), replaceLen), replaceLen
}

func (c completer) keysWithPrefix(prefix string) []string {
	kvs, err := c.s.db.RangeQuery([]byte(prefix), []byte(prefix+"\xff"), c.s.txnID)
	if err != nil {
		return nil
	}
	out := make([]string, 0, maxKeySuggestions)
	for _, kv := range kvs {
		if len(out) == maxKeySuggestions {
			break
		}
		if strings.HasPrefix(string(kv.Key), prefix) {
			out = append(out, string(kv.Key))
		}
	}
	return out
}

// matchPrefix returns options starting with prefix (case-insensitive).
func matchPrefix(options []string, prefix string) []string {
	lpre := strings.ToLower(prefix)
	matches := []string{}
	for _, o := range options {
		if strings.HasPrefix(strings.ToLower(o), lpre) {
			matches = append(matches, o)
		}
	}
	return matches
}

// suffixes trims the already typed part: readline appends what it gets.
func suffixes(strs []string, typed int) [][]rune {
	out := make([][]rune, 0, len(strs))
	for _, s := range strs {
		r := []rune(s)
		if typed <= len(r) {
			out = append(out, r[typed:])
		}
	}
	return out
}
