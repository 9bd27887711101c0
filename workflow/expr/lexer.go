package expr

import (
	"fmt"
	"strings"
	"unicode"
)

type tokenKind int

const (
	tokNumber tokenKind = iota
	tokString
	tokIdent
	tokOp
	tokLParen
	tokRParen
)

type token struct {
	kind tokenKind
	text string
	pos  int
}

func tokenize(src string) ([]token, error) {
	var toks []token
	runes := []rune(src)
	for i := 0; i < len(runes); {
		ch := runes[i]
		switch {
		case unicode.IsSpace(ch):
			i++
		case ch == '(':
			toks = append(toks, token{tokLParen, "(", i})
			i++
		case ch == ')':
			toks = append(toks, token{tokRParen, ")", i})
			i++
		case ch == '"' || ch == '\'':
			s, next, err := readString(runes, i)
			if err != nil {
				return nil, err
			}
			toks = append(toks, token{tokString, s, i})
			i = next
		case i+1 < len(runes) && contains([]string{"==", "!=", ">=", "<=", "&&", "||"}, string(runes[i:i+2])):
			toks = append(toks, token{tokOp, string(runes[i : i+2]), i})
			i += 2
		case ch == '>' || ch == '<' || ch == '!':
			toks = append(toks, token{tokOp, string(ch), i})
			i++
		case isDigit(ch) || (ch == '-' && i+1 < len(runes) && isDigit(runes[i+1]) && signAllowed(toks)):
			end := scanNumber(runes, i)
			toks = append(toks, token{tokNumber, string(runes[i:end]), i})
			i = end
		case unicode.IsLetter(ch) || ch == '_':
			end := i
			for end < len(runes) && isPathRune(runes[end]) {
				end++
			}
			toks = append(toks, token{tokIdent, string(runes[i:end]), i})
			i = end
		default:
			return nil, fmt.Errorf("unexpected character %q at position %d", ch, i)
		}
	}
	return toks, nil
}

// readString reads a literal quoted with runes[start]; a backslash escapes
// the next rune.
func readString(runes []rune, start int) (string, int, error) {
	quote := runes[start]
	var sb strings.Builder
	for i := start + 1; i < len(runes); i++ {
		switch runes[i] {
		case '\\':
			if i+1 < len(runes) {
				i++
				sb.WriteRune(runes[i])
			}
		case quote:
			return sb.String(), i + 1, nil
		default:
			sb.WriteRune(runes[i])
		}
	}
	return "", 0, fmt.Errorf("unterminated string at position %d", start)
}

func scanNumber(runes []rune, i int) int {
	if runes[i] == '-' {
		i++
	}
	for i < len(runes) && isDigit(runes[i]) {
		i++
	}
	if i < len(runes) && runes[i] == '.' {
		i++
		for i < len(runes) && isDigit(runes[i]) {
			i++
		}
	}
	return i
}

// signAllowed reports whether a '-' starts a negative literal, which is
// only the case at the start or after an operator or '('.
func signAllowed(prev []token) bool {
	if len(prev) == 0 {
		return true
	}
	k := prev[len(prev)-1].kind
	return k == tokOp || k == tokLParen
}

func isDigit(ch rune) bool { return ch >= '0' && ch <= '9' }

// isPathRune accepts the gjson path characters that cannot be confused
// with an operator.
func isPathRune(ch rune) bool {
	return unicode.IsLetter(ch) || unicode.IsDigit(ch) || ch == '_' || ch == '.' || ch == '#' || ch == '-'
}
