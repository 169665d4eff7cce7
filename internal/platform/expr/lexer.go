package expr

import (
	"fmt"
	"strings"
	"unicode"
)

// ============================================================================
// Token types
// ============================================================================

type tokenKind int

const (
	tkIdent    tokenKind = iota // identifier or keyword
	tkNumber                    // integer or decimal
	tkString                    // 'single' or "double" quoted
	tkDot                       // .
	tkComma                     // ,
	tkLParen                    // (
	tkRParen                    // )
	tkLBrack                    // [
	tkRBrack                    // ]
	tkQuestion                  // ?
	tkColon                     // :
	tkNot                       // !
	tkPlus                      // +
	tkMinus                     // -
	tkStar                      // *
	tkSlash                     // /
	tkPercent                   // %
	tkLt                        // <
	tkGt                        // >
	tkLe                        // <=
	tkGe                        // >=
	tkEq                        // ==
	tkNe                        // !=
	tkStrictEq                  // ===
	tkStrictNe                  // !==
	tkAnd                       // &&
	tkOr                        // ||
	tkNullish                   // ??
	tkEOF                       // end-of-input
)

type token struct {
	kind  tokenKind
	value string
	pos   int
}

// punctuation is matched longest-first.
var punctuation = []struct {
	text string
	kind tokenKind
}{
	{"===", tkStrictEq},
	{"!==", tkStrictNe},
	{"==", tkEq},
	{"!=", tkNe},
	{"<=", tkLe},
	{">=", tkGe},
	{"&&", tkAnd},
	{"||", tkOr},
	{"??", tkNullish},
	{".", tkDot},
	{",", tkComma},
	{"(", tkLParen},
	{")", tkRParen},
	{"[", tkLBrack},
	{"]", tkRBrack},
	{"?", tkQuestion},
	{":", tkColon},
	{"!", tkNot},
	{"+", tkPlus},
	{"-", tkMinus},
	{"*", tkStar},
	{"/", tkSlash},
	{"%", tkPercent},
	{"<", tkLt},
	{">", tkGt},
}

// ============================================================================
// Lexer / Tokenizer
// ============================================================================

func tokenize(input string) ([]token, error) {
	var tokens []token
	i := 0
	n := len(input)

	for i < n {
		ch := input[i]

		if ch == ' ' || ch == '\t' || ch == '\n' || ch == '\r' {
			i++
			continue
		}

		start := i

		switch {
		case ch == '\'' || ch == '"':
			quote := ch
			i++
			var sb strings.Builder
			for i < n && input[i] != quote {
				if input[i] == '\\' && i+1 < n {
					i++
					switch input[i] {
					case 'n':
						sb.WriteByte('\n')
					case 't':
						sb.WriteByte('\t')
					default:
						sb.WriteByte(input[i])
					}
				} else {
					sb.WriteByte(input[i])
				}
				i++
			}
			if i >= n {
				return nil, fmt.Errorf("unterminated string at position %d", start)
			}
			i++
			tokens = append(tokens, token{tkString, sb.String(), start})

		case ch >= '0' && ch <= '9':
			j := i
			for j < n && input[j] >= '0' && input[j] <= '9' {
				j++
			}
			if j+1 < n && input[j] == '.' && input[j+1] >= '0' && input[j+1] <= '9' {
				j++
				for j < n && input[j] >= '0' && input[j] <= '9' {
					j++
				}
			}
			tokens = append(tokens, token{tkNumber, input[i:j], start})
			i = j

		case ch == '_' || ch == '$' || unicode.IsLetter(rune(ch)):
			j := i
			for j < n && isIdentByte(input[j]) {
				j++
			}
			tokens = append(tokens, token{tkIdent, input[i:j], start})
			i = j

		default:
			matched := false
			for _, p := range punctuation {
				if strings.HasPrefix(input[i:], p.text) {
					tokens = append(tokens, token{p.kind, p.text, start})
					i += len(p.text)
					matched = true
					break
				}
			}
			if !matched {
				return nil, fmt.Errorf("unexpected character %q at position %d", string(ch), start)
			}
		}
	}

	tokens = append(tokens, token{tkEOF, "", n})
	return tokens, nil
}

func isIdentByte(b byte) bool {
	return b == '_' || b == '$' || (b >= '0' && b <= '9') || unicode.IsLetter(rune(b))
}
