// Package cparse is a minimal C tokenizer and top-level segmenter.
//
// It understands just enough C to split a translation unit into top-level
// segments (preprocessor directives, declarations, function definitions)
// and to locate function definition boundaries. It is not a validating
// parser; malformed input degrades to opaque segments that are copied
// through byte for byte.
package cparse

// TokenKind classifies a lexed token.
type TokenKind int

const (
	TokenIdent TokenKind = iota
	TokenNumber
	TokenString
	TokenChar
	TokenPunct
	TokenDirective // a whole preprocessor line, including continuations
)

// Token is one lexed token with its byte range in the source.
type Token struct {
	Kind  TokenKind
	Start int
	End   int
}

// Text returns the token's bytes from the source it was lexed from.
func (t Token) Text(src string) string {
	return src[t.Start:t.End]
}

// Lex tokenizes C source. Comments and whitespace are skipped; preprocessor
// lines (with backslash continuations) become single TokenDirective tokens.
func Lex(src string) []Token {
	var tokens []Token
	i := 0
	n := len(src)
	atLineStart := true

	for i < n {
		c := src[i]

		switch {
		case c == ' ' || c == '\t' || c == '\r':
			i++
		case c == '\n':
			atLineStart = true
			i++
		case c == '/' && i+1 < n && src[i+1] == '/':
			for i < n && src[i] != '\n' {
				i++
			}
		case c == '/' && i+1 < n && src[i+1] == '*':
			i += 2
			for i+1 < n && !(src[i] == '*' && src[i+1] == '/') {
				i++
			}
			if i+1 < n {
				i += 2
			} else {
				i = n
			}
		case c == '#' && atLineStart:
			start := i
			for i < n {
				if src[i] == '\\' && i+1 < n && src[i+1] == '\n' {
					i += 2
					continue
				}
				if src[i] == '\n' {
					break
				}
				i++
			}
			tokens = append(tokens, Token{TokenDirective, start, i})
			atLineStart = false
		case c == '"':
			start := i
			i++
			for i < n && src[i] != '"' {
				if src[i] == '\\' {
					i++
				}
				i++
			}
			if i < n {
				i++
			}
			tokens = append(tokens, Token{TokenString, start, i})
			atLineStart = false
		case c == '\'':
			start := i
			i++
			for i < n && src[i] != '\'' {
				if src[i] == '\\' {
					i++
				}
				i++
			}
			if i < n {
				i++
			}
			tokens = append(tokens, Token{TokenChar, start, i})
			atLineStart = false
		case isIdentStart(c):
			start := i
			for i < n && isIdentPart(src[i]) {
				i++
			}
			tokens = append(tokens, Token{TokenIdent, start, i})
			atLineStart = false
		case c >= '0' && c <= '9':
			start := i
			for i < n && (isIdentPart(src[i]) || src[i] == '.' ||
				((src[i] == '+' || src[i] == '-') && i > start &&
					(src[i-1] == 'e' || src[i-1] == 'E' || src[i-1] == 'p' || src[i-1] == 'P'))) {
				i++
			}
			tokens = append(tokens, Token{TokenNumber, start, i})
			atLineStart = false
		default:
			tokens = append(tokens, Token{TokenPunct, i, i + 1})
			i++
			atLineStart = false
		}
	}
	return tokens
}

func isIdentStart(c byte) bool {
	return c == '_' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}

func isIdentPart(c byte) bool {
	return isIdentStart(c) || (c >= '0' && c <= '9')
}

// cKeywords are identifiers that can never be a declarator name.
var cKeywords = map[string]bool{
	"auto": true, "break": true, "case": true, "char": true, "const": true,
	"continue": true, "default": true, "do": true, "double": true, "else": true,
	"enum": true, "extern": true, "float": true, "for": true, "goto": true,
	"if": true, "inline": true, "int": true, "long": true, "register": true,
	"restrict": true, "return": true, "short": true, "signed": true,
	"sizeof": true, "static": true, "struct": true, "switch": true,
	"typedef": true, "union": true, "unsigned": true, "void": true,
	"volatile": true, "while": true,
	// Common MWCC/compiler extensions seen in decomp codebases.
	"__inline": true, "__inline__": true, "__attribute__": true,
	"__declspec": true, "asm": true, "__asm": true,
}

// IsKeyword reports whether the identifier is a C keyword or a known
// compiler extension.
func IsKeyword(s string) bool {
	return cKeywords[s]
}
