package cparse

import "strings"

// StrippedMarker trails every declaration produced from a stripped function
// definition, so a context makes clear which bodies were removed.
const StrippedMarker = "/* stripped */"

// SegmentKind classifies a top-level segment of a translation unit.
type SegmentKind int

const (
	SegmentDirective SegmentKind = iota // #include, #define, ...
	SegmentDecl                         // type/variable declarations, prototypes
	SegmentFunction                     // a function definition with a body
)

// Segment is one top-level unit of a C file. Start and End are byte offsets
// into the source; for SegmentFunction, Name is the function name and
// BodyStart is the offset of the opening brace.
type Segment struct {
	Kind      SegmentKind
	Start     int
	End       int
	Name      string
	BodyStart int
}

// Text returns the segment's bytes from the source it was parsed from.
func (s Segment) Text(src string) string {
	return src[s.Start:s.End]
}

// Segments splits C source into top-level segments. Every source byte
// belongs to exactly one segment or to the whitespace between segments, so
// reassembling segment texts with their gaps reproduces the input.
func Segments(src string) []Segment {
	tokens := Lex(src)
	var segs []Segment

	i := 0
	for i < len(tokens) {
		tok := tokens[i]
		if tok.Kind == TokenDirective {
			segs = append(segs, Segment{Kind: SegmentDirective, Start: tok.Start, End: tok.End})
			i++
			continue
		}

		seg, next := scanStatement(src, tokens, i)
		segs = append(segs, seg)
		i = next
	}
	return segs
}

// scanStatement consumes one top-level declaration or function definition
// starting at token index i and returns it plus the index of the following
// token.
func scanStatement(src string, tokens []Token, i int) (Segment, int) {
	start := tokens[i].Start
	parenDepth := 0
	bracketDepth := 0
	sawTypedef := false
	sawEquals := false
	prev := Token{Kind: TokenPunct}

	for i < len(tokens) {
		tok := tokens[i]
		text := tok.Text(src)

		if tok.Kind == TokenDirective {
			// A directive inside a statement (e.g. #ifdef in a parameter
			// list) is swallowed into the segment.
			i++
			continue
		}

		switch {
		case tok.Kind == TokenIdent && text == "typedef":
			sawTypedef = true
		case tok.Kind == TokenPunct && text == "(":
			parenDepth++
		case tok.Kind == TokenPunct && text == ")":
			parenDepth--
		case tok.Kind == TokenPunct && text == "[":
			bracketDepth++
		case tok.Kind == TokenPunct && text == "]":
			bracketDepth--
		case tok.Kind == TokenPunct && text == "=" && parenDepth == 0 && bracketDepth == 0:
			sawEquals = true
		case tok.Kind == TokenPunct && text == ";" && parenDepth == 0 && bracketDepth == 0:
			return Segment{Kind: SegmentDecl, Start: start, End: tok.End}, i + 1
		case tok.Kind == TokenPunct && text == "{" && parenDepth == 0 && bracketDepth == 0:
			isFunc := !sawTypedef && !sawEquals &&
				prev.Kind == TokenPunct && prev.Text(src) == ")"
			end, next := skipBraces(src, tokens, i)
			if isFunc {
				// A function definition ends at its closing brace.
				return Segment{
					Kind:      SegmentFunction,
					Start:     start,
					End:       end,
					Name:      declaratorName(src, tokens[indexOfOffset(tokens, start):i]),
					BodyStart: tok.Start,
				}, next
			}
			// Aggregate or initializer braces; the statement continues to
			// its terminating semicolon.
			i = next
			if tok := lastToken(tokens, i); tok != nil {
				prev = *tok
			}
			continue
		}

		prev = tok
		i++
	}

	// Unterminated statement; treat the remainder as one opaque declaration.
	return Segment{Kind: SegmentDecl, Start: start, End: tokens[len(tokens)-1].End}, len(tokens)
}

// skipBraces consumes a balanced brace group starting at the `{` at index i.
// Returns the byte offset just past the closing brace and the next token
// index.
func skipBraces(src string, tokens []Token, i int) (end int, next int) {
	depth := 0
	for ; i < len(tokens); i++ {
		tok := tokens[i]
		if tok.Kind != TokenPunct {
			continue
		}
		switch tok.Text(src) {
		case "{":
			depth++
		case "}":
			depth--
			if depth == 0 {
				return tok.End, i + 1
			}
		}
	}
	last := tokens[len(tokens)-1]
	return last.End, len(tokens)
}

// declaratorName extracts the function name from the head tokens of a
// definition (everything before the body's opening brace). The name is the
// identifier immediately preceding the first `(` where that identifier is
// not a keyword; this handles ordinary definitions and function-pointer
// returns like `void (*f(int))(void)`.
func declaratorName(src string, head []Token) string {
	for idx, tok := range head {
		if tok.Kind == TokenPunct && tok.Text(src) == "(" && idx > 0 {
			p := head[idx-1]
			if p.Kind == TokenIdent && !IsKeyword(p.Text(src)) {
				return p.Text(src)
			}
		}
	}
	return ""
}

func indexOfOffset(tokens []Token, offset int) int {
	for i, tok := range tokens {
		if tok.Start >= offset {
			return i
		}
	}
	return len(tokens)
}

func lastToken(tokens []Token, next int) *Token {
	if next-1 >= 0 && next-1 < len(tokens) {
		return &tokens[next-1]
	}
	return nil
}

// Functions returns the function definition segments of src, in order.
func Functions(src string) []Segment {
	var fns []Segment
	for _, seg := range Segments(src) {
		if seg.Kind == SegmentFunction {
			fns = append(fns, seg)
		}
	}
	return fns
}

// FindFunction returns the definition segment of the named function.
func FindFunction(src, name string) (Segment, bool) {
	for _, seg := range Functions(src) {
		if seg.Name == name {
			return seg, true
		}
	}
	return Segment{}, false
}

// IsInline reports whether a function definition carries a specifier that
// makes the target compiler eligible to inline it (inline or static).
func IsInline(src string, seg Segment) bool {
	head := src[seg.Start:seg.BodyStart]
	for _, tok := range Lex(head) {
		if tok.Kind != TokenIdent {
			continue
		}
		switch tok.Text(head) {
		case "static", "inline", "__inline", "__inline__":
			return true
		}
	}
	return false
}

// Declaration rewrites a function definition segment into a forward
// declaration: the head with storage-class specifiers that would prevent
// external linkage removed, terminated by a semicolon and a marker comment
// recording that the body was removed. Original spacing is preserved except
// where a specifier is spliced out.
func Declaration(src string, seg Segment) string {
	head := strings.TrimRight(src[seg.Start:seg.BodyStart], " \t\n\r")
	tokens := Lex(head)

	var b strings.Builder
	pos := 0
	for _, tok := range tokens {
		text := tok.Text(head)
		if tok.Kind == TokenIdent && (text == "static" || text == "inline" ||
			text == "__inline" || text == "__inline__") {
			b.WriteString(head[pos:tok.Start])
			pos = tok.End
			// Swallow one following space so "static void" becomes "void".
			if pos < len(head) && (head[pos] == ' ' || head[pos] == '\t') {
				pos++
			}
		}
	}
	b.WriteString(head[pos:])
	return strings.TrimLeft(b.String(), " \t\n\r") + "; " + StrippedMarker
}
