// Package commitapply lands a matched function in the project source tree:
// stub replacement, build verification, revert on failure, and the final
// git commit.
package commitapply

import (
	"strings"

	"github.com/itsgrimetime/melee-decomp-sub001/internal/cparse"
)

// Unimplemented functions are held in source files as marker lines so the
// file compiles while the assembly comes from the original object:
//
//	/// #ftCo_800D5FB0
const stubPrefix = "/// #"

// StubMarker returns the marker line for a function.
func StubMarker(name string) string {
	return stubPrefix + name
}

// ListStubs returns the names of all stub markers in a source file, in
// file order.
func ListStubs(src string) []string {
	var names []string
	for _, line := range strings.Split(src, "\n") {
		if name, ok := parseStubLine(line); ok {
			names = append(names, name)
		}
	}
	return names
}

// HasStub reports whether the file stubs the named function.
func HasStub(src, name string) bool {
	for _, s := range ListStubs(src) {
		if s == name {
			return true
		}
	}
	return false
}

func parseStubLine(line string) (string, bool) {
	trimmed := strings.TrimSpace(line)
	if !strings.HasPrefix(trimmed, stubPrefix) {
		return "", false
	}
	name := strings.TrimSpace(strings.TrimPrefix(trimmed, stubPrefix))
	if name == "" || strings.ContainsAny(name, " \t") {
		return "", false
	}
	return name, true
}

// ReplaceStub swaps the named stub marker for a definition. Returns the
// updated source and whether a marker was found.
func ReplaceStub(src, name, definition string) (string, bool) {
	lines := strings.Split(src, "\n")
	for i, line := range lines {
		if n, ok := parseStubLine(line); ok && n == name {
			lines[i] = strings.TrimRight(definition, "\n")
			return strings.Join(lines, "\n"), true
		}
	}
	return src, false
}

// ReplaceDefinition swaps an existing definition of name for a new one.
// Returns the updated source and whether a definition was found.
func ReplaceDefinition(src, name, definition string) (string, bool) {
	seg, ok := cparse.FindFunction(src, name)
	if !ok {
		return src, false
	}
	return src[:seg.Start] + strings.TrimRight(definition, "\n") + src[seg.End:], true
}

// InsertDefinition places a definition in binary-address order relative to
// the functions and stubs already present. order lists the file's functions
// in address order (from the symbol table); the definition lands after the
// last present entry that precedes name, or at the end of the file.
func InsertDefinition(src, name, definition string, order []string) string {
	pos := -1
	for _, other := range order {
		if other == name {
			break
		}
		if end, ok := endOfFunction(src, other); ok {
			pos = end
		}
	}

	def := strings.TrimRight(definition, "\n")
	if pos < 0 {
		if !strings.HasSuffix(src, "\n") {
			src += "\n"
		}
		return src + "\n" + def + "\n"
	}
	return src[:pos] + "\n\n" + def + src[pos:]
}

// endOfFunction returns the byte offset just past a function's definition
// or stub marker.
func endOfFunction(src, name string) (int, bool) {
	if seg, ok := cparse.FindFunction(src, name); ok {
		return seg.End, true
	}
	offset := 0
	for _, line := range strings.SplitAfter(src, "\n") {
		if n, ok := parseStubLine(line); ok && n == name {
			return offset + len(strings.TrimRight(line, "\n")), true
		}
		offset += len(line)
	}
	return 0, false
}

// Place puts a definition into a source file using the strongest available
// anchor: stub marker first, existing definition second, address-ordered
// insertion last.
func Place(src, name, definition string, order []string) string {
	if out, ok := ReplaceStub(src, name, definition); ok {
		return out
	}
	if out, ok := ReplaceDefinition(src, name, definition); ok {
		return out
	}
	return InsertDefinition(src, name, definition, order)
}
