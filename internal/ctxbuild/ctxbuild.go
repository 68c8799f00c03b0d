// Package ctxbuild assembles the C context sent to the scratch service.
//
// A scratch needs two things from the project tree: the target function's
// source, and a context containing every type, declaration, and callee the
// compiler needs to build that source in isolation. The context is derived
// from the target's translation unit by stripping function bodies down to
// declarations so the scratch compiles only the target.
package ctxbuild

import (
	"context"
	"fmt"
	"strings"

	"github.com/itsgrimetime/melee-decomp-sub001/internal/cparse"
	"github.com/itsgrimetime/melee-decomp-sub001/internal/proc"
)

// ErrFunctionNotFound is returned when the target function has no definition
// in the given source.
var ErrFunctionNotFound = fmt.Errorf("function definition not found")

// StripAllBodies replaces every function definition with a forward
// declaration, except names present in keep. Non-function segments (types,
// globals, directives) pass through byte for byte.
func StripAllBodies(src string, keep map[string]bool) string {
	var b strings.Builder
	pos := 0
	for _, seg := range cparse.Segments(src) {
		b.WriteString(src[pos:seg.Start])
		if seg.Kind == cparse.SegmentFunction && !keep[seg.Name] {
			b.WriteString(cparse.Declaration(src, seg))
		} else {
			b.WriteString(seg.Text(src))
		}
		pos = seg.End
	}
	b.WriteString(src[pos:])
	return b.String()
}

// StripInlineBodies strips only static and inline function definitions,
// leaving plain definitions intact. Used when the context must keep real
// callees compilable but the auto-inliner would otherwise fold helper
// bodies into the diff.
func StripInlineBodies(src string, keep map[string]bool) string {
	var b strings.Builder
	pos := 0
	for _, seg := range cparse.Segments(src) {
		b.WriteString(src[pos:seg.Start])
		if seg.Kind == cparse.SegmentFunction && !keep[seg.Name] && cparse.IsInline(src, seg) {
			b.WriteString(cparse.Declaration(src, seg))
		} else {
			b.WriteString(seg.Text(src))
		}
		pos = seg.End
	}
	b.WriteString(src[pos:])
	return b.String()
}

// StripTarget replaces only the named function's definition with its
// declaration, leaving everything else intact.
func StripTarget(src, target string) string {
	seg, ok := cparse.FindFunction(src, target)
	if !ok {
		return src
	}
	return src[:seg.Start] + cparse.Declaration(src, seg) + src[seg.End:]
}

// ExtractTarget splits a translation unit into the target function's
// definition and the remaining context. In the context the target is
// replaced by its declaration and every other function body is stripped
// too, so inline helpers the target calls stay declared but nothing else
// gets compiled by the scratch.
func ExtractTarget(src, target string) (definition, ctxSrc string, err error) {
	seg, ok := cparse.FindFunction(src, target)
	if !ok {
		return "", "", fmt.Errorf("%w: %s", ErrFunctionNotFound, target)
	}
	definition = seg.Text(src)
	ctxSrc = StripAllBodies(src, nil)
	return definition, ctxSrc, nil
}

// RemoveStaticAsserts drops top-level compile-time assertions. Scratch
// compilers predate _Static_assert and the macro wrappers expand to arrays
// the stripped context cannot always size.
func RemoveStaticAsserts(src string) string {
	var b strings.Builder
	pos := 0
	for _, seg := range cparse.Segments(src) {
		b.WriteString(src[pos:seg.Start])
		pos = seg.End
		if seg.Kind == cparse.SegmentDecl {
			text := seg.Text(src)
			trimmed := strings.TrimLeft(text, " \t")
			if strings.HasPrefix(trimmed, "_Static_assert") ||
				strings.HasPrefix(trimmed, "STATIC_ASSERT") {
				continue
			}
		}
		b.WriteString(seg.Text(src))
	}
	b.WriteString(src[pos:])
	return b.String()
}

// Builder assembles scratch contexts from project source files.
type Builder struct {
	runner   proc.Runner
	includes []string
}

// NewBuilder returns a Builder that preprocesses through the given runner
// with the given include directories.
func NewBuilder(runner proc.Runner, includes []string) *Builder {
	return &Builder{runner: runner, includes: includes}
}

// Preprocess runs the C preprocessor over a source file so the context
// carries expanded headers instead of include directives the scratch
// service cannot resolve. Line markers are suppressed; compile-time asserts
// are removed from the output.
func (b *Builder) Preprocess(ctx context.Context, dir, file string) (string, error) {
	args := []string{"-E", "-P", "-x", "c"}
	for _, inc := range b.includes {
		args = append(args, "-I"+inc)
	}
	args = append(args, file)

	res, err := b.runner.Run(ctx, dir, "cpp", args...)
	if err != nil {
		return "", fmt.Errorf("preprocessing %s failed: %w", file, err)
	}
	return RemoveStaticAsserts(res.Stdout), nil
}
