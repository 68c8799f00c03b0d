package cparse

import (
	"strings"
	"testing"
)

const sample = `#include <dolphin/types.h>
#include "ftCo_AttackS4.h"

#define FT_DEGREES(x) ((x) * 0.0174532f)

typedef struct FtMotionCb {
    void (*on_enter)(Fighter* fp);
    void (*on_exit)(Fighter* fp);
} FtMotionCb;

struct ftCo_DatAttrs {
    float x0;
    int x4;
};

static float ftCo_Scale = 1.0f;

static inline float ftCo_ScaleKnockback(float kb, float scale)
{
    return kb * scale;
}

void ftCo_800D5FB0(Fighter* fp)
{
    if (fp->x2219_b0) {
        ftCo_ScaleKnockback(fp->kb, ftCo_Scale);
    }
}

void (*ftCo_GetCallback(int idx))(Fighter*)
{
    return ftCo_Callbacks[idx];
}
`

func TestSegmentsKinds(t *testing.T) {
	segs := Segments(sample)

	var directives, decls, funcs int
	for _, s := range segs {
		switch s.Kind {
		case SegmentDirective:
			directives++
		case SegmentDecl:
			decls++
		case SegmentFunction:
			funcs++
		}
	}
	if directives != 3 {
		t.Errorf("expected 3 directives, got %d", directives)
	}
	if decls != 3 { // typedef, struct, static float
		t.Errorf("expected 3 declarations, got %d", decls)
	}
	if funcs != 3 {
		t.Errorf("expected 3 function definitions, got %d", funcs)
	}
}

func TestFunctionNames(t *testing.T) {
	fns := Functions(sample)
	want := []string{"ftCo_ScaleKnockback", "ftCo_800D5FB0", "ftCo_GetCallback"}
	if len(fns) != len(want) {
		t.Fatalf("expected %d functions, got %d", len(want), len(fns))
	}
	for i, name := range want {
		if fns[i].Name != name {
			t.Errorf("function %d: expected %s, got %s", i, name, fns[i].Name)
		}
	}
}

func TestStructBytesPreserved(t *testing.T) {
	segs := Segments(sample)
	for _, s := range segs {
		if s.Kind != SegmentDecl {
			continue
		}
		text := s.Text(sample)
		if strings.HasPrefix(text, "struct ftCo_DatAttrs") {
			want := "struct ftCo_DatAttrs {\n    float x0;\n    int x4;\n};"
			if text != want {
				t.Errorf("struct not preserved byte for byte:\ngot  %q\nwant %q", text, want)
			}
			return
		}
	}
	t.Fatal("struct segment not found")
}

func TestTypedefWithFunctionPointersIsNotAFunction(t *testing.T) {
	segs := Segments(sample)
	for _, s := range segs {
		if s.Kind == SegmentFunction && strings.Contains(s.Text(sample), "typedef") {
			t.Errorf("typedef misclassified as function: %q", s.Text(sample))
		}
	}
}

func TestInitializerIsNotAFunction(t *testing.T) {
	src := `int (*table[2])(void) = {
    fn_a,
    fn_b,
};
`
	segs := Segments(src)
	if len(segs) != 1 {
		t.Fatalf("expected 1 segment, got %d", len(segs))
	}
	if segs[0].Kind != SegmentDecl {
		t.Errorf("initializer misclassified as %v", segs[0].Kind)
	}
}

func TestDeclarationStripsStorageClass(t *testing.T) {
	seg, ok := FindFunction(sample, "ftCo_ScaleKnockback")
	if !ok {
		t.Fatal("ftCo_ScaleKnockback not found")
	}
	decl := Declaration(sample, seg)
	want := "float ftCo_ScaleKnockback(float kb, float scale); /* stripped */"
	if decl != want {
		t.Errorf("declaration mismatch:\ngot  %q\nwant %q", decl, want)
	}
}

func TestDeclarationPlainFunction(t *testing.T) {
	seg, ok := FindFunction(sample, "ftCo_800D5FB0")
	if !ok {
		t.Fatal("ftCo_800D5FB0 not found")
	}
	decl := Declaration(sample, seg)
	want := "void ftCo_800D5FB0(Fighter* fp); /* stripped */"
	if decl != want {
		t.Errorf("declaration mismatch:\ngot  %q\nwant %q", decl, want)
	}
}

func TestFunctionPointerReturnName(t *testing.T) {
	seg, ok := FindFunction(sample, "ftCo_GetCallback")
	if !ok {
		t.Fatal("function-pointer-returning definition not detected")
	}
	if seg.Name != "ftCo_GetCallback" {
		t.Errorf("expected ftCo_GetCallback, got %s", seg.Name)
	}
}

func TestSegmentsIdempotent(t *testing.T) {
	// Re-segmenting the concatenation of all segment texts yields the same
	// classification.
	segs := Segments(sample)
	var rebuilt strings.Builder
	for _, s := range segs {
		rebuilt.WriteString(s.Text(sample))
		rebuilt.WriteString("\n")
	}
	again := Segments(rebuilt.String())
	if len(again) != len(segs) {
		t.Fatalf("segment count changed on reparse: %d -> %d", len(segs), len(again))
	}
	for i := range segs {
		if again[i].Kind != segs[i].Kind {
			t.Errorf("segment %d kind changed: %v -> %v", i, segs[i].Kind, again[i].Kind)
		}
	}
}

func TestLexSkipsCommentsAndStrings(t *testing.T) {
	src := `int x; /* { not a brace */ // } also not
char* s = "{\"}";`
	segs := Segments(src)
	if len(segs) != 2 {
		t.Fatalf("expected 2 segments, got %d", len(segs))
	}
	for _, s := range segs {
		if s.Kind != SegmentDecl {
			t.Errorf("expected declaration, got %v", s.Kind)
		}
	}
}

func TestPreprocessorInsideFunction(t *testing.T) {
	src := `void fn(void)
{
#ifdef DEBUG
    log();
#endif
}
`
	fns := Functions(src)
	if len(fns) != 1 || fns[0].Name != "fn" {
		t.Fatalf("function with embedded directives not detected: %+v", fns)
	}
}
