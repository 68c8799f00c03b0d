package project

import (
	"fmt"
	"os"
	"regexp"
	"strings"
)

// configure.py lists each translation unit as
//
//	Object(NonMatching, "melee/ft/chara/ftCommon/ftCo_AttackS4.c"),
//
// and flipping NonMatching to Matching is how a fully matched file enters
// the verified build.
var objectLineRE = regexp.MustCompile(`\bObject\(\s*(NonMatching|Matching|Equivalent)\s*,\s*"([^"]+)"`)

// ObjectState returns the build-config state recorded for a source file.
func ObjectState(configPath, sourceFile string) (string, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return "", fmt.Errorf("failed to read build config: %w", err)
	}
	for _, m := range objectLineRE.FindAllStringSubmatch(string(data), -1) {
		if m[2] == sourceFile {
			return m[1], nil
		}
	}
	return "", fmt.Errorf("source file %s not listed in %s", sourceFile, configPath)
}

// MarkMatching flips a source file's Object entry from NonMatching to
// Matching. Returns true if the file content changed. Flipping an entry
// already Matching is a no-op; a missing entry is an error.
func MarkMatching(configPath, sourceFile string) (bool, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return false, fmt.Errorf("failed to read build config: %w", err)
	}
	content := string(data)

	found := false
	changed := false
	out := objectLineRE.ReplaceAllStringFunc(content, func(m string) string {
		sub := objectLineRE.FindStringSubmatch(m)
		if sub[2] != sourceFile {
			return m
		}
		found = true
		if sub[1] != "NonMatching" {
			return m
		}
		changed = true
		return strings.Replace(m, sub[1], "Matching", 1)
	})
	if !found {
		return false, fmt.Errorf("source file %s not listed in %s", sourceFile, configPath)
	}
	if !changed {
		return false, nil
	}
	if err := os.WriteFile(configPath, []byte(out), 0o644); err != nil {
		return false, fmt.Errorf("failed to write build config: %w", err)
	}
	return true, nil
}
