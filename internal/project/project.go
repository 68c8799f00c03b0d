// Package project reads the decomp project's build artifacts: the splits
// map, the symbol table, the objdiff match report, and the build
// configuration.
package project

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
)

// Splits maps function names to the source file that owns them, parsed from
// the decomp-toolkit splits output.
type Splits struct {
	byFunction map[string]string
	byFile     map[string][]string
}

type splitsJSON struct {
	Units []struct {
		Name      string `json:"name"`
		Functions []struct {
			Name string `json:"name"`
		} `json:"functions"`
	} `json:"units"`
}

// LoadSplits parses a splits.json produced by the project build.
func LoadSplits(path string) (*Splits, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read splits: %w", err)
	}
	var raw splitsJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse splits %s: %w", path, err)
	}

	s := &Splits{
		byFunction: map[string]string{},
		byFile:     map[string][]string{},
	}
	for _, unit := range raw.Units {
		for _, fn := range unit.Functions {
			s.byFunction[fn.Name] = unit.Name
			s.byFile[unit.Name] = append(s.byFile[unit.Name], fn.Name)
		}
	}
	return s, nil
}

// FileFor returns the source file owning a function.
func (s *Splits) FileFor(function string) (string, bool) {
	f, ok := s.byFunction[function]
	return f, ok
}

// FunctionsIn returns the functions belonging to a source file, in split
// order.
func (s *Splits) FunctionsIn(file string) []string {
	return s.byFile[file]
}

// Files returns every source file in the splits map, sorted.
func (s *Splits) Files() []string {
	files := make([]string, 0, len(s.byFile))
	for f := range s.byFile {
		files = append(files, f)
	}
	sort.Strings(files)
	return files
}

// Symbols maps function names to their addresses in the target binary,
// parsed from the decomp-toolkit symbols.txt format:
//
//	ftCo_800D5FB0 = .text:0x800D5FB0; // type:function size:0x1A4
type Symbols struct {
	addr map[string]uint32
}

// LoadSymbols parses a symbols.txt file.
func LoadSymbols(path string) (*Symbols, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read symbols: %w", err)
	}
	defer f.Close()

	syms := &Symbols{addr: map[string]uint32{}}
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		name, addr, ok := parseSymbolLine(scanner.Text())
		if ok {
			syms.addr[name] = addr
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to scan symbols %s: %w", path, err)
	}
	return syms, nil
}

func parseSymbolLine(line string) (string, uint32, bool) {
	line = strings.TrimSpace(line)
	if line == "" || strings.HasPrefix(line, "//") {
		return "", 0, false
	}
	eq := strings.Index(line, "=")
	if eq < 0 {
		return "", 0, false
	}
	name := strings.TrimSpace(line[:eq])
	rest := strings.TrimSpace(line[eq+1:])

	// section:0xADDR; trailing comment optional
	colon := strings.Index(rest, ":")
	if colon < 0 {
		return "", 0, false
	}
	addrStr := rest[colon+1:]
	if semi := strings.Index(addrStr, ";"); semi >= 0 {
		addrStr = addrStr[:semi]
	}
	addrStr = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(addrStr), "0x"))
	addr, err := strconv.ParseUint(addrStr, 16, 32)
	if err != nil {
		return "", 0, false
	}
	return name, uint32(addr), true
}

// AddressOf returns a function's address in the target binary.
func (s *Symbols) AddressOf(name string) (uint32, bool) {
	a, ok := s.addr[name]
	return a, ok
}

// SortByAddress orders function names by their binary address. Names
// without a known address sort last, alphabetically.
func (s *Symbols) SortByAddress(names []string) {
	sort.SliceStable(names, func(i, j int) bool {
		ai, iok := s.addr[names[i]]
		aj, jok := s.addr[names[j]]
		switch {
		case iok && jok:
			return ai < aj
		case iok:
			return true
		case jok:
			return false
		default:
			return names[i] < names[j]
		}
	})
}
