// Package versionindex implements the legacy version index update mode.
//
// The server publishes versionindex.txt, a slash separated list of version
// names, and one <version>.txt file per version. Each line of a version
// file is a relative path, optionally preceded by bracketed arguments:
//
//	[windows, 64] natives/lwjgl64.dll
//	[unzip] natives/bundle.zip
//	[remove] lib/old.jar
//
// Versions missing from the local cache are pending; their directives are
// merged and applied in one run.
package versionindex

import (
	"bufio"
	"bytes"
	"fmt"
	"regexp"
	"runtime"
	"slices"
	"strings"

	"github.com/schaermu/patchsync/internal/manifest"
)

// MethodName is the check method name of the legacy mode
const MethodName = "version-index"

// Op is what a directive asks for
type Op int

const (
	OpDownload Op = iota
	OpUnzip
	OpRemove
)

func (o Op) String() string {
	switch o {
	case OpUnzip:
		return "unzip"
	case OpRemove:
		return "remove"
	default:
		return "download"
	}
}

// Directive is one line of a version file. It implements manifest.Entry
// along with the Archived and Obsoleted capabilities.
type Directive struct {
	Path string
	Op   Op
}

// RelativePath implements manifest.Entry
func (d Directive) RelativePath() string { return d.Path }

// Archive implements manifest.Archived
func (d Directive) Archive() bool { return d.Op == OpUnzip }

// Obsolete implements manifest.Obsoleted
func (d Directive) Obsolete() bool { return d.Op == OpRemove }

// Platform selects which platform-filtered directives apply
type Platform struct {
	OS   string // windows, mac, linux or empty when unknown
	Arch string // 32 or 64
}

// CurrentPlatform describes the running process
func CurrentPlatform() Platform {
	p := Platform{Arch: "32"}
	switch runtime.GOOS {
	case "windows":
		p.OS = "windows"
	case "darwin":
		p.OS = "mac"
	case "linux":
		p.OS = "linux"
	}
	if strings.Contains(runtime.GOARCH, "64") {
		p.Arch = "64"
	}
	return p
}

func (p Platform) accepts(args []string) bool {
	if hasAny(args, "windows", "mac", "linux") && p.OS != "" && !slices.Contains(args, p.OS) {
		return false
	}
	if hasAny(args, "32", "64") && !slices.Contains(args, p.Arch) {
		return false
	}
	return true
}

func hasAny(args []string, values ...string) bool {
	for _, v := range values {
		if slices.Contains(args, v) {
			return true
		}
	}
	return false
}

var versionNameFilter = regexp.MustCompile(`[^a-zA-Z0-9/ ]`)

// ParseIndex extracts the version names of a version index body
func ParseIndex(data []byte) []string {
	cleaned := versionNameFilter.ReplaceAllString(string(data), "")
	var versions []string
	for _, v := range strings.Split(cleaned, "/") {
		if v == "" || slices.Contains(versions, v) {
			continue
		}
		versions = append(versions, v)
	}
	return versions
}

// Pending returns the versions of remote that are not installed, in
// remote order.
func Pending(remote, installed []string) []string {
	var pending []string
	for _, v := range remote {
		if !slices.Contains(installed, v) {
			pending = append(pending, v)
		}
	}
	return pending
}

// ParseDirectives parses a version file, dropping directives filtered out
// for platform.
func ParseDirectives(data []byte, platform Platform) ([]Directive, error) {
	var directives []Directive
	scanner := bufio.NewScanner(bytes.NewReader(data))
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimRight(scanner.Text(), "\r")
		if strings.TrimSpace(line) == "" {
			continue
		}

		var args []string
		rest := line
		if strings.HasPrefix(strings.TrimLeft(line, " "), "[") {
			open := strings.Index(line, "[")
			end := strings.Index(line, "]")
			if end < open {
				return nil, fmt.Errorf("line %d: unterminated argument list", lineNo)
			}
			for _, arg := range strings.Split(line[open+1:end], ",") {
				arg = strings.ToLower(strings.ReplaceAll(arg, " ", ""))
				if arg != "" {
					args = append(args, arg)
				}
			}
			rest = strings.TrimLeft(line[end+1:], " ")
		}

		rel, err := manifest.CleanPath(rest)
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", lineNo, err)
		}
		if !platform.accepts(args) {
			continue
		}

		d := Directive{Path: rel, Op: OpDownload}
		switch {
		case slices.Contains(args, "unzip"):
			d.Op = OpUnzip
		case slices.Contains(args, "remove"):
			d.Op = OpRemove
		}
		if !slices.Contains(directives, d) {
			directives = append(directives, d)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read version file: %w", err)
	}
	return directives, nil
}

// Merge combines the directives of pending versions in version order. A
// remove cancels an earlier pending download of the same path and a later
// download cancels an earlier remove. The result lists downloads, then
// archives, then removals.
func Merge(versions ...[]Directive) []Directive {
	var downloads, unzips, removes []string
	for _, ds := range versions {
		for _, d := range ds {
			switch d.Op {
			case OpDownload:
				removes = without(removes, d.Path)
				downloads = appendUnique(downloads, d.Path)
			case OpUnzip:
				removes = without(removes, d.Path)
				unzips = appendUnique(unzips, d.Path)
			case OpRemove:
				if slices.Contains(downloads, d.Path) {
					downloads = without(downloads, d.Path)
					continue
				}
				removes = appendUnique(removes, d.Path)
			}
		}
	}

	merged := make([]Directive, 0, len(downloads)+len(unzips)+len(removes))
	for _, p := range downloads {
		merged = append(merged, Directive{Path: p, Op: OpDownload})
	}
	for _, p := range unzips {
		merged = append(merged, Directive{Path: p, Op: OpUnzip})
	}
	for _, p := range removes {
		merged = append(merged, Directive{Path: p, Op: OpRemove})
	}
	return merged
}

func appendUnique(list []string, p string) []string {
	if slices.Contains(list, p) {
		return list
	}
	return append(list, p)
}

func without(list []string, p string) []string {
	return slices.DeleteFunc(list, func(s string) bool { return s == p })
}

// Entries converts directives to manifest entries
func Entries(directives []Directive) []manifest.Entry {
	entries := make([]manifest.Entry, len(directives))
	for i, d := range directives {
		entries[i] = d
	}
	return entries
}

// Method is the check method of the legacy mode. Every directive of a
// pending version needs applying, so NeedsUpdate is always true.
type Method struct {
	Platform Platform
}

// NewMethod creates the method for the running platform
func NewMethod() *Method {
	return &Method{Platform: CurrentPlatform()}
}

// Name implements manifest.CheckMethod
func (m *Method) Name() string { return MethodName }

// Decode parses one version file
func (m *Method) Decode(data []byte) ([]manifest.Entry, error) {
	directives, err := ParseDirectives(data, m.Platform)
	if err != nil {
		return nil, err
	}
	return Entries(directives), nil
}

// NeedsUpdate implements manifest.CheckMethod
func (m *Method) NeedsUpdate(_ string, e manifest.Entry) (bool, error) {
	if _, ok := e.(Directive); !ok {
		return false, &manifest.CheckError{Path: e.RelativePath(), Err: manifest.ErrIntegrityMismatch}
	}
	return true, nil
}
