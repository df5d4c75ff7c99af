package agents

import (
	"fmt"
	"path"
	"strings"

	"github.com/tidwall/gjson"
)

// DefaultProtectedPaths are files in a generated app the agent may never modify
var DefaultProtectedPaths = []string{
	".git/**",
	"node_modules/**",
	".env",
	".env.*",
}

// mutatingToolPrefixes mark MCP tools that change the repository
var mutatingToolPrefixes = []string{"write", "edit", "create", "delete", "remove", "move", "rename", "replace", "append"}

// pathArguments are the tool argument names that carry file paths
var pathArguments = []string{"path", "file_path", "filePath", "target", "destination", "paths"}

// ErrProtectedPath is returned when the agent tries to modify a protected file
type ErrProtectedPath struct {
	Path    string
	Pattern string
}

func (e *ErrProtectedPath) Error() string {
	return fmt.Sprintf("path %q is protected by pattern %q", e.Path, e.Pattern)
}

// PathGuard checks tool call paths against protected patterns
type PathGuard struct {
	patterns []string
}

// NewPathGuard creates a guard. No patterns means DefaultProtectedPaths.
func NewPathGuard(patterns ...string) *PathGuard {
	if len(patterns) == 0 {
		patterns = DefaultProtectedPaths
	}
	return &PathGuard{patterns: patterns}
}

// CheckToolCall inspects the arguments of a mutating tool call and returns
// the first protected path it touches
func (pg *PathGuard) CheckToolCall(toolName string, input []byte) *ErrProtectedPath {
	if !isMutatingTool(toolName) || !gjson.ValidBytes(input) {
		return nil
	}
	args := gjson.ParseBytes(input)
	for _, name := range pathArguments {
		v := args.Get(name)
		if !v.Exists() {
			continue
		}
		if v.IsArray() {
			for _, item := range v.Array() {
				if err := pg.CheckPath(item.String()); err != nil {
					return err
				}
			}
			continue
		}
		if err := pg.CheckPath(v.String()); err != nil {
			return err
		}
	}
	return nil
}

// CheckPath checks a repository path against the protected patterns.
// Patterns use path.Match syntax (*, ?, [...]) plus ** for recursive matching.
func (pg *PathGuard) CheckPath(p string) *ErrProtectedPath {
	normalized := normalizePath(p)
	if normalized == "" {
		return nil
	}
	for _, pattern := range pg.patterns {
		pattern = strings.TrimSpace(pattern)
		if pattern == "" {
			continue
		}
		if matches(normalized, pattern) {
			return &ErrProtectedPath{Path: p, Pattern: pattern}
		}
	}
	return nil
}

func isMutatingTool(name string) bool {
	lower := strings.ToLower(name)
	for _, prefix := range mutatingToolPrefixes {
		if strings.HasPrefix(lower, prefix) {
			return true
		}
	}
	return false
}

// normalizePath makes p relative to the repository root
func normalizePath(p string) string {
	p = strings.TrimSpace(strings.ReplaceAll(p, "\\", "/"))
	if p == "" {
		return ""
	}
	cleaned := path.Clean("/" + p)
	return strings.TrimPrefix(cleaned, "/")
}

func matches(p, pattern string) bool {
	if strings.Contains(pattern, "**") {
		parts := strings.SplitN(pattern, "**", 2)
		prefix := strings.TrimRight(parts[0], "/")
		suffix := strings.TrimLeft(parts[1], "/")

		if prefix != "" && p != prefix && !strings.HasPrefix(p, prefix+"/") {
			return false
		}
		if suffix != "" {
			matched, _ := path.Match(suffix, path.Base(p))
			return matched
		}
		return true
	}

	if matched, _ := path.Match(pattern, p); matched {
		return true
	}
	matched, _ := path.Match(pattern, path.Base(p))
	return matched
}
