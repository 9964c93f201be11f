package mirror

import (
	"fmt"
	"os"
	"strings"

	gitignore "github.com/sabhiram/go-gitignore"
)

// IgnoreList holds gitignore-style patterns loaded from an ignore file.
// Entries matching any pattern are excluded from snapshots and
// reconciliation alike, so both walks see the same tree.
type IgnoreList struct {
	ignore *gitignore.GitIgnore
	lines  []string
}

// LoadIgnoreList reads an ignore file. A missing file yields (nil, nil):
// nothing is ignored.
func LoadIgnoreList(path string) (*IgnoreList, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read ignore file: %w", err)
	}
	return NewIgnoreList(strings.Split(string(data), "\n")...), nil
}

// NewIgnoreList compiles the given pattern lines. Blank lines and comments
// are dropped.
func NewIgnoreList(lines ...string) *IgnoreList {
	var kept []string
	for _, line := range lines {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		kept = append(kept, line)
	}
	return &IgnoreList{
		ignore: gitignore.CompileIgnoreLines(kept...),
		lines:  kept,
	}
}

// Patterns returns the compiled pattern lines.
func (il *IgnoreList) Patterns() []string {
	if il == nil {
		return nil
	}
	return il.lines
}

// Matches reports whether the relative path is ignored. Directory-only
// patterns (trailing "/") match only when isDir is true.
func (il *IgnoreList) Matches(rel []byte, isDir bool) bool {
	if il == nil || len(il.lines) == 0 {
		return false
	}
	p := string(rel)
	if isDir {
		p += "/"
	}
	return il.ignore.MatchesPath(p)
}
