package watcher

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/gobwas/glob"
)

// Options configures the native watcher.
type Options struct {
	// IgnorePatterns are globs matched against slash-separated paths relative
	// to the watched root. "*" stops at a separator, "**" does not. A pattern
	// without a leading "/" also matches in every subdirectory.
	IgnorePatterns []string
	SettleDelay    time.Duration
	IgnoreHidden   bool
}

// setDefaults applies default values to unset options.
func (o *Options) setDefaults() {
	if o.SettleDelay == 0 {
		o.SettleDelay = 100 * time.Millisecond
	}

	// Set default ignore patterns if none specified (nil, not just empty).
	if o.IgnorePatterns == nil {
		o.IgnorePatterns = []string{
			".DS_Store",
			"*.tmp",
			"*.temp",
			"*.swp",
			"Thumbs.db",
		}
		// Also default to ignoring hidden files when no custom config provided.
		// If patterns were explicitly set (even to empty slice), respect user's IgnoreHidden choice.
		o.IgnoreHidden = true
	}
}

// ignoreRules is the compiled form of Options.
type ignoreRules struct {
	globs  []glob.Glob
	hidden bool
}

func compileIgnore(opts Options) (*ignoreRules, error) {
	rules := &ignoreRules{hidden: opts.IgnoreHidden}
	for _, pattern := range opts.IgnorePatterns {
		variants := []string{strings.TrimPrefix(pattern, "/")}
		if !strings.HasPrefix(pattern, "/") && !strings.HasPrefix(pattern, "**/") {
			variants = append(variants, "**/"+pattern)
		}
		for _, v := range variants {
			g, err := glob.Compile(v, '/')
			if err != nil {
				return nil, fmt.Errorf("invalid ignore pattern %q: %w", pattern, err)
			}
			rules.globs = append(rules.globs, g)
		}
	}
	return rules, nil
}

// match reports whether rel, a path relative to the watched root, is ignored.
func (r *ignoreRules) match(rel string) bool {
	if rel == "" || rel == "." {
		return false
	}
	rel = filepath.ToSlash(rel)

	if r.hidden {
		for _, part := range strings.Split(rel, "/") {
			if strings.HasPrefix(part, ".") && part != "." && part != ".." {
				return true
			}
		}
	}

	for _, g := range r.globs {
		if g.Match(rel) {
			return true
		}
	}
	return false
}
