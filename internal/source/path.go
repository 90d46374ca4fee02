package source

import "strings"

// PathDelimiter separates folder names in a path. A literal delimiter
// inside a name is written twice.
const PathDelimiter = '\\'

// PathComponents splits a folder path into names. Components are trimmed
// and empty ones dropped. `Work\Site A` yields [Work, Site A] and
// `A\\B\C` yields [A\B, C].
func PathComponents(path string) []string {
	var (
		comps []string
		cur   strings.Builder
	)

	flush := func() {
		name := strings.TrimSpace(cur.String())
		if name != "" {
			comps = append(comps, name)
		}

		cur.Reset()
	}

	runes := []rune(path)
	for i := 0; i < len(runes); i++ {
		if runes[i] != PathDelimiter {
			cur.WriteRune(runes[i])
			continue
		}

		if i+1 < len(runes) && runes[i+1] == PathDelimiter {
			cur.WriteRune(PathDelimiter)
			i++

			continue
		}

		flush()
	}

	flush()

	return comps
}

// JoinPath builds a path from names, escaping delimiters inside names.
func JoinPath(names ...string) string {
	escaped := make([]string, 0, len(names))
	for _, n := range names {
		escaped = append(escaped, strings.ReplaceAll(n, string(PathDelimiter), string([]rune{PathDelimiter, PathDelimiter})))
	}

	return strings.Join(escaped, string(PathDelimiter))
}
