package chat

import "regexp"

var mentionPattern = regexp.MustCompile(`@([A-Za-z0-9_-]+)`)

// ExtractMentions returns the distinct @handles of text in order of first
// appearance, without the leading @.
func ExtractMentions(text string) []string {
	matches := mentionPattern.FindAllStringSubmatch(text, -1)
	if len(matches) == 0 {
		return nil
	}

	seen := make(map[string]struct{}, len(matches))
	out := make([]string, 0, len(matches))
	for _, m := range matches {
		handle := m[1]
		if _, ok := seen[handle]; ok {
			continue
		}
		seen[handle] = struct{}{}
		out = append(out, handle)
	}
	return out
}
