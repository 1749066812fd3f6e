// Package links extracts invite codes from free text.
package links

import "regexp"

// inviteRe matches group and channel invite URLs; the code is 20-24 alphanumerics.
var inviteRe = regexp.MustCompile(`(?:chat\.whatsapp\.com/|whatsapp\.com/channel/)([0-9A-Za-z]{20,24})`)

// Extract returns every invite code found in text, in order of appearance,
// without duplicates.
func Extract(text string) []string {
	matches := inviteRe.FindAllStringSubmatch(text, -1)
	if len(matches) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(matches))
	out := make([]string, 0, len(matches))
	for _, m := range matches {
		code := m[1]
		if _, ok := seen[code]; ok {
			continue
		}
		seen[code] = struct{}{}
		out = append(out, code)
	}
	return out
}
