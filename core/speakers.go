package core

import "strings"

// ApplySpeakerNames replaces the default "Speaker <id>" labels in text with
// the user-chosen display names. Unknown ids are left untouched.
func ApplySpeakerNames(text string, names map[string]string) string {
	for id, name := range names {
		if name == "" {
			continue
		}
		text = strings.ReplaceAll(text, "Speaker "+id, name)
	}
	return text
}
