package schedule

import (
	"strings"
	"unicode"
)

const maxNameLen = 80

// actionWords are task nouns a prompt tends to lead with. The first one
// found becomes the name's action part.
var actionWords = map[string]struct{}{
	"screenshot": {},
	"report":     {},
	"summary":    {},
	"digest":     {},
	"backup":     {},
	"check":      {},
	"review":     {},
	"scan":       {},
	"export":     {},
	"sync":       {},
	"cleanup":    {},
	"reminder":   {},
	"snapshot":   {},
}

// stopwords never contribute to a derived name.
var stopwords = map[string]struct{}{
	"a": {}, "an": {}, "the": {}, "of": {}, "to": {}, "for": {}, "on": {},
	"in": {}, "at": {}, "and": {}, "or": {}, "with": {}, "from": {},
	"take": {}, "make": {}, "run": {}, "do": {}, "please": {}, "go": {},
	"my": {}, "me": {}, "every": {}, "each": {}, "then": {}, "homepage": {},
	"page": {}, "site": {}, "website": {},
}

// genericNames are placeholder titles callers pass when they have no
// real name; they are treated like an empty name so the prompt can
// produce something descriptive.
var genericNames = map[string]struct{}{
	"task": {}, "new task": {}, "untitled": {}, "untitled task": {},
	"schedule": {}, "new schedule": {}, "untitled schedule": {},
	"job": {}, "new job": {}, "cron job": {}, "reminder": {}, "test": {},
}

// ResolveScheduleName returns the explicit name when given, otherwise
// derives one from the prompt: a proper-noun subject plus a recognized
// action word when both are present, the trimmed prompt as a fallback.
// Placeholder names like "task" or "untitled" count as not given.
// Names are capped at 80 chars with an ellipsis.
func ResolveScheduleName(name, taskPrompt string) string {
	if trimmed := strings.TrimSpace(name); trimmed != "" {
		if _, generic := genericNames[strings.ToLower(trimmed)]; !generic {
			return truncateName(trimmed)
		}
	}

	prompt := strings.TrimSpace(taskPrompt)
	if prompt == "" {
		return "Untitled Schedule"
	}

	var subject, action string
	for i, raw := range strings.Fields(prompt) {
		word := cleanWord(raw)
		if word == "" {
			continue
		}
		lower := strings.ToLower(word)
		if _, skip := stopwords[lower]; skip {
			continue
		}
		if action == "" {
			if _, ok := actionWords[lower]; ok {
				action = titleCase(lower)
				continue
			}
		}
		// A capitalized word past the first token reads as the subject.
		if subject == "" && i > 0 && unicode.IsUpper([]rune(word)[0]) {
			subject = word
		}
	}

	if subject != "" && action != "" {
		return truncateName(subject + " " + action)
	}
	if action != "" {
		return truncateName(action)
	}
	return truncateName(prompt)
}

// cleanWord strips surrounding punctuation and possessive suffixes.
func cleanWord(w string) string {
	w = strings.TrimFunc(w, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	for _, suffix := range []string{"'s", "’s"} {
		w = strings.TrimSuffix(w, suffix)
	}
	return w
}

func titleCase(w string) string {
	if w == "" {
		return w
	}
	runes := []rune(w)
	runes[0] = unicode.ToUpper(runes[0])
	return string(runes)
}

func truncateName(name string) string {
	runes := []rune(name)
	if len(runes) <= maxNameLen {
		return name
	}
	return strings.TrimSpace(string(runes[:maxNameLen-1])) + "…"
}
