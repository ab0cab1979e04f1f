package service

import (
	"strings"
	"unicode/utf8"
)

const minPromptLength = 5

// defaultBlacklist blocks prompts outright. Matching is case-insensitive on
// word boundaries after basic normalization.
var defaultBlacklist = []string{
	"child", "minor", "underage",
	"gore", "beheading", "dismember",
	"rape", "incest",
}

// defaultGreylist lets the prompt through but marks the job for review.
var defaultGreylist = []string{
	"nude", "naked", "nsfw",
	"blood", "weapon", "gun",
	"celebrity", "politician",
}

// Verdict is the moderation outcome for a prompt.
type Verdict struct {
	Allowed bool
	Flagged bool
	Reason  string
}

// Moderator screens prompts before any tokens are reserved or provider calls
// made.
type Moderator struct {
	blacklist []string
	greylist  []string
}

func NewModerator(blacklist, greylist []string) *Moderator {
	if blacklist == nil {
		blacklist = defaultBlacklist
	}
	if greylist == nil {
		greylist = defaultGreylist
	}
	return &Moderator{blacklist: blacklist, greylist: greylist}
}

// Check screens the prompt. Too-short prompts and blacklist hits are
// rejected; greylist hits pass but come back flagged.
func (m *Moderator) Check(prompt string) Verdict {
	normalized := normalizePrompt(prompt)
	if utf8.RuneCountInString(normalized) < minPromptLength {
		return Verdict{Allowed: false, Reason: "prompt too short"}
	}

	words := strings.Fields(normalized)
	for _, bad := range m.blacklist {
		if containsWord(words, bad) {
			return Verdict{Allowed: false, Reason: "prompt contains a prohibited term"}
		}
	}
	for _, grey := range m.greylist {
		if containsWord(words, grey) {
			return Verdict{Allowed: true, Flagged: true}
		}
	}
	return Verdict{Allowed: true}
}

func normalizePrompt(prompt string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(strings.TrimSpace(prompt)) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == ' ':
			b.WriteRune(r)
		case r == '-' || r == '_' || r == '.' || r == ',':
			b.WriteRune(' ')
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}

func containsWord(words []string, target string) bool {
	for _, w := range words {
		if w == target {
			return true
		}
	}
	return false
}
