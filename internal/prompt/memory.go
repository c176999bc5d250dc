package prompt

import (
	"strings"

	"chatline/internal/domain"
)

// MaxFactBullets caps how many facts are rendered into the prompt.
const MaxFactBullets = 8

const factsHeader = "Relevant user memories:"

// MergeFacts concatenates thread-scoped facts ahead of global ones and drops
// later duplicates by case-insensitive trimmed text. Blank facts are skipped.
func MergeFacts(thread, global []domain.Fact) []domain.Fact {
	seen := make(map[string]struct{}, len(thread)+len(global))
	out := make([]domain.Fact, 0, len(thread)+len(global))
	for _, list := range [][]domain.Fact{thread, global} {
		for _, f := range list {
			key := strings.ToLower(strings.TrimSpace(f.Text))
			if key == "" {
				continue
			}
			if _, dup := seen[key]; dup {
				continue
			}
			seen[key] = struct{}{}
			out = append(out, f)
		}
	}
	return out
}

// FormatFacts renders facts as a bulleted block. It returns "" when there is
// nothing to render.
func FormatFacts(facts []domain.Fact) string {
	if len(facts) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString(factsHeader)
	for i, f := range facts {
		if i == MaxFactBullets {
			break
		}
		b.WriteString("\n- ")
		b.WriteString(strings.TrimSpace(f.Text))
	}
	return b.String()
}

// MemoryInstruction wraps a formatted fact block in a system directive.
func MemoryInstruction(block string) string {
	if block == "" {
		return ""
	}
	return "You have access to long-term memories about this user. " +
		"Treat them as true and use them when answering. " +
		"Do not say you lack information that appears below.\n\n" + block
}

// SpliceMemories prefixes block onto the text of the last user turn. The
// turns slice is modified in place and returned.
func SpliceMemories(turns []domain.Turn, block string) []domain.Turn {
	if block == "" {
		return turns
	}
	for i := len(turns) - 1; i >= 0; i-- {
		if turns[i].Role != domain.RoleUser {
			continue
		}
		parts := append([]domain.Part(nil), turns[i].Parts...)
		for j, p := range parts {
			if p.Type == domain.PartText {
				parts[j].Text = block + "\n\n" + p.Text
				turns[i].Parts = parts
				return turns
			}
		}
		turns[i].Parts = append([]domain.Part{domain.TextPart(block)}, parts...)
		return turns
	}
	return turns
}

// Compose joins a base system prompt with an optional extra instruction.
func Compose(base, extra string) string {
	switch {
	case extra == "":
		return base
	case base == "":
		return extra
	}
	return base + "\n\n" + extra
}
