package models

import (
	"strings"

	"chatline/internal/domain"
)

// NamespacePrefix marks a fully-qualified backend model id that passes through unchanged.
const NamespacePrefix = "models/"

const (
	FlashLite   = "models/gemini-2.5-flash-lite"
	Flash       = "models/gemini-2.5-flash"
	Pro         = "models/gemini-1.5-pro-002"
	FlashLegacy = "models/gemini-1.5-flash-002"

	Default = FlashLite
)

var aliases = map[string]string{
	"default": Default,
	"fast":    FlashLite,
	"vision":  Flash,
	"pro":     Pro,
}

var budgets = map[string]domain.Budget{
	FlashLite:   {MaxInputTokens: 160000, ReserveForResponse: 2048},
	Flash:       {MaxInputTokens: 160000, ReserveForResponse: 2048},
	FlashLegacy: {MaxInputTokens: 120000, ReserveForResponse: 2048},
}

// fallbackBudget is the most generous entry, used for any model not in the table.
var fallbackBudget = domain.Budget{MaxInputTokens: 240000, ReserveForResponse: 4096}

// Resolve maps a client hint to a concrete backend model id.
func Resolve(hint string) string {
	hint = strings.TrimSpace(hint)
	if hint == "" {
		return Default
	}
	if id, ok := aliases[hint]; ok {
		return id
	}
	if strings.HasPrefix(hint, NamespacePrefix) {
		return hint
	}
	return Default
}

// BudgetsFor returns the static budget for a model.
func BudgetsFor(modelID string) domain.Budget {
	if b, ok := budgets[modelID]; ok {
		return b
	}
	return fallbackBudget
}

// ResolveFor resolves hint and upgrades the lite tier to the vision tier when
// any attachment is an image.
func ResolveFor(hint string, attachments []domain.Attachment) string {
	id := Resolve(hint)
	if id != FlashLite {
		return id
	}
	for _, a := range attachments {
		if a.IsImage() {
			return Flash
		}
	}
	return id
}
