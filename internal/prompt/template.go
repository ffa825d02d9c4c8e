// Package prompt expands named prompt templates with the design options of
// the multi-image flow.
package prompt

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"nanobanana-cli/internal/domain"
)

// Placeholders recognised in template text.
const (
	RoomTypePlaceholder   = "{ROOM_TYPE}"
	StylePlaceholder      = "{STYLE}"
	BudgetFromPlaceholder = "{BUDGET_FROM}"
	BudgetToPlaceholder   = "{BUDGET_TO}"
)

// DefaultTemplate is used when no template name is given.
const DefaultTemplate = "soft-decoration"

var ErrUnknownTemplate = errors.New("unknown prompt template")

var builtinTemplates = map[string]string{
	"soft-decoration": "Redecorate this {ROOM_TYPE} in a {STYLE} style. Keep every existing wall, door and piece of furniture " +
		"in place and only add decor in empty areas. Photorealistic render.",
	"full-renovation": "Renovate this empty {ROOM_TYPE} into a {STYLE} interior with a budget of HKD {BUDGET_FROM} to {BUDGET_TO}. " +
		"Photorealistic architectural photography.",
	"compact": "Transform this {ROOM_TYPE} into a {STYLE} interior, budget HKD {BUDGET_FROM} to {BUDGET_TO}.",
}

// RoomTypes maps option values to display labels.
var RoomTypes = map[string]string{
	"living_room": "Living Room",
	"bedroom":     "Bedroom",
	"kitchen":     "Kitchen",
	"dining_room": "Dining Room",
	"bathroom":    "Bathroom",
	"lobby":       "Lobby",
}

// Styles maps option values to display labels.
var Styles = map[string]string{
	"modern":       "Modern",
	"minimalist":   "Minimalist",
	"luxury":       "Modern Luxury",
	"scandinavian": "Scandinavian",
	"industrial":   "Industrial",
}

// Builder holds the named templates.  It is not safe to Register
// concurrently with Build.
type Builder struct {
	templates   map[string]string
	defaultName string
}

// NewBuilder returns a Builder with the built-in templates plus extra (which
// override built-ins of the same name).  An empty defaultName selects
// DefaultTemplate.
func NewBuilder(defaultName string, extra map[string]string) *Builder {
	b := &Builder{templates: make(map[string]string, len(builtinTemplates)+len(extra)), defaultName: defaultName}
	if b.defaultName == "" {
		b.defaultName = DefaultTemplate
	}
	for name, text := range builtinTemplates {
		b.templates[name] = text
	}
	for name, text := range extra {
		b.Register(name, text)
	}
	return b
}

// Register adds or replaces a template.
func (b *Builder) Register(name, text string) {
	b.templates[strings.TrimSpace(name)] = text
}

// Names lists the template names in order.
func (b *Builder) Names() []string {
	names := make([]string, 0, len(b.templates))
	for name := range b.templates {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Build expands the named template, or the default one when name is empty.
func (b *Builder) Build(name string, opts domain.DesignOptions) (string, error) {
	if name == "" {
		name = b.defaultName
	}
	text, ok := b.templates[name]
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownTemplate, name)
	}
	return Expand(text, opts), nil
}

// Expand replaces every placeholder in text.  Option values without a label
// are inserted as given.
func Expand(text string, opts domain.DesignOptions) string {
	r := strings.NewReplacer(
		RoomTypePlaceholder, label(RoomTypes, opts.RoomType),
		StylePlaceholder, label(Styles, opts.Style),
		BudgetFromPlaceholder, domain.FormatNumber(opts.BudgetFrom),
		BudgetToPlaceholder, domain.FormatNumber(opts.BudgetTo),
	)
	return r.Replace(text)
}

func label(labels map[string]string, value string) string {
	if l, ok := labels[value]; ok {
		return l
	}
	return value
}
