package dispatch

import (
	"math/rand"
	"regexp"
	"strings"

	"github.com/dante-gpu/dante-messaging/internal/models"
)

var (
	placeholderRe = regexp.MustCompile(`\{\{\s*([A-Za-z0-9_.\-]+)\s*\}\}`)
	// spintaxRe matches an innermost {a|b|c} group.
	spintaxRe = regexp.MustCompile(`\{([^{}]*\|[^{}]*)\}`)
)

// maxSpinDepth bounds nested spintax resolution.
const maxSpinDepth = 8

// Render substitutes {{name}}, {{phone}} and any {{key}} from the contact's fields or the
// campaign variables, contact fields taking precedence. Unknown placeholders render empty.
// Spintax groups are then resolved with rng.
func Render(template string, contact *models.Contact, variables map[string]string, rng *rand.Rand) string {
	out := placeholderRe.ReplaceAllStringFunc(template, func(m string) string {
		key := placeholderRe.FindStringSubmatch(m)[1]
		return lookup(key, contact, variables)
	})
	return Spin(out, rng)
}

func lookup(key string, contact *models.Contact, variables map[string]string) string {
	if contact != nil {
		switch strings.ToLower(key) {
		case "name":
			return contact.Name
		case "phone":
			return contact.Phone
		}
		if v, ok := contact.Fields[key]; ok {
			return v
		}
	}
	return variables[key]
}

// Spin resolves {a|b|c} groups, innermost first, picking one option uniformly.
func Spin(text string, rng *rand.Rand) string {
	for depth := 0; depth < maxSpinDepth && spintaxRe.MatchString(text); depth++ {
		text = spintaxRe.ReplaceAllStringFunc(text, func(m string) string {
			options := strings.Split(m[1:len(m)-1], "|")
			return options[rng.Intn(len(options))]
		})
	}
	return text
}
