// Package prompts holds the embedded question catalog.
package prompts

import _ "embed"

// CatalogYAML is the default slot catalog: per-context slot order, question
// templates, follow-ups, constrained choices and acceptance rules.
//
//go:embed catalog.yaml
var CatalogYAML []byte
