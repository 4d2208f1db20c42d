// Package enrichment derives chemical attributes from research payloads.
//
// Extractors are swappable: LocalExtractor is a deterministic lookup table,
// RemoteExtractor calls an HTTP analysis service and FallbackExtractor wraps a
// remote extractor so that failures degrade to local output instead of
// surfacing to the caller.
package enrichment

import (
	"context"
	"fmt"
)

// Attributes is the derived attribute set. Keys are attribute names.
type Attributes map[string]any

// Extractor derives attributes from an event payload.
type Extractor interface {
	Extract(ctx context.Context, payload map[string]any) (Attributes, error)
}

// ExtractorFunc adapts a function to Extractor.
type ExtractorFunc func(ctx context.Context, payload map[string]any) (Attributes, error)

func (f ExtractorFunc) Extract(ctx context.Context, payload map[string]any) (Attributes, error) {
	return f(ctx, payload)
}

// Attribute keys written by every extractor in this package.
const (
	KeyConfidenceScore   = "confidence_score"
	KeyModelVersion      = "model_version"
	KeyExtractedFrom     = "extracted_from"
	KeyAnalysisTimestamp = "analysis_timestamp"
	KeyEnrichmentSource  = "enrichment_source"
)

// ChemicalData returns the object the extractors analyse: the payload's
// "data" object when present, otherwise the payload itself.
func ChemicalData(payload map[string]any) map[string]any {
	if data, ok := payload["data"].(map[string]any); ok {
		return data
	}
	return payload
}

// Formula resolves the chemical formula from data.formula, formula or
// molecule_id, in that order.
func Formula(payload map[string]any) string {
	if data, ok := payload["data"].(map[string]any); ok {
		if f := stringValue(data["formula"]); f != "" {
			return f
		}
	}
	if f := stringValue(payload["formula"]); f != "" {
		return f
	}
	return stringValue(payload["molecule_id"])
}

func stringValue(v any) string {
	switch s := v.(type) {
	case nil:
		return ""
	case string:
		return s
	default:
		return fmt.Sprint(s)
	}
}
