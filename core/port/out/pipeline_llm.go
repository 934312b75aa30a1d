package out

import (
	"context"
)

// ModelClient is the outbound port for the generative model. GenerateStructured
// issues one completion constrained to a JSON object response and returns the
// raw JSON text. The caller owns the timeout (via ctx) and the parsing;
// failures are returned as errors and must be handled with a fallback at the
// call site, since no component in the pipeline may let a model error escape.
type ModelClient interface {
	GenerateStructured(ctx context.Context, systemPrompt, userPrompt string) (string, error)
}
