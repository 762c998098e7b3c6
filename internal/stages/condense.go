package stages

import (
	"context"
	"fmt"
	"regexp"

	"github.com/feichai0017/docflow/internal/gateway"
	"github.com/feichai0017/docflow/internal/models"
	"github.com/feichai0017/docflow/pkg/logger"
)

const condensePrompt = `You rewrite documents into a shorter form.

Rewrite the document below so it reads as a condensed version of the
original. Keep every number, date, amount, identifier and proper noun
exactly as written. Remove repetition and filler, never facts. Do not
add commentary, headings of your own, or any content that is not in
the original. Output only the condensed text.

Document:

%s`

// numeric and date-like tokens that a condensed rendition must carry
// over verbatim.
var factTokenRe = regexp.MustCompile(`\d[\d.,:/-]*\d|\d`)

// Condense produces a shorter rendition of the consolidated body.
//
// The output is checked before it is accepted: it must not be longer
// than the input, and every numeric or date token of the input must
// survive. A draft that fails either check is discarded and the stage
// reports failed, so a document never carries a condensed text that
// lost information.
func (r *Runners) Condense(ctx context.Context, consolidated string) models.StageResult {
	resp, err := r.gateway.Complete(ctx, &gateway.Request{
		Prompt:      fmt.Sprintf(condensePrompt, consolidated),
		Temperature: 0.2,
	})
	if err != nil {
		return failed(models.StageCondenser, models.ResultKindText, err.Error())
	}

	draft := gateway.TrimFences(resp.Text)
	if reason, preserved := condensePreserves(consolidated, draft); !preserved {
		r.logger.Warn("Discarding condensed draft", logger.String("reason", reason))
		return failed(models.StageCondenser, models.ResultKindText, reason)
	}

	res := ok(models.StageCondenser, models.ResultKindText)
	res.Text = draft
	return res
}

func condensePreserves(original, draft string) (string, bool) {
	if len(draft) > len(original) {
		return "condensed text is longer than the original", false
	}
	missing := missingFactTokens(original, draft)
	if len(missing) > 0 {
		return fmt.Sprintf("condensed text dropped %d numeric tokens (first: %q)",
			len(missing), missing[0]), false
	}
	return "", true
}

// missingFactTokens returns the numeric/date tokens of original that
// do not appear in draft often enough. Tokens are compared as a
// multiset: a figure quoted three times must survive three times only
// if the draft repeats it; one surviving occurrence per distinct token
// is enough, since condensing legitimately removes repetition.
func missingFactTokens(original, draft string) []string {
	have := make(map[string]bool)
	for _, tok := range factTokenRe.FindAllString(draft, -1) {
		have[tok] = true
	}
	var missing []string
	seen := make(map[string]bool)
	for _, tok := range factTokenRe.FindAllString(original, -1) {
		if !have[tok] && !seen[tok] {
			missing = append(missing, tok)
			seen[tok] = true
		}
	}
	return missing
}
