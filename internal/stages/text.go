package stages

import (
	"context"
	"sort"
	"strings"
	"unicode"

	"github.com/feichai0017/docflow/internal/gateway"
	"github.com/feichai0017/docflow/internal/models"
	"github.com/feichai0017/docflow/pkg/logger"
)

const normalizePrompt = `You are given the raw extracted text of one document page together
with the page image. Reflow the text so it follows the page's visual reading order.
Reformat tables and lists structurally (markdown) where the raw extraction scrambled them.
You must keep every word of the input exactly as it is: do not add, remove, translate or
paraphrase anything. Output only the reflowed text.

Raw text:
`

// NormalizeText reorders a page's raw text to visual reading order.
// The output must carry exactly the input's tokens; this is a
// correctness contract, so a response that adds or drops words fails
// the stage instead of being passed through.
func (r *Runners) NormalizeText(ctx context.Context, in PageInput) models.StageResult {
	if strings.TrimSpace(in.RawText) == "" {
		// Nothing to normalize; an empty page is a valid outcome.
		res := ok(models.StageTextNormalizer, models.ResultKindText)
		res.Text = ""
		return res
	}

	req := &gateway.Request{
		Prompt:      normalizePrompt + in.RawText,
		Images:      imageSlice(in.Image),
		Temperature: 0.0,
	}
	resp, err := r.gateway.Complete(ctx, req)
	if err != nil {
		return failed(models.StageTextNormalizer, models.ResultKindText, err.Error())
	}

	text := gateway.TrimFences(resp.Text)
	if !TokensPreserved(in.RawText, text) {
		r.logger.Warn("Normalized text altered page content",
			logger.Int("page", in.PageNumber),
		)
		return failed(models.StageTextNormalizer, models.ResultKindText,
			"normalized text does not preserve input tokens")
	}

	res := ok(models.StageTextNormalizer, models.ResultKindText)
	res.Text = text
	return res
}

// TokensPreserved reports whether two texts carry the same word
// multiset. Formatting characters do not count as content, so tokens
// are compared after stripping everything except letters and digits.
func TokensPreserved(input, output string) bool {
	a := contentTokens(input)
	b := contentTokens(output)
	if len(a) != len(b) {
		return false
	}
	sort.Strings(a)
	sort.Strings(b)
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func contentTokens(text string) []string {
	return strings.FieldsFunc(text, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

func imageSlice(img []byte) [][]byte {
	if len(img) == 0 {
		return nil
	}
	return [][]byte{img}
}
