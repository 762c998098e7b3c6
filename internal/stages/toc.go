package stages

import (
	"context"
	"fmt"

	"github.com/feichai0017/docflow/internal/gateway"
	"github.com/feichai0017/docflow/internal/models"
)

const tocPrompt = `You build tables of contents.

Read the document below. Its pages are delimited by "--- Page N ---"
markers. Produce a markdown table of contents listing each section or
topic with the page number it starts on, one entry per line, in
document order. After the entries, add a short paragraph summarizing
what the document covers as a whole. Output only the table of contents
and the summary.

Document:

%s`

// BuildTOC derives a navigable outline from the consolidated body.
// The outline is advisory: a failure here degrades the document but
// never fails it.
func (r *Runners) BuildTOC(ctx context.Context, consolidated string) models.StageResult {
	resp, err := r.gateway.Complete(ctx, &gateway.Request{
		Prompt:      fmt.Sprintf(tocPrompt, consolidated),
		Temperature: 0.2,
	})
	if err != nil {
		return failed(models.StageTOCBuilder, models.ResultKindText, err.Error())
	}

	res := ok(models.StageTOCBuilder, models.ResultKindText)
	res.Text = gateway.TrimFences(resp.Text)
	return res
}
