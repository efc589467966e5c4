package services

import (
	"fmt"
	"strings"

	"github.com/JohannesKaufmann/html-to-markdown/v2/converter"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/base"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/commonmark"
	"github.com/microcosm-cc/bluemonday"
)

// ContentRenderer turns review bodies into markdown fragments
type ContentRenderer struct {
	policy    *bluemonday.Policy
	converter *converter.Converter
}

// NewContentRenderer creates a renderer with a user-generated-content policy
func NewContentRenderer() *ContentRenderer {
	return &ContentRenderer{
		policy: bluemonday.UGCPolicy(),
		converter: converter.NewConverter(
			converter.WithPlugins(
				base.NewBasePlugin(),
				commonmark.NewCommonmarkPlugin(),
			),
		),
	}
}

// Markdown renders content of the given feed content type ("text" or "html").
// HTML is sanitized before conversion; anything else is taken as text.
func (r *ContentRenderer) Markdown(content, contentType string) (string, error) {
	if !strings.EqualFold(strings.TrimSpace(contentType), "html") {
		return strings.TrimSpace(content), nil
	}

	clean := r.policy.Sanitize(content)
	md, err := r.converter.ConvertString(clean)
	if err != nil {
		return "", fmt.Errorf("failed to convert review content: %w", err)
	}
	return strings.TrimSpace(md), nil
}
