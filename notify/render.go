package notify

import (
	"fmt"
	"sort"
	"strings"

	"github.com/JohannesKaufmann/html-to-markdown/v2/converter"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/base"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/commonmark"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/table"
)

var mdConverter = converter.NewConverter(
	converter.WithPlugins(
		base.NewBasePlugin(),
		commonmark.NewCommonmarkPlugin(),
		table.NewTablePlugin(),
	),
)

// BodyText returns the body as plain markdown. HTML bodies are converted;
// anything else is returned trimmed.
func BodyText(body string) string {
	body = strings.TrimSpace(body)
	if !looksLikeHTML(body) {
		return body
	}
	md, err := mdConverter.ConvertString(body)
	if err != nil {
		return body
	}
	return strings.TrimSpace(md)
}

func looksLikeHTML(s string) bool {
	i := strings.IndexByte(s, '<')
	return i >= 0 && strings.IndexByte(s[i:], '>') > 0
}

// RenderText formats a payload for human-facing chat and SMS channels.
func RenderText(p Payload) string {
	var b strings.Builder
	if p.Priority == PriorityHigh {
		b.WriteString("[!] ")
	}
	b.WriteString(p.Title)
	if body := BodyText(p.Body); body != "" {
		b.WriteString("\n\n")
		b.WriteString(body)
	}
	if len(p.Data) > 0 {
		keys := make([]string, 0, len(p.Data))
		for k := range p.Data {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		b.WriteString("\n")
		for _, k := range keys {
			fmt.Fprintf(&b, "\n%s: %v", k, p.Data[k])
		}
	}
	return b.String()
}
