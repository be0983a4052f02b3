package generator

import (
	"embed"
	"fmt"
	"strings"
	"text/template"
)

//go:embed prompts/*.tmpl
var promptFS embed.FS

const shortenSystemPrompt = "You are a text editor. Shorten the given text while preserving its core message. Return only the shortened text."

var prompts = template.Must(template.New("prompts").
	Funcs(template.FuncMap{"inc": func(i int) int { return i + 1 }}).
	ParseFS(promptFS, "prompts/*.tmpl"))

type generateData struct {
	Context   []string
	Exemplars []string
	Limit     int
}

type shortenData struct {
	Text    string
	Current int
	Target  int
}

func render(name string, data any) (string, error) {
	var b strings.Builder
	if err := prompts.ExecuteTemplate(&b, name, data); err != nil {
		return "", fmt.Errorf("render %s: %w", name, err)
	}
	return b.String(), nil
}

var quotePairs = [][2]string{{`"`, `"`}, {"'", "'"}, {"“", "”"}, {"‘", "’"}}

// clean trims whitespace and strips quotes wrapped around the whole text.
func clean(text string) string {
	text = strings.TrimSpace(text)
	for {
		stripped := false
		for _, q := range quotePairs {
			if len(text) >= len(q[0])+len(q[1]) && strings.HasPrefix(text, q[0]) && strings.HasSuffix(text, q[1]) {
				text = strings.TrimSpace(text[len(q[0]) : len(text)-len(q[1])])
				stripped = true
			}
		}
		if !stripped {
			return text
		}
	}
}
