package session

import (
	"strings"
	"text/template"

	"github.com/provia/docchat/internal/models"
)

// DocumentDelimiter fences the grounding text inside the grounded prompt.
const DocumentDelimiter = "####"

// Persona is the assistant identity used by both prompt templates.
type Persona struct {
	Name         string
	Organization string
}

var groundedTemplate = template.Must(template.New("grounded").Parse(
	`You are a friendly assistant named {{.Name}}.
You are an expert on internal matters, questions and inquiries about {{.Organization}}.

You have access to the following information from a {{.SourceType}} document:

{{.Delimiter}}
{{.Text}}
{{.Delimiter}}

Use the information provided to ground your answers when relevant.
Be helpful, professional and cordial in your answers.

Whenever there is a $ in your output, replace it with S.

If the document information looks like "Just a moment...Enable JavaScript and cookies to continue", suggest that the user load the document again.`))

var defaultTemplate = template.Must(template.New("default").Parse(
	`You are a friendly assistant named {{.Name}}.
You are an expert on internal matters, questions and inquiries about {{.Organization}}.

Be helpful, professional and cordial in your answers.
Help with general information, answer questions and support users.

Whenever there is a $ in your output, replace it with S.`))

type promptData struct {
	Name         string
	Organization string
	SourceType   string
	Delimiter    string
	Text         string
}

// BuildPrompt fills the grounded template when doc is set and the default
// template otherwise. The grounding text is embedded verbatim.
func BuildPrompt(p Persona, doc *models.StoredDocument, groundingText string) string {
	data := promptData{
		Name:         stripDelimiter(p.Name),
		Organization: stripDelimiter(p.Organization),
		Delimiter:    DocumentDelimiter,
	}

	tmpl := defaultTemplate
	if doc != nil {
		tmpl = groundedTemplate
		data.SourceType = doc.SourceType.String()
		data.Text = groundingText
	}

	var b strings.Builder
	// both templates only reference string fields, so Execute cannot fail
	_ = tmpl.Execute(&b, data)
	return b.String()
}

func stripDelimiter(s string) string {
	for strings.Contains(s, DocumentDelimiter) {
		s = strings.ReplaceAll(s, DocumentDelimiter, "")
	}
	return s
}
