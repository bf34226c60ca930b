package mergetrain

import (
	"bytes"
	"fmt"
	"strings"
	"text/template"
	"time"

	"github.com/simplesurance/mergetrain/internal/stringutils"
)

const (
	DefaultMessageTemplate = "Automatic merge of {{ .BaseVersion }} and {{ .Count }} pull requests\n\n" +
		"{{ range .Changes }}{{ . }}\n{{ end }}"
	DefaultChangeTemplate = "- #{{ .Number }} at {{ .AbbreviatedCommit }}: {{ .Title }}"
	DefaultVersionFormat  = "{{ .Describe }}"
)

var templateFuncs = template.FuncMap{
	"firstline": stringutils.FirstLine,
	"upper":     strings.ToUpper,
	"lower":     strings.ToLower,
}

// MessageData is passed to the commit message template.
type MessageData struct {
	BaseVersion       string
	Count             int
	Changes           []string
	BaseBranch        string
	IntegrationBranch string
}

// ChangeData is passed to the template that renders the line of a merged
// change in the commit message.
type ChangeData struct {
	Number            int
	Title             string
	Author            string
	URL               string
	HeadRef           string
	AbbreviatedCommit string
	HeadCommit        string
}

// VersionData is passed to the version format template.
type VersionData struct {
	Describe          string
	CommitDate        time.Time
	Commit            string
	AbbreviatedCommit string
}

// Templates render the commit message and the version string of an
// integration commit.
type Templates struct {
	message *template.Template
	change  *template.Template
	version *template.Template
}

// NewTemplates parses the templates, for empty arguments the default template
// is used.
func NewTemplates(message, change, version string) (*Templates, error) {
	var result Templates
	var err error

	result.message, err = parseTemplate("message", message, DefaultMessageTemplate)
	if err != nil {
		return nil, err
	}

	result.change, err = parseTemplate("change", change, DefaultChangeTemplate)
	if err != nil {
		return nil, err
	}

	result.version, err = parseTemplate("version", version, DefaultVersionFormat)
	if err != nil {
		return nil, err
	}

	return &result, nil
}

// DefaultTemplates returns Templates with the default templates.
func DefaultTemplates() *Templates {
	t, err := NewTemplates("", "", "")
	if err != nil {
		panic(fmt.Sprintf("parsing default templates failed: %s", err))
	}

	return t
}

func parseTemplate(name, text, defaultText string) (*template.Template, error) {
	if text == "" {
		text = defaultText
	}

	t, err := template.New(name).Funcs(templateFuncs).Parse(text)
	if err != nil {
		return nil, fmt.Errorf("parsing %s template failed: %w", name, err)
	}

	return t, nil
}

func execute(t *template.Template, data any) (string, error) {
	var out bytes.Buffer

	if err := t.Execute(&out, data); err != nil {
		return "", fmt.Errorf("rendering %s template failed: %w", t.Name(), err)
	}

	return out.String(), nil
}

// Message renders the commit message, surrounding whitespace is removed.
func (t *Templates) Message(data *MessageData) (string, error) {
	msg, err := execute(t.message, data)
	if err != nil {
		return "", err
	}

	return strings.TrimSpace(msg), nil
}

// Change renders the line of a change, line breaks are replaced by spaces.
func (t *Templates) Change(data *ChangeData) (string, error) {
	line, err := execute(t.change, data)
	if err != nil {
		return "", err
	}

	return strings.TrimSpace(strings.ReplaceAll(line, "\n", " ")), nil
}

// Version renders the version string.
func (t *Templates) Version(data *VersionData) (string, error) {
	v, err := execute(t.version, data)
	if err != nil {
		return "", err
	}

	return strings.TrimSpace(v), nil
}
