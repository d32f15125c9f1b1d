// Package render delivers an id/ciphertext/iv triple into the HTML wrapper
// the browser uses to fetch the key and decrypt the page.
package render

import (
	"bytes"
	"embed"
	"fmt"
	"html/template"
	"io"
	"os"
)

// DefaultFetchPath is the prefix the wrapper appends the key id to.
const DefaultFetchPath = "/get_key/"

//go:embed templates/page.html.tmpl templates/default_page.html
var embedded embed.FS

// PageData is the data available to the wrapper template.
type PageData struct {
	Ciphertext string
	IV         string
	KeyID      string
	FetchPath  string
}

// Renderer holds the plaintext page and the parsed wrapper template.
type Renderer struct {
	tmpl    *template.Template
	content []byte
}

// Load reads the wrapper template and the plaintext page. Empty paths fall
// back to the embedded defaults.
func Load(templatePath, pagePath string) (*Renderer, error) {
	tmplSrc, err := readOrEmbedded(templatePath, "templates/page.html.tmpl")
	if err != nil {
		return nil, fmt.Errorf("failed to read template: %w", err)
	}
	tmpl, err := template.New("page").Option("missingkey=error").Parse(string(tmplSrc))
	if err != nil {
		return nil, fmt.Errorf("failed to parse template: %w", err)
	}

	content, err := readOrEmbedded(pagePath, "templates/default_page.html")
	if err != nil {
		return nil, fmt.Errorf("failed to read page: %w", err)
	}

	return &Renderer{tmpl: tmpl, content: content}, nil
}

func readOrEmbedded(path, fallback string) ([]byte, error) {
	if path == "" {
		return embedded.ReadFile(fallback)
	}
	return os.ReadFile(path)
}

// Content returns a copy of the plaintext page.
func (r *Renderer) Content() []byte {
	return bytes.Clone(r.content)
}

// Render executes the wrapper into w. Output is buffered so a template
// failure never leaves a partial page on the wire.
func (r *Renderer) Render(w io.Writer, data PageData) error {
	if data.FetchPath == "" {
		data.FetchPath = DefaultFetchPath
	}
	var buf bytes.Buffer
	if err := r.tmpl.Execute(&buf, data); err != nil {
		return fmt.Errorf("failed to render page: %w", err)
	}
	_, err := buf.WriteTo(w)
	return err
}
