package runner

import (
	"bufio"
	"bytes"
	"fmt"
	"math/rand"
	"os"
	"strings"
	"sync"
	"text/template"

	"github.com/google/uuid"
)

// TemplateEngine renders per-attempt target URLs such as
// http://host/item/{{randomInt 1 100}}?req={{uuid}}.
type TemplateEngine struct {
	fileCache map[string][]string
	mu        sync.RWMutex
	funcMap   template.FuncMap
}

// TemplateData is passed to the execution context
type TemplateData struct {
	Lane int
	Seq  int
	UUID string
}

func NewTemplateEngine() *TemplateEngine {
	e := &TemplateEngine{
		fileCache: make(map[string][]string),
	}

	e.funcMap = template.FuncMap{
		"randomInt":    e.randomInt,
		"randomUUID":   e.randomUUID,
		"randomChoice": e.randomChoice,
		"randomLine":   e.randomLine,
		"uuid":         e.randomUUID,
	}

	return e
}

// Preprocess converts the short variables {{lane}}, {{seq}}, {{requestID}}
// to field access on TemplateData.
func (e *TemplateEngine) Preprocess(input string) string {
	s := input
	s = strings.ReplaceAll(s, "{{lane}}", "{{.Lane}}")
	s = strings.ReplaceAll(s, "{{seq}}", "{{.Seq}}")
	s = strings.ReplaceAll(s, "{{requestID}}", "{{.UUID}}")
	return s
}

func (e *TemplateEngine) Parse(name, text string) (*template.Template, error) {
	return template.New(name).Funcs(e.funcMap).Option("missingkey=error").Parse(e.Preprocess(text))
}

func (e *TemplateEngine) Execute(t *template.Template, data TemplateData) (string, error) {
	var buf bytes.Buffer
	if err := t.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}

// URLTemplate is a compiled target URL.
type URLTemplate struct {
	engine *TemplateEngine
	tmpl   *template.Template
}

// CompileURL returns nil, nil when raw has no template actions.
func CompileURL(raw string) (*URLTemplate, error) {
	if !strings.Contains(raw, "{{") {
		return nil, nil
	}
	e := NewTemplateEngine()
	t, err := e.Parse("url", raw)
	if err != nil {
		return nil, fmt.Errorf("parse url template: %w", err)
	}
	return &URLTemplate{engine: e, tmpl: t}, nil
}

func (u *URLTemplate) Render(lane, seq int) (string, error) {
	return u.engine.Execute(u.tmpl, TemplateData{
		Lane: lane,
		Seq:  seq,
		UUID: uuid.NewString(),
	})
}

// --- Functions ---

func (e *TemplateEngine) randomInt(min, max int) int {
	if max <= min {
		return min
	}
	return rand.Intn(max-min) + min
}

func (e *TemplateEngine) randomUUID() string {
	return uuid.New().String()
}

func (e *TemplateEngine) randomChoice(choices ...string) string {
	if len(choices) == 0 {
		return ""
	}
	return choices[rand.Intn(len(choices))]
}

func (e *TemplateEngine) randomLine(filename string) (string, error) {
	e.mu.RLock()
	lines, ok := e.fileCache[filename]
	e.mu.RUnlock()

	if ok {
		if len(lines) == 0 {
			return "", nil
		}
		return lines[rand.Intn(len(lines))], nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if lines, ok = e.fileCache[filename]; ok {
		if len(lines) == 0 {
			return "", nil
		}
		return lines[rand.Intn(len(lines))], nil
	}

	content, err := os.ReadFile(filename)
	if err != nil {
		return "", fmt.Errorf("failed to read file '%s': %w", filename, err)
	}

	scanner := bufio.NewScanner(bytes.NewReader(content))
	var loaded []string
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line != "" {
			loaded = append(loaded, line)
		}
	}

	e.fileCache[filename] = loaded
	if len(loaded) == 0 {
		return "", nil
	}

	return loaded[rand.Intn(len(loaded))], nil
}
