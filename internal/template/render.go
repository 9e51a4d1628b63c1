package template

import (
	"fmt"
	"html"
	"io"
	"log/slog"
	"strings"

	"github.com/mailhop/mailhop/internal/structure"
)

// sectionOrder is the fixed document layout. Sections are compiled in this
// order regardless of their position in the structure.
var sectionOrder = []string{
	"header", "hero", "title", "body", "snapshot", "visual", "actions", "support", "footer",
}

// RendererConfig holds layout settings. It is constructed once and passed
// in; the renderer keeps no process-wide state.
type RendererConfig struct {
	ProductName string
	AccentColor string
	FontFamily  string
	Width       int
}

// Renderer compiles a merged, substituted structure into subject, HTML and
// plain text. Output is byte-deterministic for a given structure.
type Renderer struct {
	cfg    RendererConfig
	logger *slog.Logger
}

// NewRenderer creates a renderer with the given layout configuration.
func NewRenderer(cfg RendererConfig, logger *slog.Logger) *Renderer {
	if cfg.ProductName == "" {
		cfg.ProductName = "mailhop"
	}
	if cfg.AccentColor == "" {
		cfg.AccentColor = "#2f6fed"
	}
	if cfg.FontFamily == "" {
		cfg.FontFamily = "Helvetica, Arial, sans-serif"
	}
	if cfg.Width <= 0 {
		cfg.Width = 600
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Renderer{cfg: cfg, logger: logger}
}

// Render produces the final output for a fully merged and substituted
// structure. A section that fails to compile is logged as a warning and
// skipped; rendering never aborts on a bad sub-section.
func (r *Renderer) Render(v structure.Value) (*RenderResult, error) {
	root, ok := v.AsObject()
	if !ok {
		return nil, fmt.Errorf("render: structure must be an object, got %s", v.Kind())
	}

	result := &RenderResult{
		Subject: r.renderSubject(root),
		HTML:    r.renderHTML(root),
		Text:    r.renderText(root),
	}
	return result, nil
}

// renderSubject takes the explicit top-level subject override when present,
// otherwise title.text.
func (r *Renderer) renderSubject(root *structure.Object) string {
	if subject, ok := getString(root, "subject"); ok {
		return subject
	}
	if title, ok := getObject(root, "title"); ok {
		if text, ok := getString(title, "text"); ok {
			return text
		}
	}
	return ""
}

// renderText derives the plain-text fallback directly from the structure:
// title, body paragraphs, action labels with URLs, footer tagline and
// copyright, double-newline separated. It is not derived from the HTML.
func (r *Renderer) renderText(root *structure.Object) string {
	var parts []string

	if title, ok := getObject(root, "title"); ok {
		if text, ok := getString(title, "text"); ok && text != "" {
			parts = append(parts, text)
		}
	}

	if body, ok := getObject(root, "body"); ok {
		if paragraphs, ok := getArray(body, "paragraphs"); ok {
			for _, p := range paragraphs {
				if text := p.Text(); text != "" {
					parts = append(parts, text)
				}
			}
		}
	}

	if actions, ok := getObject(root, "actions"); ok {
		for _, key := range []string{"primary", "secondary"} {
			action, ok := getObject(actions, key)
			if !ok {
				continue
			}
			label, _ := getString(action, "label")
			url, _ := getString(action, "url")
			switch {
			case label != "" && url != "":
				parts = append(parts, label+": "+url)
			case label != "":
				parts = append(parts, label)
			case url != "":
				parts = append(parts, url)
			}
		}
	}

	if footer, ok := getObject(root, "footer"); ok {
		if tagline, ok := getString(footer, "tagline"); ok && tagline != "" {
			parts = append(parts, tagline)
		}
		if copyright, ok := getString(footer, "copyright"); ok && copyright != "" {
			parts = append(parts, copyright)
		}
	}

	return strings.Join(parts, "\n\n")
}

// renderHTML compiles each section to the intermediate markup tree, then
// lowers the tree to the final HTML document.
func (r *Renderer) renderHTML(root *structure.Object) string {
	container := elem("table", attr("role", "presentation"), attr("width", fmt.Sprintf("%d", r.cfg.Width)), attr("cellpadding", "0"), attr("cellspacing", "0"), attr("align", "center"))

	for _, section := range sectionOrder {
		sub, present := root.Get(section)
		if !present || sub.IsNull() {
			continue
		}
		n, err := r.compileSection(section, sub)
		if err != nil {
			r.logger.Warn("section lowering failed, skipping", "section", section, "error", err)
			continue
		}
		if n != nil {
			row := elem("tr")
			cell := elem("td", attr("class", "section-"+section))
			cell.children = append(cell.children, n)
			row.children = append(row.children, cell)
			container.children = append(container.children, row)
		}
	}

	var b strings.Builder
	b.WriteString("<!DOCTYPE html>")
	b.WriteString(`<html><head><meta charset="utf-8"></head>`)
	fmt.Fprintf(&b, `<body style="margin:0;padding:0;font-family:%s">`, html.EscapeString(r.cfg.FontFamily))
	lower(&b, container)
	b.WriteString("</body></html>")
	return b.String()
}

func (r *Renderer) compileSection(name string, v structure.Value) (*node, error) {
	obj, ok := v.AsObject()
	if !ok {
		return nil, fmt.Errorf("expected object, got %s", v.Kind())
	}

	switch name {
	case "header":
		return r.compileHeader(obj)
	case "hero":
		return r.compileImage(obj, "hero")
	case "title":
		return r.compileTitle(obj)
	case "body":
		return r.compileBody(obj)
	case "snapshot":
		return r.compileSnapshot(obj)
	case "visual":
		return r.compileImage(obj, "visual")
	case "actions":
		return r.compileActions(obj)
	case "support":
		return r.compileSupport(obj)
	case "footer":
		return r.compileFooter(obj)
	}
	return nil, fmt.Errorf("unknown section %q", name)
}

func (r *Renderer) compileHeader(obj *structure.Object) (*node, error) {
	wrap := elem("div", attr("class", "header"))
	if logoURL, ok := getString(obj, "logoUrl"); ok && logoURL != "" {
		alt, _ := getString(obj, "logoAlt")
		if alt == "" {
			alt = r.cfg.ProductName
		}
		wrap.children = append(wrap.children, elem("img", attr("src", logoURL), attr("alt", alt)))
		return wrap, nil
	}
	name := text("strong", r.cfg.ProductName)
	wrap.children = append(wrap.children, name)
	return wrap, nil
}

func (r *Renderer) compileImage(obj *structure.Object, class string) (*node, error) {
	url, ok := getString(obj, "imageUrl")
	if !ok || url == "" {
		return nil, fmt.Errorf("imageUrl is required")
	}
	wrap := elem("div", attr("class", class))
	alt, _ := getString(obj, "alt")
	wrap.children = append(wrap.children, elem("img", attr("src", url), attr("alt", alt), attr("width", "100%")))
	if caption, ok := getString(obj, "caption"); ok && caption != "" {
		wrap.children = append(wrap.children, text("p", caption))
	}
	return wrap, nil
}

func (r *Renderer) compileTitle(obj *structure.Object) (*node, error) {
	t, ok := getString(obj, "text")
	if !ok {
		return nil, fmt.Errorf("text is required")
	}
	return text("h1", t), nil
}

func (r *Renderer) compileBody(obj *structure.Object) (*node, error) {
	paragraphs, ok := getArray(obj, "paragraphs")
	if !ok {
		return nil, fmt.Errorf("paragraphs array is required")
	}
	wrap := elem("div", attr("class", "body"))
	for _, p := range paragraphs {
		wrap.children = append(wrap.children, text("p", p.Text()))
	}
	return wrap, nil
}

func (r *Renderer) compileSnapshot(obj *structure.Object) (*node, error) {
	rows, ok := getArray(obj, "rows")
	if !ok {
		return nil, fmt.Errorf("rows array is required")
	}
	wrap := elem("div", attr("class", "snapshot"))
	if title, ok := getString(obj, "title"); ok && title != "" {
		wrap.children = append(wrap.children, text("h3", title))
	}
	table := elem("table", attr("width", "100%"), attr("cellpadding", "4"), attr("cellspacing", "0"))
	for i, row := range rows {
		rowObj, isObj := row.AsObject()
		if !isObj {
			return nil, fmt.Errorf("row %d: expected object, got %s", i, row.Kind())
		}
		label, _ := getString(rowObj, "label")
		value, _ := rowObj.Get("value")
		tr := elem("tr")
		tr.children = append(tr.children, text("td", label), text("td", value.Text()))
		table.children = append(table.children, tr)
	}
	wrap.children = append(wrap.children, table)
	return wrap, nil
}

func (r *Renderer) compileActions(obj *structure.Object) (*node, error) {
	wrap := elem("div", attr("class", "actions"))
	for _, key := range []string{"primary", "secondary"} {
		action, ok := getObject(obj, key)
		if !ok {
			continue
		}
		label, _ := getString(action, "label")
		url, ok := getString(action, "url")
		if !ok || url == "" {
			return nil, fmt.Errorf("%s action: url is required", key)
		}
		btn := text("a", label)
		btn.attrs = append(btn.attrs, nodeAttr{"href", url}, nodeAttr{"class", "btn btn-" + key})
		if key == "primary" {
			btn.attrs = append(btn.attrs, nodeAttr{"style", "background:" + r.cfg.AccentColor + ";color:#ffffff"})
		}
		wrap.children = append(wrap.children, btn)
	}
	if len(wrap.children) == 0 {
		return nil, fmt.Errorf("no actions defined")
	}
	return wrap, nil
}

func (r *Renderer) compileSupport(obj *structure.Object) (*node, error) {
	wrap := elem("div", attr("class", "support"))
	if title, ok := getString(obj, "title"); ok && title != "" {
		wrap.children = append(wrap.children, text("h4", title))
	}
	if body, ok := getString(obj, "text"); ok && body != "" {
		wrap.children = append(wrap.children, text("p", body))
	}
	if email, ok := getString(obj, "email"); ok && email != "" {
		link := text("a", email)
		link.attrs = append(link.attrs, nodeAttr{"href", "mailto:" + email})
		wrap.children = append(wrap.children, link)
	}
	return wrap, nil
}

func (r *Renderer) compileFooter(obj *structure.Object) (*node, error) {
	wrap := elem("div", attr("class", "footer"))
	if tagline, ok := getString(obj, "tagline"); ok && tagline != "" {
		wrap.children = append(wrap.children, text("p", tagline))
	}
	if copyright, ok := getString(obj, "copyright"); ok && copyright != "" {
		wrap.children = append(wrap.children, text("p", copyright))
	}
	return wrap, nil
}

// node is one element of the intermediate semantic markup produced by the
// section compilers before lowering to HTML.
type node struct {
	tag      string
	attrs    []nodeAttr
	body     string
	children []*node
}

type nodeAttr struct {
	key   string
	value string
}

func elem(tag string, attrs ...nodeAttr) *node {
	return &node{tag: tag, attrs: attrs}
}

func text(tag, body string) *node {
	return &node{tag: tag, body: body}
}

func attr(key, value string) nodeAttr {
	return nodeAttr{key: key, value: value}
}

var voidTags = map[string]bool{"img": true, "br": true, "hr": true}

// lower writes a node tree as HTML, escaping text and attribute values.
func lower(b *strings.Builder, n *node) {
	b.WriteByte('<')
	b.WriteString(n.tag)
	for _, a := range n.attrs {
		fmt.Fprintf(b, ` %s="%s"`, a.key, html.EscapeString(a.value))
	}
	if voidTags[n.tag] {
		b.WriteString(">")
		return
	}
	b.WriteByte('>')
	if n.body != "" {
		b.WriteString(html.EscapeString(n.body))
	}
	for _, child := range n.children {
		lower(b, child)
	}
	b.WriteString("</" + n.tag + ">")
}

func getString(obj *structure.Object, key string) (string, bool) {
	v, ok := obj.Get(key)
	if !ok {
		return "", false
	}
	return v.AsString()
}

func getObject(obj *structure.Object, key string) (*structure.Object, bool) {
	v, ok := obj.Get(key)
	if !ok {
		return nil, false
	}
	return v.AsObject()
}

func getArray(obj *structure.Object, key string) ([]structure.Value, bool) {
	v, ok := obj.Get(key)
	if !ok {
		return nil, false
	}
	return v.AsArray()
}
