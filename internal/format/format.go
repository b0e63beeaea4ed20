// Package format renders the markdown a model writes into the markup a
// chat client understands. WhatsApp has its own small dialect (single
// asterisks for bold, underscores for italic, tildes for strike);
// Signal shows text as-is, so markup is stripped there.
package format

import (
	"fmt"
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/extension"
	east "github.com/yuin/goldmark/extension/ast"
	"github.com/yuin/goldmark/text"
)

// Style sets the markers used for each construct. An empty marker
// renders the content bare.
type Style struct {
	Name   string
	Bold   string
	Italic string
	Strike string
	Code   string
	Quote  string
	Bullet string
}

// WhatsApp renders WhatsApp chat markup.
var WhatsApp = Style{
	Name:   "whatsapp",
	Bold:   "*",
	Italic: "_",
	Strike: "~",
	Code:   "```",
	Quote:  "> ",
	Bullet: "- ",
}

// Plain strips markup, keeping list bullets and link targets.
var Plain = Style{
	Name:   "plain",
	Bullet: "- ",
}

// ByName returns the style for a transport.format value. Unknown names
// get [Plain].
func ByName(name string) Style {
	if strings.EqualFold(name, WhatsApp.Name) {
		return WhatsApp
	}
	return Plain
}

var md = goldmark.New(goldmark.WithExtensions(extension.Strikethrough))

// Format parses markdown and renders it in this style. Blocks are
// separated by a blank line; soft line breaks are kept.
func (s Style) Format(markdown string) string {
	src := []byte(markdown)
	doc := md.Parser().Parse(text.NewReader(src))

	r := &renderer{style: s, src: src}
	return strings.TrimSpace(r.blocks(doc, 0))
}

type renderer struct {
	style Style
	src   []byte
}

func (r *renderer) blocks(parent ast.Node, depth int) string {
	var out []string
	for c := parent.FirstChild(); c != nil; c = c.NextSibling() {
		if b := r.block(c, depth); strings.TrimSpace(b) != "" {
			out = append(out, b)
		}
	}
	return strings.Join(out, "\n\n")
}

func (r *renderer) block(n ast.Node, depth int) string {
	switch n := n.(type) {
	case *ast.Paragraph, *ast.TextBlock:
		return strings.TrimRight(r.inlines(n), " \n")
	case *ast.Heading:
		return wrap(r.style.Bold, strings.TrimSpace(r.inlines(n)))
	case *ast.List:
		return r.list(n, depth)
	case *ast.FencedCodeBlock, *ast.CodeBlock:
		return r.codeBlock(n)
	case *ast.Blockquote:
		return prefixLines(r.blocks(n, depth), r.style.Quote)
	case *ast.ThematicBreak, *ast.HTMLBlock:
		return ""
	default:
		return r.blocks(n, depth)
	}
}

func (r *renderer) list(l *ast.List, depth int) string {
	indent := strings.Repeat("  ", depth)
	num := l.Start
	if num == 0 {
		num = 1
	}

	var lines []string
	for item := l.FirstChild(); item != nil; item = item.NextSibling() {
		marker := r.style.Bullet
		if l.IsOrdered() {
			marker = fmt.Sprintf("%d. ", num)
			num++
		}

		first := true
		for c := item.FirstChild(); c != nil; c = c.NextSibling() {
			if sub, ok := c.(*ast.List); ok {
				lines = append(lines, r.list(sub, depth+1))
				continue
			}
			body := r.block(c, depth+1)
			if first {
				lines = append(lines, indent+marker+body)
				first = false
			} else {
				lines = append(lines, prefixLines(body, indent+"  "))
			}
		}
		if first {
			lines = append(lines, indent+strings.TrimRight(marker, " "))
		}
	}
	return strings.Join(lines, "\n")
}

func (r *renderer) codeBlock(n ast.Node) string {
	var sb strings.Builder
	lines := n.Lines()
	for i := 0; i < lines.Len(); i++ {
		seg := lines.At(i)
		sb.Write(seg.Value(r.src))
	}
	code := strings.TrimRight(sb.String(), "\n")
	if r.style.Code == "" {
		return code
	}
	return r.style.Code + "\n" + code + "\n" + r.style.Code
}

func (r *renderer) inlines(n ast.Node) string {
	var sb strings.Builder
	for c := n.FirstChild(); c != nil; c = c.NextSibling() {
		r.inline(&sb, c)
	}
	return sb.String()
}

func (r *renderer) inline(sb *strings.Builder, n ast.Node) {
	switch n := n.(type) {
	case *ast.Text:
		sb.Write(n.Segment.Value(r.src))
		if n.SoftLineBreak() || n.HardLineBreak() {
			sb.WriteByte('\n')
		}
	case *ast.String:
		sb.Write(n.Value)
	case *ast.Emphasis:
		marker := r.style.Italic
		if n.Level >= 2 {
			marker = r.style.Bold
		}
		sb.WriteString(wrap(marker, r.inlines(n)))
	case *east.Strikethrough:
		sb.WriteString(wrap(r.style.Strike, r.inlines(n)))
	case *ast.CodeSpan:
		sb.WriteString(wrap(r.style.Code, r.inlines(n)))
	case *ast.Link:
		sb.WriteString(link(r.inlines(n), string(n.Destination)))
	case *ast.Image:
		sb.WriteString(link(r.inlines(n), string(n.Destination)))
	case *ast.AutoLink:
		sb.Write(n.URL(r.src))
	case *ast.RawHTML:
		// dropped
	default:
		sb.WriteString(r.inlines(n))
	}
}

func wrap(marker, s string) string {
	if marker == "" || strings.TrimSpace(s) == "" {
		return s
	}
	return marker + s + marker
}

func link(label, dest string) string {
	switch {
	case dest == "":
		return label
	case label == "" || label == dest:
		return dest
	default:
		return label + " (" + dest + ")"
	}
}

func prefixLines(s, prefix string) string {
	if prefix == "" {
		return s
	}
	lines := strings.Split(s, "\n")
	for i, l := range lines {
		lines[i] = prefix + l
	}
	return strings.Join(lines, "\n")
}
