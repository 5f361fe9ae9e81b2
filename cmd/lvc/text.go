package main

import (
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// blockAtoms are elements rendered on their own line.
var blockAtoms = map[atom.Atom]bool{
	atom.Address: true, atom.Article: true, atom.Aside: true,
	atom.Blockquote: true, atom.Br: true, atom.Div: true, atom.Dl: true,
	atom.Dt: true, atom.Dd: true, atom.Fieldset: true, atom.Figure: true,
	atom.Footer: true, atom.Form: true, atom.H1: true, atom.H2: true,
	atom.H3: true, atom.H4: true, atom.H5: true, atom.H6: true,
	atom.Header: true, atom.Hr: true, atom.Li: true, atom.Main: true,
	atom.Nav: true, atom.Ol: true, atom.P: true, atom.Pre: true,
	atom.Section: true, atom.Table: true, atom.Tr: true, atom.Ul: true,
}

var skipAtoms = map[atom.Atom]bool{
	atom.Head: true, atom.Script: true, atom.Style: true,
	atom.Template: true, atom.Noscript: true,
}

// renderText flattens page markup into readable terminal text: block
// elements break lines, inline runs collapse whitespace, form controls
// render as bracketed placeholders.
func renderText(markup string) string {
	root, err := html.Parse(strings.NewReader(markup))
	if err != nil {
		return markup
	}
	var b strings.Builder
	emitText(&b, root)
	lines := strings.Split(b.String(), "\n")
	out := make([]string, 0, len(lines))
	blank := false
	for _, line := range lines {
		line = strings.TrimRight(line, " \t")
		if line == "" {
			if blank {
				continue
			}
			blank = true
		} else {
			blank = false
		}
		out = append(out, line)
	}
	return strings.TrimSpace(strings.Join(out, "\n")) + "\n"
}

func emitText(b *strings.Builder, n *html.Node) {
	switch n.Type {
	case html.TextNode:
		text := strings.Join(strings.Fields(n.Data), " ")
		if text != "" {
			if b.Len() > 0 && !strings.HasSuffix(b.String(), "\n") && !strings.HasSuffix(b.String(), " ") {
				b.WriteByte(' ')
			}
			b.WriteString(text)
		}
		return
	case html.ElementNode:
		if skipAtoms[n.DataAtom] {
			return
		}
		switch n.DataAtom {
		case atom.Input:
			b.WriteString("[" + inputPlaceholder(n) + "]")
			return
		case atom.Textarea:
			b.WriteString("[" + strings.TrimSpace(textContent(n)) + "]")
			return
		case atom.Button:
			b.WriteString("<" + strings.TrimSpace(textContent(n)) + ">")
			return
		}
		if blockAtoms[n.DataAtom] {
			b.WriteByte('\n')
		}
		if n.DataAtom == atom.Li {
			b.WriteString("- ")
		}
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		emitText(b, c)
	}
	if n.Type == html.ElementNode && blockAtoms[n.DataAtom] {
		b.WriteByte('\n')
	}
}

func inputPlaceholder(n *html.Node) string {
	var value, name, typ string
	for _, a := range n.Attr {
		switch a.Key {
		case "value":
			value = a.Val
		case "name":
			name = a.Val
		case "type":
			typ = a.Val
		}
	}
	if typ == "submit" && value != "" {
		return value
	}
	if value != "" {
		return value
	}
	if name != "" {
		return name + "?"
	}
	return "…"
}

func textContent(n *html.Node) string {
	var b strings.Builder
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.TextNode {
			b.WriteString(n.Data)
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(n)
	return b.String()
}
