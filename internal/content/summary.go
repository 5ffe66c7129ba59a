// Package content turns feed item markup into text for the API.
package content

import (
	"strings"
	"unicode"
	"unicode/utf8"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// DefaultSummaryLength is the rune limit for item summaries.
const DefaultSummaryLength = 400

// PlainText strips markup from an item summary, drops script and style content, collapses
// whitespace and cuts the result to limit runes. limit <= 0 disables the cut.
func PlainText(text string, limit int) string {
	if !strings.ContainsAny(text, "<&") {
		return truncateRunes(collapseSpace(text), limit)
	}

	root := &html.Node{Type: html.ElementNode, DataAtom: atom.Div, Data: "div"}

	nodes, err := html.ParseFragment(strings.NewReader(text), root)
	if err != nil {
		return truncateRunes(collapseSpace(text), limit)
	}

	var b strings.Builder
	for _, node := range nodes {
		appendText(&b, node)
	}

	return truncateRunes(collapseSpace(b.String()), limit)
}

func appendText(b *strings.Builder, node *html.Node) {
	block := false

	switch node.Type {
	case html.TextNode:
		b.WriteString(node.Data)
		return
	case html.ElementNode:
		switch node.DataAtom {
		case atom.Script, atom.Style, atom.Noscript, atom.Template:
			return
		case atom.Br, atom.P, atom.Div, atom.Li, atom.Tr, atom.Td, atom.H1, atom.H2, atom.H3, atom.H4, atom.Blockquote:
			block = true
			b.WriteByte(' ')
		}
	}

	for child := node.FirstChild; child != nil; child = child.NextSibling {
		appendText(b, child)
	}

	if block {
		b.WriteByte(' ')
	}
}

func collapseSpace(s string) string {
	return strings.Join(strings.FieldsFunc(s, unicode.IsSpace), " ")
}

func truncateRunes(s string, limit int) string {
	if limit <= 0 || utf8.RuneCountInString(s) <= limit {
		return s
	}

	runes := []rune(s)

	return strings.TrimRightFunc(string(runes[:limit]), unicode.IsSpace) + "..."
}
