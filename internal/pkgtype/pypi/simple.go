// Package pypi 注册 PyPI 包类型，合并 simple 索引页（PEP 503 HTML）。
package pypi

import (
	"bytes"
	"errors"
	"fmt"
	"net/url"
	"path"
	"sort"
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"

	"github.com/any-hub/any-repo/internal/pkgtype"
)

const indexFile = "index.html"

func init() {
	pkgtype.MustRegister(pkgtype.Module{
		Key:         "pypi",
		Description: "PyPI simple indexes with per-file anchor union merging",
		MergeRules: []pkgtype.MergeRule{
			{
				Name:        "simple-index",
				ContentType: "text/html; charset=utf-8",
				Match:       isSimpleIndex,
				Merge:       MergeSimpleIndex,
			},
		},
	})
}

func isSimpleIndex(p string) bool {
	return strings.HasPrefix(p, "simple/") && pkgtype.BaseName(p) == indexFile
}

type anchor struct {
	name  string
	attrs []html.Attribute
}

type page struct {
	title   string
	anchors []anchor
}

func parse(data []byte) (*page, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, errors.New("empty document")
	}
	root, err := html.Parse(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	out := &page{}
	collect(root, out)
	if out.title == "" && len(out.anchors) == 0 {
		return nil, errors.New("no simple index content")
	}
	return out, nil
}

func collect(n *html.Node, out *page) {
	if n.Type == html.ElementNode {
		switch n.DataAtom {
		case atom.Title:
			if out.title == "" {
				out.title = strings.TrimSpace(textOf(n))
			}
		case atom.A:
			if a, ok := toAnchor(n); ok {
				out.anchors = append(out.anchors, a)
			}
		}
	}
	for child := n.FirstChild; child != nil; child = child.NextSibling {
		collect(child, out)
	}
}

func toAnchor(n *html.Node) (anchor, bool) {
	var href string
	for _, attr := range n.Attr {
		if attr.Key == "href" {
			href = attr.Val
		}
	}
	name := strings.TrimSpace(textOf(n))
	if name == "" && href != "" {
		if parsed, err := url.Parse(href); err == nil {
			name = path.Base(parsed.Path)
		}
	}
	if name == "" || href == "" {
		return anchor{}, false
	}
	attrs := append([]html.Attribute(nil), n.Attr...)
	sort.Slice(attrs, func(i, j int) bool { return attrs[i].Key < attrs[j].Key })
	return anchor{name: name, attrs: attrs}, true
}

func textOf(n *html.Node) string {
	var b strings.Builder
	var walk func(*html.Node)
	walk = func(node *html.Node) {
		if node.Type == html.TextNode {
			b.WriteString(node.Data)
		}
		for child := node.FirstChild; child != nil; child = child.NextSibling {
			walk(child)
		}
	}
	walk(n)
	return b.String()
}

// MergeSimpleIndex 按文件名对多个 simple 索引页的链接取并集，同名文件保留第一个来源。
func MergeSimpleIndex(sources []pkgtype.Source) (*pkgtype.Result, error) {
	result := &pkgtype.Result{}
	var pages []*page
	for _, src := range sources {
		p, err := parse(src.Data)
		if err != nil {
			result.Failures = append(result.Failures, pkgtype.ParseFailure{ID: src.ID, Err: err})
			continue
		}
		pages = append(pages, p)
		result.Contributors = append(result.Contributors, src.ID)
	}
	if len(pages) == 0 {
		return result, pkgtype.ErrEmptyMerge
	}

	var title string
	byName := map[string]anchor{}
	for _, p := range pages {
		if title == "" {
			title = p.title
		}
		for _, a := range p.anchors {
			if _, exists := byName[a.name]; !exists {
				byName[a.name] = a
			}
		}
	}
	names := make([]string, 0, len(byName))
	for name := range byName {
		names = append(names, name)
	}
	sort.Strings(names)

	body, err := render(title, names, byName)
	if err != nil {
		return result, fmt.Errorf("render merged index: %w", err)
	}
	result.Data = body
	return result, nil
}

func render(title string, names []string, anchors map[string]anchor) ([]byte, error) {
	doc := &html.Node{Type: html.DocumentNode}
	doc.AppendChild(&html.Node{Type: html.DoctypeNode, Data: "html"})
	root := element(atom.Html)
	head := element(atom.Head)
	meta := element(atom.Meta)
	meta.Attr = []html.Attribute{{Key: "name", Val: "pypi:repository-version"}, {Key: "content", Val: "1.0"}}
	head.AppendChild(meta)
	if title != "" {
		t := element(atom.Title)
		t.AppendChild(&html.Node{Type: html.TextNode, Data: title})
		head.AppendChild(t)
	}
	root.AppendChild(head)

	body := element(atom.Body)
	if title != "" {
		h := element(atom.H1)
		h.AppendChild(&html.Node{Type: html.TextNode, Data: title})
		body.AppendChild(h)
	}
	for _, name := range names {
		a := element(atom.A)
		a.Attr = anchors[name].attrs
		a.AppendChild(&html.Node{Type: html.TextNode, Data: name})
		body.AppendChild(a)
		body.AppendChild(element(atom.Br))
		body.AppendChild(&html.Node{Type: html.TextNode, Data: "\n"})
	}
	root.AppendChild(body)
	doc.AppendChild(root)

	var buf bytes.Buffer
	if err := html.Render(&buf, doc); err != nil {
		return nil, err
	}
	buf.WriteByte('\n')
	return buf.Bytes(), nil
}

func element(a atom.Atom) *html.Node {
	return &html.Node{Type: html.ElementNode, DataAtom: a, Data: a.String()}
}
