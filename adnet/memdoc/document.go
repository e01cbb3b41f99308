// Package memdoc provides in-memory implementations of the adnet boundary:
// a host document backed by a golang.org/x/net/html tree, a recording ad
// library namespace and a tag manager. Script load and library arrival are
// driven explicitly by the caller, which makes every asynchronous edge of the
// runtime reproducible in tests.
package memdoc

import (
	"bytes"
	"errors"
	"fmt"
	"sort"
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"

	"github.com/hazyhaar/adslot/adnet"
	"github.com/hazyhaar/adslot/sched"
)

const skeleton = `<!DOCTYPE html><html><head></head><body></body></html>`

// ErrScriptFailed is delivered to load callbacks by FireError when the caller
// does not supply its own error.
var ErrScriptFailed = errors.New("memdoc: script failed to load")

// Document is an in-memory host document.
type Document struct {
	origin string
	sched  sched.Scheduler
	root   *html.Node
	head   *html.Node

	pending map[string][]func(error) // src -> outstanding load callbacks
	fetches int
}

// NewDocument creates an empty document served from origin. Load callbacks
// are delivered through s.
func NewDocument(origin string, s sched.Scheduler) *Document {
	root, err := html.Parse(strings.NewReader(skeleton))
	if err != nil {
		panic("memdoc: parse skeleton: " + err.Error())
	}
	d := &Document{
		origin:  origin,
		sched:   s,
		root:    root,
		pending: make(map[string][]func(error)),
	}
	d.head = findFirst(root, atom.Head)
	return d
}

// Origin implements adnet.Document.
func (d *Document) Origin() string { return d.origin }

// Has implements adnet.Document.
func (d *Document) Has(m adnet.Match) bool {
	return len(d.find(m)) > 0
}

// Append implements adnet.Document.
func (d *Document) Append(e adnet.Element) error {
	if e.Tag == "" {
		return fmt.Errorf("memdoc: append: empty tag")
	}
	d.head.AppendChild(toNode(e))
	return nil
}

// LoadScript implements adnet.Document. The script stays pending until
// FireLoad or FireError is called for its src.
func (d *Document) LoadScript(e adnet.Element, done func(error)) error {
	src := e.Attr("src")
	if src == "" {
		return fmt.Errorf("memdoc: load script: missing src")
	}
	if err := d.Append(e); err != nil {
		return err
	}
	d.fetches++
	d.pending[src] = append(d.pending[src], done)
	return nil
}

// Remove implements adnet.Document.
func (d *Document) Remove(m adnet.Match) int {
	nodes := d.find(m)
	for _, n := range nodes {
		if n.Parent != nil {
			n.Parent.RemoveChild(n)
		}
	}
	return len(nodes)
}

// FireLoad delivers the load event for src. It reports whether a load was
// pending.
func (d *Document) FireLoad(src string) bool {
	return d.fire(src, nil)
}

// FireError delivers the error event for src. A nil err becomes
// ErrScriptFailed.
func (d *Document) FireError(src string, err error) bool {
	if err == nil {
		err = ErrScriptFailed
	}
	return d.fire(src, err)
}

func (d *Document) fire(src string, err error) bool {
	cbs := d.pending[src]
	if len(cbs) == 0 {
		return false
	}
	delete(d.pending, src)
	for _, cb := range cbs {
		cb := cb
		d.sched.Post(func() { cb(err) })
	}
	return true
}

// Fetches returns how many times a script load was started.
func (d *Document) Fetches() int { return d.fetches }

// Count returns the number of elements matching m.
func (d *Document) Count(m adnet.Match) int { return len(d.find(m)) }

// HTML renders the whole document.
func (d *Document) HTML() string {
	var buf bytes.Buffer
	if err := html.Render(&buf, d.root); err != nil {
		return ""
	}
	return buf.String()
}

func (d *Document) find(m adnet.Match) []*html.Node {
	var out []*html.Node
	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode && m.Matches(fromNode(n)) {
			out = append(out, n)
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(d.root)
	return out
}

func findFirst(n *html.Node, a atom.Atom) *html.Node {
	if n.Type == html.ElementNode && n.DataAtom == a {
		return n
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if found := findFirst(c, a); found != nil {
			return found
		}
	}
	return nil
}

func toNode(e adnet.Element) *html.Node {
	keys := make([]string, 0, len(e.Attrs))
	for k := range e.Attrs {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	n := &html.Node{
		Type:     html.ElementNode,
		Data:     e.Tag,
		DataAtom: atom.Lookup([]byte(e.Tag)),
	}
	for _, k := range keys {
		n.Attr = append(n.Attr, html.Attribute{Key: k, Val: e.Attrs[k]})
	}
	return n
}

func fromNode(n *html.Node) adnet.Element {
	e := adnet.Element{Tag: n.Data, Attrs: make(map[string]string, len(n.Attr))}
	for _, a := range n.Attr {
		e.Attrs[a.Key] = a.Val
	}
	return e
}
