package navtree

import (
	"strings"
	"testing"
)

func TestDeepestAndPath(t *testing.T) {
	leaf := New(map[string]any{"k": 1}, []string{"compose"})
	mid := New(nil, []string{"messages"}, leaf, New(nil, []string{"other"}))
	root := New(nil, nil, mid)

	if got := root.Deepest(); got != leaf {
		t.Fatalf("Deepest: got %+v, want leaf", got)
	}
	if got := leaf.Path(); got != "messages/compose" {
		t.Errorf("Path: got %q", got)
	}
	if got := leaf.FirstSegment(); got != "messages" {
		t.Errorf("FirstSegment: got %q", got)
	}
	if leaf.Parent() != mid || mid.Parent() != root || !root.IsRoot() {
		t.Error("parent links not wired")
	}
}

func TestNew_CopiesData(t *testing.T) {
	data := map[string]any{"showAds": true}
	n := New(data, nil)
	data["showAds"] = false
	if v, _ := n.Value("showAds"); v != true {
		t.Fatal("node data changed after construction")
	}
}

func TestDegenerate(t *testing.T) {
	var n *Node
	if n.Deepest() != nil || n.Path() != "" || n.FirstChild() != nil {
		t.Fatal("nil node helpers should return zero values")
	}
	single := New(nil, nil)
	if single.Deepest() != single {
		t.Fatal("Deepest of single node should be itself")
	}
	if single.FirstSegment() != "" {
		t.Fatal("FirstSegment of pathless node should be empty")
	}
}

func TestDecode(t *testing.T) {
	in := `{"data":{"showAds":true},"children":[{"segments":["messages"],"children":[{"segments":["compose"],"data":{"adUnits":{"desktop":{"top":"X"}}}}]}]}`
	root, err := Decode(strings.NewReader(in))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	leaf := root.Deepest()
	if leaf.Path() != "messages/compose" {
		t.Errorf("Path: got %q", leaf.Path())
	}
	if _, ok := leaf.Value("adUnits"); !ok {
		t.Error("adUnits missing on leaf")
	}

	out, err := root.MarshalJSON()
	if err != nil {
		t.Fatalf("MarshalJSON: %v", err)
	}
	again, err := Decode(strings.NewReader(string(out)))
	if err != nil {
		t.Fatalf("Decode(round trip): %v", err)
	}
	if again.Deepest().Path() != "messages/compose" {
		t.Error("round trip lost structure")
	}
}

func TestDecode_TooDeep(t *testing.T) {
	var b strings.Builder
	for i := 0; i < MaxDepth+1; i++ {
		b.WriteString(`{"children":[`)
	}
	b.WriteString(`{}`)
	for i := 0; i < MaxDepth+1; i++ {
		b.WriteString(`]}`)
	}
	if _, err := Decode(strings.NewReader(b.String())); err == nil {
		t.Fatal("Decode: want depth error")
	}
}
