package schema

import (
	"math"
	"testing"
)

// =============================================================================
// Flatten Tests
// =============================================================================

// TestFlatten_NestedMaps verifies that nested maps produce dotted key
// paths and that intermediate keys are included.
func TestFlatten_NestedMaps(t *testing.T) {
	payload := map[string]any{
		"eventSource": "s3.amazonaws.com",
		"userIdentity": map[string]any{
			"type": "IAMUser",
			"arn":  "arn:aws:iam::123456789012:user/alice",
		},
	}

	paths := Flatten(payload)

	expected := []string{
		"eventSource",
		"userIdentity",
		"userIdentity.type",
		"userIdentity.arn",
	}
	for _, p := range expected {
		if _, ok := paths[p]; !ok {
			t.Errorf("expected path %q in flattened set", p)
		}
	}
	if len(paths) != len(expected) {
		t.Errorf("expected %d paths, got %d", len(expected), len(paths))
	}
}

// TestFlatten_ListsNotRecursed verifies that list contents are never
// flattened, only the key holding the list.
func TestFlatten_ListsNotRecursed(t *testing.T) {
	payload := map[string]any{
		"records": []any{
			map[string]any{"inner": "value"},
		},
	}

	paths := Flatten(payload)

	if _, ok := paths["records"]; !ok {
		t.Error("expected 'records' path")
	}
	if _, ok := paths["records.inner"]; ok {
		t.Error("list contents must not be flattened")
	}
	if len(paths) != 1 {
		t.Errorf("expected 1 path, got %d", len(paths))
	}
}

// TestFlatten_Empty verifies an empty payload yields an empty set.
func TestFlatten_Empty(t *testing.T) {
	paths := Flatten(map[string]any{})
	if len(paths) != 0 {
		t.Errorf("expected empty set, got %d paths", len(paths))
	}
}

// =============================================================================
// Jaccard Tests
// =============================================================================

// TestJaccard_Identical verifies a set compared to itself scores 1.
func TestJaccard_Identical(t *testing.T) {
	s := KeySet([]string{"a", "b", "c"})
	if got := Jaccard(s, s); got != 1.0 {
		t.Errorf("expected 1.0, got %v", got)
	}
}

// TestJaccard_Symmetric verifies argument order does not matter.
func TestJaccard_Symmetric(t *testing.T) {
	a := KeySet([]string{"a", "b", "c"})
	b := KeySet([]string{"b", "c", "d", "e"})

	if Jaccard(a, b) != Jaccard(b, a) {
		t.Error("Jaccard must be symmetric")
	}
}

// TestJaccard_Bounded verifies the score stays within [0,1] and matches
// the intersection-over-union definition.
func TestJaccard_Bounded(t *testing.T) {
	a := KeySet([]string{"a", "b"})
	b := KeySet([]string{"b", "c"})

	got := Jaccard(a, b)
	want := 1.0 / 3.0
	if math.Abs(got-want) > 1e-9 {
		t.Errorf("expected %v, got %v", want, got)
	}
	if got < 0 || got > 1 {
		t.Errorf("score out of bounds: %v", got)
	}
}

// TestJaccard_EmptyUnion verifies two empty sets score 0, not NaN.
func TestJaccard_EmptyUnion(t *testing.T) {
	if got := Jaccard(map[string]struct{}{}, map[string]struct{}{}); got != 0 {
		t.Errorf("expected 0 for empty union, got %v", got)
	}
}

// TestJaccard_Disjoint verifies disjoint sets score 0.
func TestJaccard_Disjoint(t *testing.T) {
	a := KeySet([]string{"a"})
	b := KeySet([]string{"b"})
	if got := Jaccard(a, b); got != 0 {
		t.Errorf("expected 0 for disjoint sets, got %v", got)
	}
}
