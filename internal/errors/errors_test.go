package errors

import (
	"fmt"
	"testing"
)

func TestFastPathNoHook(t *testing.T) {
	t.Parallel()

	SetErrorHook(nil)

	err := fmt.Errorf("test error")
	ee := New(err).Build()

	if ee.Err.Error() != "test error" {
		t.Errorf("Expected error message 'test error', got '%s'", ee.Err.Error())
	}

	if ee.GetComponent() != "unknown" {
		t.Errorf("Expected component 'unknown' in fast path, got '%s'", ee.GetComponent())
	}

	if ee.Category != CategoryGeneric {
		t.Errorf("Expected category 'generic' in fast path, got '%s'", ee.Category)
	}
}

func TestCategoryMatching(t *testing.T) {
	t.Parallel()

	sentinel := NewStd("template names do not match")
	ee := New(sentinel).Category(CategoryContract).Context("template", "t1").Build()

	if !Is(ee, sentinel) {
		t.Error("enhanced error should match its wrapped sentinel via Is")
	}
	if !IsCategory(ee, CategoryContract) {
		t.Errorf("expected category contract, got %s", ee.Category)
	}
	if IsCategory(ee, CategoryDataQuality) {
		t.Error("category check should not match a different category")
	}

	ctx := ee.GetContext()
	if ctx["template"] != "t1" {
		t.Errorf("expected context template=t1, got %v", ctx["template"])
	}
}

func TestBuilderPriorityValidation(t *testing.T) {
	t.Parallel()

	ee := New(fmt.Errorf("boom")).Priority("bogus").Build()
	if ee.GetPriority() != PriorityMedium {
		t.Errorf("invalid priority should fall back to medium, got %q", ee.GetPriority())
	}

	ee = New(fmt.Errorf("boom")).Priority(PriorityCritical).Build()
	if ee.GetPriority() != PriorityCritical {
		t.Errorf("expected critical priority, got %q", ee.GetPriority())
	}
}
