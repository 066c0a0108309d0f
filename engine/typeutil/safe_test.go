package typeutil

import "testing"

func TestSafeString(t *testing.T) {
	if s, ok := SafeString("hello"); !ok || s != "hello" {
		t.Errorf("expected hello, got %q ok=%v", s, ok)
	}
	if _, ok := SafeString(42); ok {
		t.Error("int should not assert to string")
	}
	if _, ok := SafeString(nil); ok {
		t.Error("nil should not assert to string")
	}
	if s := SafeStringDefault(nil, "fallback"); s != "fallback" {
		t.Errorf("expected fallback, got %q", s)
	}
}

func TestSafeIntHandlesJSONNumbers(t *testing.T) {
	cases := []struct {
		in   any
		want int
		ok   bool
	}{
		{42, 42, true},
		{int64(7), 7, true},
		{float64(3), 3, true},
		{float32(2), 2, true},
		{"5", 0, false},
		{nil, 0, false},
	}
	for _, c := range cases {
		got, ok := SafeInt(c.in)
		if got != c.want || ok != c.ok {
			t.Errorf("SafeInt(%v) = %d, %v; want %d, %v", c.in, got, ok, c.want, c.ok)
		}
	}
}

func TestSafeBool(t *testing.T) {
	if b, ok := SafeBool(true); !ok || !b {
		t.Error("true should assert")
	}
	if _, ok := SafeBool("true"); ok {
		t.Error("string should not assert to bool")
	}
	if !SafeBoolDefault(nil, true) {
		t.Error("default not applied")
	}
}

func TestSafeStringSlice(t *testing.T) {
	if s, ok := SafeStringSlice([]string{"a", "b"}); !ok || len(s) != 2 {
		t.Error("[]string should assert directly")
	}
	if s, ok := SafeStringSlice([]any{"a", "b"}); !ok || len(s) != 2 {
		t.Error("[]any of strings should convert")
	}
	if _, ok := SafeStringSlice([]any{"a", 1}); ok {
		t.Error("mixed slice should fail")
	}
}

func TestGetNestedValue(t *testing.T) {
	data := map[string]any{
		"document": map[string]any{
			"meta": map[string]any{
				"title": "report",
				"pages": float64(12),
			},
		},
	}

	if v, ok := GetNestedValue(data, "document.meta.title"); !ok || v != "report" {
		t.Errorf("expected report, got %v ok=%v", v, ok)
	}
	if s, ok := GetNestedString(data, "document.meta.title"); !ok || s != "report" {
		t.Errorf("expected report, got %q", s)
	}
	if n, ok := GetNestedInt(data, "document.meta.pages"); !ok || n != 12 {
		t.Errorf("expected 12, got %d", n)
	}
	if _, ok := GetNestedValue(data, "document.missing.title"); ok {
		t.Error("missing path should not resolve")
	}
	if _, ok := GetNestedValue(data, "document.meta.title.deeper"); ok {
		t.Error("path through a leaf should not resolve")
	}
	if _, ok := GetNestedValue(nil, "a.b"); ok {
		t.Error("nil map should not resolve")
	}
}
