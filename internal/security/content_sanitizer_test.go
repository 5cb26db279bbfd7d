package security

import (
	"strings"
	"testing"
)

func TestSanitizeCaption_AllowsBasicFormatting(t *testing.T) {
	s := NewContentSanitizer()

	in := "<p>今日の<strong>ラーメン</strong>🍜<br>最高でした<em>また行く</em></p>"
	got := s.SanitizeCaption(in)

	for _, want := range []string{"<p>", "<strong>ラーメン</strong>", "<br", "<em>また行く</em>"} {
		if !strings.Contains(got, want) {
			t.Errorf("SanitizeCaption() = %q, want to contain %q", got, want)
		}
	}
}

func TestSanitizeCaption_RemovesScript(t *testing.T) {
	s := NewContentSanitizer()

	in := `<p>hello<script>alert("xss")</script></p>`
	got := s.SanitizeCaption(in)

	if strings.Contains(got, "script") || strings.Contains(got, "alert") {
		t.Errorf("SanitizeCaption() = %q, script content should be removed", got)
	}
}

func TestSanitizeCaption_RemovesEventAttributes(t *testing.T) {
	s := NewContentSanitizer()

	in := `<p onclick="steal()">tap me</p>`
	got := s.SanitizeCaption(in)

	if strings.Contains(got, "onclick") {
		t.Errorf("SanitizeCaption() = %q, on* attributes should be removed", got)
	}
	if !strings.Contains(got, "tap me") {
		t.Errorf("SanitizeCaption() = %q, text content should survive", got)
	}
}

func TestSanitizeCaption_Empty(t *testing.T) {
	s := NewContentSanitizer()
	if got := s.SanitizeCaption(""); got != "" {
		t.Errorf("SanitizeCaption(\"\") = %q, want \"\"", got)
	}
}

// TestSanitizeCaption_Idempotent は同一入力に対して常に同一出力となることを検証する。
func TestSanitizeCaption_Idempotent(t *testing.T) {
	s := NewContentSanitizer()

	in := `<p>旨い<a href="https://mogu.example/shop/1">店</a></p>`
	first := s.SanitizeCaption(in)
	second := s.SanitizeCaption(first)

	if first != second {
		t.Errorf("not idempotent: first = %q, second = %q", first, second)
	}
}

func TestSanitizeMessageText_StripsAllTags(t *testing.T) {
	s := NewContentSanitizer()

	in := `こんにちは<b>太字</b><script>alert(1)</script>`
	got := s.SanitizeMessageText(in)

	if strings.Contains(got, "<") {
		t.Errorf("SanitizeMessageText() = %q, all tags should be stripped", got)
	}
	if !strings.Contains(got, "こんにちは") || !strings.Contains(got, "太字") {
		t.Errorf("SanitizeMessageText() = %q, plain text should survive", got)
	}
}

func TestSanitizeMessageText_Empty(t *testing.T) {
	s := NewContentSanitizer()
	if got := s.SanitizeMessageText(""); got != "" {
		t.Errorf("SanitizeMessageText(\"\") = %q, want \"\"", got)
	}
}
