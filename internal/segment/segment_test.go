package segment

import (
	"testing"
)

func TestForIndexLatinPassthrough(t *testing.T) {
	s := New(nil)
	text := "The retry policy lives in backoff.go"
	if got := s.ForIndex(text); got != text {
		t.Errorf("ForIndex changed non-CJK text: %q", got)
	}
}

func TestForQueryLatinTokens(t *testing.T) {
	s := New(nil)
	got := s.ForQuery("retry-policy: max_attempts=3!")
	want := []string{"retry", "policy", "max_attempts", "3"}
	if len(got) != len(want) {
		t.Fatalf("tokens = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("token %d = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestForQueryEmpty(t *testing.T) {
	s := New(nil)
	if got := s.ForQuery("  ...  "); len(got) != 0 {
		t.Errorf("expected no tokens, got %v", got)
	}
}

func TestHasCJK(t *testing.T) {
	if hasCJK("plain ascii") {
		t.Error("ascii flagged as CJK")
	}
	if !hasCJK("数据库迁移") {
		t.Error("CJK text not detected")
	}
	if !hasCJK("mixed 中文 text") {
		t.Error("mixed text not detected")
	}
}

func TestCJKSegmentation(t *testing.T) {
	s := New(nil)
	tokens := s.ForQuery("数据库迁移计划")
	if len(tokens) == 0 {
		t.Fatal("expected CJK tokens")
	}
	indexed := s.ForIndex("数据库迁移计划")
	if indexed == "" {
		t.Fatal("expected indexed form")
	}
}
