package chunker

import (
	"strings"
	"testing"
)

func TestSplitEmptyText(t *testing.T) {
	c := New(Config{Size: 100, Overlap: 10})
	if got := c.Split(""); got != nil {
		t.Fatalf("expected nil chunks for empty text, got %d", len(got))
	}
	if got := c.Split("   \n\t  "); got != nil {
		t.Fatalf("expected nil chunks for whitespace-only text, got %d", len(got))
	}
}

func TestSplitShortTextSingleChunk(t *testing.T) {
	c := New(Config{Size: 100, Overlap: 10})
	chunks := c.Split("a short note about a meeting")

	if len(chunks) != 1 {
		t.Fatalf("expected 1 chunk, got %d", len(chunks))
	}
	if chunks[0].Start != 0 {
		t.Errorf("start: got %d, want 0", chunks[0].Start)
	}
	if chunks[0].Index != 0 {
		t.Errorf("index: got %d, want 0", chunks[0].Index)
	}
}

func TestSplitDeterministic(t *testing.T) {
	text := strings.Repeat("The suspect transferred funds to an offshore account. ", 80)
	c := New(Config{Size: 300, Overlap: 50})

	a := c.Split(text)
	b := c.Split(text)

	if len(a) != len(b) {
		t.Fatalf("chunk counts differ: %d vs %d", len(a), len(b))
	}
	for i := range a {
		if a[i] != b[i] {
			t.Errorf("chunk %d differs between runs", i)
		}
	}
}

func TestSplitRespectsSizeAndOrder(t *testing.T) {
	text := strings.Repeat("Entity mentions appear throughout the document body. ", 60)
	c := New(Config{Size: 200, Overlap: 40})

	chunks := c.Split(text)
	if len(chunks) < 2 {
		t.Fatalf("expected multiple chunks, got %d", len(chunks))
	}

	for i, ch := range chunks {
		if n := len([]rune(ch.Text)); n > 200 {
			t.Errorf("chunk %d has %d runes, exceeds size 200", i, n)
		}
		if ch.Index != i {
			t.Errorf("chunk %d has index %d", i, ch.Index)
		}
		if i > 0 && ch.Start >= chunks[i].End {
			t.Errorf("chunk %d has inverted offsets [%d,%d)", i, ch.Start, ch.End)
		}
		if i > 0 && ch.Start <= chunks[i-1].Start {
			t.Errorf("chunk %d does not advance past chunk %d", i, i-1)
		}
	}
}

func TestSplitOverlap(t *testing.T) {
	text := strings.Repeat("word ", 500)
	c := New(Config{Size: 200, Overlap: 50})

	chunks := c.Split(text)
	if len(chunks) < 2 {
		t.Fatalf("expected multiple chunks, got %d", len(chunks))
	}
	for i := 1; i < len(chunks); i++ {
		if chunks[i].Start >= chunks[i-1].End {
			t.Errorf("chunks %d and %d do not overlap: prev end %d, next start %d",
				i-1, i, chunks[i-1].End, chunks[i].Start)
		}
	}
}

func TestSplitOffsetsMatchText(t *testing.T) {
	text := "First paragraph about Acme Corp.\n\nSecond paragraph about John Smith and the wire transfer on the third of March, which was flagged."
	c := New(Config{Size: 60, Overlap: 10})

	runes := []rune(text)
	for i, ch := range c.Split(text) {
		if got := string(runes[ch.Start:ch.End]); got != ch.Text {
			t.Errorf("chunk %d text does not match its offsets: %q vs %q", i, ch.Text, got)
		}
	}
}

func TestSplitPrefersParagraphBoundary(t *testing.T) {
	text := "Alpha section body text here.\n\nBeta section body text follows with more words to push past the limit."
	c := New(Config{Size: 40, Overlap: 0})

	chunks := c.Split(text)
	if len(chunks) < 2 {
		t.Fatalf("expected multiple chunks, got %d", len(chunks))
	}
	if !strings.HasSuffix(strings.TrimRight(chunks[0].Text, "\n"), ".") {
		t.Errorf("first chunk should end at the paragraph: %q", chunks[0].Text)
	}
}

func TestNewClampsOverlap(t *testing.T) {
	c := New(Config{Size: 100, Overlap: 100})
	text := strings.Repeat("x", 1000)

	chunks := c.Split(text)
	if len(chunks) == 0 {
		t.Fatal("expected chunks")
	}
	// An unclamped overlap would never advance and loop forever; reaching
	// here with full coverage is the real assertion.
	if last := chunks[len(chunks)-1]; last.End != 1000 {
		t.Errorf("last chunk ends at %d, want 1000", last.End)
	}
}
