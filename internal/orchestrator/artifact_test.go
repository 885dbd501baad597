package orchestrator

import (
	"strings"
	"testing"
)

func TestExtractFirstArtifact(t *testing.T) {
	markdown := `Here's the server:

## HTTP handler

` + "```go\nfunc handler(w http.ResponseWriter, r *http.Request) {\n\tw.Write([]byte(\"ok\"))\n}\n```" + `

And a second block you should never see:

` + "```python\nprint('hi')\n```"

	artifact := ExtractFirstArtifact(markdown)
	if artifact == nil {
		t.Fatal("expected an artifact")
	}
	if artifact.Language != "go" {
		t.Errorf("language = %q, want go", artifact.Language)
	}
	if artifact.Title != "HTTP handler" {
		t.Errorf("title = %q, want heading text", artifact.Title)
	}
	if !strings.Contains(artifact.Content, "func handler") {
		t.Errorf("content = %q", artifact.Content)
	}
	if strings.Contains(artifact.Content, "print") {
		t.Error("second block leaked into the first artifact")
	}
}

func TestExtractTitleFallsBackToLanguage(t *testing.T) {
	artifact := ExtractFirstArtifact("```rust\nfn main() {}\n```")
	if artifact == nil {
		t.Fatal("expected an artifact")
	}
	if artifact.Title != "rust snippet" {
		t.Errorf("title = %q", artifact.Title)
	}
}

func TestExtractNoCodeBlock(t *testing.T) {
	if a := ExtractFirstArtifact("Just prose, nothing structured."); a != nil {
		t.Errorf("expected nil, got %+v", a)
	}
}

func TestExtractSkipsEmptyBlock(t *testing.T) {
	markdown := "```\n\n```\n\n```js\nconsole.log(1)\n```"
	artifact := ExtractFirstArtifact(markdown)
	if artifact == nil {
		t.Fatal("expected the non-empty block")
	}
	if artifact.Language != "js" {
		t.Errorf("language = %q, want js", artifact.Language)
	}
}

func TestExtractHandlesMissingLanguage(t *testing.T) {
	artifact := ExtractFirstArtifact("```\nplain text block\n```")
	if artifact == nil {
		t.Fatal("expected an artifact")
	}
	if artifact.Language != "" {
		t.Errorf("language = %q, want empty", artifact.Language)
	}
	if artifact.Title != "snippet" {
		t.Errorf("title = %q, want snippet", artifact.Title)
	}
}
