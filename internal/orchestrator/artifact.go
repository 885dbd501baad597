package orchestrator

import (
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/text"
)

// Artifact is a structured block lifted out of free-text model output
// for dedicated display. The prose transcript keeps the original text;
// the artifact is a separate view of it.
type Artifact struct {
	Language string
	Title    string
	Content  string
}

var artifactMD = goldmark.New()

// ExtractFirstArtifact parses markdown and returns the first fenced
// code block as an artifact, or nil when the text has none. The title
// comes from the nearest heading above the block when one exists.
func ExtractFirstArtifact(markdown string) *Artifact {
	source := []byte(markdown)
	doc := artifactMD.Parser().Parse(text.NewReader(source))

	var artifact *Artifact
	var lastHeading string

	_ = ast.Walk(doc, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering || artifact != nil {
			return ast.WalkContinue, nil
		}

		switch node := n.(type) {
		case *ast.Heading:
			lastHeading = string(node.Text(source))
		case *ast.FencedCodeBlock:
			content := blockContent(node, source)
			if strings.TrimSpace(content) == "" {
				return ast.WalkContinue, nil
			}
			artifact = &Artifact{
				Language: string(node.Language(source)),
				Title:    artifactTitle(lastHeading, string(node.Language(source))),
				Content:  content,
			}
			return ast.WalkStop, nil
		}
		return ast.WalkContinue, nil
	})

	return artifact
}

func blockContent(node *ast.FencedCodeBlock, source []byte) string {
	var sb strings.Builder
	lines := node.Lines()
	for i := 0; i < lines.Len(); i++ {
		segment := lines.At(i)
		sb.Write(segment.Value(source))
	}
	return sb.String()
}

func artifactTitle(heading, language string) string {
	if heading != "" {
		return heading
	}
	if language != "" {
		return language + " snippet"
	}
	return "snippet"
}
