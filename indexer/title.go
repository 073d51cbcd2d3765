package indexer

import (
	"path/filepath"
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	gmtext "github.com/yuin/goldmark/text"
	"gopkg.in/yaml.v3"

	"github.com/yoanbernabeu/notegrep/chunker"
)

// DeriveTitle picks a display title for a note: the frontmatter title field,
// else the first heading, else the basename without extension.
func DeriveTitle(relPath string, content string) string {
	frontmatter, body := chunker.SplitFrontmatter(content)

	if title := frontmatterTitle(frontmatter); title != "" {
		return title
	}
	if title := firstHeading(body); title != "" {
		return title
	}
	return baseName(relPath)
}

func frontmatterTitle(frontmatter string) string {
	if frontmatter == "" {
		return ""
	}
	var meta struct {
		Title string `yaml:"title"`
	}
	if err := yaml.Unmarshal([]byte(frontmatter), &meta); err != nil {
		return ""
	}
	return strings.TrimSpace(meta.Title)
}

var markdown = goldmark.New()

func firstHeading(body string) string {
	source := []byte(body)
	doc := markdown.Parser().Parse(gmtext.NewReader(source))

	var title string
	ast.Walk(doc, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			return ast.WalkContinue, nil
		}
		heading, ok := n.(*ast.Heading)
		if !ok {
			return ast.WalkContinue, nil
		}
		var sb strings.Builder
		for child := heading.FirstChild(); child != nil; child = child.NextSibling() {
			if t, ok := child.(*ast.Text); ok {
				sb.Write(t.Segment.Value(source))
			}
		}
		title = strings.TrimSpace(sb.String())
		return ast.WalkStop, nil
	})
	return title
}

func baseName(relPath string) string {
	base := filepath.Base(relPath)
	return strings.TrimSuffix(base, filepath.Ext(base))
}
