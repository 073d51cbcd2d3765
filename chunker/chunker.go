package chunker

import (
	"regexp"
	"strings"
)

const (
	DefaultTargetWords = 200
	DefaultMaxWords    = 250
	DefaultMinWords    = 10
)

var (
	headingRe     = regexp.MustCompile(`^#{1,6}\s`)
	orderedRe     = regexp.MustCompile(`^\d+\.\s`)
	unorderedRe   = regexp.MustCompile(`^[-*+]\s`)
	fenceRe       = regexp.MustCompile("^(```|~~~)")
	horizontalRe  = regexp.MustCompile(`^(-{3,}|\*{3,}|_{3,})$`)
	blockquoteRe  = regexp.MustCompile(`^>\s`)
	sentenceEndRe = regexp.MustCompile(`([.!?])\s+`)
)

// Chunker splits note text into chunks of roughly targetWords words,
// breaking at structural boundaries and never exceeding maxWords.
// Chunking is pure: same input, same chunks.
type Chunker struct {
	targetWords int
	maxWords    int
	minWords    int
}

// NewChunker creates a chunker with the given word bounds. Non-positive
// values fall back to the defaults; maxWords is clamped to at least
// targetWords.
func NewChunker(targetWords, maxWords, minWords int) *Chunker {
	if targetWords <= 0 {
		targetWords = DefaultTargetWords
	}
	if maxWords <= 0 {
		maxWords = DefaultMaxWords
	}
	if maxWords < targetWords {
		maxWords = targetWords
	}
	if minWords <= 0 {
		minWords = DefaultMinWords
	}
	return &Chunker{
		targetWords: targetWords,
		maxWords:    maxWords,
		minWords:    minWords,
	}
}

// Chunk splits content into ordered chunk texts. Frontmatter is stripped
// first; chunks shorter than the minimum word count are dropped.
func (c *Chunker) Chunk(content string) []string {
	_, body := SplitFrontmatter(content)

	lines := strings.Split(body, "\n")

	var (
		chunks   []string
		buffer   []string
		bufWords int
	)

	emit := func() {
		text := strings.TrimSpace(strings.Join(buffer, "\n"))
		if text != "" {
			chunks = append(chunks, text)
		}
		buffer = buffer[:0]
		bufWords = 0
	}

	prev := ""
	for _, line := range lines {
		w := CountWords(line)
		switch {
		case bufWords+w > c.maxWords && bufWords > 0:
			emit()
		case bufWords+w > c.targetWords && bufWords > 0 && isBreakPoint(prev, line):
			emit()
		}
		buffer = append(buffer, line)
		bufWords += w
		prev = line
	}
	emit()

	var out []string
	for _, chunk := range chunks {
		if CountWords(chunk) > c.maxWords {
			out = append(out, c.splitLong(chunk)...)
		} else {
			out = append(out, chunk)
		}
	}

	filtered := out[:0]
	for _, chunk := range out {
		if CountWords(chunk) >= c.minWords {
			filtered = append(filtered, chunk)
		}
	}
	return filtered
}

// isBreakPoint reports whether line starts a new structural unit relative
// to the previous line.
func isBreakPoint(prev, line string) bool {
	trimmed := strings.TrimSpace(line)
	prevTrimmed := strings.TrimSpace(prev)

	if trimmed == "" {
		return false
	}
	if prevTrimmed == "" {
		return true
	}
	if headingRe.MatchString(trimmed) ||
		orderedRe.MatchString(trimmed) ||
		unorderedRe.MatchString(trimmed) ||
		fenceRe.MatchString(trimmed) ||
		horizontalRe.MatchString(trimmed) ||
		blockquoteRe.MatchString(trimmed) {
		return true
	}

	// A non-list line right after a list run ends that run.
	if isListItem(prevTrimmed) && !isListItem(trimmed) {
		return true
	}
	return false
}

func isListItem(trimmed string) bool {
	return orderedRe.MatchString(trimmed) || unorderedRe.MatchString(trimmed)
}

// splitLong breaks an oversized chunk at sentence boundaries, force
// splitting any single sentence that alone exceeds the word cap.
func (c *Chunker) splitLong(chunk string) []string {
	sentences := splitSentences(chunk)

	var (
		out      []string
		buffer   []string
		bufWords int
	)
	emit := func() {
		if len(buffer) > 0 {
			out = append(out, strings.TrimSpace(strings.Join(buffer, " ")))
			buffer = buffer[:0]
			bufWords = 0
		}
	}

	for _, sentence := range sentences {
		w := CountWords(sentence)
		if w > c.maxWords {
			emit()
			out = append(out, forceSplit(sentence, c.maxWords)...)
			continue
		}
		if bufWords+w > c.maxWords {
			emit()
		}
		buffer = append(buffer, sentence)
		bufWords += w
	}
	emit()
	return out
}

// splitSentences cuts text after `. `, `! ` and `? ` runs, keeping the
// terminator with the preceding sentence.
func splitSentences(text string) []string {
	indexes := sentenceEndRe.FindAllStringSubmatchIndex(text, -1)

	var sentences []string
	start := 0
	for _, loc := range indexes {
		end := loc[3] // just past the terminator
		s := strings.TrimSpace(text[start:end])
		if s != "" {
			sentences = append(sentences, s)
		}
		start = loc[1]
	}
	if rest := strings.TrimSpace(text[start:]); rest != "" {
		sentences = append(sentences, rest)
	}
	return sentences
}

func forceSplit(text string, maxWords int) []string {
	words := strings.Fields(text)

	var pieces []string
	for len(words) > 0 {
		n := maxWords
		if n > len(words) {
			n = len(words)
		}
		pieces = append(pieces, strings.Join(words[:n], " "))
		words = words[n:]
	}
	return pieces
}

// CountWords counts runs of non-whitespace.
func CountWords(text string) int {
	return len(strings.Fields(text))
}

// SplitFrontmatter separates a leading frontmatter block delimited by
// `---` lines from the document body. Without frontmatter, the whole
// input is returned as body.
func SplitFrontmatter(content string) (frontmatter, body string) {
	normalized := strings.ReplaceAll(content, "\r\n", "\n")
	if !strings.HasPrefix(normalized, "---\n") {
		return "", content
	}

	rest := strings.TrimPrefix(normalized, "---\n")
	end := strings.Index(rest, "\n---")
	if end < 0 {
		return "", content
	}

	frontmatter = rest[:end]
	body = rest[end+len("\n---"):]
	if strings.HasPrefix(body, "\n") {
		body = body[1:]
	}
	return frontmatter, body
}
