// Package chunk prepares a document for indexing: it splits the body into
// heading-scoped chunks, extracts salient terms per chunk and the sentence
// list used by the summary backend. The result is the shared intermediate
// representation every index backend consumes.
package chunk

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/Aman-CERP/amanidx/internal/errors"
	"github.com/Aman-CERP/amanidx/internal/model"
)

// Size defaults, in characters.
const (
	DefaultMaxChunkChars = 2000
	MinChunkChars        = 200
	MaxTermsPerChunk     = 32
)

var (
	headerPattern      = regexp.MustCompile(`^(#{1,6})\s+(.+?)\s*#*\s*$`)
	frontmatterPattern = regexp.MustCompile(`(?s)^---\n(.*?)\n---\n*`)
	frontTitlePattern  = regexp.MustCompile(`(?m)^title:\s*["']?(.+?)["']?\s*$`)
	sentenceEnd        = regexp.MustCompile(`([.!?])\s+`)
)

// Options tunes the preparer.
type Options struct {
	MaxChunkChars int
}

// Preparer turns documents into model.Prepared values.
type Preparer struct {
	opts Options
}

// NewPreparer returns a Preparer, filling zero options with defaults.
func NewPreparer(opts Options) *Preparer {
	if opts.MaxChunkChars <= 0 {
		opts.MaxChunkChars = DefaultMaxChunkChars
	}
	if opts.MaxChunkChars < MinChunkChars {
		opts.MaxChunkChars = MinChunkChars
	}
	return &Preparer{opts: opts}
}

// Prepare parses doc once for the given target version.
func (p *Preparer) Prepare(ctx context.Context, doc *model.Document, version int64) (*model.Prepared, error) {
	if doc == nil {
		return nil, errors.New(errors.ErrCodePrepareFailed, "no document to prepare", nil)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	body := strings.ReplaceAll(doc.Content, "\r\n", "\n")
	title := doc.Title
	if m := frontmatterPattern.FindStringSubmatch(body); m != nil {
		body = body[len(m[0]):]
		if title == "" {
			if t := frontTitlePattern.FindStringSubmatch(m[1]); t != nil {
				title = t[1]
			}
		}
	}

	prepared := &model.Prepared{
		DocumentID: doc.ID,
		Title:      title,
		Version:    version,
		Chunks:     []model.PreparedChunk{},
		Sentences:  []string{},
	}

	for _, sec := range splitSections(body) {
		for _, text := range p.splitLong(sec.text) {
			ordinal := len(prepared.Chunks)
			prepared.Chunks = append(prepared.Chunks, model.PreparedChunk{
				ID:      chunkID(doc.ID, ordinal, text),
				Ordinal: ordinal,
				Heading: sec.heading,
				Text:    text,
				Terms:   Terms(text, MaxTermsPerChunk),
			})
			prepared.Sentences = append(prepared.Sentences, Sentences(text)...)
		}
	}
	return prepared, nil
}

type section struct {
	heading string
	text    string
}

// splitSections groups lines under their heading path ("A > B").
func splitSections(body string) []section {
	var (
		sections []section
		stack    [6]string
		heading  string
		buf      strings.Builder
	)
	flush := func() {
		if text := strings.TrimSpace(buf.String()); text != "" {
			sections = append(sections, section{heading: heading, text: text})
		}
		buf.Reset()
	}

	inFence := false
	for _, line := range strings.Split(body, "\n") {
		if strings.HasPrefix(strings.TrimSpace(line), "```") {
			inFence = !inFence
		}
		if m := headerPattern.FindStringSubmatch(line); m != nil && !inFence {
			flush()
			level := len(m[1])
			stack[level-1] = strings.TrimSpace(m[2])
			for i := level; i < len(stack); i++ {
				stack[i] = ""
			}
			var parts []string
			for _, h := range stack[:level] {
				if h != "" {
					parts = append(parts, h)
				}
			}
			heading = strings.Join(parts, " > ")
			continue
		}
		buf.WriteString(line)
		buf.WriteByte('\n')
	}
	flush()
	return sections
}

// splitLong breaks text at paragraph boundaries so no chunk exceeds the limit,
// hard-wrapping single paragraphs that are longer than the limit on their own.
func (p *Preparer) splitLong(text string) []string {
	limit := p.opts.MaxChunkChars
	if len(text) <= limit {
		return []string{text}
	}

	var (
		out []string
		cur strings.Builder
	)
	emit := func() {
		if s := strings.TrimSpace(cur.String()); s != "" {
			out = append(out, s)
		}
		cur.Reset()
	}
	for _, para := range strings.Split(text, "\n\n") {
		para = strings.TrimSpace(para)
		if para == "" {
			continue
		}
		if cur.Len() > 0 && cur.Len()+len(para)+2 > limit {
			emit()
		}
		for len(para) > limit {
			cut := strings.LastIndexByte(para[:limit], ' ')
			if cut <= 0 {
				cut = limit
			}
			cur.WriteString(para[:cut])
			emit()
			para = strings.TrimSpace(para[cut:])
		}
		if cur.Len() > 0 {
			cur.WriteString("\n\n")
		}
		cur.WriteString(para)
	}
	emit()
	return out
}

// Sentences splits text into trimmed sentences, ignoring fenced code and list markers.
func Sentences(text string) []string {
	var out []string
	inFence := false
	var prose strings.Builder
	for _, line := range strings.Split(text, "\n") {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "```") {
			inFence = !inFence
			continue
		}
		if inFence || trimmed == "" {
			prose.WriteString("\n")
			continue
		}
		trimmed = strings.TrimLeft(trimmed, "-*+> ")
		prose.WriteString(trimmed)
		prose.WriteString(" ")
	}

	for _, block := range strings.Split(prose.String(), "\n") {
		marked := sentenceEnd.ReplaceAllString(block, "$1\x00")
		for _, s := range strings.Split(marked, "\x00") {
			if s = strings.TrimSpace(s); len(s) > 1 {
				out = append(out, s)
			}
		}
	}
	return out
}

func chunkID(docID string, ordinal int, text string) string {
	sum := sha256.Sum256([]byte(docID + "\x00" + strconv.Itoa(ordinal) + "\x00" + text))
	return fmt.Sprintf("%s#%s", docID, hex.EncodeToString(sum[:])[:16])
}
