// Package faq renders collected question/answer pairs as a markdown
// document for publishing.
package faq

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/qamon/qamon/internal/store"
)

const fileName = "faq.md"

// Render produces the FAQ document, grouped by channel in alphabetical
// order. Pairs within a channel keep their given order.
func Render(pairs []store.QAPair, generatedAt time.Time) string {
	var sb strings.Builder
	sb.WriteString("# Team FAQ\n\n")
	fmt.Fprintf(&sb, "_Generated %s — %d entries_\n", generatedAt.UTC().Format("2006-01-02 15:04 UTC"), len(pairs))

	if len(pairs) == 0 {
		sb.WriteString("\nNo question/answer pairs collected yet.\n")
		return sb.String()
	}

	byChannel := make(map[string][]store.QAPair)
	channels := make([]string, 0)
	for _, p := range pairs {
		if _, ok := byChannel[p.Channel]; !ok {
			channels = append(channels, p.Channel)
		}
		byChannel[p.Channel] = append(byChannel[p.Channel], p)
	}
	sort.Strings(channels)

	for _, ch := range channels {
		fmt.Fprintf(&sb, "\n## %s\n", ch)
		for _, p := range byChannel[ch] {
			fmt.Fprintf(&sb, "\n### %s\n\n", strings.TrimSpace(p.Question))
			fmt.Fprintf(&sb, "%s\n\n", strings.TrimSpace(p.Answer))
			attribution := make([]string, 0, 3)
			if p.QuestionUser != "" {
				attribution = append(attribution, "asked by "+p.QuestionUser)
			}
			if p.AnswerUser != "" {
				attribution = append(attribution, "answered by "+p.AnswerUser)
			}
			if !p.Timestamp.IsZero() {
				attribution = append(attribution, p.Timestamp.UTC().Format("2006-01-02"))
			}
			if len(attribution) > 0 {
				fmt.Fprintf(&sb, "_%s_\n", strings.Join(attribution, ", "))
			}
		}
	}
	return sb.String()
}

// Write renders pairs and writes the document into dir, returning the file
// path.
func Write(dir string, pairs []store.QAPair) (string, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("create output dir: %w", err)
	}
	path := filepath.Join(dir, fileName)
	if err := os.WriteFile(path, []byte(Render(pairs, time.Now())), 0644); err != nil {
		return "", fmt.Errorf("write faq: %w", err)
	}
	return path, nil
}
