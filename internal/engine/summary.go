package engine

import (
	"sort"
	"strings"

	"transcribeengine/internal/models"
)

// correctSystemPrompt instructs the LLM to fix transcription errors
// without altering meaning, speaker attribution, or length materially.
const correctSystemPrompt = `あなたは日本語の会議文字起こしを校正する専門家です。
以下の文字起こしテキストの誤字脱字、音声認識の誤認識、句読点の誤りを修正してください。
発言内容や意味、話者の発言順序は変更しないでください。
要約や省略は行わず、修正後の全文のみを出力してください。`

// summarizeSystemPrompt fixes the exact Markdown heading set the Engine
// parses back into SummaryDetails. The headings must appear verbatim
// and in this order; a heading with no content for a given transcript
// is still emitted, possibly empty.
const summarizeSystemPrompt = `あなたは会議の文字起こしから要約を作成する専門家です。
以下の形式のMarkdownで、修正済みの文字起こしを要約してください。見出しは省略せず、この順序のまま出力してください。

# 要約

## 議題・議論内容
- (箇条書きで記載)

## 決定事項
- (箇条書きで記載)

## ToDo
- (箇条書きで記載)

## 次のアクション
- (箇条書きで記載)

## 次回会議
(日時が言及されていなければ「未定」と記載)`

// summaryHeadings is the fixed heading sequence the Markdown summary
// format uses, in the order they must appear.
var summaryHeadings = []string{
	"## 議題・議論内容",
	"## 決定事項",
	"## ToDo",
	"## 次のアクション",
	"## 次回会議",
}

// normalizeFormattedText converts CRLF to LF and trims trailing
// whitespace, per spec's requirement that formatted_text is stored
// verbatim except for this normalization.
func normalizeFormattedText(raw string) string {
	normalized := strings.ReplaceAll(raw, "\r\n", "\n")
	return strings.TrimRight(normalized, " \t\n")
}

// parseSummaryDetails splits raw (the LLM's Markdown output) on the
// fixed heading set and extracts each section's bullet list (or, for
// the next-meeting section, its raw text). A heading the LLM omitted is
// left at its zero value rather than failing the stage: spec §4.D
// treats the formatted text itself as the source of truth and the
// structured fields as a best-effort projection of it.
func parseSummaryDetails(raw string) models.SummaryDetails {
	normalized := strings.ReplaceAll(raw, "\r\n", "\n")
	sections := splitSections(normalized, summaryHeadings)

	return models.SummaryDetails{
		Agenda:      parseBullets(sections["## 議題・議論内容"]),
		Decisions:   parseBullets(sections["## 決定事項"]),
		Todo:        parseBullets(sections["## ToDo"]),
		NextActions: parseBullets(sections["## 次のアクション"]),
		NextMeeting: strings.TrimSpace(sections["## 次回会議"]),
	}
}

// splitSections finds each heading's byte offset in text and returns
// the body between it and the next known heading (or end of text).
// Headings not found in text are simply absent from the result map.
func splitSections(text string, headings []string) map[string]string {
	type pos struct {
		heading string
		offset  int
	}
	var found []pos
	for _, h := range headings {
		if idx := strings.Index(text, h); idx >= 0 {
			found = append(found, pos{h, idx})
		}
	}
	sort.Slice(found, func(i, j int) bool { return found[i].offset < found[j].offset })

	sections := make(map[string]string, len(found))
	for i, p := range found {
		start := p.offset + len(p.heading)
		end := len(text)
		if i+1 < len(found) {
			end = found[i+1].offset
		}
		sections[p.heading] = text[start:end]
	}
	return sections
}

// parseBullets extracts "- " (optionally "- [ ] " / "- [x] ") prefixed
// lines from a section body, trimming the bullet marker and whitespace.
func parseBullets(body string) []string {
	var items []string
	for _, line := range strings.Split(body, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		switch {
		case strings.HasPrefix(line, "- [ ] "):
			line = line[len("- [ ] "):]
		case strings.HasPrefix(line, "- [x] "):
			line = line[len("- [x] "):]
		case strings.HasPrefix(line, "- "):
			line = line[len("- "):]
		case strings.HasPrefix(line, "* "):
			line = line[len("* "):]
		default:
			continue
		}
		line = strings.TrimSpace(line)
		if line != "" {
			items = append(items, line)
		}
	}
	return items
}
