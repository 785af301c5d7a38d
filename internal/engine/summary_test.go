package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalizeFormattedTextConvertsCRLFAndTrimsTrailing(t *testing.T) {
	raw := "# 要約\r\n\r\nprose\r\n\r\n## 次回会議\r\n未定\r\n\r\n  \t"
	got := normalizeFormattedText(raw)

	assert.NotContains(t, got, "\r")
	assert.Equal(t, "# 要約\n\nprose\n\n## 次回会議\n未定", got)
}

func TestParseSummaryDetailsExtractsAllSections(t *testing.T) {
	raw := `# 要約
会議の概要。

## 議題・議論内容
- 議題A
- 議題B

## 決定事項
- 決定1

## ToDo
- [ ] タスク1
- [x] タスク2

## 次のアクション
- 次のステップ

## 次回会議
2026年8月5日`

	details := parseSummaryDetails(raw)

	assert.Equal(t, []string{"議題A", "議題B"}, details.Agenda)
	assert.Equal(t, []string{"決定1"}, details.Decisions)
	assert.Equal(t, []string{"タスク1", "タスク2"}, details.Todo)
	assert.Equal(t, []string{"次のステップ"}, details.NextActions)
	assert.Equal(t, "2026年8月5日", details.NextMeeting)
}

func TestParseSummaryDetailsLeavesOmittedHeadingsAtZeroValue(t *testing.T) {
	raw := `# 要約
短い会議でした。

## 決定事項
- 決定のみ記載`

	details := parseSummaryDetails(raw)

	assert.Nil(t, details.Agenda)
	assert.Equal(t, []string{"決定のみ記載"}, details.Decisions)
	assert.Nil(t, details.Todo)
	assert.Nil(t, details.NextActions)
	assert.Equal(t, "", details.NextMeeting)
}

func TestParseSummaryDetailsHandlesCRLFInput(t *testing.T) {
	raw := "## 議題・議論内容\r\n- 項目1\r\n\r\n## 次回会議\r\n未定\r\n"

	details := parseSummaryDetails(raw)

	assert.Equal(t, []string{"項目1"}, details.Agenda)
	assert.Equal(t, "未定", details.NextMeeting)
}
