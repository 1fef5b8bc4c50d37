package artifacts

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDisplayName(t *testing.T) {
	cases := map[string]string{
		"3f9c1a7b2e4d_report.md":      "report.md",
		"3f9c1a7b2e4d_report_fr.md":   "report_fr.md",
		"3f9c1a7b2e4d_report_ZH.MD":   "report_zh.md",
		"3f9c1a7b2e4d_report_deu.pdf": "report_deu.pdf",
		"3f9c1a7b2e4d.docx":           "report.docx",
		"summary_final.pdf":           "report.pdf",
		"draft_v2.md":                 "report.md",
	}
	for in, want := range cases {
		require.Equal(t, want, DisplayName(in), in)
	}
}

func TestLanguageSuffix(t *testing.T) {
	require.Equal(t, "fr", LanguageSuffix("/tmp/out/abc_report_fr.md"))
	require.Equal(t, "", LanguageSuffix("abc_report.md"))
	require.Equal(t, "", LanguageSuffix("fr.md"))
	require.Equal(t, "", LanguageSuffix("abc_v2.md"))
	require.Equal(t, "", LanguageSuffix("abc_é.md"))
}

func TestFileIDIsStable(t *testing.T) {
	id := FileID("3f9c1a7b2e4d_report.md")
	require.Len(t, id, 16)
	require.Equal(t, id, FileID("/some/dir/3f9c1a7b2e4d_report.md"))
	require.NotEqual(t, id, FileID("3f9c1a7b2e4d_report_fr.md"))
}

func TestUniqueName(t *testing.T) {
	taken := map[string]bool{"report.md": true, "report-2.md": true}
	require.Equal(t, "report-3.md", uniqueName("report.md", func(n string) bool { return taken[n] }))
	require.Equal(t, "report.pdf", uniqueName("report.pdf", func(n string) bool { return taken[n] }))
}
