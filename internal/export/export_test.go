package export

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalUpload(t *testing.T) {
	dir := t.TempDir()
	l := NewLocal(dir)

	path, err := l.Upload(context.Background(), ReportKey("job-1"), []byte("# Report\n"), "text/markdown")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "research_report_job-1.md"), path)

	body, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "# Report\n", string(body))
}

func TestLocalUploadNestedKey(t *testing.T) {
	dir := t.TempDir()
	l := NewLocal(dir)

	path, err := l.Upload(context.Background(), "reports/2026/report.md", []byte("x"), "text/markdown")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "reports", "2026", "report.md"), path)

	_, err = os.Stat(path)
	assert.NoError(t, err)
}

func TestSanitizeKey(t *testing.T) {
	assert.Equal(t, "abs/key.md", sanitizeKey("/abs/key.md"))
	assert.Equal(t, "key.md", sanitizeKey("./key.md"))
	assert.Equal(t, "a/b.md", sanitizeKey("a//b.md"))
}

func TestReportKey(t *testing.T) {
	assert.Equal(t, "research_report_abc.md", ReportKey("abc"))
}
