package signatures

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault_CountMatches(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    int
	}{
		{"empty", "", 0},
		{"plain text", "quarterly numbers attached", 0},
		{"script block", "<SCRIPT type=x>alert(1)</script>", 1},
		{"case insensitive eval", "EVAL (payload)", 1},
		{"repeated pattern counts once", "eval(a); eval(b); eval(c)", 1},
		{"several patterns", `<body onload = "x"> javascript:void(0) new ActiveXObject("WScript.Shell")`, 4},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Default().CountMatches([]byte(tt.content)))
		})
	}
}

func TestDefault_ScriptBlockDoesNotSpanLines(t *testing.T) {
	assert.Equal(t, 0, Default().CountMatches([]byte("<script>\nalert(1)\n</script>")))
}

func TestMatching_PreservesOrder(t *testing.T) {
	ids := Default().Matching([]byte("document.write(eval(x))"))
	assert.Equal(t, []string{"FS-006", "FS-007"}, ids)
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "sigs.yaml")
	content := `signatures:
  - id: T-1
    name: powershell
    description: encoded powershell
    pattern: 'powershell\s+-enc'
  - id: T-2
    name: certutil
    pattern: certutil
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	set, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 2, set.Len())
	assert.Equal(t, 2, set.CountMatches([]byte("PowerShell -enc AAAA; certutil -decode")))
}

func TestLoad_Errors(t *testing.T) {
	dir := t.TempDir()

	_, err := Load(filepath.Join(dir, "missing.yaml"))
	assert.Error(t, err)

	empty := filepath.Join(dir, "empty.yaml")
	require.NoError(t, os.WriteFile(empty, []byte("signatures: []\n"), 0o644))
	_, err = Load(empty)
	assert.Error(t, err)

	bad := filepath.Join(dir, "bad.yaml")
	require.NoError(t, os.WriteFile(bad, []byte("signatures:\n  - id: X\n    pattern: '(unclosed'\n"), 0o644))
	_, err = Load(bad)
	assert.Error(t, err)
}

func TestLoad_EmptyPathIsDefault(t *testing.T) {
	set, err := Load("")
	require.NoError(t, err)
	assert.Same(t, Default(), set)
	assert.Equal(t, 10, set.Len())
}
