package cli

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teampulse/pulse-ai/internal/util"
)

func TestKeysCommandPrintsFingerprints(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "")
	t.Setenv("ANTHROPIC_API_KEY", "")
	t.Setenv("CLAUDE_API_KEY", "")

	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("providers:\n  openai:\n    api-keys: [\"sk-one\", \"sk-two\"]\n"), 0o600))

	var out bytes.Buffer
	root := NewRootCmd()
	root.SetOut(&out)
	root.SetArgs([]string{"keys", "--config", path})
	require.NoError(t, root.Execute())

	text := out.String()
	assert.Contains(t, text, util.AnonymizeString("sk-one"))
	assert.Contains(t, text, util.AnonymizeString("sk-two"))
	assert.NotContains(t, text, "sk-one")
	assert.Contains(t, text, "none configured")
}

func TestRootWithoutSubcommandShowsHelp(t *testing.T) {
	var out bytes.Buffer
	root := NewRootCmd()
	root.SetOut(&out)
	root.SetArgs([]string{})
	require.NoError(t, root.Execute())
	assert.Contains(t, out.String(), "serve")
	assert.Contains(t, out.String(), "keys")
}
