package cmd

import (
	"bytes"
	"testing"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Aman-CERP/amanidx/pkg/version"
)

func runVersion(t *testing.T, args ...string) string {
	t.Helper()
	cmd := NewRootCmd()
	buf := new(bytes.Buffer)
	cmd.SetOut(buf)
	cmd.SetArgs(append([]string{"version"}, args...))
	require.NoError(t, cmd.Execute())
	return buf.String()
}

func TestVersionCmd_Default(t *testing.T) {
	// When: running version
	out := runVersion(t)

	// Then: the full banner is printed
	assert.Equal(t, version.String()+"\n", out)
}

func TestVersionCmd_Short(t *testing.T) {
	// When: running version --short
	out := runVersion(t, "--short")

	// Then: only the version is printed
	assert.Equal(t, version.Version+"\n", out)
}

func TestVersionCmd_JSON(t *testing.T) {
	// When: running version --json
	out := runVersion(t, "--json")

	// Then: it decodes to the build info
	var info version.BuildInfo
	require.NoError(t, json.Unmarshal([]byte(out), &info))
	assert.Equal(t, version.Version, info.Version)
	assert.NotEmpty(t, info.GoVersion)
}

func TestVersionCmd_ShortWinsOverJSON(t *testing.T) {
	// When: both flags are set
	out := runVersion(t, "--short", "--json")

	// Then: short output takes precedence
	assert.Equal(t, version.Version+"\n", out)
}
