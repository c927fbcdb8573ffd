package interp_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kingtg-userbot/internal/adapters/interp"
)

const depsSource = `// author: someone
// requires: github.com/acme/extra, github.com/acme/more
package weather

import (
	"fmt"
	"strings"

	"github.com/acme/forecast/client"
	"kingtg-userbot/pkg/compat"
)
`

func TestScanImportsAndRequires(t *testing.T) {
	t.Parallel()

	imports, err := interp.ScanImports([]byte(depsSource))
	require.NoError(t, err)
	assert.Equal(t, []string{"fmt", "strings", "github.com/acme/forecast/client", "kingtg-userbot/pkg/compat"}, imports)

	assert.Equal(t, []string{"github.com/acme/extra", "github.com/acme/more"}, interp.ScanRequires([]byte(depsSource)))

	_, err = interp.ScanImports([]byte("not go"))
	assert.Error(t, err)
}

func TestIsThirdParty(t *testing.T) {
	t.Parallel()

	assert.False(t, interp.IsThirdParty("fmt"))
	assert.False(t, interp.IsThirdParty("net/http"))
	assert.False(t, interp.IsThirdParty("kingtg-userbot/pkg/compat"))
	assert.True(t, interp.IsThirdParty("github.com/acme/forecast/client"))
}

func TestResolverMissing(t *testing.T) {
	t.Parallel()

	goPath := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(goPath, "src", "github.com", "acme", "extra"), 0o755))

	missing, err := interp.NewResolver(goPath).Missing([]byte(depsSource))
	require.NoError(t, err)
	assert.Equal(t, []string{"github.com/acme/forecast/client", "github.com/acme/more"}, missing)
}

func TestRepoRoot(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "github.com/acme/forecast", interp.RepoRoot("github.com/acme/forecast/client/v2"))
	assert.Equal(t, "example.org/x", interp.RepoRoot("example.org/x"))
}

func TestGoPathInstallerSkipsExisting(t *testing.T) {
	t.Parallel()

	goPath := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(goPath, "src", "github.com", "acme", "forecast"), 0o755))

	inst := interp.NewGoPathInstaller(goPath, 0)
	assert.NoError(t, inst.Install(context.Background(), []string{"github.com/acme/forecast/client"}))
}
