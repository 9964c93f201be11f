package cmd

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/mitchellh/go-homedir"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

// runCLI executes the root command with args and returns its stdout.
func runCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()
	t.Setenv("HOME", t.TempDir())
	homedir.DisableCache = true
	rootCmd.PersistentFlags().VisitAll(func(f *pflag.Flag) {
		f.Value.Set(f.DefValue) //nolint:errcheck
		f.Changed = false
	})

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(append([]string{}, args...))
	err := rootCmd.ExecuteContext(context.Background())
	return out.String(), err
}

func writeTree(t *testing.T, root string, files map[string]string) {
	t.Helper()
	for rel, content := range files {
		p := filepath.Join(root, rel)
		require.NoError(t, os.MkdirAll(filepath.Dir(p), 0755))
		require.NoError(t, os.WriteFile(p, []byte(content), 0644))
	}
}

func TestVersionCommand_PrintsVersion(t *testing.T) {
	cmd := &cobra.Command{Use: "mirror"}
	cmd.AddCommand(newVersionCmd())

	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"version"})
	require.NoError(t, cmd.Execute())

	assert.Equal(t, detailedVersion(), strings.TrimSpace(out.String()))
	assert.True(t, strings.HasPrefix(out.String(), "mirror "))
}

func TestCLI_CreateVerifyMerge(t *testing.T) {
	work := t.TempDir()
	src := filepath.Join(work, "src")
	dst := filepath.Join(work, "dst")
	db := filepath.Join(work, "snap.db")
	report := filepath.Join(work, "report.yaml")
	writeTree(t, src, map[string]string{
		"a.txt":       "alpha",
		"dir/b.txt":   "bravo",
		"dir/c/d.txt": "delta",
	})
	require.NoError(t, os.MkdirAll(dst, 0755))

	common := []string{"--db", db, "--log-level", "error", "--encoding", "UTF-8", "--report", report}

	out, err := runCLI(t, append([]string{"create", src}, common...)...)
	require.NoError(t, err)
	assert.Contains(t, out, "3 files, 2 directories")

	out, err = runCLI(t, append([]string{"verify", src}, common...)...)
	require.NoError(t, err)
	assert.Contains(t, out, "no differences")

	// An empty destination diverges everywhere.
	_, err = runCLI(t, append([]string{"verify", dst}, common...)...)
	require.Error(t, err)
	assert.Equal(t, exitMismatch, exitCode(err))

	raw, err := os.ReadFile(report)
	require.NoError(t, err)
	var doc struct {
		Summary map[string]int `yaml:"summary"`
	}
	require.NoError(t, yaml.Unmarshal(raw, &doc))
	assert.Equal(t, 2, doc.Summary["missing"])

	out, err = runCLI(t, append([]string{"merge", src, dst}, common...)...)
	require.NoError(t, err)
	assert.Contains(t, out, "copied")

	got, err := os.ReadFile(filepath.Join(dst, "dir", "c", "d.txt"))
	require.NoError(t, err)
	assert.Equal(t, "delta", string(got))

	out, err = runCLI(t, append([]string{"verify", dst}, common...)...)
	require.NoError(t, err)
	assert.Contains(t, out, "no differences")
}

func TestCLI_MissingRootIsFatal(t *testing.T) {
	work := t.TempDir()
	_, err := runCLI(t, "create", filepath.Join(work, "nope"),
		"--db", filepath.Join(work, "snap.db"), "--log-level", "error", "--report", "")
	require.Error(t, err)
	assert.Equal(t, exitFatal, exitCode(err))
}

func TestCLI_EnvOverridesDefault(t *testing.T) {
	work := t.TempDir()
	src := filepath.Join(work, "src")
	writeTree(t, src, map[string]string{"x": "1"})
	db := filepath.Join(work, "env.db")
	t.Setenv("MIRROR_DB", db)

	_, err := runCLI(t, "create", src, "--log-level", "error", "--report", "")
	require.NoError(t, err)
	assert.FileExists(t, db)
}

func TestCLI_WrongArgs(t *testing.T) {
	_, err := runCLI(t, "merge", "only-one")
	assert.Error(t, err)
}
