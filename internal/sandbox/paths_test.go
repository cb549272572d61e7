package sandbox

import (
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDeriveWorkerPaths(t *testing.T) {
	in := PathInputs{
		TaskID:            "T7",
		RunID:             "run-1756100000.abcd1234",
		IssueNumber:       42,
		Owner:             "acme",
		Repo:              "widget",
		CanonicalStateDir: "/data/state/acme/widget/42",
		DataDir:           "/data",
	}
	paths, err := DeriveWorkerPaths(in)
	require.NoError(t, err)
	require.Equal(t,
		filepath.Join("/data/state/acme/widget/42", ".runs", in.RunID, "workers", "T7"),
		paths.StateDir)
	require.Equal(t,
		filepath.Join("/data", "worktrees", "acme", "widget", "issue-42-workers", in.RunID, "T7"),
		paths.WorktreeDir)
	require.Equal(t, "issue/42-T7-abcd1234", paths.Branch)

	// Derived dirs stay under their declared parents.
	require.True(t, strings.HasPrefix(paths.StateDir, in.CanonicalStateDir+string(filepath.Separator)))
	require.True(t, strings.HasPrefix(paths.WorktreeDir, in.DataDir+string(filepath.Separator)))
}

func TestDeriveWorkerPathsRejectsBadIDs(t *testing.T) {
	in := PathInputs{TaskID: "../etc/passwd", RunID: "run-1.x", CanonicalStateDir: "/s", DataDir: "/d"}
	_, err := DeriveWorkerPaths(in)
	require.Equal(t, ViolationPathSeparator, violationCode(t, err))

	in = PathInputs{TaskID: "T1", RunID: "bad/run", CanonicalStateDir: "/s", DataDir: "/d"}
	_, err = DeriveWorkerPaths(in)
	require.Equal(t, ViolationPathSeparator, violationCode(t, err))
}

func TestShortRunID(t *testing.T) {
	require.Equal(t, "abcd1234", shortRunID("run-1756100000.abcd1234"))
	require.Equal(t, "c", shortRunID("a.b.c"))
	require.Equal(t, "12345678", shortRunID("123456789abc"))
	require.Equal(t, "short", shortRunID("short"))
}
