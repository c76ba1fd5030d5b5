package worker

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolveWithin(t *testing.T) {
	root := t.TempDir()

	got, err := ResolveWithin(root, "suite/login.spec.ts")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(root, "suite", "login.spec.ts"), got)

	_, err = ResolveWithin(root, "../outside.spec.ts")
	assert.Error(t, err)

	_, err = ResolveWithin(root, "suite/../../outside.spec.ts")
	assert.Error(t, err)

	_, err = ResolveWithin(root, "/etc/passwd")
	assert.Error(t, err)

	// Absolute paths inside the root are fine.
	got, err = ResolveWithin(root, filepath.Join(root, "ok.spec.ts"))
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(root, "ok.spec.ts"), got)
}

func TestResolveWithinRequiresRoot(t *testing.T) {
	_, err := ResolveWithin("", "x.spec.ts")
	assert.Error(t, err)
}
