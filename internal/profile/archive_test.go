package profile

import (
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExportImportRoundTrip(t *testing.T) {
	src := newTestStore(t)
	p, err := src.Create("work", "work identity", []string{"corp"}, []string{"intranet.example.com"})
	require.NoError(t, err)
	scaffoldUserData(t, p.UserDataDir, true, true)
	require.NoError(t, src.MarkRequiresHumanLogin("work", true, "use yubikey"))

	archive := filepath.Join(t.TempDir(), "work.tar.gz")
	uri, err := src.Export("work", archive)
	require.NoError(t, err)
	assert.Contains(t, uri, "file://")

	dst := newTestStore(t)
	imported, err := dst.Import(uri, "work-copy")
	require.NoError(t, err)
	assert.Equal(t, "work-copy", imported.Name)
	assert.Equal(t, []string{"corp"}, imported.Tags)
	assert.True(t, imported.RequiresHumanLogin)
	assert.Equal(t, "use yubikey", imported.LoginNotes)

	// Static validation reports must be equivalent apart from
	// identity and filesystem incidentals.
	srcReport := ValidateStaticDir("work", p.UserDataDir)
	dstReport := ValidateStaticDir("work-copy", imported.UserDataDir)

	assert.Equal(t, srcReport.Status, dstReport.Status)
	srcChecks := map[string]bool{}
	for _, c := range srcReport.Checks {
		srcChecks[c.Name] = c.OK
	}
	dstChecks := map[string]bool{}
	for _, c := range dstReport.Checks {
		dstChecks[c.Name] = c.OK
	}
	if diff := cmp.Diff(srcChecks, dstChecks); diff != "" {
		t.Fatalf("check results diverge (-src +dst):\n%s", diff)
	}
}

func TestImportRejectsMissingRecord(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Import(filepath.Join(t.TempDir(), "absent.tar.gz"), "")
	assert.Error(t, err)
}

func TestImportKeepsOriginalNameWhenUnset(t *testing.T) {
	src := newTestStore(t)
	p, err := src.Create("orig", "", nil, nil)
	require.NoError(t, err)
	scaffoldUserData(t, p.UserDataDir, false, false)

	archive := filepath.Join(t.TempDir(), "orig.tar.gz")
	uri, err := src.Export("orig", archive)
	require.NoError(t, err)

	dst := newTestStore(t)
	imported, err := dst.Import(uri, "")
	require.NoError(t, err)
	assert.Equal(t, "orig", imported.Name)
}
