package server

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"browsernerd/internal/script"
)

func writeSecretFile(t *testing.T, secrets map[string]any) string {
	t.Helper()
	raw, err := json.Marshal(secrets)
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "secrets.json")
	require.NoError(t, os.WriteFile(path, raw, 0o600))
	return path
}

func TestLookupReturnsToolSubObject(t *testing.T) {
	path := writeSecretFile(t, map[string]any{
		"shop-login": map[string]any{"username": "alice", "password": "s3cret"},
		"bank-login": map[string]any{"token": "t0k"},
	})
	store := NewCredentialStore(path)

	creds := store.Lookup("shop-login")
	require.NotNil(t, creds)
	assert.Equal(t, "alice", creds["username"])

	// Missing tool or file: nil, never an error.
	assert.Nil(t, store.Lookup("unknown-tool"))
	assert.Nil(t, NewCredentialStore(filepath.Join(t.TempDir(), "absent.json")).Lookup("shop-login"))
	assert.Nil(t, NewCredentialStore("").Lookup("shop-login"))
}

func TestInjectStepMergesCredentials(t *testing.T) {
	path := writeSecretFile(t, map[string]any{
		"shop-login": map[string]any{"username": "alice", "password": "s3cret"},
	})
	store := NewCredentialStore(path)

	st := &script.Step{Action: script.KindFill, CredentialTool: "shop-login"}
	store.InjectStep(st)
	assert.Equal(t, "alice", st.Credentials["username"])
	assert.Equal(t, "s3cret", st.Credentials["password"])
}

func TestInjectStepKeepsExplicitValues(t *testing.T) {
	path := writeSecretFile(t, map[string]any{
		"shop-login": map[string]any{"username": "alice", "password": "s3cret"},
	})
	store := NewCredentialStore(path)

	st := &script.Step{
		Action:         script.KindFill,
		CredentialTool: "shop-login",
		Credentials:    map[string]any{"username": "override"},
	}
	store.InjectStep(st)
	assert.Equal(t, "override", st.Credentials["username"])
	assert.Equal(t, "s3cret", st.Credentials["password"])
}

func TestInjectStepWithoutToolIsNoop(t *testing.T) {
	store := NewCredentialStore("")
	st := &script.Step{Action: script.KindClick}
	store.InjectStep(st)
	assert.Nil(t, st.Credentials)
}

func TestInjectScriptCoversEverySteps(t *testing.T) {
	path := writeSecretFile(t, map[string]any{
		"shop-login": map[string]any{"value": "s3cret"},
	})
	store := NewCredentialStore(path)

	scr := &script.Script{
		Name: "login",
		Steps: []script.Step{
			{Action: script.KindNavigate, URL: "https://shop.example"},
			{Action: script.KindFill, CredentialTool: "shop-login"},
		},
	}
	store.InjectScript(scr)
	assert.Nil(t, scr.Steps[0].Credentials)
	assert.Equal(t, "s3cret", scr.Steps[1].Credentials["value"])
}
