package server

import (
	"encoding/json"
	"os"

	"go.uber.org/zap"

	"browsernerd/internal/logging"
	"browsernerd/internal/script"
)

// CredentialStore reads the consolidated per-tool secret file. The
// file is one JSON object keyed by tool name:
//
//	{"shop-login": {"username": "u", "password": "p"}}
//
// Absence of the file or of a tool's sub-object is not an error; the
// step proceeds without credentials and the caller handles the gap.
type CredentialStore struct {
	path string
	log  *zap.Logger
}

// NewCredentialStore binds the store to a secret path. An empty path
// disables lookups.
func NewCredentialStore(path string) *CredentialStore {
	return &CredentialStore{path: path, log: logging.Get(logging.CategoryServer)}
}

// Lookup returns the credential sub-object for one tool, or nil. The
// file is re-read on every call so rotated secrets apply without a
// restart.
func (c *CredentialStore) Lookup(tool string) map[string]any {
	if c.path == "" || tool == "" {
		return nil
	}
	data, err := os.ReadFile(c.path)
	if err != nil {
		c.log.Warn("credential store unreadable",
			zap.String("path", c.path), zap.Error(err))
		return nil
	}
	var all map[string]map[string]any
	if err := json.Unmarshal(data, &all); err != nil {
		c.log.Warn("credential store is not valid JSON",
			zap.String("path", c.path), zap.Error(err))
		return nil
	}
	creds, ok := all[tool]
	if !ok {
		c.log.Warn("no credentials configured for tool, proceeding without",
			zap.String("tool", tool))
		return nil
	}
	return creds
}

// InjectStep merges the step's tool credentials into its credentials
// field. Values the step already carries win over the store.
func (c *CredentialStore) InjectStep(st *script.Step) {
	if st.CredentialTool == "" {
		return
	}
	creds := c.Lookup(st.CredentialTool)
	if len(creds) == 0 {
		return
	}
	if st.Credentials == nil {
		st.Credentials = make(map[string]any, len(creds))
	}
	for k, v := range creds {
		if _, exists := st.Credentials[k]; !exists {
			st.Credentials[k] = v
		}
	}
}

// InjectScript applies InjectStep to every step of a script.
func (c *CredentialStore) InjectScript(scr *script.Script) {
	for i := range scr.Steps {
		c.InjectStep(&scr.Steps[i])
	}
}
