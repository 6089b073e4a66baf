package api

import (
	"crypto/subtle"
	"net/http"
	"strings"
)

// StaticVerifier authenticates bearer tokens against a fixed table. It
// backs standalone deployments; platform-embedded deployments supply
// their own AuthVerifier.
type StaticVerifier struct {
	identities map[string]*Identity
}

// NewStaticVerifier builds a verifier from token -> identity bindings.
func NewStaticVerifier(identities map[string]*Identity) *StaticVerifier {
	copied := make(map[string]*Identity, len(identities))
	for token, id := range identities {
		copied[token] = id
	}
	return &StaticVerifier{identities: copied}
}

// Verify resolves the Authorization bearer token. Comparison is
// constant-time per candidate token.
func (v *StaticVerifier) Verify(r *http.Request) (*Identity, bool) {
	auth := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if !strings.HasPrefix(auth, prefix) {
		return nil, false
	}
	presented := auth[len(prefix):]
	for token, id := range v.identities {
		if len(token) == len(presented) &&
			subtle.ConstantTimeCompare([]byte(token), []byte(presented)) == 1 {
			projects := make([]string, len(id.ProjectIDs))
			copy(projects, id.ProjectIDs)
			return &Identity{UserID: id.UserID, ProjectIDs: projects}, true
		}
	}
	return nil, false
}
