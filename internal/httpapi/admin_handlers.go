package httpapi

import (
	"net/http"

	"lostfound.org/authcore/internal/auth"
)

func (a *API) handleDirectoryHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	health := a.auth.DirectoryHealth(r.Context())
	code := http.StatusOK
	if health.Status == auth.DirectoryStatusUnavailable {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, health)
}

func (a *API) handleDirectorySync(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	report, err := a.auth.SyncDirectory(r.Context())
	if err != nil {
		writeAuthError(w, r, err, "authentication required")
		return
	}
	writeJSON(w, http.StatusOK, report)
}
