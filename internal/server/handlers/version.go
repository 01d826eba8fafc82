package handlers

import (
	"net/http"
	"runtime"
)

// VersionInfo is injected at build time via ldflags.
type VersionInfo struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	BuildDate string `json:"build_date"`
	GoVersion string `json:"go_version"`
}

// Version handles GET /version.
type Version struct {
	info VersionInfo
}

// NewVersion creates the version handler.
func NewVersion(version, commit, buildDate string) *Version {
	return &Version{info: VersionInfo{
		Version:   version,
		Commit:    commit,
		BuildDate: buildDate,
		GoVersion: runtime.Version(),
	}}
}

// ServeHTTP implements the version endpoint.
func (h *Version) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.info)
}
