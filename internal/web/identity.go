package web

import (
	"net/http"
	"strings"

	"github.com/codefionn/scrcpyhub/internal/config"
	"github.com/codefionn/scrcpyhub/internal/surface"
)

// ViewerFromRequest reads the identity set by an authenticating proxy. It
// returns nil when the request carries neither an id nor a name.
func ViewerFromRequest(r *http.Request, cfg config.IdentityConfig) *surface.Viewer {
	header := func(name string) string {
		if name == "" {
			return ""
		}
		return strings.TrimSpace(r.Header.Get(name))
	}

	v := surface.Viewer{
		ID:          header(cfg.IDHeader),
		DisplayName: header(cfg.NameHeader),
		Email:       header(cfg.EmailHeader),
		Username:    header(cfg.UsernameHeader),
	}
	if v.ID == "" && v.DisplayName == "" && v.Username == "" && v.Email == "" {
		return nil
	}

	if v.DisplayName == "" {
		switch {
		case v.Username != "":
			v.DisplayName = v.Username
		case v.Email != "":
			v.DisplayName = v.Email
		default:
			v.DisplayName = v.ID
		}
	}
	if v.ID == "" {
		v.ID = firstNonEmpty(v.Username, v.Email)
	}
	return &v
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
