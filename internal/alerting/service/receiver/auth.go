package receiver

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/fox-gonic/fox"
)

// Auth guards the push endpoints. With no credentials configured every request passes.
type Auth struct {
	User   string
	Pass   string
	Bearer string
}

func (a Auth) open() bool { return a.Bearer == "" && a.User == "" }

func (a Auth) allowed(r *http.Request) bool {
	if a.open() {
		return true
	}
	if a.Bearer != "" {
		h := r.Header.Get("Authorization")
		if tok, ok := strings.CutPrefix(h, "Bearer "); ok &&
			subtle.ConstantTimeCompare([]byte(tok), []byte(a.Bearer)) == 1 {
			return true
		}
	}
	if a.User != "" {
		u, p, ok := r.BasicAuth()
		if ok && subtle.ConstantTimeCompare([]byte(u), []byte(a.User)) == 1 &&
			subtle.ConstantTimeCompare([]byte(p), []byte(a.Pass)) == 1 {
			return true
		}
	}
	return false
}

// Check writes a 401 and returns false when the request is not authorized.
func (a Auth) Check(c *fox.Context) bool {
	if a.allowed(c.Request) {
		return true
	}
	c.JSON(http.StatusUnauthorized, map[string]any{"ok": false, "error": "unauthorized"})
	return false
}
