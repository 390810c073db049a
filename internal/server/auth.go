package server

import (
	"crypto/subtle"
	"net/http"
	"path"
	"strings"

	"github.com/gin-gonic/gin"
)

// mountPath normalizes a configured base path to "" or "/segment[/...]".
func mountPath(base string) string {
	base = strings.TrimSpace(base)
	if base == "" {
		return ""
	}
	p := path.Clean("/" + base)
	if p == "/" {
		return ""
	}
	return p
}

// authorized reports whether key is the client's API key. An unset key
// never authorizes anything.
func (r *Router) authorized(key string) bool {
	if r.apiKey == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(key), []byte(r.apiKey)) == 1
}

func (r *Router) requireKey(c *gin.Context) {
	if r.authorized(c.Param("key")) {
		c.Next()
		return
	}
	r.log.Warn("rejected request with wrong api key", "path", c.FullPath(), "remote", c.ClientIP())
	c.AbortWithStatusJSON(http.StatusUnauthorized, errorResp{Error: "invalid api key"})
}
