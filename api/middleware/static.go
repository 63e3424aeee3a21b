package middleware

import (
	"net/http"
	"path"

	"github.com/gin-gonic/gin"
)

// ContentSecurityPolicy is sent with every static asset so the frontend can be
// framed by any ancestor.
const ContentSecurityPolicy = "frame-ancestors *;"

// Static serves files under root. Requests that match no file fall through, so
// it is meant to be installed as the NoRoute handler. Directories are served
// only through their index.html.
func Static(root string) gin.HandlerFunc {
	fs := http.Dir(root)
	fileServer := http.FileServer(fs)

	return func(c *gin.Context) {
		if c.Request.Method != http.MethodGet && c.Request.Method != http.MethodHead {
			return
		}
		name := path.Clean("/" + c.Request.URL.Path)
		if !exists(fs, name) {
			return
		}

		c.Header("Content-Security-Policy", ContentSecurityPolicy)
		fileServer.ServeHTTP(c.Writer, c.Request)
		c.Abort()
	}
}

func exists(fs http.FileSystem, name string) bool {
	f, err := fs.Open(name)
	if err != nil {
		return false
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return false
	}
	if !info.IsDir() {
		return true
	}
	index, err := fs.Open(path.Join(name, "index.html"))
	if err != nil {
		return false
	}
	index.Close()
	return true
}
