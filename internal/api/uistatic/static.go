package uistatic

import (
	"embed"
	"io/fs"
	"net/http"
	"path"
	"strings"
)

//go:embed all:app
var assetFS embed.FS

// Handler serves the page's stylesheet and script. Unknown paths are 404s;
// pages themselves are rendered by the web package.
func Handler() http.Handler {
	sub, err := fs.Sub(assetFS, "app")
	if err != nil {
		return http.NotFoundHandler()
	}
	fileServer := http.FileServer(http.FS(sub))

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cleanPath := path.Clean(strings.TrimPrefix(r.URL.Path, "/"))
		if cleanPath == "." || cleanPath == "" || strings.HasPrefix(cleanPath, "..") {
			http.NotFound(w, r)
			return
		}
		info, err := fs.Stat(sub, cleanPath)
		if err != nil || info.IsDir() {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Cache-Control", "public, max-age=300")
		fileServer.ServeHTTP(w, r)
	})
}
