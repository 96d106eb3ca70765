package httpapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/Cypherspark/outreach-dispatch/api"
)

// redocPage renders /openapi.yaml with the Redoc standalone bundle.
const redocPage = `<!doctype html>
<html>
  <head>
    <title>Outreach Dispatch API</title>
    <meta charset="utf-8"/>
    <meta name="viewport" content="width=device-width, initial-scale=1">
    <script src="https://cdn.redoc.ly/redoc/latest/bundles/redoc.standalone.js"></script>
  </head>
  <body>
    <redoc spec-url="/openapi.yaml"></redoc>
  </body>
</html>`

func (s *Server) mountDocs(r chi.Router) {
	r.Get("/openapi.yaml", serveOpenAPI)
	r.Get("/docs", serveRedoc)
}

func serveOpenAPI(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/yaml")
	http.ServeFileFS(w, r, api.FS, "openapi.yaml")
}

func serveRedoc(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write([]byte(redocPage))
}
