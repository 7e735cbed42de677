package api

import (
	"net/http"

	"github.com/rendis/crewflow/internal/diagram"
	"github.com/rendis/crewflow/pkg/schema"
)

// handleDiagram draws the workflow's steps with their current status.
// ?format is ascii (default), mermaid, svg or png.
func (s *Server) handleDiagram(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	wf, err := s.deps.Engine.GetSnapshot(id)
	if err != nil {
		archived, aerr := s.archivedWorkflow(r.Context(), id)
		if aerr != nil {
			writeCrewError(w, err)
			return
		}
		wf = archived
	}
	model := diagram.FromWorkflow(wf)

	switch format := r.URL.Query().Get("format"); format {
	case "", "ascii":
		writeText(w, "text/plain; charset=utf-8", []byte(diagram.RenderASCII(model)))
	case "mermaid":
		writeText(w, "text/vnd.mermaid; charset=utf-8", []byte(diagram.RenderMermaid(model)))
	case "svg", "png":
		img, err := diagram.RenderImage(r.Context(), model, diagram.ImageFormat(format))
		if err != nil {
			writeCrewError(w, schema.NewError(schema.ErrCodeInternal, err.Error()).WithCause(err))
			return
		}
		ctype := "image/png"
		if format == "svg" {
			ctype = "image/svg+xml"
		}
		writeText(w, ctype, img)
	default:
		writeError(w, http.StatusBadRequest, "format must be ascii, mermaid, svg or png")
	}
}

func writeText(w http.ResponseWriter, contentType string, body []byte) {
	w.Header().Set("Content-Type", contentType)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(body)
}
