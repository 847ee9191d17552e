package endpoints

import (
	"net/http"
	"net/url"
	"strings"

	"github.com/spf13/cobra"

	"github.com/jackzampolin/bindery/internal/api"
	"github.com/jackzampolin/bindery/internal/progress"
	"github.com/jackzampolin/bindery/internal/svcctx"
)

// maxStatusIDs bounds a batch status request.
const maxStatusIDs = 100

// DocumentStatusEndpoint handles GET /api/documents/{id}/status.
type DocumentStatusEndpoint struct{}

func (e *DocumentStatusEndpoint) Route() (string, string, http.HandlerFunc) {
	return "GET", "/api/documents/{id}/status", e.handler
}

func (e *DocumentStatusEndpoint) RequiresInit() bool { return true }

func (e *DocumentStatusEndpoint) Group() string { return "documents" }

// handler godoc
//
//	@Summary		Processing status of a document
//	@Description	Overall progress, per-stage state, metrics and an estimated completion time
//	@Tags			status
//	@Produce		json
//	@Param			id	path		string	true	"Document ID"
//	@Success		200	{object}	progress.ProcessingStatus
//	@Failure		404	{object}	ErrorResponse
//	@Failure		500	{object}	ErrorResponse
//	@Router			/api/documents/{id}/status [get]
func (e *DocumentStatusEndpoint) handler(w http.ResponseWriter, r *http.Request) {
	rep := svcctx.ReporterFrom(r.Context())
	if rep == nil {
		writeError(w, http.StatusServiceUnavailable, "reporter not initialized")
		return
	}
	st, err := rep.Status(r.Context(), r.PathValue("id"))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (e *DocumentStatusEndpoint) Command(getServerURL func() string) *cobra.Command {
	return &cobra.Command{
		Use:   "status <id>",
		Short: "Show a document's processing status",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var st progress.ProcessingStatus
			path := "/api/documents/" + url.PathEscape(args[0]) + "/status"
			if err := api.NewClient(getServerURL()).Get(cmd.Context(), path, &st); err != nil {
				return err
			}
			return api.Output(st)
		},
	}
}

// BatchStatusResponse is the response for a multi-document status query.
type BatchStatusResponse struct {
	Statuses []*progress.ProcessingStatus `json:"statuses"`
}

// BatchStatusEndpoint handles GET /api/status?ids=a,b.
type BatchStatusEndpoint struct{}

func (e *BatchStatusEndpoint) Route() (string, string, http.HandlerFunc) {
	return "GET", "/api/status", e.handler
}

func (e *BatchStatusEndpoint) RequiresInit() bool { return true }

func (e *BatchStatusEndpoint) Group() string { return "documents" }

// handler godoc
//
//	@Summary		Processing status of several documents
//	@Description	Unknown IDs are omitted from the result.
//	@Tags			status
//	@Produce		json
//	@Param			ids	query		string	true	"Comma-separated document IDs"
//	@Success		200	{object}	BatchStatusResponse
//	@Failure		400	{object}	ErrorResponse
//	@Failure		500	{object}	ErrorResponse
//	@Router			/api/status [get]
func (e *BatchStatusEndpoint) handler(w http.ResponseWriter, r *http.Request) {
	rep := svcctx.ReporterFrom(r.Context())
	if rep == nil {
		writeError(w, http.StatusServiceUnavailable, "reporter not initialized")
		return
	}
	ids := splitIDs(r.URL.Query().Get("ids"))
	if len(ids) == 0 {
		writeError(w, http.StatusBadRequest, "ids is required")
		return
	}
	if len(ids) > maxStatusIDs {
		writeError(w, http.StatusBadRequest, "too many ids")
		return
	}
	statuses, err := rep.StatusMany(r.Context(), ids)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, BatchStatusResponse{Statuses: statuses})
}

func (e *BatchStatusEndpoint) Command(getServerURL func() string) *cobra.Command {
	return &cobra.Command{
		Use:   "status-many <id>...",
		Short: "Show processing status of several documents",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var resp BatchStatusResponse
			path := "/api/status?" + url.Values{"ids": {strings.Join(args, ",")}}.Encode()
			if err := api.NewClient(getServerURL()).Get(cmd.Context(), path, &resp); err != nil {
				return err
			}
			return api.Output(resp)
		},
	}
}

// splitIDs parses a comma-separated list, dropping blanks and duplicates.
func splitIDs(s string) []string {
	var ids []string
	seen := make(map[string]bool)
	for _, id := range strings.Split(s, ",") {
		id = strings.TrimSpace(id)
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		ids = append(ids, id)
	}
	return ids
}
