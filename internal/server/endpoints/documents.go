package endpoints

import (
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/jackzampolin/bindery/internal/api"
	"github.com/jackzampolin/bindery/internal/pipeline"
	"github.com/jackzampolin/bindery/internal/store"
	"github.com/jackzampolin/bindery/internal/svcctx"
)

// MaxUploadSize bounds a single uploaded PDF.
const MaxUploadSize = 200 << 20

// UploadDocumentEndpoint handles POST /api/documents with a multipart file.
type UploadDocumentEndpoint struct{}

var _ api.Endpoint = (*UploadDocumentEndpoint)(nil)

func (e *UploadDocumentEndpoint) Route() (string, string, http.HandlerFunc) {
	return "POST", "/api/documents", e.handler
}

func (e *UploadDocumentEndpoint) RequiresInit() bool { return true }

func (e *UploadDocumentEndpoint) Group() string { return "documents" }

// handler godoc
//
//	@Summary		Upload a PDF
//	@Description	Store the file, create a document and start processing. A byte-identical
//	@Description	re-upload is answered from the cache with cached=true.
//	@Tags			documents
//	@Accept			mpfd
//	@Produce		json
//	@Param			file		formData	file	true	"PDF file"
//	@Param			owner_id	formData	string	true	"Owner ID"
//	@Param			title		formData	string	false	"Title (derived from the file name if empty)"
//	@Param			author		formData	string	false	"Author"
//	@Param			genre		formData	string	false	"Genre"
//	@Success		202			{object}	pipeline.Submission
//	@Success		200			{object}	pipeline.Submission	"Already processing"
//	@Failure		400			{object}	ErrorResponse
//	@Failure		413			{object}	ErrorResponse
//	@Failure		500			{object}	ErrorResponse
//	@Failure		503			{object}	ErrorResponse
//	@Router			/api/documents [post]
func (e *UploadDocumentEndpoint) handler(w http.ResponseWriter, r *http.Request) {
	o := svcctx.OrchestratorFrom(r.Context())
	if o == nil {
		writeError(w, http.StatusServiceUnavailable, "pipeline not initialized")
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, MaxUploadSize+1<<20)
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("failed to parse form: %v", err))
		return
	}
	defer r.MultipartForm.RemoveAll()

	file, fh, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "file is required")
		return
	}
	defer file.Close()
	if fh.Size > MaxUploadSize {
		writeError(w, http.StatusRequestEntityTooLarge, fmt.Sprintf("file exceeds %d MB", MaxUploadSize>>20))
		return
	}

	data, err := io.ReadAll(file)
	if err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("failed to read upload: %v", err))
		return
	}

	sub, err := o.Upload(r.Context(), pipeline.UploadRequest{
		OwnerID:  r.FormValue("owner_id"),
		FileName: fh.Filename,
		Title:    r.FormValue("title"),
		Author:   r.FormValue("author"),
		Genre:    r.FormValue("genre"),
		Data:     data,
	})
	if err != nil {
		svcctx.LoggerFrom(r.Context()).Warn("upload rejected", "file", fh.Filename, "error", err)
		writeErr(w, err)
		return
	}

	status := http.StatusAccepted
	if sub.Existing {
		status = http.StatusOK
	}
	writeJSON(w, status, sub)
}

func (e *UploadDocumentEndpoint) Command(getServerURL func() string) *cobra.Command {
	var owner, title, author, genre string
	cmd := &cobra.Command{
		Use:   "upload <file.pdf>",
		Short: "Upload a PDF and start processing",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := os.Open(args[0])
			if err != nil {
				return fmt.Errorf("failed to open %s: %w", args[0], err)
			}
			defer f.Close()

			client := api.NewClient(getServerURL())
			var resp pipeline.Submission
			err = client.Upload(cmd.Context(), "/api/documents", "file", filepath.Base(args[0]), f, map[string]string{
				"owner_id": owner,
				"title":    title,
				"author":   author,
				"genre":    genre,
			}, &resp)
			if err != nil {
				return err
			}
			return api.Output(resp)
		},
	}
	cmd.Flags().StringVar(&owner, "owner", os.Getenv("USER"), "Owner ID")
	cmd.Flags().StringVar(&title, "title", "", "Title")
	cmd.Flags().StringVar(&author, "author", "", "Author")
	cmd.Flags().StringVar(&genre, "genre", "", "Genre")
	return cmd
}

// ListDocumentsResponse is the response for listing documents.
type ListDocumentsResponse struct {
	Documents []*store.Document `json:"documents"`
}

// ListDocumentsEndpoint handles GET /api/documents.
type ListDocumentsEndpoint struct{}

func (e *ListDocumentsEndpoint) Route() (string, string, http.HandlerFunc) {
	return "GET", "/api/documents", e.handler
}

func (e *ListDocumentsEndpoint) RequiresInit() bool { return true }

func (e *ListDocumentsEndpoint) Group() string { return "documents" }

// handler godoc
//
//	@Summary	List documents
//	@Tags		documents
//	@Produce	json
//	@Param		owner_id	query		string	false	"Filter by owner"
//	@Param		status		query		string	false	"Filter by status"
//	@Param		limit		query		int		false	"Maximum results"
//	@Success	200			{object}	ListDocumentsResponse
//	@Failure	400			{object}	ErrorResponse
//	@Failure	500			{object}	ErrorResponse
//	@Router		/api/documents [get]
func (e *ListDocumentsEndpoint) handler(w http.ResponseWriter, r *http.Request) {
	db := svcctx.StoreFrom(r.Context())
	if db == nil {
		writeError(w, http.StatusServiceUnavailable, "store not initialized")
		return
	}

	q := r.URL.Query()
	limit, err := parseLimit(q.Get("limit"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	docs, err := db.ListDocuments(r.Context(), store.DocumentFilter{
		OwnerID: q.Get("owner_id"),
		Status:  store.DocumentStatus(q.Get("status")),
		Limit:   limit,
	})
	if err != nil {
		writeErr(w, err)
		return
	}
	if docs == nil {
		docs = []*store.Document{}
	}
	writeJSON(w, http.StatusOK, ListDocumentsResponse{Documents: docs})
}

func (e *ListDocumentsEndpoint) Command(getServerURL func() string) *cobra.Command {
	var owner, status string
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List documents",
		RunE: func(cmd *cobra.Command, args []string) error {
			params := url.Values{}
			if owner != "" {
				params.Set("owner_id", owner)
			}
			if status != "" {
				params.Set("status", status)
			}
			if limit > 0 {
				params.Set("limit", strconv.Itoa(limit))
			}
			path := "/api/documents"
			if len(params) > 0 {
				path += "?" + params.Encode()
			}

			var resp ListDocumentsResponse
			if err := api.NewClient(getServerURL()).Get(cmd.Context(), path, &resp); err != nil {
				return err
			}
			return api.Output(resp)
		},
	}
	cmd.Flags().StringVar(&owner, "owner", "", "Filter by owner")
	cmd.Flags().StringVar(&status, "status", "", "Filter by status")
	cmd.Flags().IntVar(&limit, "limit", 0, "Maximum results")
	return cmd
}

// GetDocumentEndpoint handles GET /api/documents/{id}.
type GetDocumentEndpoint struct{}

func (e *GetDocumentEndpoint) Route() (string, string, http.HandlerFunc) {
	return "GET", "/api/documents/{id}", e.handler
}

func (e *GetDocumentEndpoint) RequiresInit() bool { return true }

func (e *GetDocumentEndpoint) Group() string { return "documents" }

// handler godoc
//
//	@Summary	Get document by ID
//	@Tags		documents
//	@Produce	json
//	@Param		id	path		string	true	"Document ID"
//	@Success	200	{object}	store.Document
//	@Failure	404	{object}	ErrorResponse
//	@Failure	500	{object}	ErrorResponse
//	@Router		/api/documents/{id} [get]
func (e *GetDocumentEndpoint) handler(w http.ResponseWriter, r *http.Request) {
	db := svcctx.StoreFrom(r.Context())
	if db == nil {
		writeError(w, http.StatusServiceUnavailable, "store not initialized")
		return
	}
	doc, err := db.GetDocument(r.Context(), r.PathValue("id"))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, doc)
}

func (e *GetDocumentEndpoint) Command(getServerURL func() string) *cobra.Command {
	return &cobra.Command{
		Use:   "get <id>",
		Short: "Get a document by ID",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var doc store.Document
			if err := api.NewClient(getServerURL()).Get(cmd.Context(), "/api/documents/"+url.PathEscape(args[0]), &doc); err != nil {
				return err
			}
			return api.Output(doc)
		},
	}
}

// ListChaptersResponse is the response for a document's chapters.
type ListChaptersResponse struct {
	DocumentID string           `json:"document_id"`
	Chapters   []*store.Chapter `json:"chapters"`
}

// ListChaptersEndpoint handles GET /api/documents/{id}/chapters.
type ListChaptersEndpoint struct{}

func (e *ListChaptersEndpoint) Route() (string, string, http.HandlerFunc) {
	return "GET", "/api/documents/{id}/chapters", e.handler
}

func (e *ListChaptersEndpoint) RequiresInit() bool { return true }

func (e *ListChaptersEndpoint) Group() string { return "documents" }

// handler godoc
//
//	@Summary		List a document's chapters
//	@Description	Chapters in reading order. Content is omitted unless content=true.
//	@Tags			documents
//	@Produce		json
//	@Param			id		path		string	true	"Document ID"
//	@Param			content	query		bool	false	"Include chapter text"
//	@Success		200		{object}	ListChaptersResponse
//	@Failure		404		{object}	ErrorResponse
//	@Failure		500		{object}	ErrorResponse
//	@Router			/api/documents/{id}/chapters [get]
func (e *ListChaptersEndpoint) handler(w http.ResponseWriter, r *http.Request) {
	db := svcctx.StoreFrom(r.Context())
	if db == nil {
		writeError(w, http.StatusServiceUnavailable, "store not initialized")
		return
	}
	id := r.PathValue("id")
	if _, err := db.GetDocument(r.Context(), id); err != nil {
		writeErr(w, err)
		return
	}
	chapters, err := db.ListChapters(r.Context(), id)
	if err != nil {
		writeErr(w, err)
		return
	}
	if r.URL.Query().Get("content") != "true" {
		for _, ch := range chapters {
			ch.Content = ""
		}
	}
	if chapters == nil {
		chapters = []*store.Chapter{}
	}
	writeJSON(w, http.StatusOK, ListChaptersResponse{DocumentID: id, Chapters: chapters})
}

func (e *ListChaptersEndpoint) Command(getServerURL func() string) *cobra.Command {
	var content bool
	cmd := &cobra.Command{
		Use:   "chapters <id>",
		Short: "List a document's chapters",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := "/api/documents/" + url.PathEscape(args[0]) + "/chapters"
			if content {
				path += "?content=true"
			}
			var resp ListChaptersResponse
			if err := api.NewClient(getServerURL()).Get(cmd.Context(), path, &resp); err != nil {
				return err
			}
			return api.Output(resp)
		},
	}
	cmd.Flags().BoolVar(&content, "content", false, "Include chapter text")
	return cmd
}

// ResubmitDocumentEndpoint handles POST /api/documents/{id}/resubmit.
type ResubmitDocumentEndpoint struct{}

func (e *ResubmitDocumentEndpoint) Route() (string, string, http.HandlerFunc) {
	return "POST", "/api/documents/{id}/resubmit", e.handler
}

func (e *ResubmitDocumentEndpoint) RequiresInit() bool { return true }

func (e *ResubmitDocumentEndpoint) Group() string { return "documents" }

// handler godoc
//
//	@Summary		Reprocess a document
//	@Description	Clears chapters and jobs and restarts from extraction. Cached
//	@Description	stage outputs are reused, so repeating this is cheap. Refused
//	@Description	while one of the document's jobs is still running.
//	@Tags			documents
//	@Produce		json
//	@Param			id	path		string	true	"Document ID"
//	@Success		202	{object}	pipeline.Submission
//	@Failure		404	{object}	ErrorResponse
//	@Failure		409	{object}	ErrorResponse
//	@Failure		500	{object}	ErrorResponse
//	@Router			/api/documents/{id}/resubmit [post]
func (e *ResubmitDocumentEndpoint) handler(w http.ResponseWriter, r *http.Request) {
	o := svcctx.OrchestratorFrom(r.Context())
	if o == nil {
		writeError(w, http.StatusServiceUnavailable, "pipeline not initialized")
		return
	}
	sub, err := o.Resubmit(r.Context(), r.PathValue("id"))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, sub)
}

func (e *ResubmitDocumentEndpoint) Command(getServerURL func() string) *cobra.Command {
	return &cobra.Command{
		Use:   "resubmit <id>",
		Short: "Reprocess a document",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var resp pipeline.Submission
			path := "/api/documents/" + url.PathEscape(args[0]) + "/resubmit"
			if err := api.NewClient(getServerURL()).Post(cmd.Context(), path, nil, &resp); err != nil {
				return err
			}
			return api.Output(resp)
		},
	}
}

func parseLimit(s string) (int, error) {
	if s == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("invalid limit %q", s)
	}
	return n, nil
}
