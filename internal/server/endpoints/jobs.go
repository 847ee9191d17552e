package endpoints

import (
	"net/http"
	"net/url"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/jackzampolin/bindery/internal/api"
	"github.com/jackzampolin/bindery/internal/store"
	"github.com/jackzampolin/bindery/internal/svcctx"
)

// ListJobsResponse is the response for listing jobs.
type ListJobsResponse struct {
	Jobs []*store.Job `json:"jobs"`
}

// ListJobsEndpoint handles GET /api/jobs.
type ListJobsEndpoint struct{}

func (e *ListJobsEndpoint) Route() (string, string, http.HandlerFunc) {
	return "GET", "/api/jobs", e.handler
}

func (e *ListJobsEndpoint) RequiresInit() bool { return true }

func (e *ListJobsEndpoint) Group() string { return "jobs" }

// handler godoc
//
//	@Summary		List jobs
//	@Description	List jobs in creation order with optional filtering
//	@Tags			jobs
//	@Produce		json
//	@Param			document_id	query		string	false	"Filter by document"
//	@Param			status		query		string	false	"Filter by status"
//	@Param			type		query		string	false	"Filter by job type"
//	@Param			limit		query		int		false	"Maximum results"
//	@Success		200			{object}	ListJobsResponse
//	@Failure		400			{object}	ErrorResponse
//	@Failure		500			{object}	ErrorResponse
//	@Failure		503			{object}	ErrorResponse
//	@Router			/api/jobs [get]
func (e *ListJobsEndpoint) handler(w http.ResponseWriter, r *http.Request) {
	q := svcctx.QueueFrom(r.Context())
	if q == nil {
		writeError(w, http.StatusServiceUnavailable, "queue not initialized")
		return
	}

	params := r.URL.Query()
	limit, err := parseLimit(params.Get("limit"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	jobs, err := q.List(r.Context(), store.JobFilter{
		DocumentID: params.Get("document_id"),
		Status:     store.JobStatus(params.Get("status")),
		Type:       store.JobType(params.Get("type")),
		Limit:      limit,
	})
	if err != nil {
		writeErr(w, err)
		return
	}
	if jobs == nil {
		jobs = []*store.Job{}
	}
	writeJSON(w, http.StatusOK, ListJobsResponse{Jobs: jobs})
}

func (e *ListJobsEndpoint) Command(getServerURL func() string) *cobra.Command {
	var documentID, status, jobType string
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List jobs",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			client := api.NewClient(getServerURL())

			path := "/api/jobs"
			params := url.Values{}
			if documentID != "" {
				params.Set("document_id", documentID)
			}
			if status != "" {
				params.Set("status", status)
			}
			if jobType != "" {
				params.Set("type", jobType)
			}
			if limit > 0 {
				params.Set("limit", strconv.Itoa(limit))
			}
			if len(params) > 0 {
				path += "?" + params.Encode()
			}

			var resp ListJobsResponse
			if err := client.Get(ctx, path, &resp); err != nil {
				return err
			}
			return api.Output(resp)
		},
	}
	cmd.Flags().StringVar(&documentID, "document", "", "Filter by document ID")
	cmd.Flags().StringVar(&status, "status", "", "Filter by status")
	cmd.Flags().StringVar(&jobType, "type", "", "Filter by job type")
	cmd.Flags().IntVar(&limit, "limit", 0, "Maximum results")
	return cmd
}

// GetJobEndpoint handles GET /api/jobs/{id}.
type GetJobEndpoint struct{}

func (e *GetJobEndpoint) Route() (string, string, http.HandlerFunc) {
	return "GET", "/api/jobs/{id}", e.handler
}

func (e *GetJobEndpoint) RequiresInit() bool { return true }

func (e *GetJobEndpoint) Group() string { return "jobs" }

// handler godoc
//
//	@Summary	Get job by ID
//	@Tags		jobs
//	@Produce	json
//	@Param		id	path		string	true	"Job ID"
//	@Success	200	{object}	store.Job
//	@Failure	404	{object}	ErrorResponse
//	@Failure	500	{object}	ErrorResponse
//	@Router		/api/jobs/{id} [get]
func (e *GetJobEndpoint) handler(w http.ResponseWriter, r *http.Request) {
	q := svcctx.QueueFrom(r.Context())
	if q == nil {
		writeError(w, http.StatusServiceUnavailable, "queue not initialized")
		return
	}
	job, err := q.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (e *GetJobEndpoint) Command(getServerURL func() string) *cobra.Command {
	return &cobra.Command{
		Use:   "get <id>",
		Short: "Get a job by ID",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var job store.Job
			if err := api.NewClient(getServerURL()).Get(cmd.Context(), "/api/jobs/"+url.PathEscape(args[0]), &job); err != nil {
				return err
			}
			return api.Output(job)
		},
	}
}
