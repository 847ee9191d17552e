package endpoints

import (
	"net/http"

	"github.com/spf13/cobra"

	"github.com/jackzampolin/bindery/internal/api"
	"github.com/jackzampolin/bindery/internal/cache"
	"github.com/jackzampolin/bindery/internal/svcctx"
)

// CacheStatsEndpoint handles GET /api/cache/stats.
type CacheStatsEndpoint struct{}

func (e *CacheStatsEndpoint) Route() (string, string, http.HandlerFunc) {
	return "GET", "/api/cache/stats", e.handler
}

func (e *CacheStatsEndpoint) RequiresInit() bool { return true }

func (e *CacheStatsEndpoint) Group() string { return "cache" }

// handler godoc
//
//	@Summary		Cache statistics
//	@Description	Entry and hit counts per cache type, plus hit/miss counters since startup
//	@Tags			cache
//	@Produce		json
//	@Success		200	{object}	cache.Stats
//	@Failure		500	{object}	ErrorResponse
//	@Router			/api/cache/stats [get]
func (e *CacheStatsEndpoint) handler(w http.ResponseWriter, r *http.Request) {
	c := svcctx.CacheFrom(r.Context())
	if c == nil {
		writeError(w, http.StatusServiceUnavailable, "cache not initialized")
		return
	}
	stats, err := c.Stats(r.Context())
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (e *CacheStatsEndpoint) Command(getServerURL func() string) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show cache statistics",
		RunE: func(cmd *cobra.Command, args []string) error {
			var stats cache.Stats
			if err := api.NewClient(getServerURL()).Get(cmd.Context(), "/api/cache/stats", &stats); err != nil {
				return err
			}
			return api.Output(stats)
		},
	}
}

// CacheEvictEndpoint handles POST /api/cache/evict.
type CacheEvictEndpoint struct{}

func (e *CacheEvictEndpoint) Route() (string, string, http.HandlerFunc) {
	return "POST", "/api/cache/evict", e.handler
}

func (e *CacheEvictEndpoint) RequiresInit() bool { return true }

func (e *CacheEvictEndpoint) Group() string { return "cache" }

// handler godoc
//
//	@Summary		Evict cache entries
//	@Description	Removes old, rarely hit entries and collapses duplicates now instead of
//	@Description	waiting for the janitor.
//	@Tags			cache
//	@Produce		json
//	@Success		200	{object}	cache.EvictResult
//	@Failure		500	{object}	ErrorResponse
//	@Router			/api/cache/evict [post]
func (e *CacheEvictEndpoint) handler(w http.ResponseWriter, r *http.Request) {
	c := svcctx.CacheFrom(r.Context())
	if c == nil {
		writeError(w, http.StatusServiceUnavailable, "cache not initialized")
		return
	}
	res, err := c.Evict(r.Context())
	if err != nil {
		writeErr(w, err)
		return
	}
	svcctx.LoggerFrom(r.Context()).Info("cache evicted", "stale", res.Stale, "duplicates", res.Duplicates)
	writeJSON(w, http.StatusOK, res)
}

func (e *CacheEvictEndpoint) Command(getServerURL func() string) *cobra.Command {
	return &cobra.Command{
		Use:   "evict",
		Short: "Evict stale cache entries",
		RunE: func(cmd *cobra.Command, args []string) error {
			var res cache.EvictResult
			if err := api.NewClient(getServerURL()).Post(cmd.Context(), "/api/cache/evict", nil, &res); err != nil {
				return err
			}
			return api.Output(res)
		},
	}
}
