package endpoints

import (
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"

	"github.com/jackzampolin/bindery/internal/api"
	"github.com/jackzampolin/bindery/internal/progress"
	"github.com/jackzampolin/bindery/internal/svcctx"
)

// ProgressStreamEndpoint handles GET /api/progress/ws.
type ProgressStreamEndpoint struct{}

func (e *ProgressStreamEndpoint) Route() (string, string, http.HandlerFunc) {
	return "GET", "/api/progress/ws", e.handler
}

func (e *ProgressStreamEndpoint) RequiresInit() bool { return true }

func (e *ProgressStreamEndpoint) Group() string { return "documents" }

// handler godoc
//
//	@Summary		Live progress stream
//	@Description	Websocket of progress records as they are persisted. Pass document_id
//	@Description	to receive one document's records only.
//	@Tags			status
//	@Param			document_id	query	string	false	"Filter by document"
//	@Success		101
//	@Failure		503	{object}	ErrorResponse
//	@Router			/api/progress/ws [get]
func (e *ProgressStreamEndpoint) handler(w http.ResponseWriter, r *http.Request) {
	hub := svcctx.HubFrom(r.Context())
	if hub == nil {
		writeError(w, http.StatusServiceUnavailable, "progress hub not initialized")
		return
	}
	hub.ServeHTTP(w, r)
}

func (e *ProgressStreamEndpoint) Command(getServerURL func() string) *cobra.Command {
	return &cobra.Command{
		Use:   "watch [id]",
		Short: "Stream live progress, optionally for one document",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			u, err := wsURL(getServerURL(), "/api/progress/ws")
			if err != nil {
				return err
			}
			if len(args) == 1 {
				u += "?" + url.Values{"document_id": {args[0]}}.Encode()
			}

			conn, _, err := websocket.DefaultDialer.DialContext(cmd.Context(), u, nil)
			if err != nil {
				return fmt.Errorf("failed to connect to %s: %w", u, err)
			}
			defer conn.Close()

			go func() {
				<-cmd.Context().Done()
				conn.Close()
			}()

			for {
				var msg progress.Message
				if err := conn.ReadJSON(&msg); err != nil {
					if cmd.Context().Err() != nil || websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
						return nil
					}
					return fmt.Errorf("stream closed: %w", err)
				}
				if err := api.Output(msg); err != nil {
					return err
				}
			}
		},
	}
}

// wsURL converts an http(s) server URL into a websocket URL for path.
func wsURL(serverURL, path string) (string, error) {
	u, err := url.Parse(strings.TrimRight(serverURL, "/"))
	if err != nil {
		return "", fmt.Errorf("invalid server url: %w", err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path += path
	return u.String(), nil
}
