package v1

import (
	"context"
	"log/slog"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/pkg/errors"

	"github.com/sangamhq/sangam/ai/pipeline"
	"github.com/sangamhq/sangam/ai/respond"
)

// QueryRequest is the body of POST /api/v1/query. PhoneNumber identifies the
// member asking; Context is accepted for client compatibility but queries are
// answered statelessly.
type QueryRequest struct {
	Query       string        `json:"query"`
	PhoneNumber string        `json:"phoneNumber"`
	Context     *QueryContext `json:"context,omitempty"`
	Options     *QueryOptions `json:"options,omitempty"`
}

type QueryContext struct {
	PreviousQuery   string   `json:"previousQuery,omitempty"`
	PreviousResults []string `json:"previousResults,omitempty"`
}

// QueryOptions mirrors pipeline.Options with pointer fields so that absent
// keys keep their defaults and explicit false still turns a block off.
type QueryOptions struct {
	IncludeResponse    *bool `json:"includeResponse,omitempty"`
	IncludeSuggestions *bool `json:"includeSuggestions,omitempty"`
	MaxResults         *int  `json:"maxResults,omitempty"`
	Page               *int  `json:"page,omitempty"`
}

// FailureResponse is the error body for every failed query. Partial carries
// the understanding block when extraction finished before the failure.
type FailureResponse struct {
	Error   string           `json:"error"`
	Message string           `json:"message"`
	Partial *pipeline.Result `json:"partial,omitempty"`
}

func (s *APIV1Service) registerQueryRoutes(g *echo.Group) {
	g.POST("/query", s.handleQuery)
	g.GET("/query/providers", s.handleProviders)
}

// handleQuery runs one query through the pipeline. The JSON response carries
// the conversational text as plain text; clients that send Accept: text/html
// additionally get it rendered to HTML.
func (s *APIV1Service) handleQuery(c echo.Context) error {
	var req QueryRequest
	if err := c.Bind(&req); err != nil {
		s.Exporter.RecordFailure(string(pipeline.KindInputInvalid))
		return c.JSON(http.StatusBadRequest, FailureResponse{
			Error:   string(pipeline.KindInputInvalid),
			Message: "Request body must be valid JSON.",
		})
	}

	opts := pipeline.DefaultOptions()
	if o := req.Options; o != nil {
		if o.IncludeResponse != nil {
			opts.IncludeResponse = *o.IncludeResponse
		}
		if o.IncludeSuggestions != nil {
			opts.IncludeSuggestions = *o.IncludeSuggestions
		}
		if o.MaxResults != nil {
			opts.MaxResults = *o.MaxResults
		}
		if o.Page != nil {
			opts.Page = *o.Page
		}
	}

	result, err := s.Pipeline.Process(c.Request().Context(), req.Query, req.PhoneNumber, opts)
	if err != nil {
		return s.queryFailure(c, err)
	}

	if wantsHTML(c) && result.Response != nil && result.Response.Conversational != "" {
		html, renderErr := respond.RenderHTML(result.Response.Conversational)
		if renderErr != nil {
			slog.Warn("api/v1: response html rendering failed",
				slog.String("requestId", result.RequestID),
				slog.Any("error", renderErr))
		} else {
			result.Response.ConversationalHTML = html
		}
	}

	return c.JSON(http.StatusOK, result)
}

// handleProviders reports the gateway's per-provider circuit snapshot.
func (s *APIV1Service) handleProviders(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{
		"llmEnabled": s.gateway != nil,
		"providers":  s.ProviderStatuses(),
	})
}

// queryFailure translates pipeline errors into HTTP statuses and the fixed
// user-facing messages. Caller cancellations pass through untranslated since
// the client is gone.
func (s *APIV1Service) queryFailure(c echo.Context, err error) error {
	if errors.Is(err, context.Canceled) {
		return err
	}

	var perr *pipeline.Error
	if !errors.As(err, &perr) {
		perr = pipeline.NewError(pipeline.KindInternal, err)
	}
	s.Exporter.RecordFailure(string(perr.Kind))

	return c.JSON(statusForKind(perr.Kind), FailureResponse{
		Error:   string(perr.Kind),
		Message: perr.UserMessage(),
		Partial: perr.Partial,
	})
}

func statusForKind(kind pipeline.Kind) int {
	switch kind {
	case pipeline.KindInputInvalid:
		return http.StatusBadRequest
	case pipeline.KindProviderBusy:
		return http.StatusTooManyRequests
	case pipeline.KindAllProvidersUnavailable, pipeline.KindEmbeddingUnavailable, pipeline.KindSearchUnavailable:
		return http.StatusServiceUnavailable
	case pipeline.KindTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func wantsHTML(c echo.Context) bool {
	return strings.Contains(c.Request().Header.Get(echo.HeaderAccept), echo.MIMETextHTML)
}
