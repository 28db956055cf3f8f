package ingestion

import (
	"context"
	"fmt"
	"log/slog"

	v1 "github.com/aevon-lab/linkpulse/internal/api/v1"
	"github.com/aevon-lab/linkpulse/internal/metrics"
	"github.com/gin-gonic/gin"
)

// Click sources, used as metric labels.
const (
	SourceHTTP  = "http"
	SourceKafka = "kafka"
)

// ClickAppender admits geo clicks into an account's log.
type ClickAppender interface {
	Append(ctx context.Context, accountID string, click v1.GeoClick) error
}

// EvaluationSubmitter admits evaluation requests into a link's debounce actor.
type EvaluationSubmitter interface {
	Submit(ctx context.Context, linkID string, req v1.EvaluationRequest) error
}

type Service struct {
	clicks           ClickAppender
	evaluations      EvaluationSubmitter
	metrics          *metrics.Metrics
	maxBodySizeBytes int
}

func NewService(clicks ClickAppender, evaluations EvaluationSubmitter, m *metrics.Metrics, maxBodySizeMB int) *Service {
	if clicks == nil {
		panic("ingestion: click appender must not be nil")
	}
	if evaluations == nil {
		panic("ingestion: evaluation submitter must not be nil")
	}
	if m == nil {
		panic("ingestion: metrics must not be nil")
	}
	if maxBodySizeMB <= 0 {
		maxBodySizeMB = 1 // default to 1MB
	}
	return &Service{
		clicks:           clicks,
		evaluations:      evaluations,
		metrics:          m,
		maxBodySizeBytes: maxBodySizeMB * 1024 * 1024,
	}
}

// RegisterRoutes registers the ingestion service routes.
func (s *Service) RegisterRoutes(r gin.IRouter) {
	r.POST("/v1/clicks", s.IngestHandler)
}

// Ingest routes one validated click message. The geo entry goes to the
// account's tracker when the click has a location; the evaluation request is
// always submitted for the link.
func (s *Service) Ingest(ctx context.Context, msg *v1.ClickMessage, source string) error {
	click := &msg.Data

	if geo, ok := click.GeoClick(); ok {
		if err := s.clicks.Append(ctx, click.AccountID, geo); err != nil {
			return fmt.Errorf("append click for account %s: %w", click.AccountID, err)
		}
	} else {
		slog.Debug("[Ingestion] Click has no location, skipping live map",
			"link_id", click.ID,
			"account_id", click.AccountID)
	}

	if err := s.evaluations.Submit(ctx, click.ID, click.EvaluationRequest()); err != nil {
		return fmt.Errorf("submit evaluation for link %s: %w", click.ID, err)
	}

	s.metrics.ClickIngested(source)
	return nil
}
