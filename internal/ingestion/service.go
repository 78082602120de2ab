package ingestion

import (
	"CDPLedger/internal/errs"
	"CDPLedger/internal/event"
	"context"
)

// IngestService accepts single requests from the HTTP and gRPC surfaces.
// It is meant for admin operations and manual injection; bulk traffic goes
// through NATS.
type IngestService struct {
	core Submitter
}

func NewIngestService(submitter Submitter) *IngestService {
	return &IngestService{core: submitter}
}

// Submit decodes a wire payload of the named request type and applies it.
// The returned error is the core's rejection, if any.
func (s *IngestService) Submit(ctx context.Context, requestType string, data []byte) error {
	rt, err := event.ParseRequestType(requestType)
	if err != nil {
		return errs.Invalid("%v", err)
	}
	req, err := ParseRequest(rt, data)
	if err != nil {
		return errs.Invalid("%v", err)
	}
	return s.core.Submit(ctx, req)
}
