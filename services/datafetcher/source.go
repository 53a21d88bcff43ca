package datafetcher

import (
	"context"

	"stocknity/models"
)

//go:generate mockgen -destination=mocks/mock_source.go -package=mocks stocknity/services/datafetcher Source

// Source is an upstream provider of rows. Failures should wrap
// fault.ErrRateLimited when the provider throttled the call and
// fault.ErrUpstreamUnavailable otherwise.
type Source interface {
	Name() string
	Query(ctx context.Context, dims models.Dimensions) (models.Rows, error)
}

// kinded sources report their own origin, such as calculated data
type kinded interface {
	Kind() models.SourceKind
}

// endpointer sources name the endpoint recorded in the API call log
type endpointer interface {
	Endpoint() string
}

// Mirror receives every payload written to the cache
type Mirror interface {
	Mirror(ctx context.Context, entry models.CacheEntry, payload []byte) error
}

// Publisher broadcasts fetch outcomes to observers
type Publisher interface {
	Publish(eventType string, data interface{})
}

func endpointOf(src Source) string {
	if e, ok := src.(endpointer); ok {
		return e.Endpoint()
	}
	return "query"
}

func kindOf(src Source, position int) models.SourceKind {
	if k, ok := src.(kinded); ok {
		return k.Kind()
	}
	if position == 0 {
		return models.SourcePrimary
	}
	return models.SourceFallback
}
