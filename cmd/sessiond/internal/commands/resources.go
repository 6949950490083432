package commands

import (
	"context"

	"github.com/rs/zerolog/log"

	"github.com/wolfeidau/sessiond/internal/eventlog"
	"github.com/wolfeidau/sessiond/internal/queue"
	"github.com/wolfeidau/sessiond/internal/resource"
	"github.com/wolfeidau/sessiond/internal/session"
)

// registerDemoResources builds a small set of session-scoped resources that
// exercise the generator end to end: a preferences property and a bookmark
// collection. The handlers are registered against the event log but not
// mounted on the HTTP facade; they are reachable through the Go API only.
func registerDemoResources(l eventlog.Log, sessions *session.Service) (map[string]*resource.Handlers, error) {
	registry := resource.NewRegistry().
		Add(resource.Definition{
			Name: "preferences",
			Kind: resource.KindProperty,
			Policy: resource.Policy{
				Read:  resource.AllowAll,
				Write: resource.AllowAll,
			},
			Writable: []string{"theme", "language"},
			Defaults: map[string]any{"theme": "light", "language": "en"},
		}).
		Add(resource.Definition{
			Name: "bookmark",
			Kind: resource.KindItem,
			Policy: resource.Policy{
				Read:   resource.AllowAll,
				Public: resource.AllowAll,
				Write:  resource.AllowAll,
			},
			SortBy:   []string{"title"},
			Writable: []string{"title", "url"},
		})

	handlers, err := registry.Build(l, queue.NewGroup(),
		resource.WithUserLookup(func(ctx context.Context, sessionID string) (string, error) {
			s, err := sessions.Get(ctx, sessionID)
			if err != nil {
				return "", err
			}
			return s.User, nil
		}))
	if err != nil {
		return nil, err
	}

	for name, h := range handlers {
		log.Info().Str("resource", name).Strs("operations", h.Operations()).Msg("registered resource")
	}
	return handlers, nil
}
