package agentcfg

import (
	"context"
	"log/slog"

	"mcphub/internal/session"
)

// ServerConfig is one entry in the agent runtime's multiplexing table: a
// transport binding plus the headers needed to reach a remote MCP server.
type ServerConfig struct {
	Transport   session.TransportType `json:"transport"`
	URL         string                `json:"url"`
	ServerLabel string                `json:"serverLabel"`
	Headers     map[string]string     `json:"headers,omitempty"`
}

// Materializer folds a user's active sessions into the server set the agent
// runtime multiplexes tool calls across.
type Materializer struct {
	store  session.Store
	logger *slog.Logger
}

// NewMaterializer creates a Materializer over the given store.
func NewMaterializer(store session.Store, logger *slog.Logger) *Materializer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Materializer{store: store, logger: logger}
}

// Materialize enumerates the user's sessions and assembles a ServerConfig
// for each active one, attaching a bearer header when the session holds a
// still-valid token. Tokens past their expiry are omitted rather than
// handed to the agent runtime; the next connect refreshes them. Inactive
// records are removed from the store as a cleanup side effect; records
// already expired from the backing cache simply no longer appear.
func (m *Materializer) Materialize(ctx context.Context, userID string) ([]ServerConfig, error) {
	ids, err := m.store.ListUserSessions(ctx, userID)
	if err != nil {
		return nil, err
	}

	configs := make([]ServerConfig, 0, len(ids))
	for _, id := range ids {
		rec, err := m.store.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if rec == nil {
			continue
		}
		if !rec.Active {
			if err := m.store.Remove(ctx, id); err != nil {
				return nil, err
			}
			m.logger.Debug("Removed inactive session during materialization",
				"session_id", session.ShortID(id),
				"server_url", rec.ServerURL)
			continue
		}

		cfg := ServerConfig{
			Transport:   rec.TransportType,
			URL:         rec.ServerURL,
			ServerLabel: ServerLabel(rec.ServerName),
		}
		if rec.Tokens != nil {
			if tok := rec.Tokens.ToOAuth2Token(); tok.Valid() {
				cfg.Headers = map[string]string{
					"Authorization": "Bearer " + tok.AccessToken,
				}
			}
		}
		configs = append(configs, cfg)
	}

	return configs, nil
}
