package statusws

import (
	"context"

	"github.com/google/uuid"

	"github.com/custard-io/custard/internal/repositories"
)

// maxOwnedConnections bounds the capability-set query. A user with more
// connections than this only observes the first page; raise it if that
// ever becomes real.
const maxOwnedConnections = 1000

// RepoResolver implements OwnershipResolver over the connection
// repository.
type RepoResolver struct {
	connections repositories.ConnectionRepository
}

// NewRepoResolver creates a RepoResolver.
func NewRepoResolver(connections repositories.ConnectionRepository) *RepoResolver {
	return &RepoResolver{connections: connections}
}

// OwnedAgentIDs implements OwnershipResolver.
func (r *RepoResolver) OwnedAgentIDs(ctx context.Context, userID uuid.UUID) ([]uuid.UUID, error) {
	conns, _, err := r.connections.ListByOwner(ctx, userID,
		repositories.ListOptions{Limit: maxOwnedConnections})
	if err != nil {
		return nil, err
	}
	out := make([]uuid.UUID, len(conns))
	for i := range conns {
		out[i] = conns[i].AgentID
	}
	return out, nil
}
