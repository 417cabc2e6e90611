package store

import (
	"context"
	"database/sql"
)

// Driver is an interface for the member projection drivers.
type Driver interface {
	GetDB() *sql.DB
	Migrate(ctx context.Context) error
	Ping(ctx context.Context) error
	Close() error

	ListMembers(ctx context.Context, find *FindMember) ([]*Member, error)
	UpsertMember(ctx context.Context, m *Member) (*Member, error)
	UpsertMemberEmbedding(ctx context.Context, e *MemberEmbedding) error
	VectorSearch(ctx context.Context, opts *VectorSearchOptions) ([]*MemberWithScore, error)
	KeywordSearch(ctx context.Context, opts *KeywordSearchOptions) ([]*KeywordMatch, error)
}
