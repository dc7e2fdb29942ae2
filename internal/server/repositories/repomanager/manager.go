package repomanager

import (
	"context"
	"database/sql"

	"github.com/dmitrijs2005/memoryweaver/internal/dbx"
	"github.com/dmitrijs2005/memoryweaver/internal/server/repositories/files"
	"github.com/dmitrijs2005/memoryweaver/internal/server/repositories/memories"
)

type RepositoryManager interface {
	RunMigrations(context.Context, *sql.DB) error
	Memories(db dbx.DBTX) memories.Repository
	Files(db dbx.DBTX) files.Repository
}
