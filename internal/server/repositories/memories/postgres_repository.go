package memories

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/dmitrijs2005/memoryweaver/internal/common"
	"github.com/dmitrijs2005/memoryweaver/internal/dbx"
	"github.com/dmitrijs2005/memoryweaver/internal/server/models"
)

// DefaultSearchLimit caps searches that do not ask for a limit.
const DefaultSearchLimit = 50

// PostgresRepository stores memories with SQL that also runs on SQLite:
// timestamps are bound as parameters and tags are kept as JSON text.
type PostgresRepository struct {
	db dbx.DBTX
}

func NewPostgresRepository(db dbx.DBTX) *PostgresRepository {
	return &PostgresRepository{db: db}
}

func (r *PostgresRepository) Create(ctx context.Context, m *models.Memory) error {
	tags, err := json.Marshal(models.NormalizeTags(m.Tags))
	if err != nil {
		return fmt.Errorf("encode tags: %w", err)
	}

	query := `INSERT INTO memories (id, owner_id, guild_id, title, description, category, privacy, tags, status, file_count, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`

	_, err = r.db.ExecContext(ctx, query, m.ID, m.OwnerID, m.GuildID, m.Title, m.Description, m.Category,
		m.Privacy, string(tags), m.Status, m.FileCount, m.CreatedAt, m.UpdatedAt)
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	return nil
}

func (r *PostgresRepository) GetByID(ctx context.Context, id string) (*models.Memory, error) {
	query := `SELECT id, owner_id, guild_id, title, description, category, privacy, tags, status, file_count, created_at, updated_at
		FROM memories WHERE id = $1`

	m := &models.Memory{}
	var tags string
	err := r.db.QueryRowContext(ctx, query, id).Scan(&m.ID, &m.OwnerID, &m.GuildID, &m.Title, &m.Description,
		&m.Category, &m.Privacy, &tags, &m.Status, &m.FileCount, &m.CreatedAt, &m.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, common.ErrorNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to select memory: %w", err)
	}
	if err := decodeTags(tags, m); err != nil {
		return nil, err
	}
	return m, nil
}

func (r *PostgresRepository) AdjustFileCount(ctx context.Context, id string, delta int, at time.Time) error {
	query := `UPDATE memories SET file_count = file_count + $1, updated_at = $2 WHERE id = $3`
	res, err := r.db.ExecContext(ctx, query, delta, at, id)
	if err != nil {
		return fmt.Errorf("failed to update file count: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected error: %w", err)
	}
	switch n {
	case 1:
		return nil
	case 0:
		return common.ErrorNotFound
	default:
		return fmt.Errorf("unexpected rows affected: %d", n)
	}
}

func (r *PostgresRepository) Delete(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM memories WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete memory: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected error: %w", err)
	}
	if n == 0 {
		return common.ErrorNotFound
	}
	return nil
}

const selectWithPrimaryFile = `SELECT m.id, m.owner_id, m.guild_id, m.title, m.description, m.category, m.privacy, m.tags,
		m.status, m.file_count, m.created_at, m.updated_at,
		f.id, f.original_name, f.content_type, f.size_bytes, f.storage_key, f.storage_url, f.ipfs_cid, f.ipfs_url,
		f.pin_status, f.processing_status
	FROM memories m
	LEFT JOIN files f ON f.id = (
		SELECT f2.id FROM files f2 WHERE f2.memory_id = m.id
		ORDER BY f2.uploaded_at DESC, f2.id ASC LIMIT 1
	)`

// searchQuery accumulates WHERE clauses with numbered placeholders.
type searchQuery struct {
	where []string
	args  []any
}

func (q *searchQuery) next(v any) string {
	q.args = append(q.args, v)
	return fmt.Sprintf("$%d", len(q.args))
}

func (q *searchQuery) applyFilter(f models.SearchFilter) {
	status := f.Status
	if status == "" {
		q.where = append(q.where, "m.status <> "+q.next(models.MemoryStatusDeleted))
	} else {
		q.where = append(q.where, "m.status = "+q.next(status))
	}
	if f.Category != "" {
		q.where = append(q.where, "m.category = "+q.next(f.Category))
	}
	if tag := strings.ToLower(strings.TrimSpace(f.Tag)); tag != "" {
		q.where = append(q.where, "m.tags LIKE "+q.next(`%"`+tag+`"%`))
	}
	if text := strings.ToLower(strings.TrimSpace(f.Query)); text != "" {
		p := q.next("%" + text + "%")
		q.where = append(q.where, "(LOWER(m.title) LIKE "+p+" OR LOWER(m.description) LIKE "+p+")")
	}
}

func (q *searchQuery) sql(f models.SearchFilter) string {
	limit := f.Limit
	if limit <= 0 {
		limit = DefaultSearchLimit
	}
	offset := f.Offset
	if offset < 0 {
		offset = 0
	}
	var b strings.Builder
	b.WriteString(selectWithPrimaryFile)
	b.WriteString("\n\tWHERE ")
	b.WriteString(strings.Join(q.where, " AND "))
	b.WriteString("\n\tORDER BY m.created_at DESC, m.id ASC")
	b.WriteString("\n\tLIMIT " + q.next(limit) + " OFFSET " + q.next(offset))
	return b.String()
}

func (r *PostgresRepository) SearchByOwner(ctx context.Context, ownerID string, f models.SearchFilter) ([]*models.Memory, error) {
	q := &searchQuery{}
	q.where = append(q.where, "m.owner_id = "+q.next(ownerID))
	q.applyFilter(f)
	return r.search(ctx, q.sql(f), q.args)
}

func (r *PostgresRepository) SearchByGuild(ctx context.Context, guildID, requesterID string, f models.SearchFilter) ([]*models.Memory, error) {
	q := &searchQuery{}
	q.where = append(q.where, "m.guild_id = "+q.next(guildID))

	// public, or members_only for any identified requester, or private for the owner
	pub := q.next(models.PrivacyPublic)
	members := q.next(models.PrivacyMembersOnly)
	requester := q.next(requesterID)
	private := q.next(models.PrivacyPrivate)
	q.where = append(q.where, fmt.Sprintf(
		"(m.privacy = %s OR (m.privacy = %s AND %s <> '') OR (m.privacy = %s AND m.owner_id = %s))",
		pub, members, requester, private, requester,
	))

	q.applyFilter(f)
	return r.search(ctx, q.sql(f), q.args)
}

func (r *PostgresRepository) search(ctx context.Context, query string, args []any) ([]*models.Memory, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to search memories: %w", err)
	}
	defer rows.Close()

	result := []*models.Memory{}
	for rows.Next() {
		m := &models.Memory{}
		var tags string
		var (
			fID, fName, fType, fKey, fURL, fCID, fIPFS, fPin, fProc sql.NullString
			fSize                                                   sql.NullInt64
		)
		err := rows.Scan(&m.ID, &m.OwnerID, &m.GuildID, &m.Title, &m.Description, &m.Category, &m.Privacy, &tags,
			&m.Status, &m.FileCount, &m.CreatedAt, &m.UpdatedAt,
			&fID, &fName, &fType, &fSize, &fKey, &fURL, &fCID, &fIPFS, &fPin, &fProc)
		if err != nil {
			return nil, err
		}
		if err := decodeTags(tags, m); err != nil {
			return nil, err
		}
		if fID.Valid {
			m.PrimaryFile = &models.File{
				ID:               fID.String,
				MemoryID:         m.ID,
				OriginalName:     fName.String,
				ContentType:      fType.String,
				SizeBytes:        fSize.Int64,
				StorageKey:       fKey.String,
				StorageURL:       fURL.String,
				IPFSCID:          fCID.String,
				IPFSURL:          fIPFS.String,
				PinStatus:        fPin.String,
				ProcessingStatus: fProc.String,
			}
		}
		result = append(result, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

func decodeTags(raw string, m *models.Memory) error {
	m.Tags = []string{}
	if raw == "" {
		return nil
	}
	if err := json.Unmarshal([]byte(raw), &m.Tags); err != nil {
		return fmt.Errorf("decode tags of memory %s: %w", m.ID, err)
	}
	return nil
}
