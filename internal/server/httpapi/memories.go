package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/dmitrijs2005/memoryweaver/internal/server/models"
	"github.com/dmitrijs2005/memoryweaver/internal/server/services"
	"github.com/go-chi/chi/v5"
)

// maxFormMemory is how much of a multipart body is buffered in memory.
const maxFormMemory = 8 << 20

// readUpload parses a multipart upload: the "file" part plus the memory
// fields. The owner is filled by the caller.
func (s *Server) readUpload(w http.ResponseWriter, r *http.Request) (services.CreateRequest, error) {
	var req services.CreateRequest

	r.Body = http.MaxBytesReader(w, r.Body, s.maxUpload+1<<20)
	if err := r.ParseMultipartForm(maxFormMemory); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return req, badRequest("upload is too large", fmt.Sprintf("limit is %d bytes", s.maxUpload))
		}
		return req, badRequest("malformed upload", err.Error())
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		return req, badRequest("missing file", "multipart field \"file\" is required")
	}
	defer file.Close()

	data, err := io.ReadAll(io.LimitReader(file, s.maxUpload+1))
	if err != nil {
		return req, badRequest("could not read upload", err.Error())
	}
	if int64(len(data)) > s.maxUpload {
		return req, badRequest("upload is too large", fmt.Sprintf("limit is %d bytes", s.maxUpload))
	}

	form := r.MultipartForm.Value
	req = services.CreateRequest{
		GuildID:     first(form["guild_id"]),
		Title:       first(form["title"]),
		Description: first(form["description"]),
		Category:    first(form["category"]),
		Privacy:     first(form["privacy"]),
		Tags:        splitList(form["tags"]),
		Filename:    header.Filename,
		ContentType: header.Header.Get("Content-Type"),
		Data:        data,
	}
	return req, nil
}

func (s *Server) handleCreateMemory(w http.ResponseWriter, r *http.Request) {
	req, err := s.readUpload(w, r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	req.OwnerID = userID(r.Context())

	res, err := s.memories.CreateMemoryWithFile(r.Context(), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

func (s *Server) handleSearchMemories(w http.ResponseWriter, r *http.Request) {
	f, err := searchFilter(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	res, err := s.memories.SearchMemories(r.Context(), userID(r.Context()), f)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleSearchShared(w http.ResponseWriter, r *http.Request) {
	f, err := searchFilter(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	res, err := s.memories.SearchShared(r.Context(), chi.URLParam(r, "groupID"), userID(r.Context()), f)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type deleteResponse struct {
	MemoryID    string   `json:"memory_id"`
	PurgedKeys  []string `json:"purged_keys"`
	PurgeFailed []string `json:"purge_failed,omitempty"`
}

func (s *Server) handleDeleteMemory(w http.ResponseWriter, r *http.Request) {
	res, err := s.memories.DeleteMemory(r.Context(), chi.URLParam(r, "memoryID"), userID(r.Context()))
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	failed := s.memories.PurgeObjects(r.Context(), res.FileKeysToPurge)
	purged := make([]string, 0, len(res.FileKeysToPurge))
	bad := make(map[string]struct{}, len(failed))
	for _, k := range failed {
		bad[k] = struct{}{}
	}
	for _, k := range res.FileKeysToPurge {
		if _, ok := bad[k]; !ok {
			purged = append(purged, k)
		}
	}
	writeJSON(w, http.StatusOK, deleteResponse{MemoryID: res.MemoryID, PurgedKeys: purged, PurgeFailed: failed})
}

type enrichRequest struct {
	CID string `json:"cid"`
	URL string `json:"url"`
}

func (s *Server) handleEnrichIPFS(w http.ResponseWriter, r *http.Request) {
	var body enrichRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 64<<10)).Decode(&body); err != nil {
		s.writeError(w, r, badRequest("malformed body", err.Error()))
		return
	}
	n, err := s.memories.EnrichIPFS(r.Context(), chi.URLParam(r, "memoryID"), userID(r.Context()), body.CID, body.URL)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"rows_affected": n})
}

func searchFilter(r *http.Request) (models.SearchFilter, error) {
	q := r.URL.Query()
	f := models.SearchFilter{
		Category: q.Get("category"),
		Tag:      q.Get("tag"),
		Query:    q.Get("q"),
		Status:   q.Get("status"),
	}
	var reasons []string
	for name, dst := range map[string]*int{"limit": &f.Limit, "offset": &f.Offset} {
		v := q.Get(name)
		if v == "" {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			reasons = append(reasons, fmt.Sprintf("%s must be a non-negative integer", name))
			continue
		}
		*dst = n
	}
	if len(reasons) > 0 {
		return f, badRequest("invalid search parameters", reasons...)
	}
	return f, nil
}

func first(v []string) string {
	if len(v) == 0 {
		return ""
	}
	return strings.TrimSpace(v[0])
}

// splitList accepts repeated fields and comma separated values.
func splitList(values []string) []string {
	var out []string
	for _, v := range values {
		for _, p := range strings.Split(v, ",") {
			if p = strings.TrimSpace(p); p != "" {
				out = append(out, p)
			}
		}
	}
	return out
}
