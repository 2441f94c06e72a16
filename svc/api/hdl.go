package api

import (
	"codeshare/cfg"
	"codeshare/pkg/domain"
	"codeshare/svc/auth"
	"codeshare/svc/lim"
	"codeshare/svc/svc"
	"codeshare/svc/util"
	"encoding/json"
	"io"
	"mime"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/hlog"
)

const editTokenHeader = "X-Edit-Token"

type Hdl struct {
	paste    *svc.Paste
	validate *Validator
	cfg      *cfg.Cfg
}
type CreateReq struct {
	Title    string `json:"title"`
	Content  string `json:"content"`
	Language string `json:"language"`
	IsPublic *bool  `json:"isPublic,omitempty"`
}
type UpdateReq struct {
	Title    *string `json:"title,omitempty"`
	Content  *string `json:"content,omitempty"`
	Language *string `json:"language,omitempty"`
	IsPublic *bool   `json:"isPublic,omitempty"`
}
type CreateResp struct {
	ShortCode string     `json:"shortCode"`
	URL       string     `json:"url"`
	ExpiresAt *time.Time `json:"expiresAt,omitempty"`
	CreatedAt time.Time  `json:"createdAt"`
	EditToken string     `json:"editToken,omitempty"`
}
type DeleteResp struct {
	Deleted bool `json:"deleted"`
}
type ListResp struct {
	Pastes []*domain.Paste `json:"pastes"`
	Total  int             `json:"total"`
	Page   int             `json:"page"`
	Limit  int             `json:"limit"`
}

// decodeJSON enforces a JSON content type and a body size bound, and rejects
// unknown fields.
func (h *Hdl) decodeJSON(w http.ResponseWriter, r *http.Request, dst interface{}) error {
	log := hlog.FromRequest(r)
	contentType := r.Header.Get("Content-Type")
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil || mediaType != "application/json" {
		log.Warn().Str("content_type", contentType).Msg("invalid Content-Type header")
		return domain.ErrInvalidRequest
	}
	if ce := r.Header.Get("Content-Encoding"); ce != "" {
		log.Warn().Str("content_encoding", ce).Msg("compressed content not allowed")
		return domain.ErrInvalidRequest
	}
	limit := int64(h.cfg.MaxContentSize)*2 + 4096
	if r.ContentLength > limit {
		log.Warn().Int64("content_length", r.ContentLength).Msg("Content-Length exceeds maximum")
		return domain.ErrPasteTooLarge
	}
	r.Body = http.MaxBytesReader(w, r.Body, limit)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		var mbe *http.MaxBytesError
		if errors.As(err, &mbe) {
			return domain.ErrPasteTooLarge
		}
		if err == io.EOF {
			log.Warn().Msg("empty request body")
		} else {
			log.Warn().Err(err).Msg("invalid request")
		}
		return domain.ErrInvalidRequest
	}
	return nil
}
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func (h *Hdl) CreatePaste(w http.ResponseWriter, r *http.Request) {
	log := hlog.FromRequest(r)
	requestID := util.GetRequestID(r.Context())
	var req CreateReq
	if err := h.decodeJSON(w, r, &req); err != nil {
		writeErr(w, err, requestID)
		return
	}
	params, err := h.validate.Create(req)
	if err != nil {
		log.Warn().Err(err).Msg("create rejected")
		writeErr(w, err, requestID)
		return
	}
	if userID := auth.UserFrom(r.Context()); userID != "" {
		params.OwnerID = &userID
	}
	paste, editToken, err := h.paste.Create(r.Context(), params)
	if err != nil {
		log.Error().Err(err).Msg("failed to create paste")
		writeErr(w, err, requestID)
		return
	}
	writeJSON(w, http.StatusCreated, CreateResp{
		ShortCode: paste.ShortCode,
		URL:       paste.ShareURL,
		ExpiresAt: paste.ExpiresAt,
		CreatedAt: paste.CreatedAt,
		EditToken: editToken,
	})
}
func (h *Hdl) GetPaste(w http.ResponseWriter, r *http.Request) {
	requestID := util.GetRequestID(r.Context())
	code := chi.URLParam(r, "code")
	viewer := domain.Viewer{
		UserID: auth.UserFrom(r.Context()),
		IP:     lim.GetRealIP(r, h.cfg.TrustedProxies),
	}
	paste, err := h.paste.GetByShortCode(r.Context(), code, viewer)
	if err != nil {
		if domain.Status(err) >= 500 {
			hlog.FromRequest(r).Error().Err(err).Str("short_code", code).Msg("get failed")
		}
		writeErr(w, err, requestID)
		return
	}
	writeJSON(w, http.StatusOK, paste)
}
func (h *Hdl) UpdatePaste(w http.ResponseWriter, r *http.Request) {
	requestID := util.GetRequestID(r.Context())
	code := chi.URLParam(r, "code")
	patch, ok := h.readPatch(w, r)
	if !ok {
		return
	}
	paste, err := h.paste.Update(r.Context(), code, auth.UserFrom(r.Context()), patch)
	if err != nil {
		writeErr(w, err, requestID)
		return
	}
	writeJSON(w, http.StatusOK, paste)
}
func (h *Hdl) readPatch(w http.ResponseWriter, r *http.Request) (domain.Patch, bool) {
	requestID := util.GetRequestID(r.Context())
	var req UpdateReq
	if err := h.decodeJSON(w, r, &req); err != nil {
		writeErr(w, err, requestID)
		return domain.Patch{}, false
	}
	patch, err := h.validate.Patch(req)
	if err != nil {
		writeErr(w, err, requestID)
		return domain.Patch{}, false
	}
	return patch, true
}
func (h *Hdl) DeletePaste(w http.ResponseWriter, r *http.Request) {
	code := chi.URLParam(r, "code")
	deleted, err := h.paste.Delete(r.Context(), code, auth.UserFrom(r.Context()))
	h.writeDeleted(w, r, deleted, err)
}
func (h *Hdl) writeDeleted(w http.ResponseWriter, r *http.Request, deleted bool, err error) {
	if err != nil {
		hlog.FromRequest(r).Error().Err(err).Msg("failed to delete paste")
		writeErr(w, err, util.GetRequestID(r.Context()))
		return
	}
	if !deleted {
		writeJSON(w, http.StatusNotFound, DeleteResp{Deleted: false})
		return
	}
	writeJSON(w, http.StatusOK, DeleteResp{Deleted: true})
}
func (h *Hdl) UpdatePasteWithToken(w http.ResponseWriter, r *http.Request) {
	requestID := util.GetRequestID(r.Context())
	code := chi.URLParam(r, "code")
	token := r.Header.Get(editTokenHeader)
	if token == "" {
		writeErr(w, domain.ErrUnauthorized, requestID)
		return
	}
	patch, ok := h.readPatch(w, r)
	if !ok {
		return
	}
	paste, err := h.paste.UpdateWithToken(r.Context(), code, token, patch)
	if err != nil {
		writeErr(w, err, requestID)
		return
	}
	writeJSON(w, http.StatusOK, paste)
}
func (h *Hdl) DeletePasteWithToken(w http.ResponseWriter, r *http.Request) {
	code := chi.URLParam(r, "code")
	token := r.Header.Get(editTokenHeader)
	if token == "" {
		writeErr(w, domain.ErrUnauthorized, util.GetRequestID(r.Context()))
		return
	}
	deleted, err := h.paste.DeleteWithToken(r.Context(), code, token)
	h.writeDeleted(w, r, deleted, err)
}
func (h *Hdl) ListMine(w http.ResponseWriter, r *http.Request) {
	page := pageFromQuery(r)
	pastes, total, err := h.paste.ListMine(r.Context(), auth.UserFrom(r.Context()), page)
	if err != nil {
		writeErr(w, err, util.GetRequestID(r.Context()))
		return
	}
	writeJSON(w, http.StatusOK, ListResp{Pastes: pastes, Total: total, Page: page.Page, Limit: page.Limit})
}
func (h *Hdl) Explore(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	query := domain.ExploreQuery{
		Search:   q.Get("search"),
		Language: q.Get("language"),
		Sort:     domain.ParseSortOrder(q.Get("sort")),
		Page:     pageFromQuery(r),
	}
	pastes, total, err := h.paste.Explore(r.Context(), query)
	if err != nil {
		writeErr(w, err, util.GetRequestID(r.Context()))
		return
	}
	writeJSON(w, http.StatusOK, ListResp{Pastes: pastes, Total: total, Page: query.Page.Page, Limit: query.Page.Limit})
}
func pageFromQuery(r *http.Request) domain.Page {
	q := r.URL.Query()
	page, _ := strconv.Atoi(q.Get("page"))
	limit, _ := strconv.Atoi(q.Get("limit"))
	return domain.Page{Page: page, Limit: limit}.Normalize()
}
