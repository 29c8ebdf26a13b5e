package handler

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/accountlink/internal/authconfig"
	"github.com/hitoshi/accountlink/internal/model"
)

const maxAdminBodyBytes = 64 << 10

// AuthConfigService は認証設定ハンドラーが必要とするサービスインターフェース。
type AuthConfigService interface {
	Get(ctx context.Context, callerID, providerType string) (*model.AuthProviderConfigView, error)
	Upsert(ctx context.Context, callerID, providerType string, in authconfig.UpsertInput) (*model.AuthProviderConfigView, error)
	ToggleEnabled(ctx context.Context, callerID, providerType string, enabled bool) (*model.AuthProviderConfigView, error)
	Test(ctx context.Context, callerID, providerType string) (*authconfig.TestReport, error)
	Reset(ctx context.Context, callerID, providerType string) error
	PublicStatus(ctx context.Context, providerType string) (*authconfig.PublicStatus, error)
}

// ProviderHandler はIdP設定の管理APIと公開ステータスのHTTPハンドラー。
type ProviderHandler struct {
	service AuthConfigService
}

// NewProviderHandler はProviderHandlerを生成する。
func NewProviderHandler(service AuthConfigService) *ProviderHandler {
	return &ProviderHandler{service: service}
}

// toggleRequest はPOST /toggleのリクエストボディ。
type toggleRequest struct {
	Enabled *bool `json:"enabled"`
}

// Get は設定を返す。シークレットは含まない。
// GET /api/admin/auth-providers/{type}
func (h *ProviderHandler) Get(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUserID(w, r)
	if !ok {
		return
	}
	providerType := chi.URLParam(r, "type")

	view, err := h.service.Get(r.Context(), userID, providerType)
	if err != nil {
		handleServiceError(w, err)
		return
	}
	if view == nil {
		writeAPIErrorResponse(w, http.StatusNotFound, model.NewProviderNotConfiguredError(providerType))
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// Upsert は設定を作成・更新する。clientSecretが空の場合は既存の値を維持する。
// PUT /api/admin/auth-providers/{type}
func (h *ProviderHandler) Upsert(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUserID(w, r)
	if !ok {
		return
	}

	var in authconfig.UpsertInput
	if !decodeJSONBody(w, r, &in) {
		return
	}

	view, err := h.service.Upsert(r.Context(), userID, chi.URLParam(r, "type"), in)
	if err != nil {
		handleServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// Toggle は有効・無効を切り替える。
// POST /api/admin/auth-providers/{type}/toggle
func (h *ProviderHandler) Toggle(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUserID(w, r)
	if !ok {
		return
	}

	var req toggleRequest
	if !decodeJSONBody(w, r, &req) {
		return
	}
	if req.Enabled == nil {
		writeAPIErrorResponse(w, http.StatusBadRequest, model.NewValidationError("enabledは必須です"))
		return
	}

	view, err := h.service.ToggleEnabled(r.Context(), userID, chi.URLParam(r, "type"), *req.Enabled)
	if err != nil {
		handleServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// Test は設定の不足項目を返す。
// POST /api/admin/auth-providers/{type}/test
func (h *ProviderHandler) Test(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUserID(w, r)
	if !ok {
		return
	}

	report, err := h.service.Test(r.Context(), userID, chi.URLParam(r, "type"))
	if err != nil {
		handleServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// Reset は設定を削除する。
// DELETE /api/admin/auth-providers/{type}
func (h *ProviderHandler) Reset(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUserID(w, r)
	if !ok {
		return
	}

	if err := h.service.Reset(r.Context(), userID, chi.URLParam(r, "type")); err != nil {
		handleServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Providers はログイン画面向けに各IdPの有効状態を返す。
// GET /auth/providers
func (h *ProviderHandler) Providers(w http.ResponseWriter, r *http.Request) {
	status, err := h.service.PublicStatus(r.Context(), model.ProviderTypeGoogle)
	if err != nil {
		handleServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]*authconfig.PublicStatus{
		model.ProviderTypeGoogle: status,
	})
}

// decodeJSONBody はリクエストボディをデコードする。失敗した場合は400を書き込み、falseを返す。
func decodeJSONBody(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxAdminBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		writeAPIErrorResponse(w, http.StatusBadRequest, model.NewValidationError("リクエストボディが不正です"))
		return false
	}
	return true
}
