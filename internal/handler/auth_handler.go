package handler

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/hitoshi/accountlink/internal/auth"
	"github.com/hitoshi/accountlink/internal/callback"
	"github.com/hitoshi/accountlink/internal/middleware"
	"github.com/hitoshi/accountlink/internal/model"
	"github.com/hitoshi/accountlink/internal/security"
	"github.com/hitoshi/accountlink/internal/statetoken"
)

const (
	// oauthFlowCookie はstateトークンの所有者（ブラウザ）を識別するCookie。
	oauthFlowCookie = "oauth_flow"

	// コールバックのパス。redirect_uriとしてIdPに登録する。
	LoginCallbackPath   = "/login/google/callback"
	ConnectCallbackPath = "/app/profile/connect/google/callback"
	PopupCallbackPath   = "/auth/google/popup-callback"

	popupMessageType = "accountlink:oauth"
	flowOwnerBytes   = 32
)

// AuthorizationURLBuilder は認可URLを生成する。
type AuthorizationURLBuilder interface {
	AuthorizationURL(ctx context.Context, params auth.AuthorizationParams) (string, error)
}

// CallbackRunnerFactory はコールバック1回分のRunnerを生成する。
type CallbackRunnerFactory interface {
	New(flow statetoken.Purpose) callback.Runner
}

// SessionService はセッション管理のサービスインターフェース。
type SessionService interface {
	Logout(ctx context.Context, sessionID string) error
	GetCurrentUser(ctx context.Context, sessionID string) (*model.User, error)
}

// AuthHandlerConfig は認証ハンドラーの設定。
type AuthHandlerConfig struct {
	BaseURL       string
	CookieDomain  string
	CookieSecure  bool
	SessionMaxAge int           // セッションCookieの有効期間（秒）
	StateTTL      time.Duration // oauth_flow Cookieの有効期間
	PopupOrigin   string        // ポップアップの親ウィンドウのオリジン
}

// AuthHandler はGoogleログイン・アカウント連携のHTTPハンドラー。
type AuthHandler struct {
	states     statetoken.Store
	authorizer AuthorizationURLBuilder
	callbacks  CallbackRunnerFactory
	sessions   SessionService
	config     AuthHandlerConfig
}

// NewAuthHandler はAuthHandlerを生成する。
func NewAuthHandler(
	states statetoken.Store,
	authorizer AuthorizationURLBuilder,
	callbacks CallbackRunnerFactory,
	sessions SessionService,
	config AuthHandlerConfig,
) *AuthHandler {
	if config.StateTTL <= 0 {
		config.StateTTL = statetoken.DefaultTTL
	}
	if config.PopupOrigin == "" {
		config.PopupOrigin = originOf(config.BaseURL)
	}
	return &AuthHandler{
		states:     states,
		authorizer: authorizer,
		callbacks:  callbacks,
		sessions:   sessions,
		config:     config,
	}
}

// StartLogin はGoogleログインを開始する。
// GET /login/google（?display=popup でポップアップ用のコールバックを使う）
func (h *AuthHandler) StartLogin(w http.ResponseWriter, r *http.Request) {
	callbackPath := LoginCallbackPath
	if r.URL.Query().Get("display") == "popup" {
		callbackPath = PopupCallbackPath
	}
	h.start(w, r, statetoken.PurposeLogin, callbackPath)
}

// StartConnect はログイン中のユーザーへのGoogleアカウント連携を開始する。
// GET /app/profile/connect/google
func (h *AuthHandler) StartConnect(w http.ResponseWriter, r *http.Request) {
	if _, ok := requireUserID(w, r); !ok {
		return
	}
	h.start(w, r, statetoken.PurposeConnect, ConnectCallbackPath)
}

// start はstateトークンを発行し、IdPの認可エンドポイントへリダイレクトする。
func (h *AuthHandler) start(w http.ResponseWriter, r *http.Request, purpose statetoken.Purpose, callbackPath string) {
	owner, err := h.ensureFlowOwner(w, r)
	if err != nil {
		slog.Error("failed to generate flow owner", slog.String("error", err.Error()))
		middleware.WriteInternalServerError(w)
		return
	}

	token, err := h.states.Issue(r.Context(), owner, purpose)
	if err != nil {
		slog.Error("failed to issue state token",
			slog.String("purpose", string(purpose)),
			slog.String("error", err.Error()),
		)
		middleware.WriteInternalServerError(w)
		return
	}

	authURL, err := h.authorizer.AuthorizationURL(r.Context(), auth.AuthorizationParams{
		RedirectURI: h.callbackURL(callbackPath),
		State:       token.Value,
	})
	if err != nil {
		if clearErr := h.states.Clear(r.Context(), owner, purpose); clearErr != nil {
			slog.Warn("failed to clear state token", slog.String("error", clearErr.Error()))
		}
		handleServiceError(w, err)
		return
	}

	http.Redirect(w, r, authURL, http.StatusFound)
}

// LoginCallback はログインフローのコールバックを処理する。
// GET /login/google/callback
func (h *AuthHandler) LoginCallback(w http.ResponseWriter, r *http.Request) {
	out := h.runCallback(r, statetoken.PurposeLogin, LoginCallbackPath)
	h.renderOutcome(w, r, out)
}

// ConnectCallback はアカウント連携フローのコールバックを処理する。
// GET /app/profile/connect/google/callback
func (h *AuthHandler) ConnectCallback(w http.ResponseWriter, r *http.Request) {
	out := h.runCallback(r, statetoken.PurposeConnect, ConnectCallbackPath)
	h.renderOutcome(w, r, out)
}

// PopupCallback はポップアップで開かれたログインのコールバックを処理し、
// 親ウィンドウへ結果を通知してポップアップを閉じるHTMLを返す。
// GET /auth/google/popup-callback
//
// 400: code/stateの欠落またはIdPからのエラー、500: 処理の失敗、200: 成功（重複呼び出しを含む）
func (h *AuthHandler) PopupCallback(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if q.Get("error") == "" && (q.Get("code") == "" || q.Get("state") == "") {
		apiErr := model.NewValidationError("codeまたはstateがありません")
		h.renderPopup(w, http.StatusBadRequest, "failed", apiErr.Code, apiErr.Message)
		return
	}

	out := h.runCallback(r, statetoken.PurposeLogin, PopupCallbackPath)
	switch out.Status {
	case callback.StatusSuccess:
		h.setSessionCookie(w, out.Session)
		h.renderPopup(w, http.StatusOK, string(out.Status), "", out.Message)
	case callback.StatusDuplicate:
		h.renderPopup(w, http.StatusOK, string(out.Status), "", "")
	default:
		status := http.StatusInternalServerError
		switch out.ErrorCode {
		case model.ErrCodeValidation, model.ErrCodeProviderError:
			status = http.StatusBadRequest
		}
		h.renderPopup(w, status, string(out.Status), out.ErrorCode, out.Message)
	}
}

func (h *AuthHandler) runCallback(r *http.Request, flow statetoken.Purpose, callbackPath string) callback.Outcome {
	owner := ""
	if c, err := r.Cookie(oauthFlowCookie); err == nil {
		owner = c.Value
	}
	currentUserID, _ := middleware.UserIDFromContext(r.Context())

	return h.callbacks.New(flow).Run(r.Context(), callback.Request{
		Owner:         owner,
		CurrentUserID: currentUserID,
		RedirectURI:   h.callbackURL(callbackPath),
		Query:         r.URL.Query(),
	})
}

// renderOutcome はコールバックの結果をブラウザに返す。
// 成功時は遷移先へリダイレクトし、失敗時はメッセージを表示してから遷移する。
// 重複呼び出しでは遷移させない。
func (h *AuthHandler) renderOutcome(w http.ResponseWriter, r *http.Request, out callback.Outcome) {
	switch out.Status {
	case callback.StatusSuccess:
		h.setSessionCookie(w, out.Session)
		http.Redirect(w, r, out.Redirect, http.StatusFound)
	case callback.StatusDuplicate:
		renderHTML(w, http.StatusOK, statusPageTmpl, statusPage{
			Title: "処理中です",
		})
	default:
		renderHTML(w, mapAPIErrorToHTTPStatus(&model.APIError{Code: out.ErrorCode}), statusPageTmpl, statusPage{
			Title:    "処理に失敗しました",
			Message:  out.Message,
			Redirect: out.Redirect,
			Delay:    out.Delay,
		})
	}
}

func (h *AuthHandler) renderPopup(w http.ResponseWriter, statusCode int, status, code, message string) {
	title := "ログインに失敗しました"
	if statusCode == http.StatusOK {
		title = "ログインしました"
	}
	renderHTML(w, statusCode, popupPageTmpl, popupPage{
		Title:   title,
		Message: message,
		Payload: popupMessage{
			Type:    popupMessageType,
			Status:  status,
			Code:    code,
			Message: message,
		},
		TargetOrigin: h.config.PopupOrigin,
	})
}

// Logout はセッションを破棄する。
// POST /auth/logout
func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	if cookie, err := r.Cookie(middleware.SessionCookieName); err == nil && cookie.Value != "" {
		if logoutErr := h.sessions.Logout(r.Context(), cookie.Value); logoutErr != nil {
			// ログアウトに失敗してもCookieはクリアする
			slog.Error("failed to logout", slog.String("error", logoutErr.Error()))
		}
	}

	h.clearCookie(w, middleware.SessionCookieName)
	w.WriteHeader(http.StatusNoContent)
}

// Me は現在のログインユーザー情報を返す。
// GET /auth/me
func (h *AuthHandler) Me(w http.ResponseWriter, r *http.Request) {
	cookie, err := r.Cookie(middleware.SessionCookieName)
	if err != nil || cookie.Value == "" {
		writeAPIErrorResponse(w, http.StatusUnauthorized, model.NewUnauthorizedError())
		return
	}

	user, err := h.sessions.GetCurrentUser(r.Context(), cookie.Value)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"id":    user.ID,
		"email": user.Email,
		"name":  user.Name,
		"role":  user.Role,
	})
}

// ensureFlowOwner はoauth_flow Cookieの値を返す。未設定の場合は生成する。
// 新しいstateの有効期限に合わせ、開始のたびにCookieの有効期限を延長する。
func (h *AuthHandler) ensureFlowOwner(w http.ResponseWriter, r *http.Request) (string, error) {
	var owner string
	if c, err := r.Cookie(oauthFlowCookie); err == nil && c.Value != "" {
		owner = c.Value
	} else {
		owner, err = security.RandomToken(flowOwnerBytes)
		if err != nil {
			return "", err
		}
	}
	http.SetCookie(w, &http.Cookie{
		Name:     oauthFlowCookie,
		Value:    owner,
		Path:     "/",
		Domain:   h.config.CookieDomain,
		MaxAge:   int(h.config.StateTTL / time.Second),
		HttpOnly: true,
		Secure:   h.config.CookieSecure,
		SameSite: http.SameSiteLaxMode, // IdPからのトップレベル遷移で送信される
	})
	return owner, nil
}

func (h *AuthHandler) setSessionCookie(w http.ResponseWriter, session *model.Session) {
	if session == nil {
		return
	}
	http.SetCookie(w, &http.Cookie{
		Name:     middleware.SessionCookieName,
		Value:    session.ID,
		Path:     "/",
		Domain:   h.config.CookieDomain,
		MaxAge:   h.config.SessionMaxAge,
		HttpOnly: true,
		Secure:   h.config.CookieSecure,
		SameSite: http.SameSiteLaxMode,
	})
}

func (h *AuthHandler) clearCookie(w http.ResponseWriter, name string) {
	http.SetCookie(w, &http.Cookie{
		Name:     name,
		Value:    "",
		Path:     "/",
		Domain:   h.config.CookieDomain,
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   h.config.CookieSecure,
		SameSite: http.SameSiteLaxMode,
	})
}

func (h *AuthHandler) callbackURL(path string) string {
	return strings.TrimSuffix(h.config.BaseURL, "/") + path
}

// originOf はURLからスキーム・ホスト部分を取り出す。
func originOf(rawURL string) string {
	if i := strings.Index(rawURL, "://"); i >= 0 {
		if j := strings.Index(rawURL[i+3:], "/"); j >= 0 {
			return rawURL[:i+3+j]
		}
	}
	return rawURL
}
