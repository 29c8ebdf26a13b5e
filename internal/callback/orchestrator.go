// Package callback はOAuthコールバックの処理手順を制御する。
//
// Orchestratorはコールバック1回につき1つ生成し、
// 認証状態の確認、パラメータ検証、state検証、コード交換、アカウント照合を
// 高々1回だけ順に実行する。結果は表示層が解釈するOutcomeとして返す。
package callback

import (
	"context"
	"errors"
	"log/slog"
	"net/url"
	"sync/atomic"
	"time"

	"github.com/hitoshi/accountlink/internal/auth"
	"github.com/hitoshi/accountlink/internal/metrics"
	"github.com/hitoshi/accountlink/internal/model"
	"github.com/hitoshi/accountlink/internal/security"
	"github.com/hitoshi/accountlink/internal/statetoken"
)

// 遷移先
const (
	LoginPage   = "/login"
	AppHome     = "/app"
	ProfilePage = "/app/profile"
)

// DefaultFailureDelay は失敗時に遷移するまでの既定の待ち時間。
const DefaultFailureDelay = 3 * time.Second

// Status はコールバック処理の結果種別。
type Status string

const (
	StatusSuccess   Status = "success"
	StatusFailed    Status = "failed"
	StatusDuplicate Status = "duplicate"
)

// Request はコールバック1回分の入力。
type Request struct {
	Owner         string     // oauth_flow Cookieの値
	CurrentUserID string     // 未ログインの場合は空
	RedirectURI   string     // 認可リクエストで使用したredirect_uri
	Query         url.Values // code, state, error, error_description
}

// Outcome は表示層に渡す処理結果。
type Outcome struct {
	Status    Status
	Message   string
	ErrorCode string
	Redirect  string        // 空の場合は遷移しない
	Delay     time.Duration // Redirectまでの待ち時間
	Session   *model.Session
	UserID    string
}

// Reconciler は外部プロフィールとローカルアカウントを照合する。
type Reconciler interface {
	LoginWithProfile(ctx context.Context, profile *model.ExternalProfile) (*auth.LoginResult, error)
	ConnectProfileToCurrentUser(ctx context.Context, currentUserID string, profile *model.ExternalProfile) (*model.Identity, error)
}

// Runner はコールバック処理の実行インターフェース。
type Runner interface {
	Run(ctx context.Context, req Request) Outcome
}

// Deps はOrchestratorの依存。
type Deps struct {
	States       statetoken.Store
	Exchanger    auth.Exchanger
	Reconciler   Reconciler
	Sanitizer    security.MessageSanitizer
	Metrics      metrics.MetricsCollector
	FailureDelay time.Duration
}

// Factory はフローごとにOrchestratorを生成する。
type Factory struct {
	deps Deps
}

// NewFactory はFactoryを生成する。
func NewFactory(deps Deps) *Factory {
	if deps.Metrics == nil {
		deps.Metrics = metrics.Nop{}
	}
	if deps.Sanitizer == nil {
		deps.Sanitizer = security.NewMessageSanitizer()
	}
	if deps.FailureDelay <= 0 {
		deps.FailureDelay = DefaultFailureDelay
	}
	return &Factory{deps: deps}
}

// New はコールバック1回分のRunnerを返す。
func (f *Factory) New(flow statetoken.Purpose) Runner {
	return &Orchestrator{deps: f.deps, flow: flow}
}

// Orchestrator はコールバック1回分の処理を制御する。
// doneフラグにより、Runが複数回呼ばれても処理は1回しか実行されない。
type Orchestrator struct {
	deps Deps
	flow statetoken.Purpose
	done atomic.Bool
}

// Run はコールバックを処理する。2回目以降の呼び出しは副作用なしにStatusDuplicateを返す。
func (o *Orchestrator) Run(ctx context.Context, req Request) Outcome {
	if !o.done.CompareAndSwap(false, true) {
		o.deps.Metrics.RecordCallback(string(o.flow), string(StatusDuplicate))
		return Outcome{Status: StatusDuplicate}
	}

	out := o.run(ctx, req)

	o.deps.Metrics.RecordCallback(string(o.flow), string(out.Status))
	slog.Info("oauth callback handled",
		slog.String("flow", string(o.flow)),
		slog.String("status", string(out.Status)),
		slog.String("error_code", out.ErrorCode),
		slog.String("user_id", out.UserID),
	)
	return out
}

func (o *Orchestrator) run(ctx context.Context, req Request) Outcome {
	// 1. 認証状態の確認（connectはログイン必須）
	if o.flow == statetoken.PurposeConnect && req.CurrentUserID == "" {
		o.clear(ctx, req.Owner)
		return o.fail(model.NewUnauthorizedError(), LoginPage)
	}

	// 2. パラメータの検証。IdPのエラーはそのまま表示する
	if providerErr := req.Query.Get("error"); providerErr != "" {
		o.clear(ctx, req.Owner)
		desc := req.Query.Get("error_description")
		if desc == "" {
			desc = providerErr
		}
		return o.fail(model.NewProviderError(o.deps.Sanitizer.Sanitize(desc)), "")
	}
	code, state := req.Query.Get("code"), req.Query.Get("state")
	if code == "" || state == "" {
		o.clear(ctx, req.Owner)
		return o.fail(model.NewValidationError("codeまたはstateがありません"), "")
	}

	// 3. stateの検証。処理中・処理済みは重複呼び出しとして静かに終了する
	result, err := o.deps.States.Validate(ctx, req.Owner, o.flow, state)
	if err != nil {
		slog.Error("failed to validate state token", slog.String("error", err.Error()))
		return o.fail(model.NewInternalError(), "")
	}
	o.deps.Metrics.RecordStateValidation(result.String())

	switch {
	case result.IsDuplicate():
		return Outcome{Status: StatusDuplicate}
	case result != statetoken.Valid:
		slog.Warn("state token mismatch", slog.String("flow", string(o.flow)))
		return o.fail(model.NewCSRFMismatchError(), "")
	}

	// 以降は成功・失敗にかかわらずトークンを処理済みにする
	defer o.markProcessed(ctx, req.Owner, state)

	// 4. 認可コードの交換
	start := time.Now()
	profile, err := o.deps.Exchanger.Exchange(ctx, code, state, req.RedirectURI)
	o.deps.Metrics.RecordExchangeLatency(time.Since(start))
	if err != nil {
		o.deps.Metrics.RecordExchangeFailure()
		// 交換段階の失敗は原因によらず同じメッセージで返し、原因はログにのみ残す
		if code := model.ErrorCode(err); code != "" {
			slog.Warn("code exchange rejected", slog.String("error_code", code))
		} else {
			slog.Error("code exchange error", slog.String("error", err.Error()))
		}
		return o.fail(model.NewExchangeFailedError(), "")
	}

	// 5. アカウントの照合
	if o.flow == statetoken.PurposeConnect {
		return o.connect(ctx, req.CurrentUserID, profile)
	}
	return o.login(ctx, profile)
}

func (o *Orchestrator) login(ctx context.Context, profile *model.ExternalProfile) Outcome {
	result, err := o.deps.Reconciler.LoginWithProfile(ctx, profile)
	if err != nil {
		return o.fail(err, "")
	}
	if result.Created {
		o.deps.Metrics.RecordAccountCreated()
	}

	message := "ログインしました。"
	if result.Created {
		message = "アカウントを作成してログインしました。"
	}
	return Outcome{
		Status:   StatusSuccess,
		Message:  message,
		Redirect: AppHome,
		Session:  result.Session,
		UserID:   result.User.ID,
	}
}

func (o *Orchestrator) connect(ctx context.Context, userID string, profile *model.ExternalProfile) Outcome {
	if _, err := o.deps.Reconciler.ConnectProfileToCurrentUser(ctx, userID, profile); err != nil {
		return o.fail(err, "")
	}
	o.deps.Metrics.RecordAccountLinked()

	return Outcome{
		Status:   StatusSuccess,
		Message:  "Googleアカウントを連携しました。",
		Redirect: ProfilePage,
		UserID:   userID,
	}
}

// fail はエラーを失敗のOutcomeに変換する。redirectが空の場合はフローの既定の遷移先を使う。
// APIError以外のエラーは内部エラーとして扱い、詳細はログにのみ記録する。
func (o *Orchestrator) fail(err error, redirect string) Outcome {
	var apiErr *model.APIError
	if !errors.As(err, &apiErr) {
		slog.Error("oauth callback failed",
			slog.String("flow", string(o.flow)),
			slog.String("error", err.Error()),
		)
		apiErr = model.NewInternalError()
	}

	if redirect == "" {
		redirect = LoginPage
		if o.flow == statetoken.PurposeConnect {
			redirect = ProfilePage
		}
	}

	return Outcome{
		Status:    StatusFailed,
		Message:   apiErr.Message,
		ErrorCode: apiErr.Code,
		Redirect:  redirect,
		Delay:     o.deps.FailureDelay,
	}
}

// clear はpendingのトークンを破棄する。失敗してもコールバックの結果は変えない。
func (o *Orchestrator) clear(ctx context.Context, owner string) {
	if owner == "" {
		return
	}
	if err := o.deps.States.Clear(context.WithoutCancel(ctx), owner, o.flow); err != nil {
		slog.Warn("failed to clear state token", slog.String("error", err.Error()))
	}
}

func (o *Orchestrator) markProcessed(ctx context.Context, owner, state string) {
	if err := o.deps.States.MarkProcessed(context.WithoutCancel(ctx), owner, o.flow, state); err != nil {
		slog.Warn("failed to mark state token processed", slog.String("error", err.Error()))
	}
}

// compile-time interface check
var _ Runner = (*Orchestrator)(nil)
