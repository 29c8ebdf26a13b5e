package auth

import (
	"context"
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/golang-jwt/jwt/v5"

	"github.com/hitoshi/accountlink/internal/model"
)

const testIssuer = "https://accounts.google.test"

// fakeGoogle はトークンエンドポイントとuserinfoエンドポイントを模擬する。
type fakeGoogle struct {
	t          *testing.T
	key        *rsa.PrivateKey
	server     *httptest.Server
	tokenCalls int

	// 各テストで上書きする
	tokenStatus int
	idClaims    jwt.MapClaims // nilの場合id_tokenを返さない
	userInfo    map[string]any
	userStatus  int
	lastForm    map[string]string
	signWithKey *rsa.PrivateKey
}

func newFakeGoogle(t *testing.T) *fakeGoogle {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("failed to generate key: %v", err)
	}

	f := &fakeGoogle{
		t:           t,
		key:         key,
		tokenStatus: http.StatusOK,
		userStatus:  http.StatusOK,
		idClaims: jwt.MapClaims{
			"iss":            testIssuer,
			"aud":            "test-client-id",
			"sub":            "g1",
			"email":          "a@x.com",
			"email_verified": true,
			"exp":            time.Now().Add(time.Hour).Unix(),
			"iat":            time.Now().Unix(),
		},
		userInfo: map[string]any{
			"sub":            "g1",
			"email":          "a@x.com",
			"email_verified": true,
			"name":           "Alice",
			"picture":        "https://example.com/a.png",
		},
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/token", f.handleToken)
	mux.HandleFunc("/userinfo", f.handleUserInfo)
	f.server = httptest.NewServer(mux)
	t.Cleanup(f.server.Close)
	return f
}

func (f *fakeGoogle) handleToken(w http.ResponseWriter, r *http.Request) {
	f.tokenCalls++
	if err := r.ParseForm(); err != nil {
		f.t.Errorf("failed to parse token form: %v", err)
	}
	f.lastForm = map[string]string{}
	for k := range r.PostForm {
		f.lastForm[k] = r.PostForm.Get(k)
	}

	if f.tokenStatus != http.StatusOK {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(f.tokenStatus)
		json.NewEncoder(w).Encode(map[string]string{"error": "invalid_grant", "error_description": "Bad Request"})
		return
	}

	resp := map[string]any{
		"access_token": "test-access-token",
		"token_type":   "Bearer",
		"expires_in":   3600,
	}
	if f.idClaims != nil {
		signer := f.key
		if f.signWithKey != nil {
			signer = f.signWithKey
		}
		raw, err := jwt.NewWithClaims(jwt.SigningMethodRS256, f.idClaims).SignedString(signer)
		if err != nil {
			f.t.Errorf("failed to sign id_token: %v", err)
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		resp["id_token"] = raw
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

func (f *fakeGoogle) handleUserInfo(w http.ResponseWriter, r *http.Request) {
	if r.Header.Get("Authorization") != "Bearer test-access-token" {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}
	if f.userStatus != http.StatusOK {
		w.WriteHeader(f.userStatus)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(f.userInfo)
}

func (f *fakeGoogle) exchanger(cfg *model.AuthProviderConfig) *GoogleExchanger {
	loader := &mockConfigLoader{loadFn: func(context.Context, string) (*model.AuthProviderConfig, error) {
		return cfg, nil
	}}
	keySet := &oidc.StaticKeySet{PublicKeys: []crypto.PublicKey{&f.key.PublicKey}}
	return NewGoogleExchanger(loader, GoogleEndpoints{
		TokenURL:    f.server.URL + "/token",
		UserInfoURL: f.server.URL + "/userinfo",
		Issuer:      testIssuer,
	}, keySet, f.server.Client())
}

const testRedirect = "https://app.example.com/login/google/callback"

func TestGoogleExchanger_Success(t *testing.T) {
	g := newFakeGoogle(t)
	ex := g.exchanger(enabledConfig())

	profile, err := ex.Exchange(context.Background(), "C1", "S1", testRedirect)
	if err != nil {
		t.Fatalf("Exchange() error = %v", err)
	}

	want := model.ExternalProfile{
		Provider:       model.ProviderTypeGoogle,
		ProviderUserID: "g1",
		Email:          "a@x.com",
		EmailVerified:  true,
		Name:           "Alice",
		AvatarURL:      "https://example.com/a.png",
	}
	if *profile != want {
		t.Errorf("profile = %+v, want %+v", *profile, want)
	}

	// client_secretはリクエストパラメータで送られ、stateは送られない
	if g.lastForm["client_secret"] != "test-secret" || g.lastForm["code"] != "C1" || g.lastForm["redirect_uri"] != testRedirect {
		t.Errorf("unexpected token request: %v", g.lastForm)
	}
	if _, ok := g.lastForm["state"]; ok {
		t.Error("state must not be forwarded to the token endpoint")
	}
}

func TestGoogleExchanger_WithoutIDToken_UsesUserInfo(t *testing.T) {
	g := newFakeGoogle(t)
	g.idClaims = nil
	ex := g.exchanger(enabledConfig())

	profile, err := ex.Exchange(context.Background(), "C1", "S1", testRedirect)
	if err != nil {
		t.Fatalf("Exchange() error = %v", err)
	}
	if profile.ProviderUserID != "g1" || profile.Email != "a@x.com" {
		t.Errorf("unexpected profile: %+v", profile)
	}
}

func TestGoogleExchanger_Failures(t *testing.T) {
	otherKey, _ := rsa.GenerateKey(rand.Reader, 2048)

	tests := []struct {
		name   string
		mutate func(g *fakeGoogle)
	}{
		{"provider rejects code", func(g *fakeGoogle) { g.tokenStatus = http.StatusBadRequest }},
		{"id_token signed by unknown key", func(g *fakeGoogle) { g.signWithKey = otherKey }},
		{"id_token for another client", func(g *fakeGoogle) { g.idClaims["aud"] = "someone-else" }},
		{"id_token from another issuer", func(g *fakeGoogle) { g.idClaims["iss"] = "https://evil.example" }},
		{"id_token expired", func(g *fakeGoogle) { g.idClaims["exp"] = time.Now().Add(-time.Hour).Unix() }},
		{"userinfo error", func(g *fakeGoogle) { g.userStatus = http.StatusInternalServerError }},
		{"userinfo without sub", func(g *fakeGoogle) {
			g.idClaims = nil
			delete(g.userInfo, "sub")
		}},
		{"userinfo sub differs from id_token", func(g *fakeGoogle) { g.userInfo["sub"] = "g2" }},
		{"no email anywhere", func(g *fakeGoogle) {
			delete(g.idClaims, "email")
			delete(g.userInfo, "email")
		}},
		{"id_token email unverified", func(g *fakeGoogle) { g.idClaims["email_verified"] = false }},
		{"userinfo email unverified without id_token", func(g *fakeGoogle) {
			g.idClaims = nil
			g.userInfo["email_verified"] = false
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := newFakeGoogle(t)
			tt.mutate(g)
			ex := g.exchanger(enabledConfig())

			_, err := ex.Exchange(context.Background(), "C1", "S1", testRedirect)
			if model.ErrorCode(err) != model.ErrCodeExchangeFailed {
				t.Fatalf("expected EXCHANGE_FAILED, got %v", err)
			}
			// IdPの応答内容はクライアント向けエラーに含めない
			if apiErr := err.(*model.APIError); apiErr.Message != model.NewExchangeFailedError().Message {
				t.Errorf("message leaked provider details: %q", apiErr.Message)
			}
		})
	}
}

func TestGoogleExchanger_ProviderDisabled(t *testing.T) {
	disabled := enabledConfig()
	disabled.Enabled = false
	noSecret := enabledConfig()
	noSecret.ClientSecret = ""

	for name, cfg := range map[string]*model.AuthProviderConfig{
		"absent":    nil,
		"disabled":  disabled,
		"no secret": noSecret,
	} {
		t.Run(name, func(t *testing.T) {
			g := newFakeGoogle(t)
			ex := g.exchanger(cfg)

			_, err := ex.Exchange(context.Background(), "C1", "S1", testRedirect)
			if model.ErrorCode(err) != model.ErrCodeProviderDisabled {
				t.Fatalf("expected PROVIDER_DISABLED, got %v", err)
			}
			if g.tokenCalls != 0 {
				t.Error("token endpoint must not be called")
			}
		})
	}
}

// ID tokenの検証済みクレームはuserinfoの値より優先される
func TestGoogleExchanger_IDTokenEmailVerifiedWinsOverUserInfo(t *testing.T) {
	g := newFakeGoogle(t)
	g.idClaims["email_verified"] = false
	g.userInfo["email_verified"] = true
	ex := g.exchanger(enabledConfig())

	profile, err := ex.Exchange(context.Background(), "C1", "S1", testRedirect)
	if model.ErrorCode(err) != model.ErrCodeExchangeFailed {
		t.Fatalf("expected EXCHANGE_FAILED, got profile=%+v err=%v", profile, err)
	}
}
