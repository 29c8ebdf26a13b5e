package handler

import (
	"bytes"
	"html/template"
	"log/slog"
	"net/http"
	"time"
)

var statusPageTmpl = template.Must(template.New("status").Parse(`<!DOCTYPE html>
<html lang="ja">
<head>
<meta charset="utf-8">
<title>{{.Title}}</title>
{{- if .Redirect}}
<meta http-equiv="refresh" content="{{.DelaySeconds}};url={{.Redirect}}">
{{- end}}
</head>
<body>
<main>
<h1>{{.Title}}</h1>
{{- if .Message}}
<p>{{.Message}}</p>
{{- end}}
{{- if .Redirect}}
<p><a href="{{.Redirect}}">移動しない場合はこちら</a></p>
{{- end}}
</main>
</body>
</html>
`))

var popupPageTmpl = template.Must(template.New("popup").Parse(`<!DOCTYPE html>
<html lang="ja">
<head>
<meta charset="utf-8">
<title>{{.Title}}</title>
</head>
<body>
<p>{{.Message}}</p>
<script>
(function () {
  if (window.opener) {
    window.opener.postMessage({{.Payload}}, {{.TargetOrigin}});
  }
  window.close();
})();
</script>
</body>
</html>
`))

// statusPage はコールバック結果を表示するページ。
type statusPage struct {
	Title    string
	Message  string
	Redirect string
	Delay    time.Duration
}

// DelaySeconds はmeta refreshに指定する秒数。
func (p statusPage) DelaySeconds() int {
	return int(p.Delay / time.Second)
}

// popupMessage はポップアップから親ウィンドウに送るメッセージ。
type popupMessage struct {
	Type    string `json:"type"`
	Status  string `json:"status"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
}

type popupPage struct {
	Title        string
	Message      string
	Payload      popupMessage
	TargetOrigin string
}

// renderHTML はテンプレートを描画して書き込む。描画に失敗した場合は500を返す。
func renderHTML(w http.ResponseWriter, statusCode int, tmpl *template.Template, data any) {
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		slog.Error("failed to render page", slog.String("template", tmpl.Name()), slog.String("error", err.Error()))
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(statusCode)
	w.Write(buf.Bytes())
}
