package api

import (
	"html/template"
	"io"
	"strings"

	"school-messaging/internal/model"
)

var pairingPage = template.Must(template.New("pairing").Parse(`<!doctype html>
<html>
<head>
<title>Messaging pairing</title>
<meta name="viewport" content="width=device-width, initial-scale=1">
<style>
body { font-family: sans-serif; display: flex; align-items: center; justify-content: center; height: 100vh; margin: 0; background: #f8fafc; }
.card { background: white; padding: 2rem; border-radius: 1.5rem; box-shadow: 0 10px 15px -3px rgba(0,0,0,.1); text-align: center; }
img { width: 300px; height: 300px; margin: 1rem 0; }
code { word-break: break-all; }
</style>
</head>
<body>
<div class="card">
{{- if .Image}}
<h1>Scan to link messaging</h1>
<img src="{{.Image}}" alt="Pairing code">
{{- else if .Code}}
<h1>Pairing code</h1>
<p><code>{{.Code}}</code></p>
{{- else}}
<h1>No pairing code available</h1>
<p>Start a session first, then reopen this page.</p>
{{- end}}
<p>Status: <strong>{{.Status}}</strong></p>
</div>
<script>setTimeout(function () { window.location.reload(); }, 5000);</script>
</body>
</html>
`))

type pairingView struct {
	Status model.SessionStatus
	Image  template.URL
	Code   string
}

func renderPairingPage(w io.Writer, s *model.TenantSession) error {
	v := pairingView{Status: s.Status}
	if s.PairingPayload != nil {
		if p := *s.PairingPayload; strings.HasPrefix(p, "data:image/png;base64,") {
			v.Image = template.URL(p)
		} else {
			v.Code = p
		}
	}
	return pairingPage.Execute(w, v)
}
