package web

import (
	"html/template"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
)

var templateFuncs = template.FuncMap{
	"join": func(items []string) string { return strings.Join(items, ", ") },
	"ts":   func(t time.Time) string { return t.Format("2006-01-02 15:04:05") },
	"deref": func(b *bool) string {
		if b == nil {
			return "-"
		}
		if *b {
			return "yes"
		}
		return "no"
	},
}

// render исполняет именованный шаблон. Заголовки ответа выставляет вызывающий.
func (s *Server) render(w http.ResponseWriter, name string, data any) {
	if err := s.tmpl.ExecuteTemplate(w, name, data); err != nil {
		s.log.Error("Error rendering template", zap.String("template", name), zap.Error(err))
	}
}

const pageTemplates = `{{define "head"}}<!DOCTYPE html>
<html lang="en">
<head>
    <meta charset="UTF-8">
    <meta name="viewport" content="width=device-width, initial-scale=1.0">
    <title>{{.}} - Userbot Hub</title>
    <style>
        body { font-family: system-ui, sans-serif; margin: 2rem; background: #f9fafb; color: #111827; }
        table { border-collapse: collapse; width: 100%; margin-bottom: 2rem; background: #fff; }
        th, td { border: 1px solid #e5e7eb; padding: .4rem .6rem; text-align: left; font-size: .9rem; }
        th { background: #f3f4f6; }
        .cards { display: flex; gap: 1rem; flex-wrap: wrap; margin-bottom: 2rem; }
        .card { background: #fff; border: 1px solid #e5e7eb; border-radius: .5rem; padding: .8rem 1.2rem; }
        .card b { display: block; font-size: 1.4rem; }
        .muted { color: #6b7280; }
    </style>
</head>
<body>{{end}}

{{define "dashboard"}}{{template "head" "Dashboard"}}
    <h1>Userbot Hub</h1>
    {{with .Stats}}
    <div class="cards">
        <div class="card"><b>{{.Sessions.ActiveClients}}</b>active clients</div>
        <div class="card"><b>{{.Sessions.AlwaysOnUsers}}</b>always-on</div>
        <div class="card"><b>{{.Sessions.OnDemandActive}}</b>on-demand</div>
        <div class="card"><b>{{.Sessions.CachedSessions}}</b>cached sessions</div>
        <div class="card"><b>{{.Sessions.PendingLogins}}</b>pending logins</div>
        <div class="card"><b>{{.Sessions.PendingConfirmations}}</b>pending confirmations</div>
        <div class="card"><b>{{.Users.LoggedIn}} / {{.Users.Total}}</b>users logged in</div>
        <div class="card"><b>{{.Users.Banned}}</b>banned</div>
        <div class="card"><b>{{.PluginsLoaded}}</b>plugin instances</div>
    </div>
    {{end}}

    <h2>Plugins</h2>
    <table>
        <tr><th>Name</th><th>Commands</th><th>Public</th><th>Disabled</th><th>Forced</th><th>Always-on</th><th>Usage</th></tr>
        {{range .Plugins}}
        <tr>
            <td>{{.Name}}{{with .Version}} <span class="muted">v{{.}}</span>{{end}}</td>
            <td>{{join .Commands}}</td>
            <td>{{if .Public}}yes{{else}}no{{end}}</td>
            <td>{{if .Disabled}}yes{{else}}no{{end}}</td>
            <td>{{if .ForceActive}}yes{{else}}no{{end}}</td>
            <td>{{deref .AlwaysOn}}</td>
            <td>{{.UsageCount}}</td>
        </tr>
        {{else}}
        <tr><td colspan="7" class="muted">No plugins registered</td></tr>
        {{end}}
    </table>

    <h2>Recent events</h2>
    <table>
        <tr><th>Time</th><th>Kind</th><th>User</th><th>Message</th></tr>
        {{range .Logs}}
        <tr><td>{{ts .CreatedAt}}</td><td>{{.Kind}}</td><td>{{if .UserID}}{{.UserID}}{{end}}</td><td>{{.Message}}</td></tr>
        {{else}}
        <tr><td colspan="4" class="muted">No events</td></tr>
        {{end}}
    </table>
</body>
</html>{{end}}

{{define "unauthorized"}}{{template "head" "Authentication Required"}}
    <h1>Authentication Required</h1>
    <p>Open the login link the bot sent to the owner. Each link works once.</p>
</body>
</html>{{end}}
`
