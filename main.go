//go:build !server

package main

import (
	"embed"
	"io"
	"net/http"

	"github.com/wailsapp/wails/v2"
	"github.com/wailsapp/wails/v2/pkg/logger"
	"github.com/wailsapp/wails/v2/pkg/options"
	"github.com/wailsapp/wails/v2/pkg/options/assetserver"
)

//go:embed all:frontend/dist
var assets embed.FS

// scriptMiddleware serves the bridge script with the responder's port and
// invoke key substituted. It renders per request: the responder binds its
// port during OnStartup, after the asset server is built.
func scriptMiddleware(app *App) assetserver.Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path == "/invoke_system.js" {
				if app.Server() == nil {
					http.Error(w, "responder not ready", http.StatusServiceUnavailable)
					return
				}
				w.Header().Set("Content-Type", "text/javascript")
				io.WriteString(w, app.InvokeScript())
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func main() {
	app := NewApp()

	err := wails.Run(&options.App{
		Title:     "invokehttp",
		Width:     900,
		Height:    600,
		MinWidth:  700,
		MinHeight: 450,
		AssetServer: &assetserver.Options{
			Assets:     assets,
			Middleware: scriptMiddleware(app),
		},
		LogLevel:           logger.DEBUG,
		LogLevelProduction: logger.INFO,
		OnStartup:          app.startup,
		OnShutdown:         app.shutdown,
		Bind: []interface{}{
			app,
		},
	})

	if err != nil {
		println("Error:", err.Error())
	}
}
