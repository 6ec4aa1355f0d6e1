package handlers

import (
	"embed"
	"io/fs"
	"net/http"
)

//go:embed static
var staticFiles embed.FS

// DemoHandler 实时通道演示页面：采集麦克风音频经 /ws 推送，并绘制回传的帧
type DemoHandler struct {
	static http.Handler
	index  []byte
}

// NewDemoHandler 创建演示页面处理器
func NewDemoHandler() *DemoHandler {
	sub, err := fs.Sub(staticFiles, "static")
	if err != nil {
		panic(err)
	}
	index, err := fs.ReadFile(sub, "index.html")
	if err != nil {
		panic(err)
	}
	return &DemoHandler{
		static: http.StripPrefix("/static/", http.FileServerFS(sub)),
		index:  index,
	}
}

// Register 注册路由
func (h *DemoHandler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /{$}", h.HandleIndex)
	mux.Handle("GET /static/", h.static)
}

// HandleIndex 处理 GET /
func (h *DemoHandler) HandleIndex(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache")
	_, _ = w.Write(h.index)
}
