package control

import (
	"net/http"
	hpprof "net/http/pprof"
	"strings"
)

const pprofPrefix = "/debug/pprof/"

// mountPprof serves the runtime profiles behind the same bearer auth as the API.
func mountPprof(mux *http.ServeMux) {
	base := strings.TrimSuffix(pprofPrefix, "/")
	mux.HandleFunc("GET "+pprofPrefix, pprofIndex)
	mux.HandleFunc("GET "+base+"/cmdline", hpprof.Cmdline)
	mux.HandleFunc("GET "+base+"/profile", hpprof.Profile)
	mux.HandleFunc("GET "+base+"/symbol", hpprof.Symbol)
	mux.HandleFunc("POST "+base+"/symbol", hpprof.Symbol)
	mux.HandleFunc("GET "+base+"/trace", hpprof.Trace)
}

// pprofIndex serves the index and the named profiles (heap, goroutine, ...).
func pprofIndex(w http.ResponseWriter, r *http.Request) {
	name := strings.TrimPrefix(r.URL.Path, pprofPrefix)
	if name == "" {
		hpprof.Index(w, r)
		return
	}
	hpprof.Handler(name).ServeHTTP(w, r)
}
