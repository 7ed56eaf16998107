package main

import (
	"log"
	"net/http"
	"strings"
)

// ServeHTTP routes incoming requests to the appropriate handler.
func (s *muxServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	reqID := randomID()
	if s.cfg.Debug {
		log.Printf("[%s] incoming %s %s", reqID, r.Method, r.URL.Path)
	}

	switch r.URL.Path {
	case "/healthz":
		s.serveHealth(w)
		return
	case "/metrics":
		s.metrics.serve(s.queue)(w, r)
		return
	case "/favicon.ico":
		http.NotFound(w, r)
		return
	case "/admin/reload":
		if !s.adminAuthorized(w, r) {
			return
		}
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		s.reloadAccounts(w)
		return
	case "/admin/accounts":
		if !s.adminAuthorized(w, r) {
			return
		}
		switch r.Method {
		case http.MethodGet:
			s.serveAccounts(w)
		case http.MethodPost:
			s.addAccount(w, r)
		default:
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		}
		return
	}

	// Per-account admin actions: /admin/accounts/:id/<action>
	if strings.HasPrefix(r.URL.Path, "/admin/accounts/") {
		if !s.adminAuthorized(w, r) {
			return
		}
		if r.Method != http.MethodPost && r.Method != http.MethodDelete {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		s.serveAccountAction(w, r, strings.TrimPrefix(r.URL.Path, "/admin/accounts/"))
		return
	}

	// Everything that looks like a responses call is dispatched against
	// the pool.
	if r.Method == http.MethodPost && isResponsesPath(r.URL.Path) {
		s.dispatcher.serveResponses(w, r, reqID)
		return
	}

	http.NotFound(w, r)
}

func isResponsesPath(path string) bool {
	return path == "/v1/responses" ||
		path == "/responses" ||
		strings.HasSuffix(path, "/codex/responses")
}
