package web

import (
	"log/slog"
	"net/http"
	"net/url"

	"github.com/gorilla/mux"
	"github.com/mailsift/mailsift/ingest"
	"golang.org/x/oauth2"
)

func (s *Server) oauth(r *mux.Router) {
	// OAuth routes with smaller body limit (16 KB)
	oauthRouter := r.PathPrefix("/api/").Subrouter()
	oauthRouter.Use(RequestSizeLimitMiddleware(OAuthCallbackMaxBodySize))
	oauthRouter.HandleFunc("/glink", s.GoogleAccountLinkingHandler).Methods("GET")
}

// GoogleAccountLinkingHandler exchanges the authorization code for tokens,
// resolves the mailbox address via the Gmail profile and stores the
// connected account for the user.
func (s *Server) GoogleAccountLinkingHandler(w http.ResponseWriter, r *http.Request) {
	err := r.ParseForm()
	if handleMaxBytesError(w, r, err, OAuthCallbackMaxBodySize) {
		return
	}
	if err != nil {
		slog.Error("Failed to parse OAuth form", "error", err)
		http.Error(w, "Invalid request format", http.StatusBadRequest)
		return
	}

	redirectUri := r.FormValue("redirectUri")
	if redirectUri == "" {
		http.Error(w, "redirectUri not found in request", http.StatusBadRequest)
		return
	}
	userId := r.FormValue("user_id")
	if userId == "" {
		http.Error(w, "user_id not found in request", http.StatusBadRequest)
		return
	}
	code := r.FormValue("code")

	// Exchange authZ code for tokens.
	token, err := s.oauthConfig.Exchange(r.Context(), code,
		oauth2.SetAuthURLParam("redirect_uri", redirectUri))
	if err != nil {
		slog.Warn("Failed to exchange authorization code", "error", err)
		http.Error(w, "Failed to exchange authorization code", http.StatusBadRequest)
		return
	}
	if token.AccessToken == "" || token.RefreshToken == "" {
		slog.Warn("Access or Refresh token could not be obtained")
		http.Error(w, "Access or Refresh token could not be obtained", http.StatusBadRequest)
		return
	}

	email, err := ingest.Identity(r.Context(), s.oauthConfig, token.RefreshToken)
	if err != nil {
		slog.Error("Failed to get user identity", "error", err)
		http.Error(w, "Failed to verify account", http.StatusInternalServerError)
		return
	}

	accountId, err := s.store.SaveAccount(r.Context(), userId, email, token.AccessToken, token.RefreshToken)
	if err != nil {
		slog.Error("Failed to save account",
			"user_id", userId,
			"error", err)
		http.Error(w, "Failed to save account information", http.StatusInternalServerError)
		return
	}
	slog.Info("Linked mailbox", "user_id", userId, "account_id", accountId)

	u, err := url.Parse(redirectUri)
	if err != nil {
		slog.Error("Failed to parse redirect URI",
			"redirect_uri", redirectUri,
			"error", err)
		http.Error(w, "Invalid redirect URI", http.StatusBadRequest)
		return
	}

	returnUrl := u.Scheme + "://" + u.Host + "/dashboard"
	w.Header().Set("Location", returnUrl)
	w.WriteHeader(http.StatusFound)
}
