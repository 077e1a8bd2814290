package web

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/mailsift/mailsift/db"
	"github.com/mailsift/mailsift/ingest"
)

func (s *Server) api(r *mux.Router) {
	// Handle API routes
	api := r.PathPrefix("/api/").Subrouter()
	api.Use(RequestSizeLimitMiddleware(DefaultMaxBodySize))
	api.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]bool{"ok": true})
	})
	api.HandleFunc("/ingest", s.RunIngestionHandler).Methods("POST")
	api.HandleFunc("/accounts", s.ListAccountsHandler).Methods("GET")
	api.HandleFunc("/categories", s.ListCategoriesHandler).Methods("GET")
	api.HandleFunc("/categories", s.CreateCategoryHandler).Methods("POST")
	api.HandleFunc("/emails/{category_id}", s.ListEmailsHandler).Methods("GET").Queries("page", "{page}")
	api.HandleFunc("/emails/{category_id}", s.ListEmailsHandler).Methods("GET")
	api.HandleFunc("/emails/{email_id}", s.DeleteEmailHandler).Methods("DELETE")
}

// RunIngestionHandler triggers a synchronous ingestion run and responds with
// the full run report. Per-message and per-account failures are inside the
// report, never surfaced as HTTP errors.
func (s *Server) RunIngestionHandler(w http.ResponseWriter, r *http.Request) {
	decoder := json.NewDecoder(r.Body)
	var ingestRequest IngestRequest
	err := decoder.Decode(&ingestRequest)
	if handleMaxBytesError(w, r, err, IngestRequestMaxBodySize) {
		return
	}
	if err != nil || ingestRequest.UserId == "" {
		slog.Error("Failed to decode ingest request", "error", err)
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	report, err := s.coordinator.Run(r.Context(), ingestRequest.UserId)
	if err != nil {
		if errors.Is(err, ingest.ErrNoAccounts) {
			http.Error(w, "No accounts found", http.StatusBadRequest)
			return
		}
		slog.Error("Ingestion run failed",
			"user_id", ingestRequest.UserId,
			"error", err)
		http.Error(w, "Failed to run ingestion", http.StatusInternalServerError)
		return
	}

	writeJSONResponse(w, report, http.StatusOK)
}

func (s *Server) ListAccountsHandler(w http.ResponseWriter, r *http.Request) {
	userId, ok := getUserId(w, r)
	if !ok {
		return
	}
	accounts, err := s.store.GetAccounts(r.Context(), userId)
	if err != nil {
		slog.Error("Failed to get accounts from database", "error", err)
		http.Error(w, "Failed to retrieve accounts", http.StatusInternalServerError)
		return
	}
	writeJSONResponse(w, accounts, http.StatusOK)
}

func (s *Server) ListCategoriesHandler(w http.ResponseWriter, r *http.Request) {
	userId, ok := getUserId(w, r)
	if !ok {
		return
	}
	categories, err := s.store.GetCategories(r.Context(), userId)
	if err != nil {
		slog.Error("Failed to get categories from database", "error", err)
		http.Error(w, "Failed to retrieve categories", http.StatusInternalServerError)
		return
	}
	writeJSONResponse(w, categories, http.StatusOK)
}

func (s *Server) CreateCategoryHandler(w http.ResponseWriter, r *http.Request) {
	decoder := json.NewDecoder(r.Body)
	var categoryRequest CreateCategoryRequest
	if err := decoder.Decode(&categoryRequest); err != nil {
		slog.Error("Failed to decode category request", "error", err)
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if categoryRequest.UserId == "" || categoryRequest.Name == "" {
		http.Error(w, "user_id and name are required", http.StatusBadRequest)
		return
	}

	category, err := s.store.CreateCategory(r.Context(), categoryRequest.UserId,
		categoryRequest.Name, categoryRequest.Description)
	if err != nil {
		slog.Error("Failed to create category",
			"user_id", categoryRequest.UserId,
			"name", categoryRequest.Name,
			"error", err)
		http.Error(w, "Failed to create category", http.StatusInternalServerError)
		return
	}
	writeJSONResponse(w, category, http.StatusCreated)
}

func (s *Server) ListEmailsHandler(w http.ResponseWriter, r *http.Request) {
	userId, ok := getUserId(w, r)
	if !ok {
		return
	}
	vars := mux.Vars(r)
	categoryId := vars["category_id"]
	pageNo := getPageNumber(r)

	emails, totResults, err := s.store.GetEmailsByCategory(r.Context(), userId, categoryId, pageNo)
	if err != nil {
		slog.Error("Failed to get emails from database",
			"category_id", categoryId,
			"page", pageNo,
			"error", err)
		http.Error(w, "Failed to retrieve emails", http.StatusInternalServerError)
		return
	}

	pageInfo := PaginationInfo{Page: pageNo, Size: totResults}
	body := EmailsResponse{
		PageInfo: pageInfo,
		Emails:   emails,
	}
	writeJSONResponse(w, body, http.StatusOK)
}

func (s *Server) DeleteEmailHandler(w http.ResponseWriter, r *http.Request) {
	userId, ok := getUserId(w, r)
	if !ok {
		return
	}
	vars := mux.Vars(r)
	emailId := vars["email_id"]

	if err := s.store.DeleteEmail(r.Context(), userId, emailId); err != nil {
		slog.Error("Failed to delete email", "error", err, "email_id", emailId)
		http.Error(w, "Failed to delete email", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func getUserId(w http.ResponseWriter, r *http.Request) (string, bool) {
	userId := r.URL.Query().Get("user_id")
	if userId == "" {
		http.Error(w, "user_id is required", http.StatusBadRequest)
		return "", false
	}
	return userId, true
}

func getPageNumber(r *http.Request) int {
	page, err := strconv.Atoi(r.URL.Query().Get("page"))
	if err != nil || page < 1 {
		return 1
	}
	return page
}

type PaginationInfo struct {
	Size int `json:"size"`
	Page int `json:"page"`
}

type IngestRequest struct {
	UserId string `json:"user_id"`
}

type CreateCategoryRequest struct {
	UserId      string `json:"user_id"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

type EmailsResponse struct {
	PageInfo PaginationInfo `json:"pagination_info"`
	Emails   []db.Email     `json:"emails"`
}
