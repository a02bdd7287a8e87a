package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/alloyhq/alloy/internal/crypto"
	"github.com/alloyhq/alloy/internal/storage"
	"github.com/golang-jwt/jwt/v4"
)

const defaultTokenLifetime = 7 * 24 * time.Hour

// AuthConfig holds authentication configuration.
type AuthConfig struct {
	JWTSecret     string
	TokenLifetime time.Duration
}

// AuthHandler handles registration, login, and API-key management, and
// authenticates requests for the rest of the API.
type AuthHandler struct {
	config  AuthConfig
	storage storage.Storage
	log     *slog.Logger
}

// NewAuthHandler creates a new auth handler.
func NewAuthHandler(cfg AuthConfig, store storage.Storage, log *slog.Logger) *AuthHandler {
	if log == nil {
		log = slog.Default()
	}
	if cfg.TokenLifetime == 0 {
		cfg.TokenLifetime = defaultTokenLifetime
	}
	return &AuthHandler{
		config:  cfg,
		storage: store,
		log:     log,
	}
}

// ServeHTTP routes auth and API-key requests (mounted under /api/v1).
func (h *AuthHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/api/v1")
	path = strings.TrimSuffix(path, "/")

	switch {
	case path == "/auth/register" && r.Method == http.MethodPost:
		h.handleRegister(w, r)
	case path == "/auth/login" && r.Method == http.MethodPost:
		h.handleLogin(w, r)
	case path == "/auth/me" && r.Method == http.MethodGet:
		h.handleMe(w, r)
	case path == "/api-keys" && r.Method == http.MethodPost:
		h.handleCreateAPIKey(w, r)
	case path == "/api-keys" && r.Method == http.MethodGet:
		h.handleListAPIKeys(w, r)
	case strings.HasPrefix(path, "/api-keys/") && r.Method == http.MethodDelete:
		h.handleDeleteAPIKey(w, r, strings.TrimPrefix(path, "/api-keys/"))
	default:
		writeError(w, http.StatusNotFound, CodeNotFound, "not found")
	}
}

type registerRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type authResponse struct {
	UserID string `json:"user_id"`
	Email  string `json:"email"`
	Token  string `json:"token"`
}

func (h *AuthHandler) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxJSONBody)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, CodeValidation, "invalid request body")
		return
	}
	if req.Email == "" || !strings.Contains(req.Email, "@") {
		writeError(w, http.StatusBadRequest, CodeValidation, "valid email is required")
		return
	}
	if len(req.Password) < 8 {
		writeError(w, http.StatusBadRequest, CodeValidation, "password must be at least 8 characters")
		return
	}

	if _, err := h.storage.GetUserByEmail(r.Context(), req.Email); err == nil {
		writeError(w, http.StatusBadRequest, CodeValidation, "email already registered")
		return
	} else if !errors.Is(err, storage.ErrNotFound) {
		h.log.Error("failed to look up user", "error", err)
		writeError(w, http.StatusInternalServerError, CodeDatabaseError, "database error")
		return
	}

	hash, err := crypto.HashPassword(req.Password)
	if err != nil {
		h.log.Error("failed to hash password", "error", err)
		writeError(w, http.StatusInternalServerError, CodeAuthError, "internal error")
		return
	}
	id, err := crypto.NewID()
	if err != nil {
		writeError(w, http.StatusInternalServerError, CodeAuthError, "internal error")
		return
	}

	user := &storage.User{
		ID:           id,
		Email:        req.Email,
		PasswordHash: hash,
		CreatedAt:    time.Now().UTC(),
	}
	if err := h.storage.CreateUser(r.Context(), user); err != nil {
		h.log.Error("failed to create user", "error", err)
		writeError(w, http.StatusInternalServerError, CodeDatabaseError, "database error")
		return
	}

	token, err := h.issueToken(user)
	if err != nil {
		h.log.Error("failed to issue token", "error", err)
		writeError(w, http.StatusInternalServerError, CodeAuthError, "internal error")
		return
	}

	h.log.Info("user registered", "user_id", user.ID)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	_ = json.NewEncoder(w).Encode(authResponse{UserID: user.ID, Email: user.Email, Token: token})
}

func (h *AuthHandler) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxJSONBody)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, CodeValidation, "invalid request body")
		return
	}

	user, err := h.storage.GetUserByEmail(r.Context(), req.Email)
	if errors.Is(err, storage.ErrNotFound) {
		writeError(w, http.StatusUnauthorized, CodeUnauthorized, "invalid email or password")
		return
	}
	if err != nil {
		h.log.Error("failed to look up user", "error", err)
		writeError(w, http.StatusInternalServerError, CodeDatabaseError, "database error")
		return
	}

	if err := crypto.VerifyPassword(req.Password, user.PasswordHash); err != nil {
		writeError(w, http.StatusUnauthorized, CodeUnauthorized, "invalid email or password")
		return
	}

	token, err := h.issueToken(user)
	if err != nil {
		h.log.Error("failed to issue token", "error", err)
		writeError(w, http.StatusInternalServerError, CodeAuthError, "internal error")
		return
	}

	h.writeJSON(w, authResponse{UserID: user.ID, Email: user.Email, Token: token})
}

type userResponse struct {
	ID        string    `json:"id"`
	Email     string    `json:"email"`
	CreatedAt time.Time `json:"created_at"`
}

func (h *AuthHandler) handleMe(w http.ResponseWriter, r *http.Request) {
	user, ok := h.requireUser(w, r)
	if !ok {
		return
	}
	h.writeJSON(w, userResponse{ID: user.ID, Email: user.Email, CreatedAt: user.CreatedAt})
}

type createAPIKeyRequest struct {
	Name string `json:"name"`
}

type apiKeyResponse struct {
	ID         string     `json:"id"`
	Name       string     `json:"name"`
	Key        string     `json:"key,omitempty"` // raw material, creation only
	CreatedAt  time.Time  `json:"created_at"`
	LastUsedAt *time.Time `json:"last_used_at,omitempty"`
}

func (h *AuthHandler) handleCreateAPIKey(w http.ResponseWriter, r *http.Request) {
	user, ok := h.requireUser(w, r)
	if !ok {
		return
	}

	var req createAPIKeyRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxJSONBody)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, CodeValidation, "invalid request body")
		return
	}
	if req.Name == "" {
		writeError(w, http.StatusBadRequest, CodeValidation, "name is required")
		return
	}

	id, err := crypto.NewID()
	if err != nil {
		writeError(w, http.StatusInternalServerError, CodeAuthError, "internal error")
		return
	}
	raw, hash, err := crypto.NewAPIKey(id)
	if err != nil {
		h.log.Error("failed to mint api key", "error", err)
		writeError(w, http.StatusInternalServerError, CodeAuthError, "internal error")
		return
	}

	key := &storage.APIKey{
		ID:        id,
		UserID:    user.ID,
		Name:      req.Name,
		KeyHash:   hash,
		CreatedAt: time.Now().UTC(),
	}
	if err := h.storage.CreateAPIKey(r.Context(), key); err != nil {
		h.log.Error("failed to store api key", "error", err)
		writeError(w, http.StatusInternalServerError, CodeDatabaseError, "database error")
		return
	}

	h.log.Info("api key created", "user_id", user.ID, "key_id", id)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	_ = json.NewEncoder(w).Encode(apiKeyResponse{ID: id, Name: req.Name, Key: raw, CreatedAt: key.CreatedAt})
}

func (h *AuthHandler) handleListAPIKeys(w http.ResponseWriter, r *http.Request) {
	user, ok := h.requireUser(w, r)
	if !ok {
		return
	}

	keys, err := h.storage.ListAPIKeys(r.Context(), user.ID)
	if err != nil {
		h.log.Error("failed to list api keys", "error", err)
		writeError(w, http.StatusInternalServerError, CodeDatabaseError, "database error")
		return
	}

	out := make([]apiKeyResponse, 0, len(keys))
	for _, k := range keys {
		out = append(out, apiKeyResponse{ID: k.ID, Name: k.Name, CreatedAt: k.CreatedAt, LastUsedAt: k.LastUsedAt})
	}
	h.writeJSON(w, out)
}

func (h *AuthHandler) handleDeleteAPIKey(w http.ResponseWriter, r *http.Request, keyID string) {
	user, ok := h.requireUser(w, r)
	if !ok {
		return
	}

	err := h.storage.DeleteAPIKey(r.Context(), keyID, user.ID)
	if errors.Is(err, storage.ErrNotFound) {
		writeError(w, http.StatusNotFound, CodeNotFound, "api key not found")
		return
	}
	if err != nil {
		h.log.Error("failed to delete api key", "error", err)
		writeError(w, http.StatusInternalServerError, CodeDatabaseError, "database error")
		return
	}
	h.writeJSON(w, map[string]string{"status": "deleted"})
}

// --- Request authentication ---

// requireUser authenticates the request and writes the 401 itself when
// it fails.
func (h *AuthHandler) requireUser(w http.ResponseWriter, r *http.Request) (*storage.User, bool) {
	user, code, msg := h.Authenticate(r)
	if user == nil {
		writeError(w, http.StatusUnauthorized, code, msg)
		return nil, false
	}
	return user, true
}

// Authenticate resolves the caller from "Authorization: Bearer {jwt}"
// or "Authorization: ApiKey {raw}". On failure it returns a nil user
// plus the error code and message to surface.
func (h *AuthHandler) Authenticate(r *http.Request) (*storage.User, string, string) {
	header := r.Header.Get("Authorization")
	switch {
	case strings.HasPrefix(header, "Bearer "):
		return h.authenticateJWT(r, strings.TrimPrefix(header, "Bearer "))
	case strings.HasPrefix(header, "ApiKey "):
		return h.authenticateAPIKey(r, strings.TrimPrefix(header, "ApiKey "))
	default:
		return nil, CodeUnauthorized, "missing authorization header"
	}
}

func (h *AuthHandler) authenticateJWT(r *http.Request, tokenString string) (*storage.User, string, string) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return []byte(h.config.JWTSecret), nil
	})
	if err != nil || !token.Valid {
		return nil, CodeInvalidToken, "invalid or expired token"
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return nil, CodeInvalidToken, "invalid token claims"
	}
	sub, _ := claims["sub"].(string)
	if sub == "" {
		return nil, CodeInvalidToken, "invalid token claims"
	}

	user, err := h.storage.GetUser(r.Context(), sub)
	if err != nil {
		return nil, CodeInvalidToken, "unknown user"
	}
	return user, "", ""
}

func (h *AuthHandler) authenticateAPIKey(r *http.Request, raw string) (*storage.User, string, string) {
	keyID, secret, err := crypto.ParseAPIKey(raw)
	if err != nil {
		return nil, CodeInvalidAPIKey, "invalid api key"
	}

	key, err := h.storage.GetAPIKey(r.Context(), keyID)
	if err != nil {
		return nil, CodeInvalidAPIKey, "invalid api key"
	}
	if err := crypto.VerifyPassword(secret, key.KeyHash); err != nil {
		return nil, CodeInvalidAPIKey, "invalid api key"
	}

	user, err := h.storage.GetUser(r.Context(), key.UserID)
	if err != nil {
		return nil, CodeInvalidAPIKey, "invalid api key"
	}

	if err := h.storage.TouchAPIKey(r.Context(), keyID, time.Now().UTC()); err != nil {
		h.log.Warn("failed to touch api key", "key_id", keyID, "error", err)
	}
	return user, "", ""
}

func (h *AuthHandler) issueToken(user *storage.User) (string, error) {
	now := time.Now()
	claims := jwt.MapClaims{
		"sub":   user.ID,
		"email": user.Email,
		"iat":   now.Unix(),
		"exp":   now.Add(h.config.TokenLifetime).Unix(),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(h.config.JWTSecret))
}

func (h *AuthHandler) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.log.Error("failed to encode response", "error", err)
	}
}
