// Package idptest provides an in-memory identity provider admin API for tests.
package idptest

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/mux"

	"github.com/platinummonkey/idsync/pkg/identity"
	"github.com/platinummonkey/idsync/pkg/idp"
	"github.com/platinummonkey/idsync/pkg/observability"
)

const (
	// Realm is the realm served by the fake.
	Realm = "test"
	// ClientID and ClientSecret are the only accepted client credentials.
	ClientID     = "idsync"
	ClientSecret = "secret"
)

type fault struct {
	method    string
	path      string
	status    int
	remaining int
}

// Server is a fake identity provider. User ids are assigned "u-1", "u-2", ... and never reused.
type Server struct {
	*httptest.Server

	// TokenLifetime is the expires_in returned by the token endpoint.
	TokenLifetime time.Duration

	mu        sync.Mutex
	nextID    int
	users     map[string]idp.User
	passwords map[string]idp.Credential
	mappings  map[string][]idp.Role
	roles     map[string]idp.Role
	tokens    map[string]bool
	faults    []*fault
	requests  []string
}

// NewServer starts a fake seeded with the application role catalog.
func NewServer() *Server {
	s := &Server{
		TokenLifetime: 5 * time.Minute,
		users:         make(map[string]idp.User),
		passwords:     make(map[string]idp.Credential),
		mappings:      make(map[string][]idp.Role),
		roles:         make(map[string]idp.Role),
		tokens:        make(map[string]bool),
	}
	for _, role := range identity.Catalog {
		s.addRoleLocked(role.String())
	}
	s.addRoleLocked("default-roles-" + Realm)

	router := mux.NewRouter()
	router.Use(s.recordAndInject)

	realm := router.PathPrefix("/realms/{realm}").Subrouter()
	realm.HandleFunc("/protocol/openid-connect/token", s.handleToken).Methods(http.MethodPost)
	realm.HandleFunc("/.well-known/openid-configuration", s.handleDiscovery).Methods(http.MethodGet)

	admin := router.PathPrefix("/admin/realms/{realm}").Subrouter()
	admin.Use(s.requireToken)
	admin.HandleFunc("/users", s.handleFindUsers).Methods(http.MethodGet)
	admin.HandleFunc("/users", s.handleCreateUser).Methods(http.MethodPost)
	admin.HandleFunc("/users/{id}", s.handleGetUser).Methods(http.MethodGet)
	admin.HandleFunc("/users/{id}", s.handleDeleteUser).Methods(http.MethodDelete)
	admin.HandleFunc("/users/{id}/reset-password", s.handleResetPassword).Methods(http.MethodPut)
	admin.HandleFunc("/users/{id}/role-mappings/realm", s.handleListMappings).Methods(http.MethodGet)
	admin.HandleFunc("/users/{id}/role-mappings/realm", s.handleAddMappings).Methods(http.MethodPost)
	admin.HandleFunc("/users/{id}/role-mappings/realm", s.handleRemoveMappings).Methods(http.MethodDelete)
	admin.HandleFunc("/roles/{name}", s.handleGetRole).Methods(http.MethodGet)

	s.Server = httptest.NewServer(router)
	return s
}

// TokenURL returns the client-credentials endpoint.
func (s *Server) TokenURL() string {
	return idp.TokenURL(s.URL, Realm)
}

// IssuerURL returns the OpenID issuer of the realm.
func (s *Server) IssuerURL() string {
	return s.URL + "/realms/" + Realm
}

// NewClient builds an admin client against the fake that retries without sleeping.
func (s *Server) NewClient(logger *observability.Logger, metrics *observability.Metrics) (*idp.Client, *idp.SessionCache) {
	httpClient := s.Server.Client()
	sessions := idp.NewSessionCache(
		idp.ClientCredentialsTokenFunc(ClientID, ClientSecret, s.TokenURL(), httpClient),
		idp.WithSessionLogger(logger),
		idp.WithSessionMetrics(metrics),
	)
	retrier := idp.NewRetrier(idp.DefaultRetryConfig(), logger, idp.WithSleeper(idp.NoSleep), idp.WithRetryMetrics(metrics))
	client := idp.NewClient(idp.ClientConfig{BaseURL: s.URL, Realm: Realm, HTTPClient: httpClient}, sessions, retrier, logger, metrics)
	return client, sessions
}

// Inject makes the next times requests whose method matches and whose path
// contains pathContains fail with status. An empty method matches any method.
func (s *Server) Inject(method, pathContains string, status, times int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.faults = append(s.faults, &fault{method: method, path: pathContains, status: status, remaining: times})
}

// ClearFaults removes every pending injected fault.
func (s *Server) ClearFaults() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.faults = nil
}

// Count returns how many requests matched method and pathContains, faults included.
func (s *Server) Count(method, pathContains string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, r := range s.requests {
		m, p, _ := strings.Cut(r, " ")
		if (method == "" || m == method) && strings.Contains(p, pathContains) {
			n++
		}
	}
	return n
}

// TokenRequests returns how many token requests were served.
func (s *Server) TokenRequests() int {
	return s.Count(http.MethodPost, "/protocol/openid-connect/token")
}

// UserCount returns the number of live users.
func (s *Server) UserCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.users)
}

// User returns a live user by id.
func (s *Server) User(id string) (idp.User, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	return u, ok
}

// UserByUsername returns a live user by username.
func (s *Server) UserByUsername(username string) (idp.User, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, u := range s.users {
		if strings.EqualFold(u.Username, username) {
			return u, true
		}
	}
	return idp.User{}, false
}

// SeedUser inserts a user directly and returns its id.
func (s *Server) SeedUser(user idp.User) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.createLocked(user)
}

// Password returns the last credential set for id.
func (s *Server) Password(id string) (idp.Credential, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.passwords[id]
	return c, ok
}

// RoleNames returns the sorted names of roles mapped to id.
func (s *Server) RoleNames(id string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.mappings[id]))
	for _, r := range s.mappings[id] {
		names = append(names, r.Name)
	}
	sort.Strings(names)
	return names
}

// SetRoleMappings replaces the roles mapped to id, creating unknown roles.
func (s *Server) SetRoleMappings(id string, names ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	roles := make([]idp.Role, 0, len(names))
	for _, name := range names {
		role, ok := s.roles[name]
		if !ok {
			role = s.addRoleLocked(name)
		}
		roles = append(roles, role)
	}
	s.mappings[id] = roles
}

// RemoveRole deletes a realm role definition.
func (s *Server) RemoveRole(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.roles, name)
}

func (s *Server) addRoleLocked(name string) idp.Role {
	role := idp.Role{
		ID:          "r-" + strings.ToLower(name),
		Name:        name,
		ContainerID: Realm,
	}
	s.roles[name] = role
	return role
}

func (s *Server) createLocked(user idp.User) string {
	s.nextID++
	user.ID = fmt.Sprintf("u-%d", s.nextID)
	user.CreatedTimestamp = time.Now().UnixMilli()
	s.users[user.ID] = user
	return user.ID
}

func (s *Server) recordAndInject(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		s.requests = append(s.requests, r.Method+" "+r.URL.Path)
		var status int
		for _, f := range s.faults {
			if f.remaining > 0 && (f.method == "" || f.method == r.Method) && strings.Contains(r.URL.Path, f.path) {
				f.remaining--
				status = f.status
				break
			}
		}
		s.mu.Unlock()

		if status != 0 {
			writeError(w, status, "injected fault")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) requireToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		s.mu.Lock()
		valid := ok && s.tokens[token]
		s.mu.Unlock()
		if !valid {
			writeError(w, http.StatusUnauthorized, "HTTP 401 Unauthorized")
			return
		}
		if mux.Vars(r)["realm"] != Realm {
			writeError(w, http.StatusNotFound, "Realm not found.")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleToken(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeOAuthError(w, http.StatusBadRequest, "invalid_request")
		return
	}
	clientID, secret, ok := r.BasicAuth()
	if !ok {
		clientID, secret = r.PostForm.Get("client_id"), r.PostForm.Get("client_secret")
	}
	if r.PostForm.Get("grant_type") != "client_credentials" {
		writeOAuthError(w, http.StatusBadRequest, "unsupported_grant_type")
		return
	}
	if clientID != ClientID || secret != ClientSecret {
		writeOAuthError(w, http.StatusUnauthorized, "invalid_client")
		return
	}

	s.mu.Lock()
	token := fmt.Sprintf("token-%d", len(s.tokens)+1)
	s.tokens[token] = true
	s.mu.Unlock()

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"access_token": token,
		"token_type":   "Bearer",
		"expires_in":   int(s.TokenLifetime.Seconds()),
	})
}

func (s *Server) handleDiscovery(w http.ResponseWriter, r *http.Request) {
	issuer := s.URL + "/realms/" + mux.Vars(r)["realm"]
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"issuer":                 issuer,
		"authorization_endpoint": issuer + "/protocol/openid-connect/auth",
		"token_endpoint":         issuer + "/protocol/openid-connect/token",
		"jwks_uri":               issuer + "/protocol/openid-connect/certs",
		"grant_types_supported":  []string{"client_credentials"},
	})
}

func (s *Server) handleFindUsers(w http.ResponseWriter, r *http.Request) {
	username := r.URL.Query().Get("username")
	email := r.URL.Query().Get("email")

	s.mu.Lock()
	found := []idp.User{}
	for _, u := range s.users {
		switch {
		case username != "" && strings.EqualFold(u.Username, username):
			found = append(found, u)
		case email != "" && strings.EqualFold(u.Email, email):
			found = append(found, u)
		}
	}
	s.mu.Unlock()

	sort.Slice(found, func(i, j int) bool { return found[i].ID < found[j].ID })
	writeJSON(w, http.StatusOK, found)
}

func (s *Server) handleCreateUser(w http.ResponseWriter, r *http.Request) {
	var user idp.User
	if err := json.NewDecoder(r.Body).Decode(&user); err != nil || user.Username == "" {
		writeError(w, http.StatusBadRequest, "invalid user representation")
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, u := range s.users {
		if strings.EqualFold(u.Username, user.Username) {
			writeError(w, http.StatusConflict, "User exists with same username")
			return
		}
	}
	id := s.createLocked(user)
	w.Header().Set("Location", fmt.Sprintf("%s/admin/realms/%s/users/%s", s.URL, Realm, id))
	w.WriteHeader(http.StatusCreated)
}

func (s *Server) handleGetUser(w http.ResponseWriter, r *http.Request) {
	user, ok := s.User(mux.Vars(r)["id"])
	if !ok {
		writeError(w, http.StatusNotFound, "User not found")
		return
	}
	writeJSON(w, http.StatusOK, user)
}

func (s *Server) handleDeleteUser(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.users[id]; !ok {
		writeError(w, http.StatusNotFound, "User not found")
		return
	}
	delete(s.users, id)
	delete(s.passwords, id)
	delete(s.mappings, id)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleResetPassword(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	var cred idp.Credential
	if err := json.NewDecoder(r.Body).Decode(&cred); err != nil || cred.Value == "" {
		writeError(w, http.StatusBadRequest, "invalid credential")
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.users[id]; !ok {
		writeError(w, http.StatusNotFound, "User not found")
		return
	}
	s.passwords[id] = cred
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListMappings(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.users[id]; !ok {
		writeError(w, http.StatusNotFound, "User not found")
		return
	}
	roles := append([]idp.Role{}, s.mappings[id]...)
	writeJSON(w, http.StatusOK, roles)
}

func (s *Server) handleAddMappings(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	var roles []idp.Role
	if err := json.NewDecoder(r.Body).Decode(&roles); err != nil {
		writeError(w, http.StatusBadRequest, "invalid role list")
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.users[id]; !ok {
		writeError(w, http.StatusNotFound, "User not found")
		return
	}
	for _, role := range roles {
		canonical, ok := s.roles[role.Name]
		if !ok {
			writeError(w, http.StatusNotFound, "Role not found")
			return
		}
		if !hasRole(s.mappings[id], canonical.Name) {
			s.mappings[id] = append(s.mappings[id], canonical)
		}
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleRemoveMappings(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	var roles []idp.Role
	if err := json.NewDecoder(r.Body).Decode(&roles); err != nil {
		writeError(w, http.StatusBadRequest, "invalid role list")
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.users[id]; !ok {
		writeError(w, http.StatusNotFound, "User not found")
		return
	}
	kept := s.mappings[id][:0]
	for _, existing := range s.mappings[id] {
		if !hasRole(roles, existing.Name) {
			kept = append(kept, existing)
		}
	}
	s.mappings[id] = kept
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleGetRole(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	role, ok := s.roles[mux.Vars(r)["name"]]
	s.mu.Unlock()
	if !ok {
		writeError(w, http.StatusNotFound, "Could not find role")
		return
	}
	writeJSON(w, http.StatusOK, role)
}

func hasRole(roles []idp.Role, name string) bool {
	for _, r := range roles {
		if r.Name == name {
			return true
		}
	}
	return false
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"errorMessage": message})
}

func writeOAuthError(w http.ResponseWriter, status int, code string) {
	writeJSON(w, status, map[string]string{"error": code})
}
