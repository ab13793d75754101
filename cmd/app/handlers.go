package app

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/3scale/ovpn-access-manager/pkg/lifecycle"
	"github.com/3scale/ovpn-access-manager/pkg/operations"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/hashicorp/go-hclog"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	requestIDHeader = "X-Request-Id"
	maxBodySize     = 1 << 16
)

var errBadRequest = errors.New("bad request")

// apiOptions configures the HTTP API
type apiOptions struct {
	Manager *operations.Manager
	Logger  hclog.Logger
	APIKey  string
	Github  *GithubAuthOpts
}

type api struct {
	manager *operations.Manager
	logger  hclog.Logger
}

// newRouter returns the handler serving the API
func newRouter(opts apiOptions) http.Handler {
	logger := opts.Logger
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	a := &api{manager: opts.Manager, logger: logger}

	// Use gorilla/mux as http router
	r := mux.NewRouter()
	r.HandleFunc("/", a.health).Methods(http.MethodGet)
	r.HandleFunc("/health", a.health).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	r.HandleFunc("/clients", a.createClient).Methods(http.MethodPost)
	r.HandleFunc("/clients", a.listClients).Methods(http.MethodGet)
	r.HandleFunc("/clients/blocked", a.listBlocked).Methods(http.MethodGet)
	r.HandleFunc("/clients/{name}", a.getClient).Methods(http.MethodGet)
	r.HandleFunc("/clients/{name}", a.revokeClient).Methods(http.MethodDelete)
	r.HandleFunc("/clients/{name}/config", a.getClientConfig).Methods(http.MethodGet)
	r.HandleFunc("/clients/{name}/suspend", a.suspendClient).Methods(http.MethodPost)
	r.HandleFunc("/clients/{name}/unsuspend", a.unsuspendClient).Methods(http.MethodPost)
	r.HandleFunc("/crl", a.getCRL).Methods(http.MethodGet)
	r.HandleFunc("/crl", a.updateCRL).Methods(http.MethodPost)
	r.Use(authMiddleware(opts.APIKey, opts.Github, logger))

	return requestID(r)
}

// requestID tags every request with an id, keeping the one sent by the
// client if any
func requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(requestIDHeader)
		if id == "" {
			id = uuid.NewString()
			r.Header.Set(requestIDHeader, id)
		}
		w.Header().Set(requestIDHeader, id)
		next.ServeHTTP(w, r)
	})
}

func jsonOutput(rsp interface{}) ([]byte, error) {
	b, err := json.MarshalIndent(rsp, "", "  ")
	if err != nil {
		return nil, errors.Wrap(err, "marshalling the response json")
	}
	return append(b, '\n'), nil
}

func (a *api) writeJSON(w http.ResponseWriter, r *http.Request, status int, rsp interface{}) {
	b, err := jsonOutput(rsp)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(b)
}

// statusCode maps an error kind to the HTTP status reported for it
func statusCode(err error) int {
	if errors.Is(err, errBadRequest) {
		return http.StatusBadRequest
	}
	switch kind := lifecycle.Kind(err); {
	case kind == lifecycle.ErrInvalidName:
		return http.StatusBadRequest
	case kind == lifecycle.ErrNotFound:
		return http.StatusNotFound
	case lifecycle.IsConflict(err):
		return http.StatusConflict
	case kind == lifecycle.ErrAuthorityTimeout:
		return http.StatusGatewayTimeout
	}
	return http.StatusInternalServerError
}

func (a *api) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusCode(err)
	if status >= http.StatusInternalServerError {
		a.logger.Error("request failed", "request_id", r.Header.Get(requestIDHeader),
			"method", r.Method, "path", r.URL.Path, "error", err)
	}
	b, _ := jsonOutput(map[string]string{"error": err.Error()})
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(b)
}

func (a *api) health(w http.ResponseWriter, r *http.Request) {
	a.writeJSON(w, r, http.StatusOK, map[string]string{"status": "ok"})
}

type createClientRequest struct {
	Name       string `json:"name"`
	Passphrase string `json:"passphrase"`
	// UsePassword is accepted for compatibility with the former API, the
	// passphrase itself must be sent along
	UsePassword bool `json:"use_password"`
}

type createClientResponse struct {
	*operations.GenerateResult
	Message string `json:"message"`
}

func (a *api) createClient(w http.ResponseWriter, r *http.Request) {
	var req createClientRequest
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodySize))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		a.writeError(w, r, errors.Wrapf(errBadRequest, "invalid request body: %v", err))
		return
	}

	if req.UsePassword && req.Passphrase == "" {
		a.writeError(w, r, errors.Wrap(errBadRequest, "use_password requires a passphrase"))
		return
	}

	gr := operations.GenerateRequest{Name: req.Name}
	if req.Passphrase != "" {
		gr.Passphrase = []byte(req.Passphrase)
	}
	res, err := a.manager.Generate(r.Context(), gr)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	a.writeJSON(w, r, http.StatusCreated, createClientResponse{
		GenerateResult: res,
		Message:        fmt.Sprintf("client %s generated", res.Name),
	})
}

func (a *api) listClients(w http.ResponseWriter, r *http.Request) {
	clients, err := a.manager.ListClients(r.Context())
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	if clients == nil {
		clients = []operations.ClientStatus{}
	}
	a.writeJSON(w, r, http.StatusOK, map[string]interface{}{"clients": clients})
}

func (a *api) listBlocked(w http.ResponseWriter, r *http.Request) {
	names, err := a.manager.ListBlocked(r.Context())
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	if names == nil {
		names = []string{}
	}
	a.writeJSON(w, r, http.StatusOK, map[string]interface{}{"blocked_clients": names})
}

func (a *api) getClient(w http.ResponseWriter, r *http.Request) {
	st, err := a.manager.Status(r.Context(), mux.Vars(r)["name"])
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	a.writeJSON(w, r, http.StatusOK, st)
}

func (a *api) getClientConfig(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	data, err := a.manager.Profile(r.Context(), name)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", name+".ovpn"))
	w.WriteHeader(http.StatusOK)
	w.Write(data)
}

func (a *api) revokeClient(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	crt, err := a.manager.Revoke(r.Context(), name)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	a.writeJSON(w, r, http.StatusOK, map[string]interface{}{
		"name":       name,
		"message":    fmt.Sprintf("client %s revoked", name),
		"serial":     crt.SerialNumber,
		"revoked_at": crt.RevokedAt,
	})
}

func (a *api) suspendClient(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	if err := a.manager.Suspend(r.Context(), name); err != nil {
		a.writeError(w, r, err)
		return
	}
	a.writeJSON(w, r, http.StatusOK, map[string]string{
		"name":    name,
		"message": fmt.Sprintf("client %s suspended", name),
	})
}

func (a *api) unsuspendClient(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	if err := a.manager.Unsuspend(r.Context(), name); err != nil {
		a.writeError(w, r, err)
		return
	}
	a.writeJSON(w, r, http.StatusOK, map[string]string{
		"name":    name,
		"message": fmt.Sprintf("client %s unsuspended", name),
	})
}

func (a *api) getCRL(w http.ResponseWriter, r *http.Request) {
	crl, err := a.manager.CRL(r.Context())
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	a.writeJSON(w, r, http.StatusOK, map[string]string{"crl": string(crl)})
}

func (a *api) updateCRL(w http.ResponseWriter, r *http.Request) {
	crl, err := a.manager.RefreshCRL(r.Context())
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	a.writeJSON(w, r, http.StatusOK, map[string]string{"crl": string(crl)})
}
