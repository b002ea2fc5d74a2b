package httpapi

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/fairyhunter13/storefront-core/internal/model"
	"github.com/fairyhunter13/storefront-core/internal/obs"
	"github.com/fairyhunter13/storefront-core/internal/realtime"
	"github.com/fairyhunter13/storefront-core/internal/session"
)

const maxRechargeUpload = 10 << 20

type connectionView struct {
	Phase        realtime.Phase `json:"phase"`
	Attempt      int            `json:"attempt"`
	Capabilities []string       `json:"capabilities"`
}

func (a *App) connectionView() connectionView {
	st := a.Conn.Status()
	return connectionView{Phase: st.Phase, Attempt: st.Attempt, Capabilities: a.Conn.Capabilities().Methods()}
}

func (a *App) connectionHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, a.connectionView())
}

func (a *App) connectHandler(w http.ResponseWriter, r *http.Request) {
	tok := a.Session.Token()
	if tok == "" {
		WriteJSONError(w, http.StatusUnauthorized, "not_signed_in", "")
		return
	}
	if !a.Conn.Connect(r.Context(), tok) {
		WriteJSONError(w, http.StatusBadGateway, "connect_failed", string(a.Conn.Status().Phase))
		return
	}
	if u, ok := a.Session.User(); ok {
		if err := a.Conn.JoinGroup(r.Context(), u.ID); err != nil {
			obs.Logger.Warn("join_group_failed", "user_id", u.ID, "error", err)
		}
	}
	writeJSON(w, http.StatusOK, a.connectionView())
}

func (a *App) disconnectHandler(w http.ResponseWriter, r *http.Request) {
	a.Conn.Disconnect(r.Context())
	writeJSON(w, http.StatusOK, a.connectionView())
}

func (a *App) signInHandler(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if !decodeJSON(w, r, &body, false) {
		return
	}
	if body.Username == "" || body.Password == "" {
		WriteJSONError(w, http.StatusBadRequest, "validation_error", "username and password are required")
		return
	}
	u, err := a.Session.SignIn(r.Context(), body.Username, body.Password)
	if err != nil {
		writeUpstreamError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"user":       u,
		"connection": a.connectionView(),
	})
}

func (a *App) signOutHandler(w http.ResponseWriter, r *http.Request) {
	err := a.Session.SignOut(r.Context())
	if errors.Is(err, session.ErrNotSignedIn) {
		WriteJSONError(w, http.StatusUnauthorized, "not_signed_in", "")
		return
	}
	if err != nil {
		WriteJSONError(w, http.StatusInternalServerError, "sign_out_failed", err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *App) signUpHandler(w http.ResponseWriter, r *http.Request) {
	var req model.SignUpRequest
	if !decodeJSON(w, r, &req, false) {
		return
	}
	if req.Username == "" || req.Password == "" || req.Email == "" {
		WriteJSONError(w, http.StatusBadRequest, "validation_error", "username, password and email are required")
		return
	}
	if err := a.API.SignUp(r.Context(), req); err != nil {
		writeUpstreamError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"status": "created"})
}

func (a *App) rechargeHandler(w http.ResponseWriter, r *http.Request) {
	if a.refuseWhenClosing(w) {
		return
	}
	if a.Session.Token() == "" {
		WriteJSONError(w, http.StatusUnauthorized, "not_signed_in", "")
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxRechargeUpload)
	if err := r.ParseMultipartForm(maxRechargeUpload); err != nil {
		WriteJSONError(w, http.StatusBadRequest, "invalid_multipart", err.Error())
		return
	}
	amount, err := strconv.ParseFloat(r.FormValue("amount"), 64)
	if err != nil || amount <= 0 {
		WriteJSONError(w, http.StatusBadRequest, "validation_error", "amount must be a positive number")
		return
	}
	f, hdr, err := r.FormFile("transfer_image")
	if err != nil {
		WriteJSONError(w, http.StatusBadRequest, "validation_error", "transfer_image is required")
		return
	}
	defer f.Close()
	if err := a.API.CreateRechargeRequest(r.Context(), amount, hdr.Filename, f); err != nil {
		writeUpstreamError(w, err)
		return
	}
	obs.Logger.Info("recharge_requested", "amount", amount, "request_id", RequestIDFromContext(r.Context()))
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "submitted"})
}
