package web

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	easymail "github.com/ratons127/easy-mail-campaining"
)

// actor reads the authenticated caller from the headers set by the upstream
// gateway.
func actor(r *http.Request) easymail.Actor {
	a := easymail.Actor{
		Email: strings.TrimSpace(r.Header.Get("X-Actor-Email")),
	}
	for _, role := range strings.Split(r.Header.Get("X-Actor-Roles"), ",") {
		role = strings.ToUpper(strings.TrimSpace(role))
		if role != "" {
			a.Roles = append(a.Roles, role)
		}
	}
	return a
}

func respond(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if body == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(body)
}

type errBody struct {
	Error string `json:"error"`
}

func respondErr(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, easymail.ErrNotFound):
		respond(w, http.StatusNotFound, errBody{Error: err.Error()})
	case errors.Is(err, easymail.ErrUnauthorized):
		respond(w, http.StatusForbidden, errBody{Error: err.Error()})
	case errors.Is(err, easymail.ErrAlreadyRunning),
		errors.Is(err, easymail.ErrVersionConflict),
		errors.Is(err, easymail.ErrAudienceInUse):
		respond(w, http.StatusConflict, errBody{Error: err.Error()})
	case errors.Is(err, easymail.ErrValidation),
		errors.Is(err, easymail.ErrInvalidRule):
		respond(w, http.StatusBadRequest, errBody{Error: err.Error()})
	default:
		respond(w, http.StatusInternalServerError, errBody{Error: err.Error()})
	}
}

func decode(r *http.Request, into any) error {
	err := json.NewDecoder(r.Body).Decode(into)
	if err != nil {
		return easymail.Validationf("bad request body, %v", err)
	}
	return nil
}

// requireActor rejects requests with no authenticated caller.
func requireActor(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if actor(r).Email == "" {
			respond(w, http.StatusUnauthorized, errBody{Error: "missing actor"})
			return
		}
		next.ServeHTTP(w, r)
	})
}
