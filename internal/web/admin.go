package web

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/xid"

	easymail "github.com/ratons127/easy-mail-campaining"
	"github.com/ratons127/easy-mail-campaining/internal/dao"
	"github.com/ratons127/easy-mail-campaining/tools"
)

func (s *Server) routeAdmin(r chi.Router) {
	r.Route("/suppression", func(r chi.Router) {
		r.Get("/", s.listSuppression)
		r.Post("/", s.addSuppression)
		r.Delete("/{email}", s.deleteSuppression)
	})
	r.Route("/settings", func(r chi.Router) {
		r.Get("/policies", s.getPolicy)
		r.Put("/policies", s.updatePolicy)

		r.Route("/smtp-accounts", func(r chi.Router) {
			r.Get("/", s.listSmtpAccounts)
			r.Post("/", s.saveSmtpAccount)
			r.Put("/{id}", s.saveSmtpAccount)
			r.Delete("/{id}", s.deleteSmtpAccount)
		})
		r.Route("/sender-identities", func(r chi.Router) {
			r.Get("/", s.listIdentities)
			r.Post("/", s.saveIdentity)
			r.Put("/{id}", s.saveIdentity)
			r.Delete("/{id}", s.deleteIdentity)
		})
	})
	r.Get("/audit", s.listAudit)
	r.Get("/audit-logs", s.listAudit)
}

var suppressionAdmins = []easymail.Role{
	easymail.RoleSuperAdmin, easymail.RoleHRAdmin,
}

func (s *Server) listSuppression(w http.ResponseWriter, r *http.Request) {
	rows, err := s.db.ListSuppression()
	if err != nil {
		respondErr(w, err)
		return
	}
	out := make([]easymail.SuppressionEntry, 0, len(rows))
	for _, e := range rows {
		out = append(out, easymail.SuppressionEntry{Email: e.Email, Reason: e.Reason, Source: e.Source, CreatedAt: e.CreatedAt})
	}
	respond(w, http.StatusOK, out)
}

func (s *Server) addSuppression(w http.ResponseWriter, r *http.Request) {
	a := actor(r)
	if !a.Has(suppressionAdmins...) {
		respondErr(w, easymail.Unauthorizedf("role may not manage the suppression list"))
		return
	}
	var in easymail.SuppressionEntry
	if err := decode(r, &in); err != nil {
		respondErr(w, err)
		return
	}
	if !tools.ValidEmail(in.Email) {
		respondErr(w, easymail.Validationf("invalid email %q", in.Email))
		return
	}
	if in.Source == "" {
		in.Source = "MANUAL"
	}
	err := s.db.AddSuppression(a.Email, dao.SuppressionEntry{
		Email:     easymail.NormalizeEmail(in.Email),
		Reason:    in.Reason,
		Source:    in.Source,
		CreatedAt: time.Now().In(time.UTC),
	})
	if err != nil {
		respondErr(w, err)
		return
	}
	respond(w, http.StatusCreated, in)
}

func (s *Server) deleteSuppression(w http.ResponseWriter, r *http.Request) {
	a := actor(r)
	if !a.Has(suppressionAdmins...) {
		respondErr(w, easymail.Unauthorizedf("role may not manage the suppression list"))
		return
	}
	err := s.db.DeleteSuppression(a.Email, easymail.NormalizeEmail(chi.URLParam(r, "email")))
	if err != nil {
		respondErr(w, err)
		return
	}
	respond(w, http.StatusNoContent, nil)
}

func (s *Server) getPolicy(w http.ResponseWriter, r *http.Request) {
	p, err := s.policy.Settings()
	if err != nil {
		respondErr(w, err)
		return
	}
	respond(w, http.StatusOK, p)
}

func (s *Server) updatePolicy(w http.ResponseWriter, r *http.Request) {
	var in easymail.PolicySettings
	if err := decode(r, &in); err != nil {
		respondErr(w, err)
		return
	}
	err := s.policy.Update(actor(r), in)
	if err != nil {
		respondErr(w, err)
		return
	}
	p, err := s.policy.Settings()
	if err != nil {
		respondErr(w, err)
		return
	}
	respond(w, http.StatusOK, p)
}

func (s *Server) listSmtpAccounts(w http.ResponseWriter, r *http.Request) {
	rows, err := s.db.ListSmtpAccounts()
	if err != nil {
		respondErr(w, err)
		return
	}
	out := make([]easymail.SmtpAccount, 0, len(rows))
	for _, a := range rows {
		wire := wireSmtpAccount(a)
		wire.Password = "" // never leaks over the API
		out = append(out, wire)
	}
	respond(w, http.StatusOK, out)
}

func (s *Server) saveSmtpAccount(w http.ResponseWriter, r *http.Request) {
	a := actor(r)
	if !a.Has(easymail.RoleSuperAdmin) {
		respondErr(w, easymail.Unauthorizedf("only SUPER_ADMIN may manage smtp accounts"))
		return
	}
	var in easymail.SmtpAccount
	if err := decode(r, &in); err != nil {
		respondErr(w, err)
		return
	}
	if id := chi.URLParam(r, "id"); id != "" {
		in.ID = id
	}
	if in.ID == "" {
		in.ID = xid.New().String()
	}
	if in.Host == "" {
		respondErr(w, easymail.Validationf("host is required"))
		return
	}
	if in.Port == 0 {
		in.Port = 587
	}
	if in.ThrottlePerMinute == 0 {
		p, err := s.policy.Settings()
		if err != nil {
			respondErr(w, err)
			return
		}
		in.ThrottlePerMinute = p.DefaultThrottlePerMinute
	}
	err := s.db.SaveSmtpAccount(a.Email, dao.SmtpAccount{
		ID:                in.ID,
		Provider:          in.Provider,
		Host:              in.Host,
		Port:              in.Port,
		Username:          in.Username,
		Password:          in.Password,
		UseTLS:            in.UseTLS,
		ThrottlePerMinute: in.ThrottlePerMinute,
	})
	if err != nil {
		respondErr(w, err)
		return
	}
	in.Password = ""
	respond(w, http.StatusOK, in)
}

func (s *Server) deleteSmtpAccount(w http.ResponseWriter, r *http.Request) {
	a := actor(r)
	if !a.Has(easymail.RoleSuperAdmin) {
		respondErr(w, easymail.Unauthorizedf("only SUPER_ADMIN may manage smtp accounts"))
		return
	}
	err := s.db.DeleteSmtpAccount(a.Email, chi.URLParam(r, "id"))
	if err != nil {
		respondErr(w, err)
		return
	}
	respond(w, http.StatusNoContent, nil)
}

func (s *Server) listIdentities(w http.ResponseWriter, r *http.Request) {
	rows, err := s.db.ListSenderIdentities()
	if err != nil {
		respondErr(w, err)
		return
	}
	out := make([]easymail.SenderIdentity, 0, len(rows))
	for _, i := range rows {
		out = append(out, easymail.SenderIdentity{ID: i.ID, DisplayName: i.DisplayName, Email: i.Email, SmtpAccountID: i.SmtpAccountID})
	}
	respond(w, http.StatusOK, out)
}

func (s *Server) saveIdentity(w http.ResponseWriter, r *http.Request) {
	a := actor(r)
	if !a.Has(easymail.RoleSuperAdmin) {
		respondErr(w, easymail.Unauthorizedf("only SUPER_ADMIN may manage sender identities"))
		return
	}
	var in easymail.SenderIdentity
	if err := decode(r, &in); err != nil {
		respondErr(w, err)
		return
	}
	if id := chi.URLParam(r, "id"); id != "" {
		in.ID = id
	}
	if in.ID == "" {
		in.ID = xid.New().String()
	}
	if !tools.ValidEmail(in.Email) {
		respondErr(w, easymail.Validationf("invalid sender email %q", in.Email))
		return
	}
	if _, err := s.db.GetSmtpAccount(in.SmtpAccountID); err != nil {
		respondErr(w, easymail.Validationf("smtp account %s does not exist", in.SmtpAccountID))
		return
	}
	err := s.db.SaveSenderIdentity(a.Email, dao.SenderIdentity{
		ID: in.ID, DisplayName: in.DisplayName, Email: in.Email, SmtpAccountID: in.SmtpAccountID,
	})
	if err != nil {
		respondErr(w, err)
		return
	}
	respond(w, http.StatusOK, in)
}

func (s *Server) deleteIdentity(w http.ResponseWriter, r *http.Request) {
	a := actor(r)
	if !a.Has(easymail.RoleSuperAdmin) {
		respondErr(w, easymail.Unauthorizedf("only SUPER_ADMIN may manage sender identities"))
		return
	}
	err := s.db.DeleteSenderIdentity(a.Email, chi.URLParam(r, "id"))
	if err != nil {
		respondErr(w, err)
		return
	}
	respond(w, http.StatusNoContent, nil)
}

func (s *Server) listAudit(w http.ResponseWriter, r *http.Request) {
	a := actor(r)
	if !a.Has(easymail.RoleSuperAdmin, easymail.RoleAuditor) {
		respondErr(w, easymail.Unauthorizedf("role may not read the audit trail"))
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	rows, err := s.db.ListAudit(limit, r.URL.Query().Get("resource_type"), r.URL.Query().Get("resource_id"))
	if err != nil {
		respondErr(w, err)
		return
	}
	out := make([]easymail.AuditEntry, 0, len(rows))
	for _, e := range rows {
		out = append(out, easymail.AuditEntry{
			ID:             strconv.FormatInt(e.ID, 10),
			ActorEmail:     e.ActorEmail,
			Action:         e.Action,
			ResourceType:   e.ResourceType,
			ResourceID:     e.ResourceID,
			BeforeSnapshot: e.BeforeSnapshot,
			AfterSnapshot:  e.AfterSnapshot,
			CreatedAt:      e.CreatedAt,
		})
	}
	respond(w, http.StatusOK, out)
}

func wireSmtpAccount(a dao.SmtpAccount) easymail.SmtpAccount {
	return easymail.SmtpAccount{
		ID:                a.ID,
		Provider:          a.Provider,
		Host:              a.Host,
		Port:              a.Port,
		Username:          a.Username,
		Password:          a.Password,
		UseTLS:            a.UseTLS,
		ThrottlePerMinute: a.ThrottlePerMinute,
	}
}
