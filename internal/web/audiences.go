package web

import (
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/xid"

	easymail "github.com/ratons127/easy-mail-campaining"
	"github.com/ratons127/easy-mail-campaining/internal/audience"
	"github.com/ratons127/easy-mail-campaining/internal/dao"
)

var audienceAdmins = []easymail.Role{
	easymail.RoleSuperAdmin, easymail.RoleHRAdmin, easymail.RoleDeptAdmin,
}

func (s *Server) routeAudiences(r chi.Router) {
	r.Route("/audiences", func(r chi.Router) {
		r.Post("/", s.createAudience)
		r.Get("/", s.listAudiences)
		r.Post("/preview", s.previewAudience)
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", s.getAudience)
			r.Put("/", s.updateAudience)
			r.Delete("/", s.deleteAudience)
			r.Get("/preview", s.previewSavedAudience)
		})
	})
}

func (s *Server) saveAudience(w http.ResponseWriter, r *http.Request, id string) {
	a := actor(r)
	if !a.Has(audienceAdmins...) {
		respondErr(w, easymail.Unauthorizedf("role may not manage audiences"))
		return
	}
	var in easymail.Audience
	if err := decode(r, &in); err != nil {
		respondErr(w, err)
		return
	}
	if in.Name == "" {
		respondErr(w, easymail.Validationf("name is required"))
		return
	}
	if err := audience.ValidateRules(in.Rules); err != nil {
		respondErr(w, err)
		return
	}

	update := id != ""
	if !update {
		id = xid.New().String()
	}
	if update {
		// changing rules under a campaign that may yet send would alter who
		// receives it after approval
		n, err := s.db.ActiveCampaignLinks(id)
		if err != nil {
			respondErr(w, err)
			return
		}
		if n > 0 {
			respondErr(w, fmt.Errorf("%w: %d active campaigns", easymail.ErrAudienceInUse, n))
			return
		}
	}
	var rules []dao.AudienceRule
	for _, rule := range in.Rules {
		rules = append(rules, dao.AudienceRule{RuleType: string(rule.RuleType), RuleValue: rule.RuleValue})
	}
	err := s.db.SaveAudience(a.Email, dao.Audience{
		ID:          id,
		Name:        in.Name,
		Description: in.Description,
		CreatedBy:   a.Email,
		CreatedAt:   time.Now().In(time.UTC),
	}, rules, update)
	if err != nil {
		respondErr(w, err)
		return
	}

	status := http.StatusOK
	if !update {
		status = http.StatusCreated
	}
	in.ID = id
	respond(w, status, in)
}

func (s *Server) createAudience(w http.ResponseWriter, r *http.Request) {
	s.saveAudience(w, r, "")
}

func (s *Server) updateAudience(w http.ResponseWriter, r *http.Request) {
	s.saveAudience(w, r, chi.URLParam(r, "id"))
}

func (s *Server) listAudiences(w http.ResponseWriter, r *http.Request) {
	aa, rules, err := s.db.ListAudiences()
	if err != nil {
		respondErr(w, err)
		return
	}
	out := make([]easymail.Audience, 0, len(aa))
	for _, a := range aa {
		out = append(out, wireAudience(a, rules[a.ID]))
	}
	respond(w, http.StatusOK, out)
}

func (s *Server) getAudience(w http.ResponseWriter, r *http.Request) {
	a, rules, err := s.db.GetAudience(chi.URLParam(r, "id"))
	if err != nil {
		respondErr(w, err)
		return
	}
	respond(w, http.StatusOK, wireAudience(*a, rules))
}

// deleteAudience refuses to remove audiences still linked to campaigns that
// may yet send.
func (s *Server) deleteAudience(w http.ResponseWriter, r *http.Request) {
	a := actor(r)
	if !a.Has(audienceAdmins...) {
		respondErr(w, easymail.Unauthorizedf("role may not manage audiences"))
		return
	}
	id := chi.URLParam(r, "id")
	n, err := s.db.ActiveCampaignLinks(id)
	if err != nil {
		respondErr(w, err)
		return
	}
	if n > 0 {
		respondErr(w, fmt.Errorf("%w: %d active campaigns", easymail.ErrAudienceInUse, n))
		return
	}
	err = s.db.DeleteAudience(a.Email, id)
	if err != nil {
		respondErr(w, err)
		return
	}
	respond(w, http.StatusNoContent, nil)
}

func (s *Server) previewAudience(w http.ResponseWriter, r *http.Request) {
	var in easymail.Audience
	if err := decode(r, &in); err != nil {
		respondErr(w, err)
		return
	}
	preview, err := s.resolver.Preview(r.Context(), in)
	if err != nil {
		respondErr(w, err)
		return
	}
	respond(w, http.StatusOK, preview)
}

func (s *Server) previewSavedAudience(w http.ResponseWriter, r *http.Request) {
	a, rules, err := s.db.GetAudience(chi.URLParam(r, "id"))
	if err != nil {
		respondErr(w, err)
		return
	}
	preview, err := s.resolver.Preview(r.Context(), wireAudience(*a, rules))
	if err != nil {
		respondErr(w, err)
		return
	}
	respond(w, http.StatusOK, preview)
}

func wireAudience(a dao.Audience, rules []dao.AudienceRule) easymail.Audience {
	out := easymail.Audience{
		ID:          a.ID,
		Name:        a.Name,
		Description: a.Description,
		CreatedBy:   a.CreatedBy,
		CreatedAt:   a.CreatedAt,
	}
	for _, r := range rules {
		out.Rules = append(out.Rules, easymail.AudienceRule{
			RuleType:  easymail.RuleType(r.RuleType),
			RuleValue: r.RuleValue,
		})
	}
	return out
}
