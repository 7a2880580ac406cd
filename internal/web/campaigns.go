package web

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	easymail "github.com/ratons127/easy-mail-campaining"
	"github.com/ratons127/easy-mail-campaining/internal/campaigns"
)

func (s *Server) routeCampaigns(r chi.Router) {
	r.Route("/campaigns", func(r chi.Router) {
		r.Post("/", s.createCampaign)
		r.Get("/", s.listCampaigns)
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", s.getCampaign)
			r.Put("/", s.updateCampaign)
			r.Delete("/", s.deleteCampaign)
			r.Post("/duplicate", s.duplicateCampaign)
			r.Post("/submit", s.submitCampaign)
			r.Post("/schedule", s.scheduleCampaign)
			r.Post("/expand", s.expandCampaign)
			r.Post("/test-send", s.testSend)
			r.Post("/send", s.startSend)
			r.Post("/cancel", s.cancelCampaign)
			r.Post("/requeue", s.requeueCampaign)
			r.Get("/approvals", s.listApprovals)
			r.Post("/attachments", s.addAttachment)
		})
	})
	r.Route("/approvals/{id}", func(r chi.Router) {
		r.Post("/approve", s.approve)
		r.Post("/reject", s.reject)
	})
}

func (s *Server) createCampaign(w http.ResponseWriter, r *http.Request) {
	var c easymail.Campaign
	if err := decode(r, &c); err != nil {
		respondErr(w, err)
		return
	}
	created, err := s.campaigns.Create(actor(r), c)
	if err != nil {
		respondErr(w, err)
		return
	}
	respond(w, http.StatusCreated, created)
}

func (s *Server) listCampaigns(w http.ResponseWriter, r *http.Request) {
	cc, err := s.campaigns.List(actor(r), r.URL.Query().Get("status"))
	if err != nil {
		respondErr(w, err)
		return
	}
	respond(w, http.StatusOK, cc)
}

func (s *Server) getCampaign(w http.ResponseWriter, r *http.Request) {
	c, err := s.campaigns.Get(actor(r), chi.URLParam(r, "id"))
	if err != nil {
		respondErr(w, err)
		return
	}
	respond(w, http.StatusOK, c)
}

func (s *Server) updateCampaign(w http.ResponseWriter, r *http.Request) {
	var c easymail.Campaign
	if err := decode(r, &c); err != nil {
		respondErr(w, err)
		return
	}
	c.ID = chi.URLParam(r, "id")
	updated, err := s.campaigns.Update(actor(r), c)
	if err != nil {
		respondErr(w, err)
		return
	}
	respond(w, http.StatusOK, updated)
}

func (s *Server) deleteCampaign(w http.ResponseWriter, r *http.Request) {
	err := s.campaigns.Delete(actor(r), chi.URLParam(r, "id"))
	if err != nil {
		respondErr(w, err)
		return
	}
	respond(w, http.StatusNoContent, nil)
}

func (s *Server) duplicateCampaign(w http.ResponseWriter, r *http.Request) {
	c, err := s.campaigns.Duplicate(actor(r), chi.URLParam(r, "id"))
	if err != nil {
		respondErr(w, err)
		return
	}
	respond(w, http.StatusCreated, c)
}

func (s *Server) submitCampaign(w http.ResponseWriter, r *http.Request) {
	var req campaigns.SubmitRequest
	if err := decode(r, &req); err != nil {
		respondErr(w, err)
		return
	}
	c, err := s.campaigns.Submit(actor(r), chi.URLParam(r, "id"), req)
	if err != nil {
		respondErr(w, err)
		return
	}
	respond(w, http.StatusOK, c)
}

func (s *Server) scheduleCampaign(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ScheduledAt *time.Time `json:"scheduled_at"`
	}
	_ = decode(r, &req) // an empty body means send now
	err := s.campaigns.Schedule(actor(r), chi.URLParam(r, "id"), req.ScheduledAt)
	if err != nil {
		respondErr(w, err)
		return
	}
	respond(w, http.StatusOK, map[string]string{"status": "scheduled"})
}

// expandCampaign materializes the recipient list ahead of the send, so an
// operator can inspect the report before delivery starts.
func (s *Server) expandCampaign(w http.ResponseWriter, r *http.Request) {
	a := actor(r)
	if !a.Has(easymail.RoleSuperAdmin, easymail.RoleHRAdmin, easymail.RoleDeptAdmin, easymail.RoleSender) {
		respondErr(w, easymail.Unauthorizedf("role may not expand campaigns"))
		return
	}
	generation, err := s.dispatcher.Expand(a, chi.URLParam(r, "id"))
	if err != nil {
		respondErr(w, err)
		return
	}
	respond(w, http.StatusOK, map[string]any{"generation": generation})
}

func (s *Server) testSend(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Recipients []string `json:"recipients"`
	}
	if err := decode(r, &req); err != nil {
		respondErr(w, err)
		return
	}
	err := s.dispatcher.TestSend(actor(r), chi.URLParam(r, "id"), req.Recipients)
	if err != nil {
		respondErr(w, err)
		return
	}
	respond(w, http.StatusOK, map[string]any{"sent": len(req.Recipients)})
}

// startSend kicks the dispatcher for a SCHEDULED campaign without waiting
// for the poll tick. The send itself runs in the background.
func (s *Server) startSend(w http.ResponseWriter, r *http.Request) {
	a := actor(r)
	if !a.Has(easymail.RoleSuperAdmin, easymail.RoleHRAdmin, easymail.RoleDeptAdmin, easymail.RoleSender) {
		respondErr(w, easymail.Unauthorizedf("role may not start sends"))
		return
	}
	id := chi.URLParam(r, "id")

	c, err := s.campaigns.Get(a, id)
	if err != nil {
		respondErr(w, err)
		return
	}
	if c.Status != easymail.StatusScheduled && c.Status != easymail.StatusSending {
		respondErr(w, easymail.Validationf("campaign is %s, not sendable", c.Status))
		return
	}

	go func() {
		err := s.dispatcher.StartSend(a.Email, id)
		if err != nil {
			s.log.WithError(err).WithField("campaign", id).Warn("manual send failed")
		}
	}()
	respond(w, http.StatusAccepted, map[string]string{"status": "started"})
}

func (s *Server) cancelCampaign(w http.ResponseWriter, r *http.Request) {
	err := s.campaigns.Cancel(actor(r), chi.URLParam(r, "id"))
	if err != nil {
		respondErr(w, err)
		return
	}
	respond(w, http.StatusOK, map[string]string{"status": "cancelled"})
}

func (s *Server) requeueCampaign(w http.ResponseWriter, r *http.Request) {
	err := s.campaigns.Requeue(actor(r), chi.URLParam(r, "id"))
	if err != nil {
		respondErr(w, err)
		return
	}
	respond(w, http.StatusOK, map[string]string{"status": "scheduled"})
}

func (s *Server) listApprovals(w http.ResponseWriter, r *http.Request) {
	aa, err := s.campaigns.Approvals(actor(r), chi.URLParam(r, "id"))
	if err != nil {
		respondErr(w, err)
		return
	}
	respond(w, http.StatusOK, aa)
}

func (s *Server) approve(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Comment string `json:"comment"`
	}
	_ = decode(r, &req) // comment is optional
	err := s.campaigns.Approve(actor(r), chi.URLParam(r, "id"), req.Comment)
	if err != nil {
		respondErr(w, err)
		return
	}
	respond(w, http.StatusOK, map[string]string{"status": "approved"})
}

func (s *Server) reject(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Comment string `json:"comment"`
	}
	_ = decode(r, &req)
	err := s.campaigns.Reject(actor(r), chi.URLParam(r, "id"), req.Comment)
	if err != nil {
		respondErr(w, err)
		return
	}
	respond(w, http.StatusOK, map[string]string{"status": "rejected"})
}

func (s *Server) addAttachment(w http.ResponseWriter, r *http.Request) {
	err := r.ParseMultipartForm(32 << 20)
	if err != nil {
		respondErr(w, easymail.Validationf("bad multipart form, %v", err))
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		respondErr(w, easymail.Validationf("missing file field"))
		return
	}
	defer func() {
		_ = file.Close()
	}()

	att, err := s.campaigns.AddAttachment(actor(r), chi.URLParam(r, "id"),
		header.Filename, header.Header.Get("Content-Type"), file)
	if err != nil {
		respondErr(w, err)
		return
	}
	respond(w, http.StatusCreated, att)
}
