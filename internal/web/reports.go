package web

import (
	"encoding/csv"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	easymail "github.com/ratons127/easy-mail-campaining"
)

func (s *Server) routeReports(r chi.Router) {
	r.Route("/campaigns/{id}/report", func(r chi.Router) {
		r.Get("/summary", s.reportSummary)
		r.Get("/recipients", s.reportRecipients)
		r.Get("/export", s.reportExport)
	})
	// the console ui reads reports under its own prefix
	r.Route("/reports/campaigns/{id}", func(r chi.Router) {
		r.Get("/summary", s.reportSummary)
		r.Get("/recipients", s.reportRecipients)
		r.Get("/export", s.reportExport)
	})
}

// generationOf resolves the generation query param, defaulting to the latest.
func (s *Server) generationOf(r *http.Request, campaignID string) (int, error) {
	if g := r.URL.Query().Get("generation"); g != "" {
		gen, err := strconv.Atoi(g)
		if err != nil || gen < 1 {
			return 0, easymail.Validationf("bad generation %q", g)
		}
		return gen, nil
	}
	return s.db.LatestGeneration(campaignID)
}

func (s *Server) reportSummary(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := s.db.GetCampaign(id); err != nil {
		respondErr(w, err)
		return
	}
	gen, err := s.generationOf(r, id)
	if err != nil {
		respondErr(w, err)
		return
	}
	counts, err := s.db.RecipientCounts(id, gen)
	if err != nil {
		respondErr(w, err)
		return
	}

	summary := easymail.ReportSummary{
		CampaignID: id,
		Generation: gen,
		ByStatus:   map[easymail.RecipientStatus]int{},
	}
	for status, n := range counts {
		summary.ByStatus[easymail.RecipientStatus(status)] = n
		summary.Total += n
	}
	respond(w, http.StatusOK, summary)
}

func (s *Server) reportRecipients(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := s.db.GetCampaign(id); err != nil {
		respondErr(w, err)
		return
	}
	gen, err := s.generationOf(r, id)
	if err != nil {
		respondErr(w, err)
		return
	}
	rows, err := s.db.ListRecipients(id, gen)
	if err != nil {
		respondErr(w, err)
		return
	}
	out := make([]easymail.Recipient, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.Wire())
	}
	respond(w, http.StatusOK, out)
}

func (s *Server) reportExport(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := s.db.GetCampaign(id); err != nil {
		respondErr(w, err)
		return
	}
	gen, err := s.generationOf(r, id)
	if err != nil {
		respondErr(w, err)
		return
	}
	rows, err := s.db.ListRecipients(id, gen)
	if err != nil {
		respondErr(w, err)
		return
	}

	w.Header().Set("Content-Type", "text/csv")
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="campaign-%s-gen%d.csv"`, id, gen))

	cw := csv.NewWriter(w)
	_ = cw.Write([]string{"email", "fullName", "status", "retryCount", "updatedAt", "lastError"})
	for _, row := range rows {
		_ = cw.Write([]string{
			row.Email,
			row.FullName,
			row.Status,
			strconv.Itoa(row.RetryCount),
			row.UpdatedAt.In(time.UTC).Format(time.RFC3339),
			row.LastError,
		})
	}
	cw.Flush()
	if err := cw.Error(); err != nil {
		// headers are long gone, all we can do is note the truncated export
		s.log.WithError(err).WithField("campaign", id).Warn("csv export aborted")
	}
}
