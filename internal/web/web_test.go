package web

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	easymail "github.com/ratons127/easy-mail-campaining"
	"github.com/ratons127/easy-mail-campaining/internal/audience"
	"github.com/ratons127/easy-mail-campaining/internal/campaigns"
	"github.com/ratons127/easy-mail-campaining/internal/dao"
	"github.com/ratons127/easy-mail-campaining/internal/directory"
	"github.com/ratons127/easy-mail-campaining/internal/dispatch"
	"github.com/ratons127/easy-mail-campaining/internal/metrics"
	"github.com/ratons127/easy-mail-campaining/internal/policy"
	"github.com/ratons127/easy-mail-campaining/internal/sender"
	"github.com/ratons127/easy-mail-campaining/internal/suppression"
)

type noopSender struct{}

func (noopSender) Send(context.Context, easymail.SmtpAccount, sender.Message) error {
	return nil
}

func server(t *testing.T) (*Server, dao.DAO) {
	t.Helper()
	db, err := dao.NewSQLite(filepath.Join(t.TempDir(), "test.sqlite"))
	if err != nil {
		t.Fatal(err)
	}

	err = db.SaveSmtpAccount("test", dao.SmtpAccount{ID: "smtp-1", Host: "smtp.example.com", Port: 587, ThrottlePerMinute: 1000})
	if err != nil {
		t.Fatal(err)
	}
	err = db.SaveSenderIdentity("test", dao.SenderIdentity{ID: "ident-1", Email: "no-reply@example.com", SmtpAccountID: "smtp-1"})
	if err != nil {
		t.Fatal(err)
	}

	pol := policy.New(db)
	resolver := audience.New(&directory.Static{Employees: []easymail.Employee{
		{ID: 1, Email: "anna@example.com", FullName: "Anna", Status: "ACTIVE", DepartmentID: 10},
		{ID: 2, Email: "bert@example.com", FullName: "Bert", Status: "ACTIVE", DepartmentID: 20},
	}})
	prom := metrics.New(metrics.Config{})
	d := dispatch.New(dispatch.Config{Workers: 1, RetryBackoff: time.Millisecond, InternalDomains: []string{"*"}},
		db, resolver, suppression.New(db), pol, noopSender{}, prom)
	svc := campaigns.New(campaigns.Config{AttachmentsDir: t.TempDir()}, db, pol)

	return New(Config{}, db, svc, d, resolver, pol, prom), db
}

func call(t *testing.T, h http.Handler, method, path string, roles string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		err := json.NewEncoder(&buf).Encode(body)
		if err != nil {
			t.Fatal(err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	if roles != "" {
		req.Header.Set("X-Actor-Email", strings.ToLower(strings.Split(roles, ",")[0])+"@example.com")
		req.Header.Set("X-Actor-Roles", roles)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestMissingActorRejected(t *testing.T) {
	s, _ := server(t)
	rec := call(t, s.Handler(), http.MethodGet, "/api/campaigns", "", nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestCampaignLifecycleOverHTTP(t *testing.T) {
	s, _ := server(t)
	h := s.Handler()

	// audience
	rec := call(t, h, http.MethodPost, "/api/audiences", "HR_ADMIN", easymail.Audience{
		Name:  "dept 10",
		Rules: []easymail.AudienceRule{{RuleType: "DEPARTMENT", RuleValue: "10"}},
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("audience create: expected 201, got %d, %s", rec.Code, rec.Body)
	}
	var aud easymail.Audience
	_ = json.Unmarshal(rec.Body.Bytes(), &aud)

	// campaign
	rec = call(t, h, http.MethodPost, "/api/campaigns", "SENDER", easymail.Campaign{
		Title: "hello", Category: "GENERAL",
		SenderIdentityID: "ident-1", SmtpAccountID: "smtp-1",
		Subject: "s", TextBody: "b",
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("campaign create: expected 201, got %d, %s", rec.Code, rec.Body)
	}
	var c easymail.Campaign
	_ = json.Unmarshal(rec.Body.Bytes(), &c)

	// submit
	rec = call(t, h, http.MethodPost, "/api/campaigns/"+c.ID+"/submit", "SENDER",
		campaigns.SubmitRequest{AudienceIDs: []string{aud.ID}})
	if rec.Code != http.StatusOK {
		t.Fatalf("submit: expected 200, got %d, %s", rec.Code, rec.Body)
	}

	// approvals
	rec = call(t, h, http.MethodGet, "/api/campaigns/"+c.ID+"/approvals", "SENDER", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("approvals: expected 200, got %d", rec.Code)
	}
	var aa []easymail.Approval
	_ = json.Unmarshal(rec.Body.Bytes(), &aa)
	if len(aa) != 1 {
		t.Fatalf("expected 1 approval for GENERAL, got %d", len(aa))
	}

	// wrong role gets 403
	rec = call(t, h, http.MethodPost, "/api/approvals/"+aa[0].ID+"/approve", "SENDER", nil)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", rec.Code)
	}

	rec = call(t, h, http.MethodPost, "/api/approvals/"+aa[0].ID+"/approve", "APPROVER",
		map[string]string{"comment": "ok"})
	if rec.Code != http.StatusOK {
		t.Fatalf("approve: expected 200, got %d, %s", rec.Code, rec.Body)
	}

	rec = call(t, h, http.MethodGet, "/api/campaigns/"+c.ID, "SENDER", nil)
	_ = json.Unmarshal(rec.Body.Bytes(), &c)
	if c.Status != easymail.StatusScheduled {
		t.Fatalf("expected SCHEDULED, got %s", c.Status)
	}
}

func TestAudiencePreviewEndpoint(t *testing.T) {
	s, _ := server(t)
	rec := call(t, s.Handler(), http.MethodPost, "/api/audiences/preview", "HR_ADMIN", easymail.Audience{
		Rules: []easymail.AudienceRule{{RuleType: "STATUS", RuleValue: "ACTIVE"}},
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d, %s", rec.Code, rec.Body)
	}
	var preview easymail.AudiencePreview
	_ = json.Unmarshal(rec.Body.Bytes(), &preview)
	if preview.Count != 2 {
		t.Fatalf("expected 2 matches, got %+v", preview)
	}

	rec = call(t, s.Handler(), http.MethodPost, "/api/audiences/preview", "HR_ADMIN", easymail.Audience{
		Rules: []easymail.AudienceRule{{RuleType: "DEPARTMENT", RuleValue: "engineering"}},
	})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad rule, got %d", rec.Code)
	}
}

func TestPolicyConflict(t *testing.T) {
	s, _ := server(t)
	h := s.Handler()

	rec := call(t, h, http.MethodGet, "/api/settings/policies", "SUPER_ADMIN", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var p easymail.PolicySettings
	_ = json.Unmarshal(rec.Body.Bytes(), &p)

	p.MaxTestRecipients = 7
	rec = call(t, h, http.MethodPut, "/api/settings/policies", "SUPER_ADMIN", p)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d, %s", rec.Code, rec.Body)
	}

	// stale version conflicts
	rec = call(t, h, http.MethodPut, "/api/settings/policies", "SUPER_ADMIN", p)
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", rec.Code)
	}

	rec = call(t, h, http.MethodPut, "/api/settings/policies", "SENDER", p)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", rec.Code)
	}
}

func TestSuppressionEndpoints(t *testing.T) {
	s, _ := server(t)
	h := s.Handler()

	rec := call(t, h, http.MethodPost, "/api/suppression", "HR_ADMIN",
		easymail.SuppressionEntry{Email: "Gone@Example.com", Reason: "left"})
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d, %s", rec.Code, rec.Body)
	}

	rec = call(t, h, http.MethodGet, "/api/suppression", "AUDITOR", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var list []easymail.SuppressionEntry
	_ = json.Unmarshal(rec.Body.Bytes(), &list)
	if len(list) != 1 || list[0].Email != "gone@example.com" {
		t.Fatalf("expected normalized entry, got %+v", list)
	}

	rec = call(t, h, http.MethodDelete, "/api/suppression/gone@example.com", "SENDER", nil)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", rec.Code)
	}
	rec = call(t, h, http.MethodDelete, "/api/suppression/gone@example.com", "SUPER_ADMIN", nil)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", rec.Code)
	}
}

func TestReportEndpoints(t *testing.T) {
	s, db := server(t)
	h := s.Handler()

	now := time.Now().In(time.UTC)
	err := db.CreateCampaign("test", dao.Campaign{
		ID: "c1", Title: "t", Category: "GENERAL", Status: "COMPLETED",
		SenderIdentityID: "ident-1", SmtpAccountID: "smtp-1",
		Subject: "s", TextBody: "b", AttachmentsJSON: "[]",
		CreatedBy: "test", CreatedAt: now, UpdatedAt: now,
	})
	if err != nil {
		t.Fatal(err)
	}
	err = db.InsertRecipients([]dao.Recipient{
		{CampaignID: "c1", Generation: 1, Email: "anna@example.com", FullName: "Anna", Status: "SENT", UpdatedAt: now},
		{CampaignID: "c1", Generation: 1, Email: "bert@example.com", FullName: "Bert", Status: "FAILED", RetryCount: 3, LastError: "timeout", UpdatedAt: now},
	})
	if err != nil {
		t.Fatal(err)
	}

	rec := call(t, h, http.MethodGet, "/api/campaigns/c1/report/summary", "AUDITOR", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d, %s", rec.Code, rec.Body)
	}
	var summary easymail.ReportSummary
	_ = json.Unmarshal(rec.Body.Bytes(), &summary)
	if summary.Total != 2 || summary.ByStatus[easymail.RecipientSent] != 1 {
		t.Fatalf("unexpected summary %+v", summary)
	}

	rec = call(t, h, http.MethodGet, "/api/campaigns/c1/report/export", "AUDITOR", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "text/csv" {
		t.Fatalf("expected text/csv, got %s", ct)
	}
	body := rec.Body.String()
	if !strings.Contains(body, "anna@example.com") || !strings.Contains(body, "timeout") {
		t.Fatalf("unexpected csv:\n%s", body)
	}
	if lines := strings.Count(strings.TrimSpace(body), "\n"); lines != 2 {
		t.Fatalf("expected header plus 2 rows, got %d newlines:\n%s", lines, body)
	}

	rec = call(t, h, http.MethodGet, "/api/campaigns/nope/report/summary", "AUDITOR", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

// brokenWriter drops the connection on the first body write, like a client
// that went away mid download.
type brokenWriter struct {
	http.ResponseWriter
}

func (w brokenWriter) Write([]byte) (int, error) {
	return 0, errors.New("client went away")
}

func TestReportExportClientGone(t *testing.T) {
	s, db := server(t)
	h := s.Handler()

	var logged bytes.Buffer
	s.log.SetOutput(&logged)

	now := time.Now().In(time.UTC)
	err := db.CreateCampaign("test", dao.Campaign{
		ID: "c1", Title: "t", Category: "GENERAL", Status: "COMPLETED",
		SenderIdentityID: "ident-1", SmtpAccountID: "smtp-1",
		Subject: "s", TextBody: "b", AttachmentsJSON: "[]",
		CreatedBy: "test", CreatedAt: now, UpdatedAt: now,
	})
	if err != nil {
		t.Fatal(err)
	}
	err = db.InsertRecipients([]dao.Recipient{
		{CampaignID: "c1", Generation: 1, Email: "anna@example.com", Status: "SENT", UpdatedAt: now},
	})
	if err != nil {
		t.Fatal(err)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/campaigns/c1/report/export", nil)
	req.Header.Set("X-Actor-Email", "auditor@example.com")
	req.Header.Set("X-Actor-Roles", "AUDITOR")
	h.ServeHTTP(brokenWriter{httptest.NewRecorder()}, req)

	if !strings.Contains(logged.String(), "csv export aborted") {
		t.Fatalf("expected the truncated export to be logged, got %q", logged.String())
	}
}
