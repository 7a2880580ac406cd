package bounce

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/ratons127/easy-mail-campaining/internal/dao"
)

func TestBounceAddressParsing(t *testing.T) {
	tests := []struct {
		address string
		match   bool
	}{
		{"bounces_c9s5jo2h6bf1v2q3k4l0=42@bounce.example.com", true},
		{"bounces_c9s5jo2h6bf1v2q3k4l0=1@b.example.com", true},
		{"someone@example.com", false},
		{"bounces_short=42@bounce.example.com", false},
		{"bounces_c9s5jo2h6bf1v2q3k4l0=notanumber@bounce.example.com", false},
	}
	for _, tc := range tests {
		got := bounceRegexp.MatchString(tc.address)
		if got != tc.match {
			t.Fatalf("%s: expected match=%v", tc.address, tc.match)
		}
	}
}

func TestRecordBounce(t *testing.T) {
	db, err := dao.NewSQLite(filepath.Join(t.TempDir(), "test.sqlite"))
	if err != nil {
		t.Fatal(err)
	}
	err = db.InsertRecipients([]dao.Recipient{
		{CampaignID: "c9s5jo2h6bf1v2q3k4l0", Generation: 1, Email: "gone@example.com", Status: "SENT", UpdatedAt: time.Now()},
	})
	if err != nil {
		t.Fatal(err)
	}
	rr, err := db.ListRecipients("c9s5jo2h6bf1v2q3k4l0", 1)
	if err != nil || len(rr) != 1 {
		t.Fatalf("seed failed, %v", err)
	}

	l := New(Config{Domain: "bounce.example.com", Port: 2525}, db)
	l.record("c9s5jo2h6bf1v2q3k4l0", rr[0].ID)

	got, err := db.GetRecipient(rr[0].ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != "BOUNCED" {
		t.Fatalf("expected BOUNCED, got %s", got.Status)
	}

	set, err := db.SuppressedSet()
	if err != nil {
		t.Fatal(err)
	}
	if _, hit := set["gone@example.com"]; !hit {
		t.Fatal("expected bounced address on suppression list")
	}

	// a bounce for a recipient of another campaign is ignored
	l.record("othercampaign0000000", rr[0].ID)
	got, err = db.GetRecipient(rr[0].ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != "BOUNCED" {
		t.Fatalf("unexpected status %s", got.Status)
	}
}
