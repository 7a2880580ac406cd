// Package bounce runs a small SMTP listener that receives asynchronous
// bounce reports. The envelope sender of every outgoing campaign message
// encodes the campaign and recipient, a bounce addressed back to it marks the
// recipient BOUNCED and puts the address on the suppression list.
package bounce

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/flashmob/go-guerrilla"
	"github.com/flashmob/go-guerrilla/backends"
	"github.com/flashmob/go-guerrilla/mail"
	"github.com/sirupsen/logrus"

	easymail "github.com/ratons127/easy-mail-campaining"
	"github.com/ratons127/easy-mail-campaining/internal/audit"
	"github.com/ratons127/easy-mail-campaining/internal/dao"
	"github.com/ratons127/easy-mail-campaining/tools"
)

// bounces_<campaign-id>=<recipient-row-id>@<bounce-domain>
var bounceRegexp = regexp.MustCompile(`^bounces_([0-9a-v]{20})=([0-9]+)@(.+)$`)

type Config struct {
	Domain string
	Port   int
}

type Listener struct {
	cfg    Config
	daemon guerrilla.Daemon
	db     dao.DAO
	log    *logrus.Logger
}

func New(cfg Config, db dao.DAO) *Listener {
	logger := logrus.New()
	logger.AddHook(tools.LoggerWho{Name: "bounce"})

	l := &Listener{
		cfg: cfg,
		db:  db,
		log: logger,
	}

	appcfg := &guerrilla.AppConfig{
		AllowedHosts: []string{"."}, // enforced during processing instead
		LogLevel:     "warn",
	}
	appcfg.Servers = append(appcfg.Servers, guerrilla.ServerConfig{
		Hostname:        cfg.Domain,
		ListenInterface: fmt.Sprintf(":%d", cfg.Port),
		IsEnabled:       true,
	})
	l.daemon = guerrilla.Daemon{Config: appcfg}
	l.daemon.Backend = &backend{listener: l}
	return l
}

func (l *Listener) Start() error {
	l.log.WithField("port", l.cfg.Port).Info("starting bounce listener")
	return l.daemon.Start()
}

func (l *Listener) Stop(_ context.Context) error {
	l.daemon.Shutdown()
	return nil
}

// record marks the recipient bounced and suppresses the address for future
// campaigns.
func (l *Listener) record(campaignID string, recipientID int64) {
	log := l.log.WithField("campaign", campaignID).WithField("recipient", recipientID)

	r, err := l.db.GetRecipient(recipientID)
	if err != nil {
		log.WithError(err).Warn("bounce for unknown recipient")
		return
	}
	if r.CampaignID != campaignID {
		log.Warn("bounce recipient does not belong to campaign, ignoring")
		return
	}

	err = l.db.UpdateRecipientAttempt(recipientID, string(easymail.RecipientBounced), r.RetryCount, "asynchronous bounce")
	if err != nil {
		log.WithError(err).Error("could not mark recipient bounced")
		return
	}

	err = l.db.AddSuppression("system", dao.SuppressionEntry{
		Email:     easymail.NormalizeEmail(r.Email),
		Reason:    "hard bounce from campaign " + campaignID,
		Source:    "BOUNCE",
		CreatedAt: time.Now().In(time.UTC),
	})
	if err != nil {
		log.WithError(err).Error("could not suppress bounced address")
		return
	}

	err = l.db.AppendAudit(audit.New("system", audit.ActionBounceReceived, "recipient",
		strconv.FormatInt(recipientID, 10), nil, map[string]string{"campaign": campaignID, "email": r.Email}))
	if err != nil {
		log.WithError(err).Error("could not audit bounce")
	}
	log.Info("recorded bounce")
}

type backend struct {
	listener *Listener
}

func (b *backend) Process(e *mail.Envelope) backends.Result {
	if len(e.RcptTo) < 1 {
		return backends.NewResult("550 Requested action not taken: mailbox unavailable")
	}

	matched := 0
	for _, rcpt := range e.RcptTo {
		address := strings.TrimSpace(rcpt.String())
		m := bounceRegexp.FindStringSubmatch(address)
		if m == nil {
			continue
		}
		recipientID, err := strconv.ParseInt(m[2], 10, 64)
		if err != nil {
			continue
		}
		matched++
		b.listener.record(m[1], recipientID)
	}

	if matched == 0 {
		return backends.NewResult("550 Requested action not taken: mailbox unavailable")
	}
	return backends.NewResult("250 OK: Message received")
}

func (b *backend) ValidateRcpt(*mail.Envelope) backends.RcptError {
	return nil
}

func (b *backend) Initialize(backends.BackendConfig) error {
	return nil
}

func (b *backend) Reinitialize() error {
	return nil
}

func (b *backend) Shutdown() error {
	return nil
}

func (b *backend) Start() error {
	return nil
}
