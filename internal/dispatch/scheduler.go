// Package dispatch turns SCHEDULED campaigns into delivered mail: it expands
// audiences into recipient generations, fans deliveries out over a worker
// pool and throttles them per smtp account.
package dispatch

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/alitto/pond"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	easymail "github.com/ratons127/easy-mail-campaining"
	"github.com/ratons127/easy-mail-campaining/internal/audience"
	"github.com/ratons127/easy-mail-campaining/internal/audit"
	"github.com/ratons127/easy-mail-campaining/internal/dao"
	"github.com/ratons127/easy-mail-campaining/internal/metrics"
	"github.com/ratons127/easy-mail-campaining/internal/policy"
	"github.com/ratons127/easy-mail-campaining/internal/sender"
	"github.com/ratons127/easy-mail-campaining/internal/signals"
	"github.com/ratons127/easy-mail-campaining/internal/suppression"
	"github.com/ratons127/easy-mail-campaining/tools"
)

type Config struct {
	Workers         int
	PollInterval    time.Duration
	RetryBackoff    time.Duration
	MaxRetries      int
	AttachmentsDir  string
	BounceDomain    string
	InternalDomains []string
}

type Dispatcher struct {
	db       dao.DAO
	resolver *audience.Resolver
	filter   *suppression.Filter
	policy   *policy.Engine
	sender   sender.Sender
	cfg      Config
	log      *logrus.Logger

	locks    *tools.KeyedMutex
	throttle *throttle
	pool     *pond.WorkerPool

	metrics dispatchMetrics

	ostart sync.Once
	ostop  sync.Once
	done   chan struct{}
}

type dispatchMetrics struct {
	sent       prometheus.Counter
	retried    prometheus.Counter
	failed     prometheus.Counter
	bounced    prometheus.Counter
	suppressed prometheus.Counter
}

// counters are process wide, registering twice panics in the prometheus
// client.
var registerOnce sync.Once
var registered dispatchMetrics

func registerMetrics(prom *metrics.Metrics) dispatchMetrics {
	registerOnce.Do(func() {
		registered = dispatchMetrics{
			sent:       prom.Register().NewCounter(prometheus.CounterOpts{Name: "dispatch_sent", Help: "emails delivered to the smtp server"}),
			retried:    prom.Register().NewCounter(prometheus.CounterOpts{Name: "dispatch_retried", Help: "transient failures that were retried"}),
			failed:     prom.Register().NewCounter(prometheus.CounterOpts{Name: "dispatch_failed", Help: "recipients given up on after the retry cap"}),
			bounced:    prom.Register().NewCounter(prometheus.CounterOpts{Name: "dispatch_bounced", Help: "recipients rejected permanently"}),
			suppressed: prom.Register().NewCounter(prometheus.CounterOpts{Name: "dispatch_suppressed", Help: "recipients skipped by the suppression list"}),
		}
	})
	return registered
}

func New(cfg Config, db dao.DAO, resolver *audience.Resolver, filter *suppression.Filter, pol *policy.Engine, snd sender.Sender, prom *metrics.Metrics) *Dispatcher {
	logger := logrus.New()
	logger.AddHook(tools.LoggerWho{Name: "dispatch"})

	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 30 * time.Second
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = 30 * time.Second
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}

	return &Dispatcher{
		db:       db,
		resolver: resolver,
		filter:   filter,
		policy:   pol,
		sender:   snd,
		cfg:      cfg,
		log:      logger,
		locks:    tools.NewKeyedMutex(),
		throttle: newThrottle(),
		pool:     pond.New(cfg.Workers, 0, pond.MinWorkers(1)),
		done:     make(chan struct{}),
		metrics:  registerMetrics(prom),
	}
}

func (d *Dispatcher) Start() {
	d.ostart.Do(func() {
		go d.start()
	})
}

func (d *Dispatcher) start() {
	d.log.WithField("workers", d.cfg.Workers).Info("starting dispatcher")

	// campaigns stuck in SENDING after a restart resume their pending rows
	d.resumeInterrupted()

	wake, cancel := signals.Listen(signals.CampaignScheduled)
	defer cancel()

	ticker := time.NewTicker(d.cfg.PollInterval)
	defer ticker.Stop()

	for {
		d.tick()
		select {
		case <-d.done:
			return
		case <-wake:
		case <-ticker.C:
		}
	}
}

func (d *Dispatcher) Stop(ctx context.Context) error {
	var err error
	d.ostop.Do(func() {
		d.log.Info("stopping dispatcher")
		close(d.done)

		stopped := make(chan struct{})
		go func() {
			d.pool.StopAndWait()
			close(stopped)
		}()
		select {
		case <-stopped:
		case <-ctx.Done():
			err = ctx.Err()
		}
	})
	return err
}

func (d *Dispatcher) tick() {
	due, err := d.db.DueCampaigns(time.Now().In(time.UTC))
	if err != nil {
		d.log.WithError(err).Error("could not list due campaigns")
		return
	}

	// SENDING campaigns with leftover PENDING rows get another run
	stuck, err := d.db.ListCampaigns(string(easymail.StatusSending))
	if err != nil {
		d.log.WithError(err).Error("could not list sending campaigns")
		return
	}
	due = append(due, stuck...)

	for _, c := range due {
		c := c
		if d.locks.Locked(c.ID) {
			continue
		}
		go func() {
			err := d.StartSend("system", c.ID)
			if err != nil && err != easymail.ErrAlreadyRunning {
				d.log.WithError(err).WithField("campaign", c.ID).Error("send failed")
			}
		}()
	}
}

func (d *Dispatcher) resumeInterrupted() {
	cc, err := d.db.ListCampaigns(string(easymail.StatusSending))
	if err != nil {
		d.log.WithError(err).Error("could not list interrupted campaigns")
		return
	}
	for _, c := range cc {
		c := c
		d.log.WithField("campaign", c.ID).Info("resuming interrupted send")
		go func() {
			err := d.StartSend("system", c.ID)
			if err != nil && err != easymail.ErrAlreadyRunning {
				d.log.WithError(err).WithField("campaign", c.ID).Error("resume failed")
			}
		}()
	}
}

// StartSend runs one send for the campaign. The per-campaign lock makes the
// run exclusive, a second caller gets ErrAlreadyRunning instead of a
// duplicate expansion.
func (d *Dispatcher) StartSend(actor, campaignID string) error {
	if !d.locks.TryLocked(campaignID) {
		return easymail.ErrAlreadyRunning
	}
	defer d.locks.Unlock(campaignID)

	c, err := d.db.GetCampaign(campaignID)
	if err != nil {
		return err
	}

	resumed := false
	switch c.Status {
	case string(easymail.StatusScheduled):
		moved, err := d.db.TransitionCampaign(actor, audit.ActionCampaignExpand, campaignID,
			[]string{string(easymail.StatusScheduled)}, string(easymail.StatusSending), nil)
		if err != nil {
			return err
		}
		if !moved {
			return easymail.ErrAlreadyRunning
		}
	case string(easymail.StatusSending):
		// resuming after a crash, keep going on the existing generation
		resumed = true
	default:
		return easymail.Validationf("campaign is %s, not sendable", c.Status)
	}

	generation, err := d.prepareGeneration(actor, c, resumed)
	if err != nil {
		return err
	}

	err = d.drain(c.ID, generation)
	if err != nil {
		return err
	}

	// a worker that hit a db error leaves its row PENDING, the campaign must
	// stay SENDING so a later run delivers it instead of marking it done
	pending, err := d.db.PendingRecipients(campaignID, generation)
	if err != nil {
		return err
	}
	if len(pending) > 0 {
		d.log.WithField("campaign", campaignID).WithField("pending", len(pending)).
			Warn("recipients still pending after drain, leaving campaign SENDING")
		return nil
	}

	moved, err := d.db.TransitionCampaign(actor, audit.ActionCampaignSchedule, campaignID,
		[]string{string(easymail.StatusSending)}, string(easymail.StatusCompleted), nil)
	if moved {
		d.log.WithField("campaign", campaignID).WithField("generation", generation).Info("campaign completed")
	}
	return err
}

// Expand materializes the audience ahead of the send. It writes the same
// PENDING rows a send run would, so the run that follows resumes them instead
// of resolving the directory again.
func (d *Dispatcher) Expand(actor easymail.Actor, campaignID string) (int, error) {
	if !d.locks.TryLocked(campaignID) {
		return 0, easymail.ErrAlreadyRunning
	}
	defer d.locks.Unlock(campaignID)

	c, err := d.db.GetCampaign(campaignID)
	if err != nil {
		return 0, err
	}
	if c.Status != string(easymail.StatusScheduled) {
		return 0, easymail.Validationf("campaign is %s, only SCHEDULED campaigns can be expanded", c.Status)
	}
	return d.prepareGeneration(actor.Email, c, false)
}

// prepareGeneration decides whether this run continues an existing recipient
// generation or expands a new one. A generation with PENDING rows is resumed.
// A fully terminal one means the campaign was requeued, unless this run is
// itself a resume, then the earlier run finished delivering and only the
// completion transition is missing.
func (d *Dispatcher) prepareGeneration(actor string, c *dao.Campaign, resumed bool) (int, error) {
	latest, err := d.db.LatestGeneration(c.ID)
	if err != nil {
		return 0, err
	}
	if latest > 0 {
		pending, err := d.db.PendingRecipients(c.ID, latest)
		if err != nil {
			return 0, err
		}
		if len(pending) > 0 || resumed {
			return latest, nil
		}
	}
	generation := latest + 1
	err = d.expand(actor, c, generation)
	return generation, err
}

// expand resolves the campaign audiences against a fresh directory snapshot
// and writes the recipient rows. Duplicate addresses keep the first employee,
// suppressed addresses get a terminal row so reports show them.
func (d *Dispatcher) expand(actor string, c *dao.Campaign, generation int) error {
	audienceIDs, err := d.db.AudienceLinks(c.ID)
	if err != nil {
		return err
	}
	var audiences []easymail.Audience
	for _, id := range audienceIDs {
		_, rules, err := d.db.GetAudience(id)
		if err != nil {
			return err
		}
		a := easymail.Audience{ID: id}
		for _, r := range rules {
			a.Rules = append(a.Rules, easymail.AudienceRule{RuleType: easymail.RuleType(r.RuleType), RuleValue: r.RuleValue})
		}
		audiences = append(audiences, a)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	employees, err := d.resolver.Resolve(ctx, audiences)
	if err != nil {
		return err
	}

	seen := map[string]bool{}
	var unique []easymail.Employee
	for _, e := range employees {
		key := easymail.NormalizeEmail(e.Email)
		if key == "" || seen[key] {
			continue
		}
		seen[key] = true
		unique = append(unique, e)
	}

	deliverable, suppressed, err := d.filter.Split(unique)
	if err != nil {
		return err
	}

	now := time.Now().In(time.UTC)
	var rows []dao.Recipient
	for _, e := range deliverable {
		rows = append(rows, dao.Recipient{
			CampaignID: c.ID,
			Generation: generation,
			Email:      easymail.NormalizeEmail(e.Email),
			FullName:   e.FullName,
			Status:     string(easymail.RecipientPending),
			UpdatedAt:  now,
		})
	}
	for _, e := range suppressed {
		d.metrics.suppressed.Inc()
		rows = append(rows, dao.Recipient{
			CampaignID: c.ID,
			Generation: generation,
			Email:      easymail.NormalizeEmail(e.Email),
			FullName:   e.FullName,
			Status:     string(easymail.RecipientSuppressed),
			LastError:  "on suppression list at expansion",
			UpdatedAt:  now,
		})
	}

	err = d.db.InsertRecipients(rows)
	if err != nil {
		return err
	}

	d.log.WithField("campaign", c.ID).WithField("generation", generation).
		WithField("deliverable", len(deliverable)).WithField("suppressed", len(suppressed)).
		Info("expanded recipients")

	return d.db.AppendAudit(audit.New(actor, audit.ActionCampaignExpand, "campaign", c.ID, nil,
		map[string]int{"generation": generation, "deliverable": len(deliverable), "suppressed": len(suppressed)}))
}

// drain submits every pending recipient of the generation to the worker pool
// and waits them out.
func (d *Dispatcher) drain(campaignID string, generation int) error {
	c, err := d.db.GetCampaign(campaignID)
	if err != nil {
		return err
	}
	account, err := d.db.GetSmtpAccount(c.SmtpAccountID)
	if err != nil {
		return err
	}
	identity, err := d.db.GetSenderIdentity(c.SenderIdentityID)
	if err != nil {
		return err
	}

	maxRetries := d.cfg.MaxRetries

	pending, err := d.db.PendingRecipients(campaignID, generation)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	group := d.pool.Group()
	for _, r := range pending {
		r := r
		group.Submit(func() {
			d.deliver(ctx, *c, wireAccount(*account), wireIdentity(*identity), r, maxRetries)
		})
	}
	group.Wait()
	return nil
}

// TestSend delivers the draft to a handful of internal addresses without
// touching the campaign state.
func (d *Dispatcher) TestSend(actor easymail.Actor, campaignID string, recipients []string) error {
	c, err := d.db.GetCampaign(campaignID)
	if err != nil {
		return err
	}
	settings, err := d.policy.Settings()
	if err != nil {
		return err
	}
	if len(recipients) == 0 {
		return easymail.Validationf("at least one test recipient is required")
	}
	if len(recipients) > settings.MaxTestRecipients {
		return easymail.Validationf("at most %d test recipients allowed", settings.MaxTestRecipients)
	}
	for _, rcpt := range recipients {
		if !tools.ValidEmail(rcpt) {
			return easymail.Validationf("invalid test recipient %q", rcpt)
		}
		if !d.internalDomain(rcpt) {
			return easymail.Validationf("test recipient %q is not on an internal domain", rcpt)
		}
		hit, err := d.filter.Hit(rcpt)
		if err != nil {
			return err
		}
		if hit {
			return easymail.Validationf("test recipient %q is on the suppression list", rcpt)
		}
	}
	if c.SmtpAccountID == "" || c.SenderIdentityID == "" {
		return easymail.Validationf("campaign needs an smtp account and sender identity for a test send")
	}
	account, err := d.db.GetSmtpAccount(c.SmtpAccountID)
	if err != nil {
		return err
	}
	identity, err := d.db.GetSenderIdentity(c.SenderIdentityID)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()
	for _, rcpt := range recipients {
		err = d.throttle.Wait(ctx, account.ID, account.ThrottlePerMinute)
		if err != nil {
			return err
		}
		msg := sender.Message{
			From:    wireIdentity(*identity),
			To:      easymail.NormalizeEmail(rcpt),
			Subject: "[TEST] " + c.Subject,
			HTML:    c.HTMLBody,
			Text:    c.TextBody,
		}
		err = d.sender.Send(ctx, wireAccount(*account), msg)
		if err != nil {
			return err
		}
	}
	return d.db.AppendAudit(audit.New(actor.Email, audit.ActionCampaignTestSend, "campaign", campaignID, nil,
		map[string]any{"recipients": recipients}))
}

func (d *Dispatcher) internalDomain(email string) bool {
	domain, err := tools.DomainOfEmail(email)
	if err != nil {
		return false
	}
	for _, allowed := range d.cfg.InternalDomains {
		if allowed == "*" || strings.EqualFold(domain, allowed) {
			return true
		}
	}
	return false
}

func wireAccount(a dao.SmtpAccount) easymail.SmtpAccount {
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

func wireIdentity(i dao.SenderIdentity) easymail.SenderIdentity {
	return easymail.SenderIdentity{
		ID:            i.ID,
		DisplayName:   i.DisplayName,
		Email:         i.Email,
		SmtpAccountID: i.SmtpAccountID,
	}
}
