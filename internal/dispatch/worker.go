package dispatch

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/textproto"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"

	easymail "github.com/ratons127/easy-mail-campaining"
	"github.com/ratons127/easy-mail-campaining/internal/dao"
	"github.com/ratons127/easy-mail-campaining/internal/sender"
)

// Errors a delivery attempt can be classified into. A 4xx response is worth
// retrying, the server may be gray listing. A 5xx response is a permanent
// rejection of the recipient.
var (
	Err4xx       = errors.New("transient smtp failure")
	Err5xx       = errors.New("permanent smtp rejection")
	ErrTransient = errors.New("transient delivery failure")
)

func classify(err error) error {
	if err == nil {
		return nil
	}
	var smtpErr *textproto.Error
	if errors.As(err, &smtpErr) {
		if smtpErr.Code >= 400 && smtpErr.Code < 500 {
			return fmt.Errorf("%w: %v", Err4xx, err)
		}
		if smtpErr.Code >= 500 {
			return fmt.Errorf("%w: %v", Err5xx, err)
		}
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return fmt.Errorf("%w: %v", ErrTransient, err)
	}
	return fmt.Errorf("%w: %v", ErrTransient, err)
}

func isPermanent(err error) bool {
	return errors.Is(err, Err5xx)
}

// deliver runs the attempt loop for one recipient. Each attempt waits for a
// throttle slot, failed transient attempts back off exponentially until the
// retry cap. The campaign status is re-read before every attempt so a cancel
// stops the queue without aborting an attempt already on the wire.
func (d *Dispatcher) deliver(ctx context.Context, c dao.Campaign, account easymail.SmtpAccount, identity easymail.SenderIdentity, r dao.Recipient, maxRetries int) {
	log := d.log.WithField("campaign", c.ID).WithField("recipient", r.Email)

	msg := sender.Message{
		From:       identity,
		To:         r.Email,
		ToName:     r.FullName,
		Subject:    c.Subject,
		HTML:       c.HTMLBody,
		Text:       c.TextBody,
		ReturnPath: d.returnPath(c.ID, r.ID),
	}
	for _, att := range c.Wire().Attachments {
		msg.Attachments = append(msg.Attachments, d.attachmentPath(att))
	}

	retries := r.RetryCount
	for {
		current, err := d.db.GetCampaign(c.ID)
		if err != nil {
			log.WithError(err).Error("could not re-read campaign, aborting recipient")
			return
		}
		if current.Status != string(easymail.StatusSending) {
			log.WithField("status", current.Status).Info("campaign no longer sending, leaving recipient pending")
			return
		}

		err = d.throttle.Wait(ctx, account.ID, account.ThrottlePerMinute)
		if err != nil {
			return
		}

		err = classify(d.sender.Send(ctx, account, msg))
		if err == nil {
			d.metrics.sent.Inc()
			d.persistOutcome(log, r.ID, string(easymail.RecipientSent), retries, "")
			return
		}

		if isPermanent(err) {
			d.metrics.bounced.Inc()
			log.WithError(err).Info("recipient rejected permanently")
			d.persistOutcome(log, r.ID, string(easymail.RecipientBounced), retries, err.Error())
			return
		}

		if retries >= maxRetries {
			d.metrics.failed.Inc()
			log.WithError(err).WithField("retries", retries).Warn("retry cap reached, giving up on recipient")
			d.persistOutcome(log, r.ID, string(easymail.RecipientFailed), retries, err.Error())
			return
		}

		retries++
		d.metrics.retried.Inc()
		d.persistOutcome(log, r.ID, string(easymail.RecipientPending), retries, err.Error())

		backoff := d.cfg.RetryBackoff * time.Duration(1<<(retries-1))
		log.WithError(err).WithField("backoff", backoff).Info("transient failure, backing off")
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
	}
}

// persistOutcome writes the attempt result, retrying on db hiccups. Losing a
// SENT write would leave the row PENDING and re-deliver the message on the
// next resume.
func (d *Dispatcher) persistOutcome(log *logrus.Entry, id int64, status string, retries int, lastError string) {
	var err error
	for i := 0; i < 3; i++ {
		err = d.db.UpdateRecipientAttempt(id, status, retries, lastError)
		if err == nil {
			return
		}
		time.Sleep(time.Duration(i+1) * 100 * time.Millisecond)
	}
	log.WithError(err).WithField("status", status).Error("could not persist delivery outcome")
}

// returnPath encodes the campaign and recipient into the envelope sender so
// asynchronous bounces can be traced back.
func (d *Dispatcher) returnPath(campaignID string, recipientID int64) string {
	if d.cfg.BounceDomain == "" {
		return ""
	}
	return fmt.Sprintf("bounces_%s=%d@%s", campaignID, recipientID, d.cfg.BounceDomain)
}

func (d *Dispatcher) attachmentPath(att easymail.Attachment) string {
	return filepath.Join(d.cfg.AttachmentsDir, att.StoredName)
}
