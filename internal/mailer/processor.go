package mailer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/mail"
	"sync"
	"time"

	"github.com/foxzi/mailing/internal/config"
	"github.com/foxzi/mailing/internal/db"
	"github.com/foxzi/mailing/internal/metrics"
	"github.com/foxzi/mailing/internal/models"
	"github.com/foxzi/mailing/internal/repository"
)

var ErrMailingNotFound = errors.New("mailing not found")

// Result summarizes one broadcast run
type Result struct {
	Broadcast *models.Broadcast
	Failed    int
}

// Processor sends due mailings to the subscribers of their campaign lists
type Processor struct {
	mailings   *repository.MailingRepository
	campaigns  *repository.CampaignRepository
	users      *repository.UserRepository
	broadcasts *repository.BroadcastRepository
	composer   *Composer
	bulk       Sender
	simple     Sender
	location   *time.Location
	interval   time.Duration
	now        func() time.Time
	logger     *slog.Logger

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewProcessor creates a processor. Mailings go through bulk, reports and
// test sends through simple.
func NewProcessor(q db.Querier, composer *Composer, bulk, simple Sender, cfg config.MailingConfig, interval time.Duration, logger *slog.Logger) *Processor {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Processor{
		mailings:   repository.NewMailingRepository(q),
		campaigns:  repository.NewCampaignRepository(q),
		users:      repository.NewUserRepository(q),
		broadcasts: repository.NewBroadcastRepository(q),
		composer:   composer,
		bulk:       bulk,
		simple:     simple,
		location:   cfg.Location(),
		interval:   interval,
		now:        time.Now,
		logger:     logger.With("component", "processor"),
		stopCh:     make(chan struct{}),
	}
}

func (p *Processor) Start(ctx context.Context) {
	p.logger.Info("starting mailing processor", "interval", p.interval)
	if _, err := p.Recover(ctx); err != nil {
		p.logger.Error("failed to recover interrupted mailings", "error", err)
	}
	p.wg.Add(1)
	go p.loop(ctx)
}

func (p *Processor) Stop() {
	p.logger.Info("stopping mailing processor")
	close(p.stopCh)
	p.wg.Wait()
	p.logger.Info("mailing processor stopped")
}

func (p *Processor) loop(ctx context.Context) {
	defer p.wg.Done()

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stopCh:
			return
		case <-ticker.C:
			if _, err := p.RunDue(ctx); err != nil {
				p.logger.Error("failed to process mailings", "error", err)
			}
		}
	}
}

// RunDue broadcasts every pending mailing scheduled at the current time.
// A mailing is sent at most once per scheduled hour.
func (p *Processor) RunDue(ctx context.Context) (int, error) {
	pending, err := p.mailings.List(ctx, models.MailingFilter{Status: models.MailingPending})
	if err != nil {
		return 0, fmt.Errorf("failed to list pending mailings: %w", err)
	}

	now := p.now().In(p.location)
	sent := 0
	for i := range pending {
		if err := ctx.Err(); err != nil {
			return sent, err
		}
		m := &pending[i]
		if !m.IsScheduledAt(now) {
			continue
		}
		done, err := p.sentInHour(ctx, m.ID, now)
		if err != nil {
			return sent, err
		}
		if done {
			continue
		}

		if _, err := p.broadcast(ctx, m); err != nil {
			if errors.Is(err, repository.ErrConflict) {
				continue
			}
			p.logger.Error("broadcast failed", "mailing_id", m.ID, "error", err)
			continue
		}
		sent++
	}
	return sent, nil
}

func (p *Processor) sentInHour(ctx context.Context, mailingID int64, now time.Time) (bool, error) {
	broadcasts, err := p.broadcasts.ListByMailing(ctx, mailingID)
	if err != nil {
		return false, fmt.Errorf("failed to list broadcasts: %w", err)
	}
	if len(broadcasts) == 0 {
		return false, nil
	}
	const hour = "2006-01-02T15"
	return broadcasts[0].Started.In(p.location).Format(hour) == now.Format(hour), nil
}

// Send broadcasts a mailing right away, whatever its schedule
func (p *Processor) Send(ctx context.Context, mailingID int64) (*Result, error) {
	m, err := p.mailings.GetByID(ctx, mailingID)
	if err != nil {
		return nil, err
	}
	if m == nil {
		return nil, ErrMailingNotFound
	}
	if m.Status == models.MailingDraft || m.Status == models.MailingTested {
		if err := p.mailings.UpdateStatus(ctx, m, models.MailingPending); err != nil {
			return nil, err
		}
	}
	return p.broadcast(ctx, m)
}

func (p *Processor) broadcast(ctx context.Context, m *models.Mailing) (*Result, error) {
	if err := p.mailings.UpdateStatus(ctx, m, models.MailingProcessing); err != nil {
		return nil, err
	}
	logger := p.logger.With("mailing_id", m.ID)

	campaign, err := p.campaigns.GetByID(ctx, m.CampaignID)
	if err == nil && campaign == nil {
		err = fmt.Errorf("campaign %d not found", m.CampaignID)
	}
	if err != nil {
		p.release(ctx, m, logger)
		return nil, err
	}

	recipients, err := p.users.Recipients(ctx, campaign.MailingListIDs)
	if err != nil {
		p.release(ctx, m, logger)
		return nil, fmt.Errorf("failed to load recipients: %w", err)
	}

	b := &models.Broadcast{MailingID: m.ID, HTML: m.Content}
	if err := p.broadcasts.Create(ctx, b); err != nil {
		p.release(ctx, m, logger)
		return nil, err
	}
	metrics.IncBroadcasts()
	logger.Info("broadcast started", "broadcast_id", b.ID, "recipients", len(recipients))

	res := &Result{Broadcast: b}
	for i := range recipients {
		if ctx.Err() != nil {
			break
		}
		u := &recipients[i]
		msg := p.composer.Compose(campaign, m, b.ID, u)
		if err := p.bulk.Send(ctx, msg.Envelope(), []string{u.Email}, msg.Bytes()); err != nil {
			logger.Warn("failed to send mailing", "user_id", u.ID, "error", err)
			res.Failed++
			continue
		}
		b.EmailSentCount++
	}

	// the run is recorded even when the context is cancelled mid-way
	finishCtx := context.WithoutCancel(ctx)
	if err := p.broadcasts.Finish(finishCtx, b); err != nil {
		return res, err
	}

	if err := ctx.Err(); err != nil {
		next := interruptedStatus(m)
		if err := p.mailings.UpdateStatus(finishCtx, m, next); err != nil {
			logger.Error("failed to update interrupted mailing", "error", err)
		}
		logger.Warn("broadcast interrupted", "broadcast_id", b.ID, "sent", b.EmailSentCount,
			"failed", res.Failed, "recipients", len(recipients), "status", next)
		return res, fmt.Errorf("broadcast %d interrupted after %d of %d recipients: %w",
			b.ID, b.EmailSentCount, len(recipients), err)
	}

	next := models.MailingSent
	if m.Recurring {
		next = models.MailingPending
	}
	if err := p.mailings.UpdateStatus(finishCtx, m, next); err != nil {
		return res, err
	}

	logger.Info("broadcast finished", "broadcast_id", b.ID, "sent", b.EmailSentCount, "failed", res.Failed)
	p.report(finishCtx, campaign, m, res)
	return res, nil
}

// interruptedStatus is where a mailing goes when its broadcast stops before
// reaching every recipient. A one-off mailing is aborted, a recurring one
// waits for its next scheduled hour.
func interruptedStatus(m *models.Mailing) models.MailingStatus {
	if m.Recurring {
		return models.MailingPending
	}
	return models.MailingAborted
}

// Recover settles mailings left processing by a previous run. An unfinished
// broadcast is closed and its mailing handled as interrupted, a mailing with
// no unfinished broadcast goes back to pending.
func (p *Processor) Recover(ctx context.Context) (int, error) {
	stale, err := p.mailings.List(ctx, models.MailingFilter{Status: models.MailingProcessing})
	if err != nil {
		return 0, fmt.Errorf("failed to list processing mailings: %w", err)
	}

	recovered := 0
	for i := range stale {
		m := &stale[i]
		broadcasts, err := p.broadcasts.ListByMailing(ctx, m.ID)
		if err != nil {
			return recovered, fmt.Errorf("failed to list broadcasts: %w", err)
		}

		next := models.MailingPending
		if len(broadcasts) > 0 && broadcasts[0].Ended == nil {
			if err := p.broadcasts.Finish(ctx, &broadcasts[0]); err != nil {
				return recovered, err
			}
			next = interruptedStatus(m)
		}
		if err := p.mailings.UpdateStatus(ctx, m, next); err != nil {
			if errors.Is(err, repository.ErrConflict) {
				continue
			}
			return recovered, err
		}
		p.logger.Warn("recovered interrupted mailing", "mailing_id", m.ID, "status", next)
		recovered++
	}
	return recovered, nil
}

// release puts a mailing that could not be broadcast back to pending
func (p *Processor) release(ctx context.Context, m *models.Mailing, logger *slog.Logger) {
	if err := p.mailings.UpdateStatus(context.WithoutCancel(ctx), m, models.MailingPending); err != nil {
		logger.Error("failed to release mailing", "error", err)
	}
}

func (p *Processor) report(ctx context.Context, campaign *models.Campaign, m *models.Mailing, res *Result) {
	if campaign.ReportEmail == "" {
		return
	}

	name := m.Names.Lookup()
	msg := &Message{
		From:    p.composer.Sender(campaign),
		To:      mail.Address{Address: campaign.ReportEmail},
		Subject: p.composer.Subject("Report: " + name),
		Text: fmt.Sprintf("Mailing %q (#%d) was sent.\n\nStarted: %s\nEnded: %s\nSent: %d\nFailed: %d\n",
			name, m.ID,
			res.Broadcast.Started.In(p.location).Format(time.RFC1123Z),
			res.Broadcast.Ended.In(p.location).Format(time.RFC1123Z),
			res.Broadcast.EmailSentCount, res.Failed),
	}
	if err := p.simple.Send(ctx, msg.Envelope(), []string{campaign.ReportEmail}, msg.Bytes()); err != nil {
		p.logger.Warn("failed to send report", "mailing_id", m.ID, "error", err)
	}
}

// Test sends a mailing to the given addresses without tracking. A draft
// mailing becomes tested.
func (p *Processor) Test(ctx context.Context, mailingID int64, recipients []string) error {
	m, err := p.mailings.GetByID(ctx, mailingID)
	if err != nil {
		return err
	}
	if m == nil {
		return ErrMailingNotFound
	}
	campaign, err := p.campaigns.GetByID(ctx, m.CampaignID)
	if err != nil {
		return err
	}

	for _, addr := range recipients {
		parsed, err := mail.ParseAddress(addr)
		if err != nil {
			return fmt.Errorf("invalid recipient %q: %w", addr, err)
		}
		msg := p.composer.Compose(campaign, m, 0, &models.User{Email: parsed.Address, FirstName: parsed.Name})
		if err := p.simple.Send(ctx, msg.Envelope(), []string{parsed.Address}, msg.Bytes()); err != nil {
			return fmt.Errorf("failed to send test to %s: %w", parsed.Address, err)
		}
	}

	if m.Status == models.MailingDraft {
		return p.mailings.UpdateStatus(ctx, m, models.MailingTested)
	}
	return nil
}
