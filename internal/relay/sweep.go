// Package relay drains the outbox: it discovers pending rows, sends the
// matching emails and acknowledges what was delivered.
package relay

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/lalithlochan/vlasia/internal/mailer"
	"github.com/lalithlochan/vlasia/internal/metrics"
	"github.com/lalithlochan/vlasia/internal/outbox"
)

// Outbox is the Content Service as seen by the relay.
type Outbox interface {
	PendingWelcomes(ctx context.Context, limit int) ([]outbox.Subscriber, error)
	PendingContacts(ctx context.Context, limit int) ([]outbox.Contact, error)
	PendingAnnouncements(ctx context.Context, limit int) ([]outbox.Announcement, error)
	ActiveSubscribers(ctx context.Context) ([]outbox.Recipient, error)
	UndeliveredRecipients(ctx context.Context, announcementID int64) ([]outbox.Recipient, error)
	Acknowledge(ctx context.Context, kind outbox.Kind, id int64) error
	AcknowledgeRecipient(ctx context.Context, announcementID, subscriberID int64) error
	ReportFailure(ctx context.Context, kind outbox.Kind, id int64, reason string) (*outbox.FailureResponse, error)
}

// Composer turns outbox rows into messages.
type Composer interface {
	Contact(c outbox.Contact) mailer.Message
	Welcome(s outbox.Subscriber) mailer.Message
	Announcement(a outbox.Announcement, to string) mailer.Message
}

// SleepFunc waits for d or until ctx is done.
type SleepFunc func(ctx context.Context, d time.Duration) error

// FanoutMode selects how announcements reach subscribers.
type FanoutMode string

const (
	// FanoutLossy sends to every active subscriber once and acknowledges
	// the announcement whatever the individual results.
	FanoutLossy FanoutMode = "lossy"
	// FanoutTracked records each delivered recipient and only acknowledges
	// the announcement once nobody is left.
	FanoutTracked FanoutMode = "tracked"
)

type Deps struct {
	Outbox   Outbox
	Mailer   mailer.Mailer
	Composer Composer
	Sleep    SleepFunc
	Logger   *zap.Logger
}

type Options struct {
	BatchSize   int
	SendDelay   time.Duration
	SendTimeout time.Duration
	Fanout      FanoutMode
	// LockRefresh is how often Runner renews its lock during a sweep. It
	// must stay well under the lock TTL.
	LockRefresh time.Duration
}

// DefaultOptions match a cron run against a small mail relay.
func DefaultOptions() Options {
	return Options{
		BatchSize:   50,
		SendDelay:   time.Second,
		Fanout:      FanoutLossy,
		LockRefresh: 10 * time.Minute, // a third of the default lock TTL
	}
}

// KindReport counts what happened to one kind during a sweep.
type KindReport struct {
	Discovered      int
	Sent            int
	Acknowledged    int
	Failed          int
	DeadLettered    int
	Dropped         int
	DiscoveryFailed bool
}

func (k *KindReport) MarshalLogObject(enc zapcore.ObjectEncoder) error {
	enc.AddInt("discovered", k.Discovered)
	enc.AddInt("sent", k.Sent)
	enc.AddInt("acknowledged", k.Acknowledged)
	enc.AddInt("failed", k.Failed)
	enc.AddInt("dead_lettered", k.DeadLettered)
	enc.AddInt("dropped", k.Dropped)
	enc.AddBool("discovery_failed", k.DiscoveryFailed)
	return nil
}

// PartialFanoutFailure records an announcement that did not reach every
// subscriber.
type PartialFanoutFailure struct {
	AnnouncementID int64
	Failed         int
	Total          int
	Recipients     []string
}

func (p PartialFanoutFailure) Error() string {
	return fmt.Sprintf("announcement %d: %d of %d recipients failed", p.AnnouncementID, p.Failed, p.Total)
}

// Report summarizes one sweep.
type Report struct {
	Kinds          map[outbox.Kind]*KindReport
	PartialFanouts []PartialFanoutFailure
	Cancelled      bool
	Duration       time.Duration
}

// Processed is the number of rows acknowledged across kinds.
func (r Report) Processed() int {
	n := 0
	for _, k := range r.Kinds {
		n += k.Acknowledged
	}
	return n
}

func newReport() Report {
	return Report{Kinds: map[outbox.Kind]*KindReport{
		outbox.KindSubscribers:   {},
		outbox.KindContacts:      {},
		outbox.KindAnnouncements: {},
	}}
}

// Sleep is the default SleepFunc.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Sweep runs one pass over the outbox: welcomes, then contacts, then
// announcements. A failing row never stops the pass. A cancelled context
// does, and the partial report is returned.
func Sweep(ctx context.Context, deps Deps, opts Options) Report {
	if deps.Sleep == nil {
		deps.Sleep = Sleep
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = DefaultOptions().BatchSize
	}
	if opts.Fanout == "" {
		opts.Fanout = FanoutLossy
	}

	s := &sweeper{deps: deps, opts: opts, log: deps.Logger, report: newReport()}
	start := time.Now()

	steps := []func(context.Context) error{s.welcomes, s.contacts, s.announcements}
	for _, step := range steps {
		if err := step(ctx); err != nil {
			s.report.Cancelled = true
			s.log.Warn("sweep interrupted", zap.Error(err))
			break
		}
	}

	s.report.Duration = time.Since(start)
	metrics.ObserveSweep(s.report.Duration)
	return s.report
}

type sweeper struct {
	deps   Deps
	opts   Options
	log    *zap.Logger
	report Report
	sent   bool
}

// pace waits SendDelay between consecutive sends. Nothing waits before the first.
func (s *sweeper) pace(ctx context.Context) error {
	if s.sent {
		if err := s.deps.Sleep(ctx, s.opts.SendDelay); err != nil {
			return err
		}
	}
	s.sent = true
	return ctx.Err()
}

func (s *sweeper) deliver(ctx context.Context, kind outbox.Kind, msg mailer.Message) error {
	if s.opts.SendTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.opts.SendTimeout)
		defer cancel()
	}

	if err := s.deps.Mailer.Send(ctx, msg); err != nil {
		metrics.RecordRelaySend(string(kind), "failed")
		return err
	}
	metrics.RecordRelaySend(string(kind), "sent")
	return nil
}

func (s *sweeper) discoveryFailed(kind outbox.Kind, err error) {
	s.report.Kinds[kind].DiscoveryFailed = true
	s.log.Error("outbox discovery failed", zap.String("kind", string(kind)), zap.Error(err))
}

// ack marks a row notified. A missing row is dropped, anything else leaves
// it pending for the next sweep.
func (s *sweeper) ack(ctx context.Context, kind outbox.Kind, id int64) {
	kr := s.report.Kinds[kind]
	err := s.deps.Outbox.Acknowledge(ctx, kind, id)
	switch {
	case err == nil:
		kr.Acknowledged++
	case errors.Is(err, outbox.ErrNotFound):
		kr.Dropped++
		s.log.Warn("acknowledged row no longer exists", zap.String("kind", string(kind)), zap.Int64("id", id))
	default:
		s.log.Error("acknowledge failed, row stays pending",
			zap.String("kind", string(kind)), zap.Int64("id", id), zap.Error(err))
	}
}

// fail reports a failed delivery so the row's retry counter advances.
func (s *sweeper) fail(ctx context.Context, kind outbox.Kind, id int64, cause error) {
	kr := s.report.Kinds[kind]
	res, err := s.deps.Outbox.ReportFailure(ctx, kind, id, cause.Error())
	switch {
	case errors.Is(err, outbox.ErrNotFound):
		kr.Dropped++
		return
	case err != nil:
		s.log.Error("failure report failed",
			zap.String("kind", string(kind)), zap.Int64("id", id), zap.Error(err))
		return
	}

	fields := []zap.Field{
		zap.String("kind", string(kind)),
		zap.Int64("id", id),
		zap.Int("attempts", res.Attempts),
		zap.Error(cause),
	}
	if res.DeadLettered {
		kr.DeadLettered++
		s.log.Error("delivery failed, row dead-lettered", fields...)
		return
	}
	s.log.Warn("delivery failed, will retry", fields...)
}

func (s *sweeper) welcomes(ctx context.Context) error {
	kind := outbox.KindSubscribers
	rows, err := s.deps.Outbox.PendingWelcomes(ctx, s.opts.BatchSize)
	if err != nil {
		s.discoveryFailed(kind, err)
		return ctx.Err()
	}
	s.report.Kinds[kind].Discovered = len(rows)

	for _, sub := range rows {
		if err := s.pace(ctx); err != nil {
			return err
		}
		if err := s.deliver(ctx, kind, s.deps.Composer.Welcome(sub)); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			s.report.Kinds[kind].Failed++
			s.fail(ctx, kind, sub.ID, err)
			continue
		}
		s.report.Kinds[kind].Sent++
		s.log.Info("welcome email sent", zap.Int64("id", sub.ID), zap.String("email", sub.Email))
		s.ack(ctx, kind, sub.ID)
	}
	return nil
}

func (s *sweeper) contacts(ctx context.Context) error {
	kind := outbox.KindContacts
	rows, err := s.deps.Outbox.PendingContacts(ctx, s.opts.BatchSize)
	if err != nil {
		s.discoveryFailed(kind, err)
		return ctx.Err()
	}
	s.report.Kinds[kind].Discovered = len(rows)

	for _, c := range rows {
		if err := s.pace(ctx); err != nil {
			return err
		}
		if err := s.deliver(ctx, kind, s.deps.Composer.Contact(c)); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			s.report.Kinds[kind].Failed++
			s.fail(ctx, kind, c.ID, err)
			continue
		}
		s.report.Kinds[kind].Sent++
		s.log.Info("contact notification sent", zap.Int64("id", c.ID), zap.String("subject", c.Subject))
		s.ack(ctx, kind, c.ID)
	}
	return nil
}

func (s *sweeper) announcements(ctx context.Context) error {
	kind := outbox.KindAnnouncements
	rows, err := s.deps.Outbox.PendingAnnouncements(ctx, s.opts.BatchSize)
	if err != nil {
		s.discoveryFailed(kind, err)
		return ctx.Err()
	}
	s.report.Kinds[kind].Discovered = len(rows)

	for _, a := range rows {
		var err error
		if s.opts.Fanout == FanoutTracked {
			err = s.fanoutTracked(ctx, a)
		} else {
			err = s.fanoutLossy(ctx, a)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// broadcast sends a to each recipient. onSent runs after every successful
// send. It returns the addresses that failed and a non-nil error only when
// the sweep must stop.
func (s *sweeper) broadcast(ctx context.Context, a outbox.Announcement, recipients []outbox.Recipient, onSent func(outbox.Recipient)) ([]string, error) {
	kr := s.report.Kinds[outbox.KindAnnouncements]
	var failed []string
	for _, r := range recipients {
		if err := s.pace(ctx); err != nil {
			return failed, err
		}
		if err := s.deliver(ctx, outbox.KindAnnouncements, s.deps.Composer.Announcement(a, r.Email)); err != nil {
			if ctx.Err() != nil {
				return failed, ctx.Err()
			}
			kr.Failed++
			failed = append(failed, r.Email)
			s.log.Warn("announcement send failed",
				zap.Int64("announcement_id", a.ID), zap.String("email", r.Email), zap.Error(err))
			continue
		}
		kr.Sent++
		if onSent != nil {
			onSent(r)
		}
	}
	return failed, nil
}

func (s *sweeper) partial(a outbox.Announcement, failed []string, total int) PartialFanoutFailure {
	p := PartialFanoutFailure{AnnouncementID: a.ID, Failed: len(failed), Total: total, Recipients: failed}
	s.report.PartialFanouts = append(s.report.PartialFanouts, p)
	metrics.RecordPartialFanout()
	s.log.Warn("announcement partially delivered",
		zap.Int64("announcement_id", a.ID),
		zap.Int("failed", p.Failed),
		zap.Int("total", p.Total),
		zap.Strings("recipients", p.Recipients),
	)
	return p
}

func (s *sweeper) fanoutLossy(ctx context.Context, a outbox.Announcement) error {
	recipients, err := s.deps.Outbox.ActiveSubscribers(ctx)
	if err != nil {
		s.log.Error("subscriber fetch failed, announcement stays pending",
			zap.Int64("announcement_id", a.ID), zap.Error(err))
		return ctx.Err()
	}
	if len(recipients) == 0 {
		s.log.Warn("no active subscribers", zap.Int64("announcement_id", a.ID))
	}

	failed, err := s.broadcast(ctx, a, recipients, nil)
	if err != nil {
		return err
	}
	if len(failed) > 0 {
		s.partial(a, failed, len(recipients))
	}

	s.log.Info("announcement sent",
		zap.Int64("announcement_id", a.ID),
		zap.String("title", a.Title),
		zap.Int("recipients", len(recipients)-len(failed)),
	)
	s.ack(ctx, outbox.KindAnnouncements, a.ID)
	return nil
}

func (s *sweeper) fanoutTracked(ctx context.Context, a outbox.Announcement) error {
	recipients, err := s.deps.Outbox.UndeliveredRecipients(ctx, a.ID)
	if errors.Is(err, outbox.ErrNotFound) {
		s.report.Kinds[outbox.KindAnnouncements].Dropped++
		return nil
	}
	if err != nil {
		s.log.Error("recipient fetch failed, announcement stays pending",
			zap.Int64("announcement_id", a.ID), zap.Error(err))
		return ctx.Err()
	}

	var unrecorded []string
	failed, err := s.broadcast(ctx, a, recipients, func(r outbox.Recipient) {
		if err := s.deps.Outbox.AcknowledgeRecipient(ctx, a.ID, r.ID); err != nil && !errors.Is(err, outbox.ErrNotFound) {
			unrecorded = append(unrecorded, r.Email)
			s.log.Error("recipient acknowledge failed",
				zap.Int64("announcement_id", a.ID), zap.Int64("subscriber_id", r.ID), zap.Error(err))
		}
	})
	if err != nil {
		return err
	}

	if len(failed) == 0 && len(unrecorded) == 0 {
		s.ack(ctx, outbox.KindAnnouncements, a.ID)
		return nil
	}
	if len(failed) == 0 {
		// Delivered but not recorded. The next sweep resends to these.
		s.log.Warn("announcement delivered but not fully recorded",
			zap.Int64("announcement_id", a.ID), zap.Strings("recipients", unrecorded))
		return nil
	}

	p := s.partial(a, failed, len(recipients))
	s.fail(ctx, outbox.KindAnnouncements, a.ID, errors.New(p.Error()+": "+strings.Join(failed, ", ")))
	return nil
}
