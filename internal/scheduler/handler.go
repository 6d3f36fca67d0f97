package scheduler

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/time/rate"

	"messaging/internal/contact"
	"messaging/internal/content"
	"messaging/internal/schedule"
	"messaging/internal/types"
)

// EventHandlerConfig holds dependencies for creating an EventHandler.
type EventHandlerConfig struct {
	Recipients RecipientResolver
	Expander   RecipientExpander
	Channels   ChannelResolver
	Sender     content.Sender
	Settings   DomainSettingsStore
	Metrics    Metrics
	// Limiter throttles sends across all instances. Nil disables throttling.
	Limiter *rate.Limiter

	DefaultTimezone string
	UsePhoneEntries bool
	Logger          *slog.Logger
}

// EventHandler fires the current event of a due instance and advances it.
type EventHandler struct {
	recipients RecipientResolver
	expander   RecipientExpander
	channels   ChannelResolver
	sender     content.Sender
	metrics    Metrics
	limiter    *rate.Limiter
	settings   *settingsCache
	logger     *slog.Logger
}

// NewEventHandler creates an EventHandler.
func NewEventHandler(cfg EventHandlerConfig) *EventHandler {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	metrics := cfg.Metrics
	if metrics == nil {
		metrics = NoopMetrics{}
	}
	return &EventHandler{
		recipients: cfg.Recipients,
		expander:   cfg.Expander,
		channels:   cfg.Channels,
		sender:     cfg.Sender,
		metrics:    metrics,
		limiter:    cfg.Limiter,
		settings:   newSettingsCache(cfg.Settings, cfg.DefaultTimezone, cfg.UsePhoneEntries, logger),
		logger:     logger,
	}
}

// EventOutcome summarizes what HandleCurrentEvent did.
type EventOutcome struct {
	// Handled is false when the instance was not due and nothing changed.
	Handled        bool
	RecipientFound bool
	Sent           int
	Failed         int
	NoChannel      int
	Deactivated    bool
	Recalculated   bool
}

// HandleCurrentEvent fires inst's current event if it is due at now, then
// advances inst in memory. The caller persists inst when Handled is true.
//
// A missing recipient, a missing channel or a failed send never blocks the
// instance: the event is consumed either way. An error is returned when the
// event could not be attempted: a directory failure during resolution,
// expansion or channel lookup returns before anything is sent. A cancellation
// while sending may leave part of the batch sent. inst is unchanged in both
// cases.
func (h *EventHandler) HandleCurrentEvent(ctx context.Context, inst types.Instance, s *types.Schedule, now time.Time) (EventOutcome, error) {
	return h.handle(ctx, inst, s, now, nil)
}

// keepAlive is called for each target while a fan-out is prepared and before
// each send. A non-nil error stops the fan-out; messages already sent stay sent.
type keepAlive func(ctx context.Context) error

func (h *EventHandler) handle(ctx context.Context, inst types.Instance, s *types.Schedule, now time.Time, keep keepAlive) (EventOutcome, error) {
	c := inst.Common()
	if !c.Active || c.NextEventDue.After(now) {
		return EventOutcome{}, nil
	}

	log := h.logger.With(
		"instance_id", c.ID,
		"schedule_id", c.ScheduleID,
		"domain", c.Domain,
	)

	if s.Deleted || !s.Active {
		c.Active = false
		log.InfoContext(ctx, "schedule inactive, deactivating instance")
		return EventOutcome{Handled: true, Deactivated: true}, nil
	}

	env := h.settings.get(ctx, c.Domain)

	if c.CurrentEventNum < 0 || c.CurrentEventNum >= len(s.Events) {
		skipped := schedule.Recalculate(s, &c.Progress, c.StartDate, now, env.Location)
		log.WarnContext(ctx, "event cursor out of range, recalculated",
			"skipped", skipped,
			"event_num", c.CurrentEventNum,
		)
		return EventOutcome{Handled: true, Recalculated: true}, nil
	}

	recipient, err := h.recipients.ResolveStrict(ctx, c.Domain, c.RecipientType, c.RecipientID, inst.RecipientCaseID())
	if err != nil {
		return EventOutcome{}, types.NewAppErrorWithDetails(types.ErrCodeUpstreamDirectory, "failed to resolve recipient", err, map[string]any{
			"instance_id": c.ID,
			"recipient":   c.Key().String(),
		})
	}

	out := EventOutcome{Handled: true}
	loc := locationFor(recipient, env)
	if recipient == nil {
		h.metrics.RecordSkip(ctx, c.Domain, types.MetricRecipientNotFound)
		log.InfoContext(ctx, "recipient not found, skipping event",
			"recipient_type", c.RecipientType,
			"recipient_id", c.RecipientID,
		)
		// Keep the zone the instance was scheduled in.
		if implied := schedule.ImpliedLocation(s, &c.Progress); implied != nil {
			loc = implied
		}
	} else {
		out.RecipientFound = true
		batch, err := h.prepare(ctx, c, s, recipient, env, keep)
		if err != nil {
			return EventOutcome{}, err
		}
		out.NoChannel = batch.noChannel
		for range batch.noChannel {
			h.metrics.RecordSkip(ctx, c.Domain, types.MetricChannelNotFound)
		}
		if err := h.send(ctx, c, batch.messages, keep, &out); err != nil {
			return out, err
		}
	}

	schedule.Advance(s, &c.Progress, now, loc)
	if !c.Active {
		log.InfoContext(ctx, "schedule instance completed",
			"iteration", c.IterationNum,
		)
	}
	return out, nil
}

type fanOutBatch struct {
	messages  []content.Message
	noChannel int
}

// prepare expands the recipient and addresses every individual. Nothing may be
// sent until the whole batch has resolved.
func (h *EventHandler) prepare(ctx context.Context, c *types.ScheduleInstance, s *types.Schedule, recipient *types.Recipient, env domainEnv, keep keepAlive) (fanOutBatch, error) {
	var batch fanOutBatch
	event := s.Events[c.CurrentEventNum]
	for target, err := range h.expander.Expand(ctx, recipient, s) {
		if err != nil {
			return fanOutBatch{}, types.NewAppErrorWithDetails(types.ErrCodeUpstreamDirectory, "failed to expand recipient", err, map[string]any{
				"instance_id": c.ID,
				"recipient":   c.Key().String(),
			})
		}
		if keep != nil {
			if err := keep(ctx); err != nil {
				return fanOutBatch{}, err
			}
		}

		msg, ok, err := h.address(ctx, target, event.Content.Type, env)
		if err != nil {
			return fanOutBatch{}, types.NewAppErrorWithDetails(types.ErrCodeUpstreamDirectory, "failed to resolve contact channel", err, map[string]any{
				"instance_id":  c.ID,
				"recipient_id": target.ID(),
			})
		}
		if !ok {
			batch.noChannel++
			continue
		}

		msg.Domain = c.Domain
		msg.ScheduleID = c.ScheduleID
		msg.InstanceID = c.ID
		msg.EventNum = c.CurrentEventNum
		msg.Iteration = c.IterationNum
		msg.ContentType = event.Content.Type
		msg.RecipientType = target.Kind
		msg.RecipientID = target.ID()
		msg.Subject, msg.Body, msg.Language = content.Render(event.Content, target.Language(), s.DefaultLanguageCode)
		msg.DedupKey = content.DedupKey(c.ID, c.IterationNum, c.CurrentEventNum, target.ID())
		batch.messages = append(batch.messages, msg)
	}
	return batch, nil
}

// send dispatches a prepared batch. A failed send is counted and skipped.
func (h *EventHandler) send(ctx context.Context, c *types.ScheduleInstance, msgs []content.Message, keep keepAlive, out *EventOutcome) error {
	for _, msg := range msgs {
		if keep != nil {
			if err := keep(ctx); err != nil {
				return err
			}
		}
		if h.limiter != nil {
			if err := h.limiter.Wait(ctx); err != nil {
				return err
			}
		}

		start := time.Now()
		if err := h.sender.Send(ctx, msg); err != nil {
			out.Failed++
			h.metrics.RecordDispatch(ctx, c.Domain, msg.ContentType, DispatchFailed, time.Since(start))
			h.logger.ErrorContext(ctx, "content dispatch failed",
				"instance_id", c.ID,
				"recipient_id", msg.RecipientID,
				"dedup_key", msg.DedupKey,
				"error", err,
			)
			continue
		}
		out.Sent++
		h.metrics.RecordDispatch(ctx, c.Domain, msg.ContentType, DispatchSent, time.Since(start))
	}
	return nil
}

// address resolves the destination for one individual target. ok is false when
// the target has no usable channel for contentType.
func (h *EventHandler) address(ctx context.Context, target *types.Recipient, contentType types.ContentType, env domainEnv) (msg content.Message, ok bool, err error) {
	if contentType == types.ContentEmail {
		email, err := h.channels.ResolveEmail(ctx, target)
		if err != nil {
			return msg, false, err
		}
		msg.Email = email
		return msg, email != "", nil
	}

	channel, err := h.channels.Resolve(ctx, target, contact.Options{UsePhoneEntries: env.UsePhoneEntries})
	if err != nil {
		return msg, false, err
	}
	if channel == nil || channel.Number() == "" {
		return msg, false, nil
	}
	msg.PhoneNumber = channel.Number()
	if channel.Entry != nil {
		msg.PhoneEntryID = channel.Entry.ID
	}
	return msg, true, nil
}
