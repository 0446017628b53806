package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/hotelhub/hotelmq/events"
	"github.com/hotelhub/hotelmq/internal/logger"
	"github.com/hotelhub/hotelmq/internal/rabbitmq"
	"github.com/hotelhub/hotelmq/messaging"
)

// Notification is a message for a guest, handed to a Sender.
type Notification struct {
	ReservationID string
	GuestID       string
	Contact       *events.GuestContact
	Subject       string
}

// Sender delivers notifications to guests.
type Sender interface {
	Send(ctx context.Context, n Notification) error
}

// logSender writes notifications to the log instead of a mail or SMS gateway.
type logSender struct {
	logger logger.Logger
}

func (s logSender) Send(ctx context.Context, n Notification) error {
	fields := []interface{}{"reservation_id", n.ReservationID, "guest_id", n.GuestID, "subject", n.Subject}
	if !n.Contact.Empty() {
		fields = append(fields, "email", n.Contact.Email, "phone", n.Contact.Phone)
	}
	s.logger.InfowCtx(ctx, "guest notified", fields...)
	return nil
}

// AddNotificationWorker consumes reservation events and due reminders and
// archives whatever either consumer dead-letters.
func (a *App) AddNotificationWorker(ctx context.Context) error {
	return a.addNotificationWorker(ctx, logSender{logger: a.Logger})
}

func (a *App) addNotificationWorker(ctx context.Context, sender Sender) error {
	w := &notificationWorker{app: a, sender: sender, now: time.Now}

	consumer := a.Client.NewEventConsumer(messaging.WithIdempotency(a.idempotency, a.Config.Consumer.IdempotencyTTL))
	for eventType, handler := range map[events.EventType]messaging.EventHandler{
		events.ReservationCreated:   w.onCreated,
		events.ReservationConfirmed: w.onConfirmed,
		events.ReservationCancelled: w.onCancelled,
	} {
		if err := consumer.Handle(eventType, handler); err != nil {
			return err
		}
	}

	sub, err := consumer.Subscribe(ctx, events.NotificationReservationQueue)
	if err != nil {
		return err
	}
	a.track(sub)

	sub, err = a.Client.SubscribeReminders(ctx, events.NotificationReminderQueue, w.onReminder)
	if err != nil {
		return err
	}
	a.track(sub)

	for _, queue := range []string{events.NotificationReservationQueue, events.NotificationReminderQueue} {
		if err := a.archiveDeadLetters(ctx, queue); err != nil {
			return err
		}
	}

	a.Logger.Infow("notification worker started",
		"events_queue", events.NotificationReservationQueue,
		"reminders_queue", events.NotificationReminderQueue)
	return nil
}

type notificationWorker struct {
	app    *App
	sender Sender
	now    func() time.Time
}

func (w *notificationWorker) onCreated(ctx context.Context, env *events.Envelope) error {
	var res events.ReservationData
	if err := env.DecodeData(&res); err != nil {
		return err
	}

	// Reminders follow a delivered notification, so a replayed event does not
	// schedule them twice. One that cannot be scheduled does not fail the booking.
	if err := w.notify(ctx, res.ReservationID, res.GuestID, res.GuestContact, "Reservation received"); err != nil {
		return err
	}

	for _, typ := range []events.ReminderType{events.PreArrival24h, events.PreArrival2h} {
		reminder, delay := events.NewPreArrivalReminder(res, typ, w.now())
		if err := w.app.Client.Reminders().ScheduleReminder(ctx, reminder, delay); err != nil {
			w.app.Logger.WarnwCtx(ctx, "reminder not scheduled",
				"reservation_id", res.ReservationID,
				"type", typ,
				"error", err)
		}
	}
	return nil
}

func (w *notificationWorker) onConfirmed(ctx context.Context, env *events.Envelope) error {
	var res events.ReservationData
	if err := env.DecodeData(&res); err != nil {
		return err
	}
	return w.notify(ctx, res.ReservationID, res.GuestID, res.GuestContact, "Reservation confirmed")
}

func (w *notificationWorker) onCancelled(ctx context.Context, env *events.Envelope) error {
	var res events.ReservationData
	if err := env.DecodeData(&res); err != nil {
		return err
	}
	return w.notify(ctx, res.ReservationID, res.GuestID, res.GuestContact, "Reservation cancelled")
}

func (w *notificationWorker) onReminder(ctx context.Context, reminder events.Reminder) error {
	subject := "Your stay starts tomorrow"
	if reminder.Type == events.PreArrival2h {
		subject = "Your stay starts in two hours"
	}
	return w.notify(ctx, reminder.ReservationID, reminder.GuestID, reminder.GuestContact, subject)
}

// notify falls back to the guest directory when the message carries no
// contact. A directory that does not answer leaves the contact empty.
func (w *notificationWorker) notify(ctx context.Context, reservationID, guestID string, contact *events.GuestContact, subject string) error {
	if contact.Empty() && guestID != "" {
		found, err := w.app.Client.LookupGuestContact(ctx, guestID)
		if err != nil {
			w.app.Logger.WarnwCtx(ctx, "guest contact lookup failed", "guest_id", guestID, "error", err)
		} else {
			contact = found
		}
	}

	return w.sender.Send(ctx, Notification{
		ReservationID: reservationID,
		GuestID:       guestID,
		Contact:       contact,
		Subject:       subject,
	})
}

// GuestDirectory answers contact lookups from memory.
type GuestDirectory struct {
	mu       sync.RWMutex
	contacts map[string]events.GuestContact
}

func NewGuestDirectory(contacts map[string]events.GuestContact) *GuestDirectory {
	if contacts == nil {
		contacts = make(map[string]events.GuestContact)
	}
	return &GuestDirectory{contacts: contacts}
}

func (d *GuestDirectory) Put(guestID string, contact events.GuestContact) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.contacts[guestID] = contact
}

// Lookup returns nil for unknown guests so the caller receives a null reply.
func (d *GuestDirectory) Lookup(ctx context.Context, req events.Request) (any, error) {
	var lookup events.GuestContactLookup
	if err := req.Bind(&lookup); err != nil {
		return nil, err
	}
	if lookup.GuestID == "" {
		return nil, fmt.Errorf("guestId is required")
	}

	d.mu.RLock()
	defer d.mu.RUnlock()
	contact, ok := d.contacts[lookup.GuestID]
	if !ok {
		return nil, nil
	}
	return contact, nil
}

func loadGuestDirectory(path string) (*GuestDirectory, error) {
	if path == "" {
		return NewGuestDirectory(nil), nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read guests file: %w", err)
	}
	var contacts map[string]events.GuestContact
	if err := json.Unmarshal(data, &contacts); err != nil {
		return nil, fmt.Errorf("failed to parse guests file %s: %w", path, err)
	}
	return NewGuestDirectory(contacts), nil
}

// AddGuestDirectory serves guest contact lookups on the configured RPC queue.
func (a *App) AddGuestDirectory(ctx context.Context, directory *GuestDirectory) error {
	server := a.Client.NewRPCServer()
	server.Handle(events.ActionGetGuestContact, directory.Lookup)

	queue := a.Config.RPC.GuestContactQueue
	sub, err := server.Serve(ctx, queue, rabbitmq.WithDeadLetterExchange(a.Client.Exchanges().DeadLetter))
	if err != nil {
		return err
	}
	a.track(sub)

	if err := a.archiveDeadLetters(ctx, queue); err != nil {
		return err
	}

	a.Logger.Infow("guest directory started", "queue", queue)
	return nil
}
