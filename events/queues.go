package events

// Long-lived consumer queues, one per service purpose.
const (
	NotificationReservationQueue = "notification.reservation-events"
	NotificationReminderQueue    = "notification.reminders"
	BillingReservationQueue      = "billing.reservation-events"
)
