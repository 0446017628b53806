// Package messaging implements the platform's messaging patterns on top of
// internal/rabbitmq:
//   - EventPublisher: reservation events wrapped in an envelope, routed by event type
//   - ReminderScheduler: reminders delivered after a delay, through the delayed
//     message exchange or a TTL queue dead-lettering into the reminder exchange
//   - EventConsumer and SubscribeReminders: reliable consumption with
//     dead-lettering and optional de-duplication by message id
//   - RPCClient and RPCServer: request/reply with correlation ids and a shared
//     reply queue; a call that times out yields a nil reply
//
// Example usage:
//
//	publisher := messaging.NewEventPublisher(rabbitPublisher, "hotel.events")
//	env, err := publisher.Publish(ctx, events.ReservationCreated, reservation)
//
//	consumer := messaging.NewEventConsumer(rabbitConsumer, "hotel.events",
//		messaging.WithEventDeadLetterExchange("hotel.dlx"))
//	consumer.Handle(events.ReservationConfirmed, onConfirmed)
//	sub, err := consumer.Subscribe(ctx, events.BillingReservationQueue)
//
//	var contact events.GuestContact
//	ok, err := rpc.CallInto(ctx, events.GuestContactQueue,
//		events.NewRequest(events.ActionGetGuestContact, map[string]any{"guestId": id}),
//		3*time.Second, &contact)
package messaging
