// Package unibox provides an omnichannel inbox pipeline for Go.
//
// It ingests webhook events from Facebook Messenger, Instagram, WhatsApp
// Cloud, and an embeddable web widget, normalizes them into a unified
// contact/conversation/message model, and dispatches agent replies back
// through each platform's API. Processing is idempotent end to end:
// redelivered webhooks, requeued jobs, and concurrent workers all converge on
// exactly one stored message and at most one platform send.
//
// # Basic Usage
//
//	// Create backends
//	st := memory.New()                  // store/memory, or store/postgres
//	jobs := queuememory.New()           // queue/memory, or queue/amqp
//
//	svc, err := unibox.NewService(
//	    unibox.WithStore(st),
//	    unibox.WithQueue(jobs),
//	    unibox.WithSenders(senders),
//	)
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	if err := svc.Connect(ctx); err != nil {
//	    log.Fatal(err)
//	}
//	defer svc.Close(ctx)
//
//	// HTTP webhook handler side
//	n, err := svc.Ingest(ctx, store.ChannelWhatsApp, body)
//
//	// Worker side
//	go svc.Run(ctx)
//
//	// Agent reply
//	msg, err := svc.SendReply(ctx, unibox.ReplyRequest{
//	    ConversationID: conv.ID,
//	    Content:        "Thanks, looking into it",
//	})
//
// # Pipeline
//
//   - Ingest: verify, normalize, and enqueue raw webhook payloads
//   - Process: resolve channel, contact, and conversation; store messages
//   - Dispatch: deliver agent replies through platform APIs, exactly once
//   - Notify: post pipeline events to tenant-configured webhook URLs
//
// # Backends
//
// Storage: store/postgres (production) and store/memory (testing).
// Queue: queue/amqp on RabbitMQ priority lanes with delayed retry, and
// queue/memory for testing. Locks and idempotency markers: lock/redis and
// idempotency/redis, with in-process variants for single-instance use.
// Attachment blobs: store/media/s3 and store/media/memory.
//
// # Events
//
// The service publishes typed events for message and conversation lifecycle
// using the github.com/rbaliyan/event/v3 library. To deliver them across
// processes, pass WithRedisClient or WithEventTransport when creating the
// service; otherwise events stay in-process.
//
//	events := svc.Events()
//	events.MessageCreated.Subscribe(ctx, handler)
//	events.MessageUpdated.Subscribe(ctx, handler)
//	events.ConversationCreated.Subscribe(ctx, handler)
package unibox
