// Package notifier delivers kill notifications to the configured channel.
//
// Messages are queued FIFO and sent by a single worker behind a token-bucket
// rate limit. Transport failures are retried with exponential backoff and
// jitter; rejections are not. When a failure leaves it unclear whether the
// channel accepted the message, the worker reads the channel back before
// retrying so a slow success is not posted twice.
//
// # Templates
//
// Format expands {name} placeholders in message templates. An empty note
// removes the surrounding "({note})" group.
package notifier
