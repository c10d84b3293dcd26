// Package notifier delivers operator alerts through the notification
// router.
//
// Alerts come from two places: the connection supervisors' throttled
// AlertFunc (disconnects, login failures) and the log sink, which forwards
// error-level records. Both are queued and sent asynchronously by a small
// worker pool with a shared rate limit, retries on failure and a content
// dedup window so a flapping provider cannot flood the alert channel.
package notifier
