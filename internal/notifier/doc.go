// Package notifier tells the operator chat when a task finishes.
//
// The service subscribes to task.complete events and, when the persisted
// settings enable notifications, queues a short summary. A single worker
// delivers the queue through a Sender with a rate limit and bounded retries.
// A small in-memory history of delivered texts is kept for status views.
package notifier
