package core

import "context"

// TaskWithResult is a task that produces a value for its reply.
type TaskWithResult[T any] func(ctx context.Context) (T, error)

// ReplyWithResult receives the value and error of a TaskWithResult.
type ReplyWithResult[T any] func(ctx context.Context, result T, err error)

// PostTaskAndReply runs task on target, then posts reply to replyRunner.
// The reply is only posted when task returns normally; a panic is left to
// target's failure handling and the reply is dropped.
//
// The classic use is background work on the global queue followed by a UI
// update on the main queue:
//
//	core.PostTaskAndReply(global, loadThumbnail, showThumbnail, mainQueue, core.DefaultTaskTraits())
func PostTaskAndReply(target TaskRunner, task Task, reply Task, replyRunner TaskRunner, traits TaskTraits) {
	if replyRunner == nil {
		target.PostTaskWithTraits(task, traits)
		return
	}

	target.PostTaskWithTraits(func(ctx context.Context) {
		// A panic in task unwinds past the post below.
		task(ctx)
		replyRunner.PostTaskWithTraits(reply, DefaultTaskTraits())
	}, traits)
}

// PostTaskAndReplyWithResult runs task on target and hands its result to
// reply on replyRunner.
//
// The task always completes before the reply starts, and the reply observes
// the values the task wrote: both are captured by the same closure and the
// reply is only posted after the task returned.
func PostTaskAndReplyWithResult[T any](
	target TaskRunner,
	task TaskWithResult[T],
	reply ReplyWithResult[T],
	replyRunner TaskRunner,
	traits TaskTraits,
) {
	var result T
	var err error

	PostTaskAndReply(
		target,
		func(ctx context.Context) { result, err = task(ctx) },
		func(ctx context.Context) { reply(ctx, result, err) },
		replyRunner,
		traits,
	)
}
