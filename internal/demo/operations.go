package demo

import (
	"context"
	"fmt"
	"path"
	"time"

	"github.com/Swind/go-dispatch"
)

func init() {
	register(Scenario{Name: "operations", Short: "Dependent image downloads with priorities on an operation queue", Run: runOperations})
}

// ImageDownload simulates fetching an image and storing it. No network I/O
// takes place; the download is a sleep.
type ImageDownload struct {
	URL         string
	Destination string
	Delay       time.Duration
}

// Operation wraps the download in an operation identified by its URL.
func (d ImageDownload) Operation(env *Env, priority dispatch.TaskPriority) *dispatch.Operation {
	return dispatch.NewOperation(d.URL, func(ctx context.Context) error {
		return d.Run(ctx, env)
	}).SetPriority(priority)
}

// Run performs the simulated download.
func (d ImageDownload) Run(ctx context.Context, env *Env) error {
	if err := env.Sleep(ctx, d.Delay); err != nil {
		return fmt.Errorf("download %s: %w", d.URL, err)
	}
	env.Printf("Downloaded image from %s", d.URL)
	env.Logger.Debug("image stored", "url", d.URL, "destination", d.Destination)
	return nil
}

// DefaultImages are the downloads the operations scenario runs.
func DefaultImages() []ImageDownload {
	urls := []string{
		"https://example.com/image1.jpg",
		"https://example.com/image2.jpg",
		"https://example.com/image3.jpg",
	}
	downloads := make([]ImageDownload, len(urls))
	for i, u := range urls {
		downloads[i] = ImageDownload{URL: u, Destination: path.Join("downloads", path.Base(u)), Delay: time.Second}
	}
	return downloads
}

// Each download depends on the previous one, so they finish in order even
// though two may run at once.
func runOperations(env *Env) error {
	q := env.Runtime.NewOperationQueue("com.gcdplay.operations", env.OperationConcurrency)
	defer q.Shutdown()

	images := DefaultImages()
	priorities := []dispatch.TaskPriority{dispatch.TaskPriorityHigh, dispatch.TaskPriorityNormal, dispatch.TaskPriorityLow}

	ops := make([]*dispatch.Operation, len(images))
	for i, img := range images {
		ops[i] = img.Operation(env, priorities[i])
		if i > 0 {
			ops[i].AddDependency(ops[i-1])
		}
	}

	if err := q.AddOperations(ops, false); err != nil {
		return err
	}
	env.Printf("Done operations")

	if err := q.WaitUntilAllOperationsAreFinished(env.MainCtx); err != nil {
		return err
	}
	for _, op := range ops {
		if err := q.Err(op.ID()); err != nil {
			return err
		}
	}
	return nil
}
