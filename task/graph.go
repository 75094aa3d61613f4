// Copyright 2022 Gustavo C. Viegas. All rights reserved.

// Package task implements the out-of-core renderer's
// task-graph scheduler: a fixed set of typed queues drained
// by a bounded worker pool, always flushing whichever task
// currently has the largest backlog.
package task

import (
	"context"
	"runtime"

	"github.com/sirupsen/logrus"
)

// Graph owns a fixed set of tasks, registered before the
// first call to Run. It is not safe to call AddTask or
// AddTaskWithStatic concurrently with Run, or with each
// other; Enqueue/EnqueueMany and Run itself are.
type Graph struct {
	tasks   []taskRunner
	workers int
	log     *logrus.Logger
}

// Option configures a Graph at construction time.
type Option func(*Graph)

// WithWorkers overrides the bound on simultaneous kernel
// invocations within a single flush. The default is
// runtime.GOMAXPROCS(0).
func WithWorkers(n int) Option {
	return func(g *Graph) {
		if n > 0 {
			g.workers = n
		}
	}
}

// WithLogger overrides the graph's logger. The default is
// logrus.StandardLogger().
func WithLogger(l *logrus.Logger) Option {
	return func(g *Graph) { g.log = l }
}

// NewGraph creates an empty task graph.
func NewGraph(opts ...Option) *Graph {
	g := &Graph{
		workers: runtime.GOMAXPROCS(0),
		log:     logrus.StandardLogger(),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// AddTask registers a task with no static data and returns a
// Handle producers use to enqueue items of type T.
func AddTask[T any](g *Graph, kernel func(items []T, scratch *Scratch)) Handle[T] {
	q := &mpmcQueue[T]{}
	entry := &taskEntry[T, struct{}]{
		queue: q,
		kernel: func(items []T, _ *struct{}, scratch *Scratch) {
			kernel(items, scratch)
		},
	}
	g.tasks = append(g.tasks, entry)
	return Handle[T]{queue: q}
}

// AddTaskWithStatic registers a task whose static data of
// type S is lazily (re)initialized by staticLoader once per
// flush, then shared read-only across every chunk invocation
// of that flush. This is the mechanism by which a kernel
// acquires subscene residency: staticLoader typically calls
// cache.MakeResident and stores the resulting CachedPtr in
// *S, which is released automatically once the flush's last
// chunk returns if S implements an exported Release method.
func AddTaskWithStatic[T, S any](g *Graph, staticLoader func(*S), kernel func(items []T, static *S, scratch *Scratch)) Handle[T] {
	q := &mpmcQueue[T]{}
	entry := &taskEntry[T, S]{
		queue:        q,
		staticLoader: staticLoader,
		kernel:       kernel,
	}
	g.tasks = append(g.tasks, entry)
	return Handle[T]{queue: q}
}

// Run drives the graph until every task's queue is empty. On
// each iteration it flushes the task with the single largest
// approximate backlog to completion before re-scanning, which
// amortizes each task's fixed residency/build cost over as
// many items as possible.
func (g *Graph) Run(ctx context.Context) error {
	for {
		var best taskRunner
		var bestSize int64
		for _, tr := range g.tasks {
			if s := tr.approxQueueSize(); s > bestSize {
				bestSize = s
				best = tr
			}
		}
		if best == nil {
			return nil
		}
		if err := best.flush(ctx, g.workers); err != nil {
			g.log.WithError(err).Error("task: flush interrupted, terminating run")
			return err
		}
	}
}
