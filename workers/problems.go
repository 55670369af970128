package workers

import (
	"context"
	"slices"

	"github.com/talkarr/talkarr/metrics"
	"github.com/talkarr/talkarr/store"
)

var problems = []string{
	store.ProblemNoRootFolder,
	store.ProblemRootFolderUnavailable,
	store.ProblemNoFiles,
	store.ProblemNoVideoFiles,
}

// checkEventsForProblems computes and persists the problems of every event
func (w *Workers) checkEventsForProblems(ctx context.Context) (err error) {
	roots, _, err := w.rootFolders(ctx)
	if err != nil {
		return
	}

	events, err := w.store.ListEvents(ctx)
	if err != nil {
		return
	}

	counts := make(map[string]int, len(problems))
	for _, e := range events {
		if err = ctx.Err(); err != nil {
			return
		}

		var files []store.File
		files, err = w.store.ListFilesByEvent(ctx, e.GUID)
		if err != nil {
			return
		}

		found := eventProblems(e, roots, files)
		for _, p := range found {
			counts[p]++
		}

		if slices.Equal(found, e.Problems) {
			continue
		}

		if err = w.store.SetEventProblems(ctx, e.GUID, found); err != nil {
			return
		}

		w.logger.Info("event problems changed", "task", TaskCheckEventsForProblems, "event", e.GUID, "problems", found)
	}

	for _, p := range problems {
		metrics.EventProblems.WithLabelValues(p).Set(float64(counts[p]))
	}

	return nil
}

// eventProblems returns the problems of an event given the registered root folders and the event's files
func eventProblems(e store.Event, roots map[string]store.RootFolder, files []store.File) []string {
	found := []string{}

	root, ok := roots[e.RootFolder]
	switch {
	case e.RootFolder == "" || !ok:
		found = append(found, store.ProblemNoRootFolder)
	case !root.Healthy():
		found = append(found, store.ProblemRootFolderUnavailable)
	}

	switch {
	case len(files) == 0:
		found = append(found, store.ProblemNoFiles)
	case !slices.ContainsFunc(files, func(f store.File) bool { return f.IsVideo }):
		found = append(found, store.ProblemNoVideoFiles)
	}

	return found
}
